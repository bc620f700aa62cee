// Package protocol defines the JSON wire protocol spoken on the replay
// socket: a discriminated union of inbound messages with strict per-type
// validation, and the outbound message set the hub emits.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Type discriminates wire messages.
type Type string

// Inbound message types.
const (
	TypeRegisterProfile   Type = "register-profile"
	TypeUnregisterProfile Type = "unregister-profile"
	TypeScreenshot        Type = "screenshot"
	TypeSubscribe         Type = "subscribe"
	TypeSubscribePage     Type = "subscribe-page"
	TypePageOpened        Type = "page-opened"
	TypePageClosed        Type = "page-closed"
	TypeStartStreaming    Type = "start-streaming"
	TypeStopStreaming     Type = "stop-streaming"
	TypeMouseMove         Type = "mouse-move"
	TypeMouseClick        Type = "mouse-click"
	TypeKeyboardType      Type = "keyboard-type"
	TypeKeyboardPress     Type = "keyboard-press"
	TypeScroll            Type = "scroll"
)

// Outbound message types.
const (
	TypeProfilesUpdated Type = "profiles-updated"
	TypeNewScreenshot   Type = "new-screenshot"
	TypePagesUpdated    Type = "pages-updated"
	TypeStreamEnded     Type = "stream-ended"
)

var (
	ErrMalformed   = errors.New("protocol: malformed message")
	ErrUnknownType = errors.New("protocol: unknown message type")
)

// Inbound is implemented by every message a client may send.
type Inbound interface {
	Kind() Type
}

// Input is the subset of inbound messages that carry remote-control input.
// The hub relays these verbatim to the owning producer.
type Input interface {
	Inbound
	Target() (uuid, pageID string)
}

type RegisterProfile struct {
	Type Type   `json:"type"`
	UUID string `json:"uuid"`
}

type UnregisterProfile struct {
	Type Type   `json:"type"`
	UUID string `json:"uuid"`
}

type Screenshot struct {
	Type      Type     `json:"type"`
	UUID      string   `json:"uuid"`
	PageID    string   `json:"pageId"`
	PageTitle string   `json:"pageTitle"`
	Base64    string   `json:"base64"`
	MouseX    *float64 `json:"mouseX,omitempty"`
	MouseY    *float64 `json:"mouseY,omitempty"`
}

// Subscribe with an empty UUID unsubscribes the viewer from all sessions.
type Subscribe struct {
	UUID string `json:"uuid"`
}

type SubscribePage struct {
	UUID   string `json:"uuid"`
	PageID string `json:"pageId"`
}

type PageOpened struct {
	Type      Type   `json:"type"`
	UUID      string `json:"uuid"`
	PageID    string `json:"pageId"`
	PageTitle string `json:"pageTitle"`
}

type PageClosed struct {
	Type   Type   `json:"type"`
	UUID   string `json:"uuid"`
	PageID string `json:"pageId"`
}

type StartStreaming struct {
	UUID string `json:"uuid"`
}

type StopStreaming struct {
	UUID string `json:"uuid"`
}

type MouseMove struct {
	UUID   string  `json:"uuid"`
	PageID string  `json:"pageId"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
}

type MouseClick struct {
	UUID       string  `json:"uuid"`
	PageID     string  `json:"pageId"`
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Button     string  `json:"button"`
	ClickCount int     `json:"clickCount"`
}

type KeyboardType struct {
	UUID   string `json:"uuid"`
	PageID string `json:"pageId"`
	Text   string `json:"text"`
}

// Modifiers are named boolean flags composed into a key chord on replay.
type Modifiers struct {
	Ctrl  bool `json:"ctrl,omitempty"`
	Shift bool `json:"shift,omitempty"`
	Alt   bool `json:"alt,omitempty"`
	Meta  bool `json:"meta,omitempty"`
}

type KeyboardPress struct {
	UUID      string     `json:"uuid"`
	PageID    string     `json:"pageId"`
	Key       string     `json:"key"`
	Modifiers *Modifiers `json:"modifiers,omitempty"`
}

type Scroll struct {
	UUID   string  `json:"uuid"`
	PageID string  `json:"pageId"`
	DeltaX float64 `json:"deltaX"`
	DeltaY float64 `json:"deltaY"`
}

func (RegisterProfile) Kind() Type   { return TypeRegisterProfile }
func (UnregisterProfile) Kind() Type { return TypeUnregisterProfile }
func (Screenshot) Kind() Type        { return TypeScreenshot }
func (Subscribe) Kind() Type         { return TypeSubscribe }
func (SubscribePage) Kind() Type     { return TypeSubscribePage }
func (PageOpened) Kind() Type        { return TypePageOpened }
func (PageClosed) Kind() Type        { return TypePageClosed }
func (StartStreaming) Kind() Type    { return TypeStartStreaming }
func (StopStreaming) Kind() Type     { return TypeStopStreaming }
func (MouseMove) Kind() Type         { return TypeMouseMove }
func (MouseClick) Kind() Type        { return TypeMouseClick }
func (KeyboardType) Kind() Type      { return TypeKeyboardType }
func (KeyboardPress) Kind() Type     { return TypeKeyboardPress }
func (Scroll) Kind() Type            { return TypeScroll }

func (m MouseMove) Target() (string, string)     { return m.UUID, m.PageID }
func (m MouseClick) Target() (string, string)    { return m.UUID, m.PageID }
func (m KeyboardType) Target() (string, string)  { return m.UUID, m.PageID }
func (m KeyboardPress) Target() (string, string) { return m.UUID, m.PageID }
func (m Scroll) Target() (string, string)        { return m.UUID, m.PageID }

// requiredFields lists the fields each inbound type must carry, beyond "type".
// Optional fields (mouseX/mouseY, modifiers) are deliberately absent.
var requiredFields = map[Type][]string{
	TypeRegisterProfile:   {"uuid"},
	TypeUnregisterProfile: {"uuid"},
	TypeScreenshot:        {"uuid", "pageId", "pageTitle", "base64"},
	TypeSubscribe:         {"uuid"},
	TypeSubscribePage:     {"uuid", "pageId"},
	TypePageOpened:        {"uuid", "pageId", "pageTitle"},
	TypePageClosed:        {"uuid", "pageId"},
	TypeStartStreaming:    {"uuid"},
	TypeStopStreaming:     {"uuid"},
	TypeMouseMove:         {"uuid", "pageId", "x", "y"},
	TypeMouseClick:        {"uuid", "pageId", "x", "y", "button", "clickCount"},
	TypeKeyboardType:      {"uuid", "pageId", "text"},
	TypeKeyboardPress:     {"uuid", "pageId", "key"},
	TypeScroll:            {"uuid", "pageId", "deltaX", "deltaY"},
}

// ParseInbound validates raw JSON against the exact required-field shape of
// its declared type and returns the typed message. Malformed or unrecognized
// payloads yield an error; callers drop such messages and carry on.
func ParseInbound(data []byte) (Inbound, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	tr, ok := raw["type"]
	if !ok {
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	var ts string
	if err := json.Unmarshal(tr, &ts); err != nil {
		return nil, fmt.Errorf("%w: non-string type", ErrMalformed)
	}
	typ := Type(ts)

	required, ok := requiredFields[typ]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, ts)
	}
	for _, f := range required {
		if _, ok := raw[f]; !ok {
			return nil, fmt.Errorf("%w: %s missing %q", ErrMalformed, ts, f)
		}
	}

	decode := func(dst Inbound) (Inbound, error) {
		if err := json.Unmarshal(data, dst); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, ts, err)
		}
		return dst, nil
	}

	switch typ {
	case TypeRegisterProfile:
		return decode(&RegisterProfile{})
	case TypeUnregisterProfile:
		return decode(&UnregisterProfile{})
	case TypeScreenshot:
		return decode(&Screenshot{})
	case TypeSubscribe:
		return decode(&Subscribe{})
	case TypeSubscribePage:
		return decode(&SubscribePage{})
	case TypePageOpened:
		return decode(&PageOpened{})
	case TypePageClosed:
		return decode(&PageClosed{})
	case TypeStartStreaming:
		return decode(&StartStreaming{})
	case TypeStopStreaming:
		return decode(&StopStreaming{})
	case TypeMouseMove:
		return decode(&MouseMove{})
	case TypeMouseClick:
		m := &MouseClick{}
		if _, err := decode(m); err != nil {
			return nil, err
		}
		switch m.Button {
		case "left", "right", "middle":
		default:
			return nil, fmt.Errorf("%w: mouse-click button %q", ErrMalformed, m.Button)
		}
		if m.ClickCount != 1 && m.ClickCount != 2 {
			return nil, fmt.Errorf("%w: mouse-click clickCount %d", ErrMalformed, m.ClickCount)
		}
		return m, nil
	case TypeKeyboardType:
		return decode(&KeyboardType{})
	case TypeKeyboardPress:
		return decode(&KeyboardPress{})
	case TypeScroll:
		return decode(&Scroll{})
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownType, ts)
}

// Outbound messages. Constructors fill the discriminant so a zero-value
// struct can never be sent with an empty type tag.

type ProfilesUpdated struct {
	Type     Type     `json:"type"`
	Profiles []string `json:"profiles"`
}

func NewProfilesUpdated(profiles []string) ProfilesUpdated {
	if profiles == nil {
		profiles = []string{}
	}
	return ProfilesUpdated{Type: TypeProfilesUpdated, Profiles: profiles}
}

type NewScreenshot struct {
	Type      Type     `json:"type"`
	UUID      string   `json:"uuid"`
	PageID    string   `json:"pageId"`
	PageTitle string   `json:"pageTitle,omitempty"`
	Base64    string   `json:"base64"`
	MouseX    *float64 `json:"mouseX,omitempty"`
	MouseY    *float64 `json:"mouseY,omitempty"`
}

type PageRef struct {
	PageID    string `json:"pageId"`
	PageTitle string `json:"pageTitle"`
}

type PagesUpdated struct {
	Type  Type      `json:"type"`
	UUID  string    `json:"uuid"`
	Pages []PageRef `json:"pages"`
}

func NewPagesUpdated(uuid string, pages []PageRef) PagesUpdated {
	if pages == nil {
		pages = []PageRef{}
	}
	return PagesUpdated{Type: TypePagesUpdated, UUID: uuid, Pages: pages}
}

type StreamEnded struct {
	Type Type   `json:"type"`
	UUID string `json:"uuid"`
}

func NewStreamEnded(uuid string) StreamEnded {
	return StreamEnded{Type: TypeStreamEnded, UUID: uuid}
}

type PageOpenedEvent struct {
	Type      Type   `json:"type"`
	UUID      string `json:"uuid"`
	PageID    string `json:"pageId"`
	PageTitle string `json:"pageTitle"`
}

func NewPageOpened(uuid, pageID, pageTitle string) PageOpenedEvent {
	return PageOpenedEvent{Type: TypePageOpened, UUID: uuid, PageID: pageID, PageTitle: pageTitle}
}

type PageClosedEvent struct {
	Type   Type   `json:"type"`
	UUID   string `json:"uuid"`
	PageID string `json:"pageId"`
}

func NewPageClosed(uuid, pageID string) PageClosedEvent {
	return PageClosedEvent{Type: TypePageClosed, UUID: uuid, PageID: pageID}
}

type StreamControl struct {
	Type Type   `json:"type"`
	UUID string `json:"uuid"`
}

func NewStartStreaming(uuid string) StreamControl {
	return StreamControl{Type: TypeStartStreaming, UUID: uuid}
}

func NewStopStreaming(uuid string) StreamControl {
	return StreamControl{Type: TypeStopStreaming, UUID: uuid}
}
