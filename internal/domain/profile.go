package domain

import (
	"net/url"
	"strings"
)

// Profile is one persisted browser identity, addressed by its browser id.
type Profile struct {
	BrowserID string      `json:"browser_id"`
	Data      ProfileData `json:"data"`
}

// ProfileData is the stored state behind a profile: cookies and origin
// storage to restore, fingerprint seeds, and last-known network facts.
type ProfileData struct {
	ProxyURL             string        `json:"proxyUrl,omitempty"`
	StorageState         StorageState  `json:"storageState"`
	FontSpacingSeed      int64         `json:"fontSpacingSeed"`
	AudioFingerprintSeed *int64        `json:"audioFingerprintSeed,omitempty"`
	ScreenDimensions     *ScreenDims   `json:"screenDimensions,omitempty"`
	Timezone             string        `json:"timezone,omitempty"`
	Geolocation          *GeoPoint     `json:"geolocation,omitempty"`
	CountryCode          string        `json:"countryCode,omitempty"`
	LastKnownIP          string        `json:"lastKnownIP,omitempty"`
}

type ScreenDims struct {
	Width      int `json:"width"`
	Height     int `json:"height"`
	ColorDepth int `json:"colorDepth,omitempty"`
}

type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// StorageState mirrors the browser storage restored into a new context.
type StorageState struct {
	Cookies []Cookie        `json:"cookies"`
	Origins []OriginStorage `json:"origins"`
}

type Cookie struct {
	Name     string  `json:"name"`
	Path     string  `json:"path"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Secure   bool    `json:"secure"`
	Expires  float64 `json:"expires"`
	HTTPOnly bool    `json:"httpOnly"`
	SameSite string  `json:"sameSite"`
}

type OriginStorage struct {
	Origin       string             `json:"origin"`
	LocalStorage []LocalStorageItem `json:"localStorage"`
}

type LocalStorageItem struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// ProxyCredentials is the outbound proxy a session tunnels through,
// looked up by numeric id.
type ProxyCredentials struct {
	ID       int64  `json:"id"`
	Server   string `json:"server"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// URL renders the credentials as the proxy URL a profile stores. Server may
// be bare host:port or carry its own scheme.
func (p ProxyCredentials) URL() string {
	scheme, host := "http", p.Server
	if i := strings.Index(p.Server, "://"); i >= 0 {
		scheme, host = p.Server[:i], p.Server[i+3:]
	}
	u := url.URL{Scheme: scheme, Host: host}
	if p.Username != "" {
		u.User = url.UserPassword(p.Username, p.Password)
	}
	return u.String()
}

// GeoLocation is the result of an IP lookup.
type GeoLocation struct {
	CountryCode string  `json:"countryCode"`
	Timezone    string  `json:"timezone"`
	Lat         float64 `json:"lat"`
	Lon         float64 `json:"lon"`
	City        string  `json:"city,omitempty"`
	Region      string  `json:"region,omitempty"`
}
