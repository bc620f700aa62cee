// Package managerapi serves the fleet manager's HTTP surface from inside
// the worker: server assignment, profile persistence, and audit/usage
// intake. It lets a single relay binary stand alone without an external
// manager deployment.
package managerapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/CloverLabsAI/roverfox/internal/adapters/audit"
	"github.com/CloverLabsAI/roverfox/internal/adapters/store"
	"github.com/CloverLabsAI/roverfox/internal/domain"
)

type API struct {
	log        zerolog.Logger
	profiles   store.ProfileStore
	proxies    store.ProxyStore
	sink       audit.Sink
	assignment domain.ServerAssignment
}

func New(log zerolog.Logger, profiles store.ProfileStore, proxies store.ProxyStore, sink audit.Sink, assignment domain.ServerAssignment) *API {
	return &API{
		log:        log.With().Str("component", "managerapi").Logger(),
		profiles:   profiles,
		proxies:    proxies,
		sink:       sink,
		assignment: assignment,
	}
}

func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/assign-server", a.handleAssign)
	mux.HandleFunc("/api/profiles", a.handleProfiles)
	mux.HandleFunc("/api/profiles/", a.handleProfile)
	mux.HandleFunc("/api/proxies", a.handleProxies)
	mux.HandleFunc("/api/proxies/", a.handleProxy)
	mux.HandleFunc("/api/audit", a.handleAudit)
	mux.HandleFunc("/api/usage", a.handleUsage)
}

func (a *API) handleAssign(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, a.assignment)
}

func (a *API) handleProfiles(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		list, err := a.profiles.List(r.Context())
		if err != nil {
			a.serverError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, list)
	case http.MethodPost:
		var p domain.Profile
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil || p.BrowserID == "" {
			http.Error(w, "bad profile payload", http.StatusBadRequest)
			return
		}
		err := a.profiles.Create(r.Context(), p)
		if errors.Is(err, store.ErrExists) {
			http.Error(w, "profile exists", http.StatusConflict)
			return
		}
		if err != nil {
			a.serverError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, p)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleProfile serves /api/profiles/{browserId} and
// /api/profiles/{browserId}/storage.
func (a *API) handleProfile(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/profiles/")
	browserID, sub, _ := strings.Cut(rest, "/")
	if browserID == "" {
		http.NotFound(w, r)
		return
	}

	if sub == "storage" {
		a.handleStorage(w, r, browserID)
		return
	}
	if sub != "" {
		http.NotFound(w, r)
		return
	}

	switch r.Method {
	case http.MethodGet:
		p, err := a.profiles.Get(r.Context(), browserID)
		if errors.Is(err, store.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		if err != nil {
			a.serverError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, p)
	case http.MethodPatch:
		var data domain.ProfileData
		if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
			http.Error(w, "bad profile data", http.StatusBadRequest)
			return
		}
		err := a.profiles.Update(r.Context(), browserID, data)
		if errors.Is(err, store.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		if err != nil {
			a.serverError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case http.MethodDelete:
		err := a.profiles.Delete(r.Context(), browserID)
		if errors.Is(err, store.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		if err != nil {
			a.serverError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (a *API) handleStorage(w http.ResponseWriter, r *http.Request, browserID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var state domain.StorageState
	if err := json.NewDecoder(r.Body).Decode(&state); err != nil {
		http.Error(w, "bad storage state", http.StatusBadRequest)
		return
	}
	err := a.profiles.SaveStorageState(r.Context(), browserID, state)
	if errors.Is(err, store.ErrNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		a.serverError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleProxies(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var creds domain.ProxyCredentials
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil || creds.ID == 0 || creds.Server == "" {
		http.Error(w, "bad proxy payload", http.StatusBadRequest)
		return
	}
	if err := a.proxies.PutProxy(r.Context(), creds); err != nil {
		a.serverError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, creds)
}

// handleProxy serves /api/proxies/{id}.
func (a *API) handleProxy(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id, err := strconv.ParseInt(strings.TrimPrefix(r.URL.Path, "/api/proxies/"), 10, 64)
	if err != nil {
		http.Error(w, "bad proxy id", http.StatusBadRequest)
		return
	}
	creds, err := a.proxies.GetProxy(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		a.serverError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, creds)
}

func (a *API) handleAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var rec domain.AuditRecord
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		http.Error(w, "bad audit record", http.StatusBadRequest)
		return
	}
	a.sink.RecordAudit(r.Context(), rec)
	w.WriteHeader(http.StatusAccepted)
}

func (a *API) handleUsage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var rec domain.UsageRecord
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		http.Error(w, "bad usage record", http.StatusBadRequest)
		return
	}
	a.sink.RecordUsage(r.Context(), rec)
	w.WriteHeader(http.StatusAccepted)
}

func (a *API) serverError(w http.ResponseWriter, err error) {
	a.log.Error().Err(err).Msg("store operation failed")
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
