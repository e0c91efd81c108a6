// Package vaulttest runs an in-process store that speaks enough of the AppRole
// login and KV v2 HTTP API to exercise the vault client.
package vaulttest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
)

const (
	DefaultRoleID   = "role-1"
	DefaultSecretID = "secret-1"
	DefaultLease    = time.Hour
)

// LoginMode changes what the login endpoint returns.
type LoginMode int

const (
	LoginOK LoginMode = iota
	// LoginNoAuth answers 200 without an auth block.
	LoginNoAuth
	// LoginNoLease answers with a token but a zero lease.
	LoginNoLease
)

type version struct {
	data    map[string]any
	created time.Time
	deleted bool
}

// Server is a fake store. All exported methods are safe for concurrent use.
type Server struct {
	*httptest.Server

	RoleID   string
	SecretID string

	mu         sync.Mutex
	secrets    map[string][]version
	tokens     map[string]bool
	namespaces []string
	lease      time.Duration
	latency    time.Duration
	loginMode  LoginMode
	policies   []string

	logins   atomic.Int64
	requests atomic.Int64
}

// NewServer starts a fake store. Close it when done.
func NewServer() *Server {
	s := &Server{
		RoleID:   DefaultRoleID,
		SecretID: DefaultSecretID,
		secrets:  make(map[string][]version),
		tokens:   make(map[string]bool),
		lease:    DefaultLease,
		policies: []string{"default", "tenant-rw"},
	}

	r := chi.NewRouter()
	r.Use(s.middleware)
	r.Get("/v1/sys/health", s.handleHealth)
	r.Post("/v1/auth/{authMount}/login", s.handleLogin)
	r.Put("/v1/auth/{authMount}/login", s.handleLogin)
	r.Route("/v1/{mount}", func(r chi.Router) {
		r.Get("/data/*", s.authorized(s.handleRead))
		r.Post("/data/*", s.authorized(s.handleWrite))
		r.Put("/data/*", s.authorized(s.handleWrite))
		r.Delete("/data/*", s.authorized(s.handleDelete))
		r.Get("/metadata", s.authorized(s.handleMetadata))
		r.Get("/metadata/*", s.authorized(s.handleMetadata))
	})

	s.Server = httptest.NewServer(r)
	return s
}

// SetLease changes the lease duration of future logins.
func (s *Server) SetLease(d time.Duration) {
	s.mu.Lock()
	s.lease = d
	s.mu.Unlock()
}

// SetLatency delays every response, or until the request is cancelled.
func (s *Server) SetLatency(d time.Duration) {
	s.mu.Lock()
	s.latency = d
	s.mu.Unlock()
}

func (s *Server) SetLoginMode(mode LoginMode) {
	s.mu.Lock()
	s.loginMode = mode
	s.mu.Unlock()
}

// LoginCount returns how many login requests were received.
func (s *Server) LoginCount() int64 {
	return s.logins.Load()
}

// RequestCount returns how many requests of any kind were received.
func (s *Server) RequestCount() int64 {
	return s.requests.Load()
}

// Namespaces returns the namespace header of every request, in order.
func (s *Server) Namespaces() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.namespaces...)
}

// Seed stores data as a new version of path, bypassing authentication.
func (s *Server) Seed(path string, data map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendLocked(path, data)
}

// Data returns the live data of path, or nil.
func (s *Server) Data(path string) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.latestLocked(path)
	if v == nil || v.deleted {
		return nil
	}
	return copyMap(v.data)
}

// Versions returns how many versions path has, deleted ones included.
func (s *Server) Versions(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.secrets[path])
}

func (s *Server) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.requests.Add(1)

		s.mu.Lock()
		s.namespaces = append(s.namespaces, r.Header.Get("X-Vault-Namespace"))
		latency := s.latency
		s.mu.Unlock()

		if latency > 0 {
			select {
			case <-time.After(latency):
			case <-r.Context().Done():
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authorized(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("X-Vault-Token")
		s.mu.Lock()
		ok := s.tokens[token]
		s.mu.Unlock()
		if !ok {
			writeErrors(w, http.StatusForbidden, "permission denied")
			return
		}
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"initialized":     true,
		"sealed":          false,
		"standby":         false,
		"version":         "1.17.0-fake",
		"cluster_name":    "vaulttest",
		"server_time_utc": time.Now().Unix(),
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	n := s.logins.Add(1)

	var body struct {
		RoleID   string `json:"role_id"`
		SecretID string `json:"secret_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErrors(w, http.StatusBadRequest, "failed to parse JSON input")
		return
	}
	if body.RoleID != s.RoleID || body.SecretID != s.SecretID {
		writeErrors(w, http.StatusBadRequest, "invalid role or secret ID")
		return
	}

	s.mu.Lock()
	mode := s.loginMode
	lease := s.lease
	policies := append([]string(nil), s.policies...)
	token := fmt.Sprintf("hvs.fake-%d", n)
	s.tokens[token] = true
	s.mu.Unlock()

	switch mode {
	case LoginNoAuth:
		writeJSON(w, http.StatusOK, map[string]any{"auth": nil})
	case LoginNoLease:
		writeJSON(w, http.StatusOK, map[string]any{"auth": map[string]any{
			"client_token":   token,
			"lease_duration": 0,
		}})
	default:
		writeJSON(w, http.StatusOK, map[string]any{"auth": map[string]any{
			"client_token":   token,
			"lease_duration": int(lease.Seconds()),
			"renewable":      false,
			"policies":       policies,
		}})
	}
}

func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	path := chi.URLParam(r, "*")

	s.mu.Lock()
	versions := s.secrets[path]
	var v *version
	if len(versions) > 0 {
		v = &versions[len(versions)-1]
	}
	found := v != nil
	deleted := found && v.deleted
	var resp map[string]any
	if found {
		meta := map[string]any{
			"version":       len(versions),
			"created_time":  v.created.Format(time.RFC3339Nano),
			"deletion_time": "",
			"destroyed":     false,
		}
		var data any
		if deleted {
			meta["deletion_time"] = v.created.Format(time.RFC3339Nano)
		} else {
			data = copyMap(v.data)
		}
		resp = map[string]any{"data": map[string]any{"data": data, "metadata": meta}}
	}
	s.mu.Unlock()

	switch {
	case !found:
		writeErrors(w, http.StatusNotFound)
	case deleted:
		writeJSON(w, http.StatusNotFound, resp)
	default:
		writeJSON(w, http.StatusOK, resp)
	}
}

func (s *Server) handleWrite(w http.ResponseWriter, r *http.Request) {
	path := chi.URLParam(r, "*")

	var body struct {
		Data    map[string]any `json:"data"`
		Options struct {
			CAS *int `json:"cas"`
		} `json:"options"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Data == nil {
		writeErrors(w, http.StatusBadRequest, "no data provided")
		return
	}

	s.mu.Lock()
	current := len(s.secrets[path])
	if body.Options.CAS != nil && *body.Options.CAS != current {
		s.mu.Unlock()
		writeErrors(w, http.StatusBadRequest, "check-and-set parameter did not match the current version")
		return
	}
	created := s.appendLocked(path, body.Data)
	n := len(s.secrets[path])
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{
		"version":       n,
		"created_time":  created.Format(time.RFC3339Nano),
		"deletion_time": "",
		"destroyed":     false,
	}})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	path := chi.URLParam(r, "*")

	s.mu.Lock()
	if versions := s.secrets[path]; len(versions) > 0 {
		versions[len(versions)-1].deleted = true
	}
	s.mu.Unlock()

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMetadata(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(chi.URLParam(r, "*"), "/")

	if r.URL.Query().Get("list") == "true" {
		keys := s.children(path)
		if len(keys) == 0 {
			writeErrors(w, http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"keys": keys}})
		return
	}

	s.mu.Lock()
	n := len(s.secrets[path])
	s.mu.Unlock()
	if n == 0 {
		writeErrors(w, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{
		"current_version": n,
		"oldest_version":  1,
	}})
}

func (s *Server) children(prefix string) []string {
	if prefix != "" {
		prefix += "/"
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool)
	for p := range s.secrets {
		if !strings.HasPrefix(p, prefix) {
			continue
		}
		rest := strings.TrimPrefix(p, prefix)
		if i := strings.Index(rest, "/"); i >= 0 {
			seen[rest[:i+1]] = true
		} else {
			seen[rest] = true
		}
	}

	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (s *Server) appendLocked(path string, data map[string]any) time.Time {
	now := time.Now().UTC()
	s.secrets[path] = append(s.secrets[path], version{data: copyMap(data), created: now})
	return now
}

func (s *Server) latestLocked(path string) *version {
	versions := s.secrets[path]
	if len(versions) == 0 {
		return nil
	}
	return &versions[len(versions)-1]
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeErrors(w http.ResponseWriter, status int, errs ...string) {
	if errs == nil {
		errs = []string{}
	}
	writeJSON(w, status, map[string]any{"errors": errs})
}
