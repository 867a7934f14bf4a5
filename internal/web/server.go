package web

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"knx-gateway/internal/automation"
	"knx-gateway/internal/busmon"
	"knx-gateway/internal/gateway"
	"knx-gateway/internal/store"
	"knx-gateway/internal/telegram"
	"knx-gateway/internal/tunnel"
)

// Gateway is what the web API reads and drives.
type Gateway interface {
	Events() *gateway.EventBus
	Identity() gateway.Identity
	Channels() []tunnel.Channel
	Features() tunnel.Features
	BusAddress() telegram.IndividualAddr
	GroupWrite(ctx context.Context, ga telegram.GroupAddr, data []byte) error
	GroupRead(ctx context.Context, ga telegram.GroupAddr) error
}

// AddressBook lists addresses seen on the bus.
type AddressBook interface {
	Devices(ctx context.Context, limit int) ([]busmon.Device, error)
	Groups(ctx context.Context, limit int) ([]busmon.Group, error)
}

// SessionLog lists past tunnel sessions.
type SessionLog interface {
	ListSessions(limit int) ([]*store.Session, error)
}

// IdentityStore keeps the identity overrides applied at the next start.
type IdentityStore interface {
	GetIdentity() (*store.Identity, error)
	UpdateIdentity(fn func(id *store.Identity) error) error
}

// ServerOption configures the web server.
type ServerOption func(*Server)

// WithAPIKey enables API key authentication.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) {
		s.apiKey = key
	}
}

// WithAllowedOrigins sets allowed CORS and WebSocket origin patterns.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithAutomation sets the automation engine and script manager.
func WithAutomation(engine *automation.Engine, mgr *automation.Manager) ServerOption {
	return func(s *Server) {
		s.autoEngine = engine
		s.scriptMgr = mgr
	}
}

// WithAddressBook serves the bus monitor tables.
func WithAddressBook(book AddressBook) ServerOption {
	return func(s *Server) {
		s.addresses = book
	}
}

// WithSessionLog serves the session audit log.
func WithSessionLog(log SessionLog) ServerOption {
	return func(s *Server) {
		s.sessions = log
	}
}

// WithIdentityStore enables editing the stored identity overrides.
func WithIdentityStore(ids IdentityStore) ServerOption {
	return func(s *Server) {
		s.identities = ids
	}
}

// WithVersion sets the version reported by the API.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// Server is the HTTP API and live telegram stream.
type Server struct {
	gw             Gateway
	wsHub          *WSHub
	logger         *slog.Logger
	mux            *http.ServeMux
	apiKey         string
	allowedOrigins []string
	addresses      AddressBook
	sessions       SessionLog
	identities     IdentityStore
	scriptMgr      *automation.Manager
	autoEngine     *automation.Engine
	version        string
	started        time.Time
	wg             sync.WaitGroup
	unsubEvents    func()
}

// NewServer creates the web server and starts its WebSocket hub.
func NewServer(gw Gateway, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		gw:      gw,
		logger:  logger.With("component", "web"),
		mux:     http.NewServeMux(),
		started: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.wsHub = NewWSHub(s.logger)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.wsHub.Run()
	}()

	s.unsubEvents = gw.Events().OnAll(func(event gateway.Event) {
		s.wsHub.Broadcast(event)
	})

	s.routes()
	return s
}

// Stop shuts down the WebSocket hub and waits for it.
func (s *Server) Stop() {
	if s.unsubEvents != nil {
		s.unsubEvents()
	}
	s.wsHub.Stop()
	s.wg.Wait()
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/status", s.handleAPIStatus)
	s.mux.HandleFunc("GET /api/channels", s.handleAPIChannels)
	s.mux.HandleFunc("GET /api/features", s.handleAPIFeatures)
	s.mux.HandleFunc("GET /api/addresses", s.handleAPIAddresses)
	s.mux.HandleFunc("GET /api/sessions", s.handleAPISessions)
	s.mux.HandleFunc("POST /api/groups/{ga}/write", s.handleAPIGroupWrite)
	s.mux.HandleFunc("POST /api/groups/{ga}/read", s.handleAPIGroupRead)
	s.mux.HandleFunc("GET /api/version", s.handleAPIVersion)
	s.mux.HandleFunc("GET /api/identity", s.handleAPIGetIdentity)
	s.mux.HandleFunc("PATCH /api/identity", s.handleAPIPatchIdentity)

	s.mux.HandleFunc("GET /api/automations", s.handleAPIListAutomations)
	s.mux.HandleFunc("GET /api/automations/{id}", s.handleAPIGetAutomation)
	s.mux.HandleFunc("POST /api/automations", s.handleAPICreateAutomation)
	s.mux.HandleFunc("PUT /api/automations/{id}", s.handleAPIUpdateAutomation)
	s.mux.HandleFunc("DELETE /api/automations/{id}", s.handleAPIDeleteAutomation)
	s.mux.HandleFunc("POST /api/automations/{id}/toggle", s.handleAPIToggleAutomation)
	s.mux.HandleFunc("POST /api/automations/{id}/run", s.handleAPIRunAutomation)

	s.mux.HandleFunc("GET /ws", s.handleWS)
}

// ServeHTTP implements http.Handler, applying auth and CORS middleware.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if len(s.allowedOrigins) > 0 {
		if origin := r.Header.Get("Origin"); origin != "" {
			if r.Method == http.MethodOptions {
				if !s.isOriginAllowed(origin) {
					http.Error(w, "Forbidden", http.StatusForbidden)
					return
				}
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
				w.Header().Set("Access-Control-Max-Age", "3600")
				w.WriteHeader(http.StatusNoContent)
				return
			}

			if r.Method != http.MethodGet {
				if !s.isOriginAllowed(origin) {
					http.Error(w, "Forbidden", http.StatusForbidden)
					return
				}
				w.Header().Set("Access-Control-Allow-Origin", origin)
			}
		}
	}

	// Browsers cannot set headers on a WebSocket upgrade, so only /api/ is keyed.
	if s.apiKey != "" && strings.HasPrefix(r.URL.Path, "/api/") {
		key := r.Header.Get("X-API-Key")
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
	}
	s.mux.ServeHTTP(w, r)
}

func (s *Server) isOriginAllowed(origin string) bool {
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}
