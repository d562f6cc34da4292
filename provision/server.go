// Package provision serves the HTTP endpoint that collects Wi-Fi and broker
// credentials while the node is in access-point mode.
package provision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/time/rate"

	"github.com/marcormc/sensornode/event"
	"github.com/marcormc/sensornode/logging"
)

// DefaultAddress is the listen address of the provisioning endpoint.
const DefaultAddress = ":8080"

const (
	maxBodyBytes    = 4 << 10
	shutdownTimeout = 5 * time.Second
)

// Poster accepts events without blocking.
type Poster interface {
	Post(e event.Event) error
}

// Error is the JSON body of a failed request.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes.
const (
	ErrCodeBadRequest  = "bad_request"
	ErrCodeValidation  = "validation_error"
	ErrCodeBusy        = "busy"
	ErrCodeRateLimited = "rate_limited"
	ErrCodeInternal    = "internal_error"
)

type serverOptions struct {
	address string
	logger  logging.Logger
	limit   rate.Limit
	burst   int
}

// Option configures a Server.
type Option func(*serverOptions)

// WithAddress sets the listen address.
func WithAddress(addr string) Option {
	return func(o *serverOptions) {
		if addr != "" {
			o.address = addr
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l logging.Logger) Option {
	return func(o *serverOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithRateLimit limits accepted submissions to r per second with the given burst.
func WithRateLimit(r rate.Limit, burst int) Option {
	return func(o *serverOptions) {
		o.limit = r
		o.burst = burst
	}
}

// Server is the provisioning endpoint. Accepted credentials are posted as
// CredentialsProvided; the state machine stops the server once it has
// moved on.
type Server struct {
	out     Poster
	opts    serverOptions
	log     logging.Logger
	limiter *rate.Limiter
	router  *mux.Router

	mu       sync.Mutex
	srv      *http.Server
	listener net.Listener
}

// NewServer creates a provisioning server posting to out.
func NewServer(out Poster, opts ...Option) *Server {
	o := serverOptions{
		address: DefaultAddress,
		logger:  logging.NewNoOpLogger(),
		limit:   rate.Every(time.Second),
		burst:   5,
	}
	for _, opt := range opts {
		opt(&o)
	}

	s := &Server{
		out:     out,
		opts:    o,
		log:     o.logger.WithFields(logging.Fields{logging.FieldActivity: "provision"}),
		limiter: rate.NewLimiter(o.limit, o.burst),
	}
	s.router = s.buildRouter()
	return s
}

func (s *Server) buildRouter() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/provision", s.handleProvision).Methods(http.MethodPost)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	return r
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// Start listens on the configured address and serves in the background.
// Starting a running server is a no-op.
func (s *Server) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.srv != nil {
		return nil
	}

	ln, err := net.Listen("tcp", s.opts.address)
	if err != nil {
		return fmt.Errorf("provisioning listen %s: %w", s.opts.address, err)
	}

	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
	}
	s.srv = srv
	s.listener = ln

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("provisioning server error", logging.Fields{logging.FieldError: err})
		}
	}()

	s.log.Info("provisioning endpoint listening", logging.Fields{logging.FieldRemoteAddr: ln.Addr().String()})
	return nil
}

// Addr returns the listen address while running, or nil.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop shuts the server down, waiting briefly for in-flight requests.
// Stopping a stopped server is a no-op.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.listener = nil
	s.mu.Unlock()

	if srv == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	s.log.Info("provisioning endpoint stopping", nil)
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down provisioning server: %w", err)
	}
	return nil
}

func (s *Server) handleProvision(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.Allow() {
		writeError(w, http.StatusTooManyRequests, ErrCodeRateLimited, "too many requests")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	creds, err := decodeCredentials(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
		return
	}

	if err := creds.Validate(); err != nil {
		s.log.Warn("rejected credentials", logging.Fields{logging.FieldError: err})
		writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
		return
	}

	if err := s.out.Post(event.CredentialsProvided{Credentials: creds}); err != nil {
		if errors.Is(err, event.ErrQueueFull) {
			writeError(w, http.StatusServiceUnavailable, ErrCodeBusy, "node is busy, retry shortly")
			return
		}
		s.log.Error("cannot post credentials", logging.Fields{logging.FieldError: err})
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, "internal error")
		return
	}

	s.log.Info("credentials accepted", logging.Fields{"ssid": creds.WiFiSSID, "host": creds.BrokerHost})
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func decodeCredentials(r *http.Request) (event.Credentials, error) {
	var creds event.Credentials

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
			return creds, fmt.Errorf("invalid JSON body: %w", err)
		}
		return creds, nil
	}

	if err := r.ParseForm(); err != nil {
		return creds, fmt.Errorf("invalid form body: %w", err)
	}
	creds.WiFiSSID = r.PostForm.Get("wifi_ssid")
	creds.WiFiPSK = r.PostForm.Get("wifi_psk")
	creds.BrokerHost = r.PostForm.Get("mqtt_host")
	creds.BrokerUser = r.PostForm.Get("mqtt_user")
	creds.BrokerPassword = r.PostForm.Get("mqtt_passwd")
	return creds, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		json.NewEncoder(w).Encode(v) //nolint:errcheck
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{Status: status, Code: code, Message: message})
}
