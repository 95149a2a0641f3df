package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"newtonchat/pkg/channel"
	"newtonchat/pkg/channel/websocket"
	"newtonchat/pkg/config"
)

const (
	defaultHTTPHost = "0.0.0.0"
	defaultHTTPPort = 18790

	// maxErrorReport bounds the body of a client error report.
	maxErrorReport = 64 << 10
)

// Service serves the comm websocket, the client config and the status
// endpoints, and runs the configured channel adapters.
type Service struct {
	cfg      *config.Config
	log      *slog.Logger
	kernel   channel.Kernel
	socket   *websocket.Handler
	channels []channel.Adapter

	mu            sync.RWMutex
	startedAt     time.Time
	channelStates map[string]channelState
	clientErrors  int
}

type channelState struct {
	Running bool   `json:"running"`
	Error   string `json:"error,omitempty"`
}

type statusResponse struct {
	Status        string                  `json:"status"`
	UptimeSeconds int64                   `json:"uptime_seconds"`
	Connections   int64                   `json:"connections"`
	ClientErrors  int                     `json:"client_errors"`
	Channels      map[string]channelState `json:"channels"`
}

type clientConfigResponse struct {
	Restrict  []string `json:"restrict"`
	Instances bool     `json:"instances"`
}

func NewService(cfg *config.Config, kernel channel.Kernel, adapters []channel.Adapter, log *slog.Logger) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if kernel == nil {
		return nil, errors.New("kernel is required")
	}
	if log == nil {
		log = slog.Default()
	}

	channelStates := make(map[string]channelState, len(adapters))
	for _, adapter := range adapters {
		channelStates[adapter.Name()] = channelState{}
	}

	return &Service{
		cfg:           cfg,
		log:           log.With("component", "gateway.service"),
		kernel:        kernel,
		socket:        websocket.NewHandler(kernel, log),
		channels:      adapters,
		channelStates: channelStates,
	}, nil
}

// Handler returns the HTTP routes of the gateway.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/readyz", s.handleReady)
	mux.HandleFunc("/newtonchat/config", s.handleClientConfig)
	mux.HandleFunc("/newtonchat/error", s.handleClientError)
	mux.Handle("/newtonchat/comm", s.socket)
	return mux
}

func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	s.startedAt = time.Now().UTC()
	s.mu.Unlock()

	serverErrors := make(chan error, 1)
	go s.runServer(ctx, serverErrors)

	errCh := make(chan error, len(s.channels))
	for _, adapter := range s.channels {
		s.setChannelState(adapter.Name(), channelState{Running: true})

		go func() {
			err := adapter.Run(ctx, s.kernel)
			s.setChannelState(adapter.Name(), channelState{Running: false, Error: errorString(err)})
			if err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("run %s channel: %w", adapter.Name(), err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		return nil
	case err := <-serverErrors:
		return err
	case err := <-errCh:
		return err
	}
}

func (s *Service) runServer(ctx context.Context, errCh chan<- error) {
	host := strings.TrimSpace(s.cfg.Gateway.Host)
	if host == "" {
		host = defaultHTTPHost
	}

	port := s.cfg.Gateway.Port
	if port <= 0 {
		port = defaultHTTPPort
	}

	addr := host + ":" + strconv.Itoa(port)
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.log.Info("Gateway server started", "address", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errCh <- fmt.Errorf("start gateway server: %w", err)
	}
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.respondStatus(w, http.StatusOK, "ok")
}

func (s *Service) handleReady(w http.ResponseWriter, _ *http.Request) {
	statusCode := http.StatusOK
	status := "ready"
	if !s.isReady() {
		statusCode = http.StatusServiceUnavailable
		status = "not_ready"
	}

	s.respondStatus(w, statusCode, status)
}

// handleClientConfig tells the client which modes it may offer and whether
// instances are persisted.
func (s *Service) handleClientConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	restrict := s.cfg.Gateway.Restrict
	if restrict == nil {
		restrict = []string{}
	}
	s.respondJSON(w, http.StatusOK, clientConfigResponse{
		Restrict:  restrict,
		Instances: s.cfg.Storage.Enabled(),
	})
}

// handleClientError records an error reported by the client. Reports are
// only logged.
func (s *Service) handleClientError(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
	case http.MethodPost:
		body, err := io.ReadAll(io.LimitReader(r.Body, maxErrorReport))
		if err != nil {
			http.Error(w, "unreadable report", http.StatusBadRequest)
			return
		}
		s.mu.Lock()
		s.clientErrors++
		s.mu.Unlock()
		s.log.Warn("Client reported an error", "remote", r.RemoteAddr, "report", strings.TrimSpace(string(body)))
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Service) respondStatus(w http.ResponseWriter, statusCode int, status string) {
	s.respondJSON(w, statusCode, s.currentStatus(status))
}

func (s *Service) respondJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Error("Failed to write response", "error", err)
	}
}

func (s *Service) currentStatus(status string) statusResponse {
	s.mu.RLock()
	defer s.mu.RUnlock()

	uptime := int64(0)
	if !s.startedAt.IsZero() {
		uptime = int64(time.Since(s.startedAt).Seconds())
	}

	channels := make(map[string]channelState, len(s.channelStates))
	for name, state := range s.channelStates {
		channels[name] = state
	}

	return statusResponse{
		Status:        status,
		UptimeSeconds: uptime,
		Connections:   s.socket.Connections(),
		ClientErrors:  s.clientErrors,
		Channels:      channels,
	}
}

// isReady reports whether the service runs and no channel adapter has
// stopped.
func (s *Service) isReady() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.startedAt.IsZero() {
		return false
	}

	for _, state := range s.channelStates {
		if !state.Running {
			return false
		}
	}

	return true
}

func (s *Service) setChannelState(name string, state channelState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channelStates[name] = state
}

func errorString(err error) string {
	if err == nil {
		return ""
	}

	return err.Error()
}
