// Package service supervises one chat connection: it feeds inbound events
// through history recording and dispatch, serves status endpoints, and
// drains in-flight work on shutdown. Bots never touch the transport; they
// register grammars and handlers before Run and emit commands.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/davisyoshida/asyncbots/pkg/bot"
	"github.com/davisyoshida/asyncbots/pkg/config"
	"github.com/davisyoshida/asyncbots/pkg/dispatch"
	"github.com/davisyoshida/asyncbots/pkg/history"
	"github.com/davisyoshida/asyncbots/pkg/transport"
)

const (
	defaultStatusHost = "0.0.0.0"
	defaultStatusPort = 18890
	defaultDrainGrace = 5 * time.Second
)

// Service owns the connection supervisor loop.
type Service struct {
	cfg        *config.Config
	registry   *bot.Registry
	dispatcher *dispatch.Dispatcher
	recorder   history.Recorder
	connector  transport.Connector
	sender     transport.Transport
	alert      string
	dedupe     *dedupeWindow
	log        *slog.Logger

	mu             sync.RWMutex
	startedAt      time.Time
	connectorState connectorState
}

type connectorState struct {
	Running bool   `json:"running"`
	Error   string `json:"error,omitempty"`
}

type statusResponse struct {
	Status        string         `json:"status"`
	UptimeSeconds int64          `json:"uptime_seconds"`
	Registrations int            `json:"registrations"`
	Connector     connectorState `json:"connector"`
}

// New wires the supervisor together. The registry is sealed here: no
// registration may happen after the connection starts.
func New(cfg *config.Config, registry *bot.Registry, connector transport.Connector, sender transport.Transport, recorder history.Recorder, log *slog.Logger) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if registry == nil {
		return nil, errors.New("registry is required")
	}
	if connector == nil {
		return nil, errors.New("connector is required")
	}
	if sender == nil {
		return nil, errors.New("sender transport is required")
	}
	if recorder == nil {
		recorder = history.NopRecorder{}
	}
	if log == nil {
		log = slog.Default()
	}

	registry.Seal()

	translator := dispatch.NewTranslator(sender, log)
	dispatcher, err := dispatch.New(registry, translator, dispatch.Options{
		HandlerTimeout: time.Duration(cfg.Dispatch.HandlerTimeoutSeconds) * time.Second,
		MaxInFlight:    cfg.Dispatch.MaxInFlight,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("initialize dispatcher: %w", err)
	}

	return &Service{
		cfg:        cfg,
		registry:   registry,
		dispatcher: dispatcher,
		recorder:   recorder,
		connector:  connector,
		sender:     sender,
		alert:      cfg.AlertFor(connector.Name()),
		dedupe:     newDedupeWindow(512),
		log:        log.With("component", "service"),
	}, nil
}

// Run starts the status server and the connector, then blocks until the
// context is canceled or the connector fails. On shutdown, in-flight handler
// invocations drain up to the configured grace period.
func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	s.startedAt = time.Now().UTC()
	s.mu.Unlock()

	serverErrors := make(chan error, 1)
	go s.runStatusServer(ctx, serverErrors)

	connectorErrors := make(chan error, 1)
	s.setConnectorState(connectorState{Running: true})
	go func() {
		err := s.connector.Run(ctx, s.intake)
		s.setConnectorState(connectorState{Running: false, Error: errorString(err)})
		connectorErrors <- err
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serverErrors:
		runErr = err
	case err := <-connectorErrors:
		if err != nil && !errors.Is(err, context.Canceled) {
			runErr = fmt.Errorf("run %s connector: %w", s.connector.Name(), err)
		}
	}

	s.shutdown()
	return runErr
}

// intake handles one inbound event: dedupe, history append, alert gating,
// dispatch. It runs on the connector's single delivery goroutine, so resolve
// and selection happen in arrival order.
func (s *Service) intake(ctx context.Context, event transport.InboundEvent) {
	if s.dedupe.seen(event.EventID) {
		s.log.Debug("Skipping duplicate event", "event_id", event.EventID)
		return
	}

	// Channel traffic is recorded regardless of dispatch outcome;
	// command invocations and DMs stay out of the archive.
	if !event.DM && !strings.HasPrefix(event.Text, s.alert) {
		s.recorder.Append(history.Record{
			Channel:   event.ChannelID,
			EventID:   event.EventID,
			SenderID:  event.SenderID,
			Text:      event.Text,
			Timestamp: event.Timestamp,
		})
	}

	gated, ok := s.gate(event)
	if !ok {
		return
	}

	matched := s.dispatcher.Dispatch(ctx, gated)

	// A DM that matches nothing gets the aggregated help text, so users
	// can discover commands by messaging the bot directly.
	if !matched && event.DM {
		if help := s.registry.Help(); help != "" {
			if err := s.sender.SendMessage(ctx, event.ChannelID, help); err != nil {
				s.log.Error("Failed to send help message", "error", err)
			}
		}
	}
}

// gate applies the alert-prefix rule: channel messages must start with the
// alert prefix, direct messages may omit it. The returned event carries the
// command text with the prefix stripped.
func (s *Service) gate(event transport.InboundEvent) (transport.InboundEvent, bool) {
	text := event.Text

	if strings.HasPrefix(text, s.alert) {
		event.Text = strings.TrimSpace(strings.TrimPrefix(text, s.alert))
		return event, event.Text != ""
	}

	if event.DM {
		event.Text = strings.TrimSpace(text)
		return event, event.Text != ""
	}

	return event, false
}

func (s *Service) shutdown() {
	grace := time.Duration(s.cfg.Dispatch.DrainGraceSeconds) * time.Second
	if grace <= 0 {
		grace = defaultDrainGrace
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	s.dispatcher.Drain(drainCtx)

	if err := s.recorder.Close(); err != nil {
		s.log.Error("Failed to close history recorder", "error", err)
	}
}

func (s *Service) runStatusServer(ctx context.Context, errCh chan<- error) {
	host := strings.TrimSpace(s.cfg.Status.Host)
	if host == "" {
		host = defaultStatusHost
	}

	port := s.cfg.Status.Port
	if port <= 0 {
		port = defaultStatusPort
	}

	addr := host + ":" + strconv.Itoa(port)
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/readyz", s.handleReady)

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.log.Info("Status server started", "address", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errCh <- fmt.Errorf("start status server: %w", err)
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

func (s *Service) respondStatus(w http.ResponseWriter, statusCode int, status string) {
	s.mu.RLock()
	uptime := int64(0)
	if !s.startedAt.IsZero() {
		uptime = int64(time.Since(s.startedAt).Seconds())
	}
	payload := statusResponse{
		Status:        status,
		UptimeSeconds: uptime,
		Registrations: s.registry.Len(),
		Connector:     s.connectorState,
	}
	s.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Error("Failed to write status response", "error", err)
	}
}

func (s *Service) isReady() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connectorState.Running
}

func (s *Service) setConnectorState(state connectorState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connectorState = state
}

func errorString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// dedupeWindow remembers the last N event IDs so duplicate delivery from the
// transport does not re-run a handler.
type dedupeWindow struct {
	mu    sync.Mutex
	ids   map[string]struct{}
	order []string
	next  int
}

func newDedupeWindow(size int) *dedupeWindow {
	return &dedupeWindow{
		ids:   make(map[string]struct{}, size),
		order: make([]string, size),
	}
}

// seen records id and reports whether it was already in the window. Empty
// IDs are never deduplicated.
func (w *dedupeWindow) seen(id string) bool {
	if id == "" {
		return false
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.ids[id]; ok {
		return true
	}

	if old := w.order[w.next]; old != "" {
		delete(w.ids, old)
	}
	w.order[w.next] = id
	w.next = (w.next + 1) % len(w.order)
	w.ids[id] = struct{}{}
	return false
}
