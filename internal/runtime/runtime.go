package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-dictation/internal/bus"
	"github.com/loqalabs/loqa-dictation/internal/capture"
	"github.com/loqalabs/loqa-dictation/internal/config"
	"github.com/loqalabs/loqa-dictation/internal/control"
	"github.com/loqalabs/loqa-dictation/internal/natsserver"
	"github.com/loqalabs/loqa-dictation/internal/protocol"
	"github.com/loqalabs/loqa-dictation/internal/session"
	"github.com/loqalabs/loqa-dictation/internal/status"
	"github.com/nats-io/nats.go"
)

type Runtime struct {
	cfg           config.Config
	logger        *slog.Logger
	source        capture.Source
	pipeline      *Pipeline
	embedded      *natsserver.EmbeddedServer
	bus           *bus.Client
	control       *control.Service
	status        *status.Reporter
	httpServer    *http.Server
	metricsServer *http.Server
	tracerClose   func(context.Context) error
	version       string
	ready         atomic.Bool
	wg            sync.WaitGroup
}

type Option func(*Runtime)

// WithSource replaces the capture source built from config.
func WithSource(src capture.Source) Option {
	return func(r *Runtime) { r.source = src }
}

// WithVersion sets the service.version reported in telemetry.
func WithVersion(v string) Option {
	return func(r *Runtime) { r.version = v }
}

func New(cfg config.Config, logger *slog.Logger, opts ...Option) *Runtime {
	r := &Runtime{
		cfg:     cfg,
		logger:  logger,
		version: "dev",
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tel, err := setupTelemetry(r.cfg, r.version, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = tel.shutdown
	metricsHandler := tel.metrics

	pipeline, err := NewPipeline(ctx, r.cfg, r.source, r.logger)
	if err != nil {
		r.shutdown()
		return fmt.Errorf("failed to build pipeline: %w", err)
	}
	r.pipeline = pipeline

	if err := r.startBus(ctx); err != nil {
		r.shutdown()
		return err
	}

	if r.cfg.Status.Enabled {
		reporter, err := status.NewReporter(ctx, r.cfg.Status, r.busConn(), pipeline.Status, r.logger)
		if err != nil {
			r.shutdown()
			return fmt.Errorf("failed to start status reporter: %w", err)
		}
		r.status = reporter
	}

	mux := r.routes()
	if metricsHandler != nil {
		if r.cfg.Telemetry.PrometheusBind == "" {
			mux.Handle("/metrics", metricsHandler)
		} else {
			r.serve(&http.Server{
				Addr:              r.cfg.Telemetry.PrometheusBind,
				Handler:           metricsHandler,
				ReadHeaderTimeout: 5 * time.Second,
			}, "metrics")
		}
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.serve(r.httpServer, "http")

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr), slog.String("stt_mode", r.cfg.STT.Mode))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)
	return r.shutdown()
}

func (r *Runtime) serve(srv *http.Server, name string) {
	if name == "metrics" {
		r.metricsServer = srv
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("server failed", slog.String("server", name), slog.String("error", err.Error()))
		}
	}()
}

func (r *Runtime) startBus(ctx context.Context) error {
	if !r.cfg.Bus.Enabled {
		return nil
	}
	busCfg := r.cfg.Bus
	if busCfg.Embedded {
		srv, err := natsserver.Start(busCfg, r.logger)
		if err != nil {
			return fmt.Errorf("failed to start embedded nats: %w", err)
		}
		r.embedded = srv
		busCfg.Servers = []string{srv.ClientURL()}
	}
	client, err := bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to bus: %w", err)
	}
	r.bus = client

	r.control = control.NewService(ctx, client, r.pipeline.Machine, r.pipeline.Outputs, r.pipeline.Progress, r.logger)
	if err := r.control.Start(); err != nil {
		return fmt.Errorf("failed to start control service: %w", err)
	}
	return nil
}

func (r *Runtime) busConn() *nats.Conn {
	if r.bus == nil {
		return nil
	}
	return r.bus.Conn()
}

func (r *Runtime) shutdown() error {
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	var errs []error
	for _, srv := range []*http.Server{r.httpServer, r.metricsServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}
	r.wg.Wait()

	if r.status != nil {
		r.status.Close()
	}
	if r.control != nil {
		r.control.Close()
	}
	if r.pipeline != nil {
		if err := r.pipeline.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if r.bus != nil {
		r.bus.Close()
	}
	if r.embedded != nil {
		r.embedded.Shutdown()
	}
	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("telemetry shutdown: %w", err))
		}
	}
	err := errors.Join(errs...)
	if err != nil {
		r.logger.Error("shutdown error", slog.String("error", err.Error()))
	}
	return err
}

func (r *Runtime) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("/v1/session", r.handleSession)
	mux.HandleFunc("/v1/nodes", r.handleNodes)
	mux.Handle("/v1/events", newEventStream(r.pipeline, r.logger))
	return mux
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && (r.bus == nil || r.bus.Healthy()) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

// handleSession reports the session on GET and drives it on POST with
// ?action=start|stop|cancel.
func (r *Runtime) handleSession(w http.ResponseWriter, req *http.Request) {
	machine := r.pipeline.Machine
	switch req.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, r.pipeline.Status())
	case http.MethodPost:
		rep := protocol.ControlReply{}
		code := http.StatusOK
		switch req.URL.Query().Get("action") {
		case "start":
			if err := machine.Start(req.Context()); err != nil {
				rep.Error = err.Error()
				code = startErrorCode(err)
			}
		case "stop":
			if machine.State() != session.Capturing {
				rep.Error = "no active session"
				code = http.StatusConflict
				break
			}
			res := machine.Stop(req.Context())
			rep.SessionID = res.SessionID
			rep.Text = res.Text
		case "cancel":
			machine.StopWithoutTranscription()
		default:
			writeJSON(w, http.StatusBadRequest, protocol.ControlReply{State: machine.State().String(), Error: "unknown action"})
			return
		}
		rep.State = machine.State().String()
		if rep.SessionID == "" {
			rep.SessionID = machine.SessionID()
		}
		writeJSON(w, code, rep)
	default:
		w.Header().Set("Allow", "GET, POST")
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func startErrorCode(err error) int {
	switch {
	case errors.Is(err, session.ErrNotIdle):
		return http.StatusConflict
	case errors.Is(err, session.ErrPermissionDenied):
		return http.StatusForbidden
	default:
		return http.StatusServiceUnavailable
	}
}

func (r *Runtime) handleNodes(w http.ResponseWriter, _ *http.Request) {
	if r.status == nil {
		writeJSON(w, http.StatusOK, []status.Node{})
		return
	}
	writeJSON(w, http.StatusOK, r.status.Nodes())
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
