package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hetu-io/hetu/internal/admission"
	"github.com/hetu-io/hetu/internal/housekeeping"
	"github.com/hetu-io/hetu/internal/schema"
	"github.com/hetu-io/hetu/internal/session"
	"github.com/hetu-io/hetu/internal/store"
	"github.com/hetu-io/hetu/internal/store/memory"
	"github.com/hetu-io/hetu/internal/store/redisstore"
	"github.com/hetu-io/hetu/internal/system"
	"github.com/hetu-io/hetu/pkg/config"
	"github.com/hetu-io/hetu/pkg/logger"
	"github.com/hetu-io/hetu/pkg/metrics"
)

const idleSessionTimeout = 10 * time.Minute

// sessionTable tracks every live Session, for connected-session metrics
// and the idle-session sweep housekeeping drives.
type sessionTable struct {
	mu    sync.Mutex
	byID  map[string]*session.Session
	gauge interface{ Set(float64) }
}

func newSessionTable(gauge interface{ Set(float64) }) *sessionTable {
	return &sessionTable{byID: make(map[string]*session.Session), gauge: gauge}
}

func (t *sessionTable) add(s *session.Session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byID[s.ID] = s
	t.gauge.Set(float64(len(t.byID)))
}

func (t *sessionTable) remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.byID, id)
	t.gauge.Set(float64(len(t.byID)))
}

// SweepIdle implements housekeeping.SessionSweeper.
func (t *sessionTable) SweepIdle(idleTimeout time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	closed := 0
	cutoff := time.Now().Add(-idleTimeout)
	for id, s := range t.byID {
		if s.LastActive().Before(cutoff) {
			s.ForceClose()
			delete(t.byID, id)
			closed++
		}
	}
	t.gauge.Set(float64(len(t.byID)))
	return closed
}

func runStart(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	configPath := fs.String("config", "", "optional YAML config overlay")
	if err := fs.Parse(args); err != nil {
		return exitConfigError
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "hetu start: load config: %v\n", err)
		return exitConfigError
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "hetu start: invalid config: %v\n", err)
		return exitConfigError
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	reg := demoRegistry()

	backend, closeBackend, err := openBackend(ctx, cfg, reg)
	if err != nil {
		log.WithError(err).Error("hetu start: open backend")
		return exitBackendError
	}
	defer closeBackend()

	metricsReg := metrics.NewRegistry()
	metricsReg.StartHostSampler(ctx, 30*time.Second)

	issuer := admission.NewIssuer([]byte(cfg.JWTSecret), 24*time.Hour)
	sysReg := demoSystems(issuer)
	executor := system.NewExecutor(system.Config{
		Backend:      backend,
		Registry:     sysReg,
		Logger:       log,
		Metrics:      metricsReg,
		MaxRetries:   cfg.MaxRetries,
		CallDeadline: cfg.CallDeadline,
	})

	if err := housekeeping.ClearTransientAtStartup(ctx, backend, reg); err != nil {
		log.WithError(err).Error("hetu start: clear transient state")
		return exitBackendError
	}

	sessions := newSessionTable(metricsReg.ConnectedSessions)
	sched := housekeeping.New(log)
	if err := sched.RegisterIdleSessionSweep(cfg.CronSpec, sessions, idleSessionTimeout); err != nil {
		log.WithError(err).Error("hetu start: register idle sweep")
		return exitConfigError
	}
	sched.Start()
	defer sched.Stop()

	router := mux.NewRouter()
	router.HandleFunc("/healthz", healthzHandler).Methods(http.MethodGet)
	router.HandleFunc("/readyz", readyzHandler(backend)).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.HandlerFor(metricsReg.Gatherer(), promhttp.HandlerOpts{})).Methods(http.MethodGet)

	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}
	router.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.WithError(err).Warn("hetu start: websocket upgrade failed")
			return
		}
		conn := session.NewConn(ws)
		if err := session.ServerHandshake(conn, negotiateCompression(r)); err != nil {
			log.WithError(err).Warn("hetu start: handshake failed")
			conn.Close(err)
			return
		}
		id := uuid.NewString()
		sess := session.New(id, conn, executor, backend, reg, log)
		sessions.add(sess)
		go func() {
			sess.Run(r.Context())
			sessions.remove(id)
		}()
	})

	server := &http.Server{Addr: cfg.Listen, Handler: router}
	serveErrCh := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.Listen).Info("hetu: listening")
		serveErrCh <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErrCh:
		if err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("hetu start: listen")
			return exitBackendError
		}
	case <-sigCh:
		log.Info("hetu: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Error("hetu start: graceful shutdown")
			return exitBackendError
		}
	}
	return exitOK
}

func openBackend(ctx context.Context, cfg *config.Config, reg *schema.Registry) (store.Backend, func(), error) {
	switch {
	case cfg.BackendURL == "" || strings.HasPrefix(cfg.BackendURL, "memory://"):
		return memory.New(reg), func() {}, nil
	case strings.HasPrefix(cfg.BackendURL, "redis://"):
		addr := strings.TrimPrefix(cfg.BackendURL, "redis://")
		backend, err := redisstore.New(ctx, redisstore.Options{Addr: addr, Cluster: cfg.Cluster}, reg)
		if err != nil {
			return nil, nil, err
		}
		return backend, func() { backend.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported HETU_BACKEND_URL %q", cfg.BackendURL)
	}
}

func negotiateCompression(r *http.Request) string {
	if strings.Contains(r.Header.Get("Accept-Encoding"), "deflate") {
		return "zlib"
	}
	return "none"
}

func healthzHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func readyzHandler(backend store.Backend) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tx, err := backend.Begin(r.Context(), schema.Owner)
		if err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "not-ready", "error": err.Error()})
			return
		}
		tx.Rollback()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
	}
}
