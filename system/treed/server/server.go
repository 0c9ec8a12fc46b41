package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/signadot/livetree/ir"
	"github.com/signadot/livetree/system/treed/actions"
	"github.com/signadot/livetree/system/treed/authz"
	"github.com/signadot/livetree/system/treed/storage"
)

// Server represents the livetree server.
type Server struct {
	Spec Spec

	// Hub fans ChangeLogs out to sessions
	Hub     *Hub
	Metrics *Metrics

	engine *actions.Engine
	auth   *actions.Authenticator
	mirror *storage.Mirror

	upgrader   *websocket.Upgrader
	wsSessions *sessionSet

	// TCP listener for the JSON lines protocol
	tcpListener *TCPListener
	httpServer  *http.Server
}

// New creates a Server: it loads the mirror if there is one, wires the
// mutation engine to the hub, the mirror and the metrics, and seeds the
// defaults if configured to.
func New(spec *Spec) (*Server, error) {
	if spec.Log == nil {
		spec.Log = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: slogLevel(),
		}))
	}
	if spec.Config == nil {
		spec.Config = DefaultConfig()
	}
	cfg := spec.Config
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	log := spec.Log

	s := &Server{
		Spec:       *spec,
		Metrics:    NewMetrics(),
		wsSessions: newSessionSet(),
	}
	s.Hub = NewHub(log, s.Metrics)
	s.upgrader = s.newUpgrader()

	seq := &storage.Sequence{}
	if cfg.DataDir != "" {
		m, err := storage.OpenMirror(cfg.MirrorFile(), cfg.mirrorConfig(), log)
		if err != nil {
			return nil, err
		}
		s.mirror = m
		if s.Spec.Storage == nil {
			root, count, err := m.Load()
			if err != nil {
				m.Close()
				return nil, fmt.Errorf("load mirror: %w", err)
			}
			s.Spec.Storage = storage.New()
			s.Spec.Storage.Restore(root)
			seq.Reset(count)
			log.Info("loaded mirror", "file", cfg.MirrorFile(), "seq", count)
		}
	}
	if s.Spec.Storage == nil {
		s.Spec.Storage = storage.New()
	}

	az := authz.New(cfg.rulesPath(), cfg.DefaultPolicy, log)
	s.engine = actions.New(s.Spec.Storage, az, seq, log)
	s.engine.SetDistributor(s.Hub)
	s.engine.SetObserver(s.Metrics)
	if s.mirror != nil {
		s.mirror.OnResult = s.Metrics.persisted
		s.engine.SetPersister(s.mirror)
		s.mirror.Start(s.engine.Snapshot)
	}

	auth := cfg.Auth
	if auth == nil {
		auth = &AuthConfig{}
	}
	var err error
	s.auth, err = actions.NewAuthenticator(s.Spec.Storage, cfg.usersPath(), []byte(auth.Secret), auth.TokenTTL.D())
	if err != nil {
		s.closeMirror()
		return nil, err
	}

	if cfg.Bootstrap {
		err := s.engine.Bootstrap(context.Background(), actions.BootstrapConfig{
			UsersPath:     cfg.usersPath(),
			RulesPath:     cfg.rulesPath(),
			AdminPassword: auth.AdminPassword,
		})
		if err != nil {
			s.closeMirror()
			return nil, err
		}
	}

	return s, nil
}

func slogLevel() slog.Level {
	if os.Getenv("DEBUG") != "" {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

func (s *Server) Engine() *actions.Engine {
	return s.engine
}

func (s *Server) Authenticator() *actions.Authenticator {
	return s.auth
}

// Mirror returns the durable mirror, or nil for a memory only server.
func (s *Server) Mirror() *storage.Mirror {
	return s.mirror
}

func (s *Server) sessionConfig(base ir.Path) *SessionConfig {
	cfg := s.Spec.Config
	return &SessionConfig{
		Engine:                s.engine,
		Auth:                  s.auth,
		Hub:                   s.Hub,
		Log:                   s.Spec.Log,
		Base:                  base,
		BroadcastBuffer:       cfg.BroadcastBuffer,
		OutgoingBuffer:        cfg.OutgoingBuffer,
		DisconnectConcurrency: cfg.DisconnectConcurrency,
	}
}

// Handler serves WebSocket sessions, the REST endpoints and metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(WebSocketPath, s.serveWebSocket)
	mux.HandleFunc(WebSocketPath+"/", s.serveWebSocket)
	mux.HandleFunc(DataPath, s.serveData)
	mux.HandleFunc(DataPath+"/", s.serveData)
	mux.Handle("/metrics", s.Metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "seq": s.engine.Seq(), "sessions": s.Hub.SessionCount()})
	})
	return mux
}

// Serve listens on the configured HTTP and TCP addresses until ctx is
// done, then shuts everything down.
func (s *Server) Serve(ctx context.Context) error {
	cfg := s.Spec.Config
	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Listen, err)
	}
	s.httpServer = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	if cfg.TCP != "" {
		if err := s.StartTCP(cfg.TCP); err != nil {
			ln.Close()
			return err
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.Spec.Log.Info("HTTP listener started", "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		return s.Close()
	})
	return g.Wait()
}

// StartTCP starts the TCP listener on the given address.
// The listener runs in a separate goroutine.
func (s *Server) StartTCP(addr string) error {
	if s.tcpListener != nil {
		return fmt.Errorf("TCP listener already running")
	}

	listener, err := NewTCPListener(addr, s)
	if err != nil {
		return err
	}

	s.tcpListener = listener

	go func() {
		if err := listener.Serve(); err != nil {
			s.Spec.Log.Error("TCP listener error", "error", err)
		}
	}()

	return nil
}

// TCPAddr returns the TCP listener's address, or nil.
func (s *Server) TCPAddr() net.Addr {
	if s.tcpListener == nil {
		return nil
	}
	return s.tcpListener.Addr()
}

// StopTCP stops the TCP listener.
func (s *Server) StopTCP() error {
	if s.tcpListener == nil {
		return nil
	}

	err := s.tcpListener.Close()
	s.tcpListener = nil
	return err
}

// Close stops the listeners and sessions, letting each session run its
// on-disconnect mutations, then drains and closes the mirror.
func (s *Server) Close() error {
	var errs []error
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		cancel()
	}
	s.wsSessions.closeAll()
	if err := s.StopTCP(); err != nil {
		errs = append(errs, err)
	}
	if err := s.closeMirror(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (s *Server) closeMirror() error {
	if s.mirror == nil {
		return nil
	}
	m := s.mirror
	s.mirror = nil
	return m.Close()
}
