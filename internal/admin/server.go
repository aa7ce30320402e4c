package admin

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"cronward/internal/runtime/supervisor"
	logx "cronward/pkg/logx"
)

const DefaultAddr = "127.0.0.1:8089"

// ServerConfig controls the listener.
//
// Security:
//   - Prefer binding to localhost (default).
//   - A non-loopback address requires Token or AllowInsecure.
type ServerConfig struct {
	Addr          string
	Token         string
	AllowInsecure bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

var ErrInsecureBind = errors.New("admin refused to start: non-loopback addr requires token or allow_insecure")

// CheckBind reports whether cfg may be served.
func CheckBind(cfg ServerConfig) error {
	addr := addrOr(cfg.Addr)
	if cfg.AllowInsecure || strings.TrimSpace(cfg.Token) != "" || isLoopbackAddr(addr) {
		return nil
	}
	return errors.WithHint(errors.Wrapf(ErrInsecureBind, "addr %s", addr),
		"set admin.token, bind to 127.0.0.1, or set admin.allow_insecure")
}

// Server runs the admin HTTP handler under a supervisor and restarts the
// listener when it exits unexpectedly.
type Server struct {
	mu  sync.Mutex
	log logx.Logger
	cfg ServerConfig
	h   http.Handler

	ln       net.Listener
	pending  net.Listener // bound by Start, not yet served
	bound    string
	srv      *http.Server
	sup      *supervisor.Supervisor
	stopDone chan struct{}
}

func NewServer(cfg ServerConfig, h http.Handler, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{cfg: cfg, h: h, log: log}
}

// Addr returns the bound address, or "" when not listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Reconfigure swaps handler and config, restarting the listener when needed.
// Safe to call during hot-reload.
func (s *Server) Reconfigure(ctx context.Context, cfg ServerConfig, h http.Handler) error {
	if err := CheckBind(cfg); err != nil {
		return err
	}
	s.mu.Lock()
	prev := s.cfg
	running := s.sup != nil
	s.cfg = cfg
	if h != nil {
		s.h = h
	}
	s.mu.Unlock()

	// A new handler needs a new http.Server.
	if running && (h != nil || needsRestart(prev, cfg)) {
		s.Stop(ctx)
		return s.Start(ctx)
	}
	return nil
}

func needsRestart(a, b ServerConfig) bool {
	return a.Addr != b.Addr || a.Token != b.Token || a.AllowInsecure != b.AllowInsecure ||
		a.ReadTimeout != b.ReadTimeout || a.WriteTimeout != b.WriteTimeout || a.IdleTimeout != b.IdleTimeout
}

// Start binds the listener and serves in the background. It is idempotent,
// refuses an insecure bind and returns listen errors to the caller.
func (s *Server) Start(ctx context.Context) error {
	for {
		s.mu.Lock()
		if s.stopDone != nil {
			done := s.stopDone
			s.mu.Unlock()
			select {
			case <-done:
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		if s.sup != nil {
			s.mu.Unlock()
			return nil
		}
		if err := CheckBind(s.cfg); err != nil {
			s.mu.Unlock()
			s.log.Error("admin not started", logx.Err(err))
			return err
		}
		addr := addrOr(s.cfg.Addr)
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			s.mu.Unlock()
			s.log.Error("admin listen failed", logx.String("addr", addr), logx.Err(err))
			return errors.WithHint(errors.Wrapf(err, "admin listen %s", addr),
				"another process may hold the port; change admin.addr")
		}
		// Restarts rebind the concrete address so an ephemeral port stays put.
		s.ln, s.pending, s.bound = ln, ln, ln.Addr().String()

		s.sup = supervisor.New(ctx,
			supervisor.WithLogger(s.log.With(logx.String("comp", "admin"))),
			supervisor.WithCancelOnError(false),
		)
		sup := s.sup
		s.mu.Unlock()

		sup.GoRestart("http.serve", s.serveOnce,
			supervisor.WithPublishFirstError(true),
			supervisor.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		)
		return nil
	}
}

func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.sup == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	s.stopDone = done
	srv, sup := s.srv, s.sup
	s.mu.Unlock()

	go func() {
		defer close(done)
		if srv != nil {
			_ = srv.Shutdown(ctx)
			_ = srv.Close()
		}
		sup.Cancel()
		_ = sup.Wait(context.Background())

		s.mu.Lock()
		if s.pending != nil {
			_ = s.pending.Close()
		}
		s.ln, s.pending, s.srv, s.sup, s.stopDone = nil, nil, nil, nil, nil
		s.mu.Unlock()
		s.log.Info("admin stopped")
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
	}
}

func (s *Server) serveOnce(ctx context.Context) error {
	s.mu.Lock()
	cur, h, ln, addr := s.cfg, s.h, s.pending, s.bound
	s.pending = nil
	s.mu.Unlock()

	if cur.AllowInsecure && cur.Token == "" && !isLoopbackAddr(addr) {
		s.log.Warn("admin running without token on non-loopback addr (insecure)", logx.String("addr", addr))
	}

	if ln == nil {
		var err error
		if ln, err = net.Listen("tcp", addr); err != nil {
			s.log.Error("admin listen failed", logx.String("addr", addr), logx.Err(err))
			if ctx.Err() != nil {
				return context.Canceled
			}
			return errors.Wrapf(err, "listen %s", addr)
		}
	}
	defer func() { _ = ln.Close() }()

	srv := &http.Server{
		Handler:           h,
		ReadTimeout:       cur.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cur.WriteTimeout,
		IdleTimeout:       cur.IdleTimeout,
	}
	defer func() { _ = srv.Close() }()

	s.mu.Lock()
	s.ln, s.srv = ln, srv
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	}()

	s.log.Info("admin started", logx.String("addr", ln.Addr().String()), logx.Bool("token_set", cur.Token != ""))
	err := srv.Serve(ln)

	s.mu.Lock()
	if s.srv == srv {
		s.srv, s.ln = nil, nil
	}
	stopping := s.stopDone != nil
	s.mu.Unlock()

	if stopping || ctx.Err() != nil {
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("admin server exited unexpectedly")
	}
	return err
}

func addrOr(addr string) string {
	if a := strings.TrimSpace(addr); a != "" {
		return a
	}
	return DefaultAddr
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		// all interfaces
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
