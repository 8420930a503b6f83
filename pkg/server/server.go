package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/openfroyo/froyo-agent/pkg/config"
	"github.com/openfroyo/froyo-agent/pkg/session"
	"github.com/openfroyo/froyo-agent/pkg/telemetry"
)

// OverloadMessage is written in plaintext to connections refused by the
// admission cap.
const OverloadMessage = "overload - come back later"

// Recoverer restarts workers for batches left in the queue.
type Recoverer interface {
	Recover(ctx context.Context) (int, error)
}

// Watcher keeps a trust set in sync with the filesystem until ctx is done.
type Watcher interface {
	Watch(ctx context.Context) error
}

// Config configures a Server.
type Config struct {
	// Listener is used when set; otherwise the server listens on Address.
	Listener net.Listener
	Address  string

	// MaxClients is the admission threshold: a connection is refused once
	// more than MaxClients sessions are active.
	MaxClients   int
	ReapInterval time.Duration

	Session   session.Config
	Recovery  Recoverer
	Trust     Watcher
	Telemetry *telemetry.Telemetry
}

// Address formats a listen address from the daemon configuration.
func Address(c *config.Config) string {
	return net.JoinHostPort(c.ListenAddress, strconv.Itoa(c.Port))
}

// Server is the session acceptor and supervisor.
type Server struct {
	cfg Config
	log *telemetry.Logger

	mu       sync.Mutex
	sessions map[string]*session.Session
	active   atomic.Int64
	wg       sync.WaitGroup

	ready chan struct{}
	addr  net.Addr
}

// New validates cfg and returns a Server.
func New(cfg Config) (*Server, error) {
	if cfg.Listener == nil && cfg.Address == "" {
		return nil, fmt.Errorf("listen address is required")
	}
	if cfg.Session.TLS == nil {
		return nil, fmt.Errorf("TLS configuration is required")
	}
	if cfg.MaxClients <= 0 {
		cfg.MaxClients = config.DefaultMaxClients
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = config.Default().Timeouts.ReapInterval
	}
	if cfg.Telemetry == nil {
		cfg.Telemetry = telemetry.Discard()
	}
	if cfg.Session.Telemetry == nil {
		cfg.Session.Telemetry = cfg.Telemetry
	}

	return &Server{
		cfg:      cfg,
		log:      cfg.Telemetry.Logger.NewComponentLogger("server"),
		sessions: make(map[string]*session.Session),
		ready:    make(chan struct{}),
	}, nil
}

// Ready is closed once the server is accepting connections.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Addr returns the listening address. It is valid after Ready is closed.
func (s *Server) Addr() net.Addr { return s.addr }

// Active returns the number of sessions currently being served.
func (s *Server) Active() int { return int(s.active.Load()) }

// Registered returns the number of sessions in the registry, including
// finished sessions the reaper has not pruned yet.
func (s *Server) Registered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Run serves connections until ctx is cancelled, then waits for every
// session to end.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ln := s.cfg.Listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", s.cfg.Address)
		if err != nil {
			return fmt.Errorf("listen on %s: %w", s.cfg.Address, err)
		}
	}
	defer ln.Close()
	s.addr = ln.Addr()

	if s.cfg.Recovery != nil {
		if _, err := s.cfg.Recovery.Recover(ctx); err != nil {
			s.log.WithError(err).Error("batch recovery failed")
		}
	}

	var background sync.WaitGroup
	if s.cfg.Trust != nil {
		background.Go(func() {
			if err := s.cfg.Trust.Watch(ctx); err != nil && ctx.Err() == nil {
				s.log.WithError(err).Error("trust store watcher stopped")
			}
		})
	}
	background.Go(func() { s.reap(ctx) })

	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	s.log.WithField("address", s.addr.String()).WithField("max_clients", s.cfg.MaxClients).Info("listening")
	close(s.ready)

	err := s.accept(ctx, ln)
	cancel()

	s.wg.Wait()
	background.Wait()
	s.log.Info("server stopped")
	return err
}

func (s *Server) accept(ctx context.Context, ln net.Listener) error {
	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				backoff = min(max(2*backoff, 5*time.Millisecond), time.Second)
				s.log.WithError(err).Warnf("accept failed, retrying in %s", backoff)
				select {
				case <-time.After(backoff):
					continue
				case <-ctx.Done():
					return nil
				}
			}
			return fmt.Errorf("accept: %w", err)
		}
		backoff = 0
		s.admit(ctx, conn)
	}
}

func (s *Server) admit(ctx context.Context, conn net.Conn) {
	if s.active.Load() > int64(s.cfg.MaxClients) {
		s.refuse(conn)
		return
	}

	s.active.Add(1)
	sess := session.New(conn, s.cfg.Session)
	s.mu.Lock()
	s.sessions[sess.ID()] = sess
	s.mu.Unlock()
	s.cfg.Telemetry.Metrics.RecordSessionAccepted()

	s.wg.Go(func() {
		defer s.active.Add(-1)
		defer s.cfg.Telemetry.Metrics.RecordSessionClosed()
		if err := sess.Serve(ctx); err != nil {
			s.log.WithSessionID(sess.ID()).WithError(err).Debug("session ended with error")
		}
	})
}

func (s *Server) refuse(conn net.Conn) {
	defer conn.Close()
	s.cfg.Telemetry.Metrics.RecordSessionRejected("overload")
	s.log.WithPeer(conn.RemoteAddr().String()).Warn("too many clients, connection refused")

	_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
	_, _ = conn.Write([]byte(OverloadMessage))
}

// reap drops finished sessions from the registry every ReapInterval.
func (s *Server) reap(ctx context.Context) {
	t := time.NewTicker(s.cfg.ReapInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.prune()
		}
	}
}

func (s *Server) prune() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, sess := range s.sessions {
		select {
		case <-sess.Done():
			delete(s.sessions, id)
			n++
		default:
		}
	}
	if n > 0 {
		s.log.Debugf("reaped %d finished sessions", n)
	}
	return n
}
