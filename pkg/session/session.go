package session

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/openfroyo/froyo-agent/pkg/agenterr"
	"github.com/openfroyo/froyo-agent/pkg/auth"
	"github.com/openfroyo/froyo-agent/pkg/bus"
	"github.com/openfroyo/froyo-agent/pkg/config"
	"github.com/openfroyo/froyo-agent/pkg/hostinfo"
	"github.com/openfroyo/froyo-agent/pkg/policy"
	"github.com/openfroyo/froyo-agent/pkg/queue"
	"github.com/openfroyo/froyo-agent/pkg/stores"
	"github.com/openfroyo/froyo-agent/pkg/telemetry"
	"github.com/openfroyo/froyo-agent/pkg/xmldoc"
)

// maxFailedAuth consecutive failed authenticate requests end the session.
const maxFailedAuth = 3

// TrustStore decides and records which client certificates are trusted.
type TrustStore interface {
	IsTrusted(cert *x509.Certificate) bool
	Pin(cert *x509.Certificate) error
	Unpin(cert *x509.Certificate) error
}

// Decider evaluates the access policy.
type Decider interface {
	Decide(ctx context.Context, in policy.Input) (policy.Decision, error)
}

// HostInfo supplies header metadata.
type HostInfo interface {
	Identity() hostinfo.Identity
	Platform(ctx context.Context) hostinfo.Platform
}

// BatchQueue persists and reports batches.
type BatchQueue interface {
	Create(ctx context.Context, req *xmldoc.Element) (*queue.Batch, error)
	Report(ctx context.Context, id uint32) (*queue.Batch, error)
}

// Rebooter restarts the machine for the fencing functions.
type Rebooter interface {
	Reboot(ctx context.Context) error
}

// Config holds what a session needs. The server builds one and shares it
// between sessions.
type Config struct {
	TLS      *tls.Config
	Trust    TrustStore
	Auth     auth.Authenticator
	Policy   Decider
	Host     HostInfo
	Queue    BatchQueue
	Bus      bus.Bus
	Rebooter Rebooter
	Auditor  stores.Auditor

	// Advertise discloses host identity to unauthenticated consoles.
	Advertise bool
	// Fencing enables force_reboot and self_fence.
	Fencing bool

	Timeouts  config.Timeouts
	Telemetry *telemetry.Telemetry
}

func (c Config) withDefaults() Config {
	def := config.Default().Timeouts
	if c.Timeouts.Handshake <= 0 {
		c.Timeouts.Handshake = def.Handshake
	}
	if c.Timeouts.Send <= 0 {
		c.Timeouts.Send = def.Send
	}
	if c.Timeouts.Receive <= 0 {
		c.Timeouts.Receive = def.Receive
	}
	if c.Timeouts.BatchPoll <= 0 {
		c.Timeouts.BatchPoll = def.BatchPoll
	}
	if c.Auditor == nil {
		c.Auditor = stores.NopAuditor{}
	}
	if c.Telemetry == nil {
		c.Telemetry = telemetry.Discard()
	}
	return c
}

// Session is one console connection.
type Session struct {
	id   string
	raw  net.Conn
	conn net.Conn
	cfg  Config
	log  *telemetry.Logger

	state atomic.Int32
	done  chan struct{}

	// Owned by the Serve goroutine.
	cert          *x509.Certificate
	fingerprint   string
	authenticated bool
	failedAuth    int
}

// New wraps an accepted connection. Serve runs the conversation.
func New(raw net.Conn, cfg Config) *Session {
	cfg = cfg.withDefaults()
	id := uuid.NewString()
	return &Session{
		id:   id,
		raw:  raw,
		cfg:  cfg,
		log:  cfg.Telemetry.Logger.NewComponentLogger("session").WithSessionID(id).WithPeer(raw.RemoteAddr().String()),
		done: make(chan struct{}),
	}
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Peer returns the remote address.
func (s *Session) Peer() string { return s.raw.RemoteAddr().String() }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Done is closed when Serve has returned.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

// Serve runs the session until it ends and closes the connection. The
// returned error describes why a session ended abnormally.
func (s *Session) Serve(ctx context.Context) (err error) {
	defer close(s.done)
	defer s.raw.Close()
	defer s.setState(StateClosed)

	ctx, span := s.cfg.Telemetry.Tracer.StartSessionSpan(ctx, s.id, s.Peer())
	defer func() {
		if err != nil {
			telemetry.RecordError(span, err)
		}
		span.End()
	}()

	// Shutdown expires whatever deadline is in force.
	stop := context.AfterFunc(ctx, func() {
		_ = s.raw.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	start := time.Now()
	defer func() {
		log := s.log.WithField("duration", time.Since(start).String())
		if err != nil {
			log = log.WithError(err)
		}
		log.Debug("session ended")
	}()

	if err := s.handshake(ctx); err != nil {
		return err
	}
	s.setState(StateCertChecked)

	certs := s.conn.(*tls.Conn).ConnectionState().PeerCertificates
	if len(certs) == 0 {
		s.audit(ctx, &stores.AuditEntry{Action: stores.ActionCertRejected, Outcome: stores.OutcomeDenied})
		_ = s.send(ctx, xmldoc.New(TagCertRequired))
		return agenterr.NewAuthError("client presented no certificate", nil).WithOp("session.serve")
	}
	s.cert = certs[0]
	sum := sha256.Sum256(s.cert.Raw)
	s.fingerprint = hex.EncodeToString(sum[:])
	s.authenticated = s.cfg.Trust.IsTrusted(s.cert)
	s.log.WithField("subject", s.cert.Subject.String()).WithField("trusted", s.authenticated).Info("console connected")

	if err := s.send(ctx, s.header(ctx, "", true)); err != nil {
		return err
	}
	s.setState(StateHelloSent)
	s.updateAuthState()

	for {
		req, err := s.receive(ctx)
		if err != nil {
			_ = s.send(ctx, xmldoc.New(TagReceiveTimeout))
			return err
		}
		resp, done := s.handle(ctx, req)
		if err := s.send(ctx, resp); err != nil {
			return err
		}
		if done {
			break
		}
	}
	return s.send(ctx, xmldoc.New(TagBye))
}

func (s *Session) updateAuthState() {
	if s.authenticated {
		s.setState(StateAuthenticated)
	} else {
		s.setState(StateUnauthenticated)
	}
}

// handshake runs the TLS server handshake. On failure a plaintext
// SSL_required document is sent on the raw connection.
func (s *Session) handshake(ctx context.Context) error {
	s.setState(StateHandshaking)
	tlsConn := tls.Server(s.raw, s.cfg.TLS)

	hctx, cancel := context.WithTimeout(ctx, s.cfg.Timeouts.Handshake)
	defer cancel()
	if err := tlsConn.HandshakeContext(hctx); err != nil {
		if ctx.Err() == nil {
			_ = s.write(ctx, s.raw, xmldoc.New(TagSSLRequired).Marshal())
		}
		return agenterr.NewTransportError("TLS handshake failed", err).WithOp("session.handshake")
	}
	s.conn = tlsConn
	return nil
}

// setDeadline arms a deadline unless ctx is already done. A deadline set
// concurrently with shutdown is pulled back into the past.
func (s *Session) setDeadline(ctx context.Context, set func(time.Time) error, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := set(time.Now().Add(d)); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		_ = s.raw.SetDeadline(time.Unix(1, 0))
		return err
	}
	return nil
}

func (s *Session) write(ctx context.Context, c net.Conn, data []byte) error {
	if err := s.setDeadline(ctx, c.SetWriteDeadline, s.cfg.Timeouts.Send); err != nil {
		return agenterr.NewTransportError("send aborted", err).WithOp("session.send")
	}
	if _, err := c.Write(data); err != nil {
		return agenterr.NewTransportError("send failed", err).WithOp("session.send")
	}
	return nil
}

func (s *Session) send(ctx context.Context, doc *xmldoc.Element) error {
	if s.conn == nil {
		return s.write(ctx, s.raw, doc.Marshal())
	}
	return s.write(ctx, s.conn, doc.Marshal())
}

// maxRequestSize bounds a buffered request document.
const maxRequestSize = 16 << 20

// receive reads until the buffered bytes form a complete document. The
// whole request must arrive within the receive window.
func (s *Session) receive(ctx context.Context) (*xmldoc.Element, error) {
	if err := s.setDeadline(ctx, s.conn.SetReadDeadline, s.cfg.Timeouts.Receive); err != nil {
		return nil, agenterr.NewTransportError("receive aborted", err).WithOp("session.receive")
	}

	var buf []byte
	chunk := make([]byte, 32*1024)
	for {
		n, err := s.conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			if doc, perr := xmldoc.Parse(buf); perr == nil {
				return doc, nil
			}
			if len(buf) > maxRequestSize {
				return nil, agenterr.NewTransportError(fmt.Sprintf("request exceeds %d bytes", maxRequestSize), nil).WithOp("session.receive")
			}
		}
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return nil, agenterr.NewTransportError("receive timeout", err).WithOp("session.receive")
			}
			return nil, agenterr.NewTransportError("receive failed", err).WithOp("session.receive")
		}
	}
}

func (s *Session) audit(ctx context.Context, e *stores.AuditEntry) {
	e.SessionID = s.id
	peer := s.Peer()
	e.PeerAddress = &peer
	if s.fingerprint != "" {
		fp := s.fingerprint
		e.Fingerprint = &fp
	}
	if err := s.cfg.Auditor.CreateAuditEntry(context.WithoutCancel(ctx), e); err != nil {
		s.log.WithError(err).Warn("failed to record audit entry")
	}
}
