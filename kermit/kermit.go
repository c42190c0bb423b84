package kermit

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/xx25/go-serialxfer/session"
	"github.com/xx25/go-serialxfer/transport"
)

var errSessionActive = errors.New("kermit: session already active")

// Config controls a Session's behavior: the streaming, robust-filename,
// resend, long-packet, and force-binary options plus a retry budget,
// represented as explicit typed fields rather than a generic options map,
// matching the teacher's Config shape.
type Config struct {
	Streaming           bool
	RobustFilenames     bool
	Resend              bool
	LongPackets         bool
	DownloadForceBinary bool
	UploadForceBinary   bool
	MaxRetries          int
}

func (c *Config) defaults() {
	// Only MaxRetries is defaulted here. Resend, LongPackets, and the
	// ForceBinary pair are true only in NewConfig (used when cfg is nil); a
	// caller-built Config keeps whatever values it sets, false included.
	if c.MaxRetries <= 0 {
		c.MaxRetries = maxConsecutiveErrors
	}
}

// NewConfig returns a Config with the documented defaults applied:
// RobustFilenames and Streaming off, Resend/LongPackets/ForceBinary on.
func NewConfig() *Config {
	return &Config{
		Resend:              true,
		LongPackets:         true,
		DownloadForceBinary: true,
		UploadForceBinary:   true,
	}
}

func (c Config) localParameters() Parameters {
	p := DefaultLocalParameters()
	p.Streaming = c.Streaming
	p.Long = c.LongPackets
	if !c.LongPackets {
		p.CAPAS &^= capasLongPackets
	}
	if c.Resend {
		p.CAPAS |= capasResend
	} else {
		p.CAPAS &^= capasResend
	}
	if c.Streaming {
		p.CAPAS |= capasStreaming
	}
	return p
}

// Session drives one Kermit transfer: Send-Init negotiation followed by a
// batch of File/Attribute/Data/EOF packets, terminated by a Break packet.
type Session struct {
	transport transport.ByteTransport
	cfg       Config
	logger    *slog.Logger
	sess      *session.Session
	local     Parameters
	active    Parameters

	// pending holds a packet read by peekAttributes that turned out not to
	// be an Attributes packet, so receiveFileData sees it as the first Data
	// packet instead of dropping it.
	pending      *Packet
	pendingState ParseState

	mu   sync.Mutex
	busy bool
}

// NewSession creates a Session over the given transport. cfg may be nil to
// accept NewConfig's defaults.
func NewSession(t transport.ByteTransport, cfg *Config, observer session.Observer) *Session {
	c := *NewConfig()
	if cfg != nil {
		c = *cfg
	}
	c.defaults()
	return &Session{
		transport: t,
		cfg:       c,
		logger:    slog.Default(),
		sess:      session.New("kermit", true, observer),
		local:     c.localParameters(),
	}
}

func (s *Session) SetLogger(l *slog.Logger) {
	if l != nil {
		s.logger = l
	}
}

func (s *Session) Snapshot() session.Snapshot { return s.sess.Snapshot() }

// Cancel requests cooperative cancellation and unblocks a currently
// in-flight Read so the engine observes it at its next packet boundary
// instead of waiting out the packet timeout.
func (s *Session) Cancel(mode session.CancelMode) {
	s.sess.Cancel(mode)
	s.transport.CancelRead()
}

// Send negotiates a session then transmits every file source.NextFile()
// yields, finishing with a Break packet.
func (s *Session) Send(ctx context.Context, source session.FileSource) error {
	if !s.acquire() {
		return errSessionActive
	}
	defer s.release()
	return s.runSender(ctx, source)
}

// Receive negotiates a session then accepts files until the sender sends a
// Break packet.
func (s *Session) Receive(ctx context.Context, sink session.FileSink) error {
	if !s.acquire() {
		return errSessionActive
	}
	defer s.release()
	return s.runReceiver(ctx, sink)
}

func (s *Session) acquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy {
		return false
	}
	s.busy = true
	return true
}

func (s *Session) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.busy = false
}

func (s *Session) abort(err error) error {
	s.sess.SetState(session.StateAbort)
	return err
}
