// Package xmodem implements the Xmodem family: Vanilla, Relaxed, CRC, 1K,
// and 1K/G flavors, framed 128/1024-byte blocks with checksum or CRC-16,
// NAK/'C'/'G' handshakes, EOT termination, CAN cancellation, and flavor
// downgrade on handshake failure.
package xmodem

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/xx25/go-serialxfer/session"
	"github.com/xx25/go-serialxfer/transport"
)

// Wire control bytes.
const (
	SOH = 0x01
	STX = 0x02
	EOT = 0x04
	ACK = 0x06
	NAK = 0x15
	CAN = 0x18
)

// cpmPad is the CP/M EOF padding byte used to fill the final block.
const cpmPad = 0x1A

// Flavor selects a wire variant of Xmodem.
type Flavor int

const (
	Vanilla Flavor = iota // 128-byte blocks, 8-bit sum, 10s timeout
	Relaxed               // 128-byte blocks, 8-bit sum, 100s timeout
	CRC                   // 128-byte blocks, CRC-16, 10s timeout
	OneK                  // 1024-byte blocks, CRC-16, 10s timeout
	OneKG                 // 1024-byte blocks, CRC-16, 10s timeout, no per-block ACK
)

func (f Flavor) String() string {
	switch f {
	case Vanilla:
		return "Vanilla"
	case Relaxed:
		return "Relaxed"
	case CRC:
		return "CRC"
	case OneK:
		return "1K"
	case OneKG:
		return "1K/G"
	default:
		return "unknown"
	}
}

func (f Flavor) blockSize() int { return f.BlockSize() }
func (f Flavor) usesCRC() bool  { return f.UsesCRC() }
func (f Flavor) timeout() time.Duration { return f.Timeout() }

// BlockSize returns 1024 for 1K/1K-G, 128 otherwise.
func (f Flavor) BlockSize() int {
	if f == OneK || f == OneKG {
		return 1024
	}
	return 128
}

// UsesCRC reports whether the flavor checks blocks with CRC-16 (true for
// CRC/1K/1K-G) or an 8-bit sum (Vanilla/Relaxed).
func (f Flavor) UsesCRC() bool {
	return f != Vanilla && f != Relaxed
}

// Timeout returns the per-flavor handshake/ACK timeout: 100s for Relaxed,
// 10s for everything else.
func (f Flavor) Timeout() time.Duration {
	if f == Relaxed {
		return 100 * time.Second
	}
	return 10 * time.Second
}

// maxConsecutiveErrors aborts a transfer with "TOO MANY ERRORS", per spec.
const maxConsecutiveErrors = 10

// maxHandshakeDowngradeAttempts is how many times the receiver tries 'C' (or
// 'G') before falling back to NAK (or 1K).
const maxHandshakeDowngradeAttempts = 3

var (
	errCanceled       = errors.New("xmodem: canceled by remote (CAN)")
	errTooManyErrors  = errors.New("xmodem: TOO MANY ERRORS")
	errSessionActive  = errors.New("xmodem: session already active")
	errLocalFileWrite = errors.New("xmodem: unable to write to local file")
)

// Config controls a Session's behavior, read once at NewSession and
// defaulted by Config.defaults, matching the teacher's zmodem.Config shape.
type Config struct {
	// Flavor is the flavor a receiver advertises first, falling back on
	// handshake failure. A sender follows the receiver's handshake byte and
	// uses Flavor only to choose 1K rather than CRC when it sees 'C'.
	Flavor Flavor
	// MaxRetries caps consecutive transport errors before the transfer
	// aborts with "TOO MANY ERRORS". Default 10.
	MaxRetries int
}

func (c *Config) defaults() {
	if c.MaxRetries <= 0 {
		c.MaxRetries = maxConsecutiveErrors
	}
}

// Session drives one Xmodem transfer (always a single file: batching is a
// Ymodem extension).
type Session struct {
	transport transport.ByteTransport
	cfg       Config
	logger    *slog.Logger
	sess      *session.Session

	mu     sync.Mutex
	active bool // prevents concurrent Send/Receive on the same Session
}

// NewSession creates a Session over the given transport. cfg may be nil to
// accept all defaults.
func NewSession(t transport.ByteTransport, cfg *Config, observer session.Observer) *Session {
	var c Config
	if cfg != nil {
		c = *cfg
	}
	c.defaults()
	return &Session{
		transport: t,
		cfg:       c,
		logger:    slog.Default(),
		sess:      session.New("xmodem", false, observer),
	}
}

// SetLogger overrides the default slog logger.
func (s *Session) SetLogger(l *slog.Logger) {
	if l != nil {
		s.logger = l
	}
}

// Snapshot exposes the shared progress/lifecycle state for observers.
func (s *Session) Snapshot() session.Snapshot { return s.sess.Snapshot() }

// Cancel requests cooperative cancellation; see session.Session.Cancel. It
// also unblocks a currently in-flight Read so the engine observes the
// cancellation at its next loop check instead of waiting out the flavor's
// full read timeout.
func (s *Session) Cancel(mode session.CancelMode) {
	s.sess.Cancel(mode)
	s.transport.CancelRead()
}

// Send transmits local to the remote receiver.
func (s *Session) Send(ctx context.Context, local transport.LocalFile, size int64) error {
	if !s.acquire() {
		return errSessionActive
	}
	defer s.release()
	return s.runSender(ctx, local, size)
}

// Receive accepts a single incoming file into local.
func (s *Session) Receive(ctx context.Context, local transport.LocalFile) error {
	if !s.acquire() {
		return errSessionActive
	}
	defer s.release()
	return s.runReceiver(ctx, local)
}

func (s *Session) acquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active {
		return false
	}
	s.active = true
	return true
}

func (s *Session) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = false
}
