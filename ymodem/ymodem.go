package ymodem

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/xx25/go-serialxfer/session"
	"github.com/xx25/go-serialxfer/transport"
	"github.com/xx25/go-serialxfer/xmodem"
)

var errSessionActive = errors.New("ymodem: session already active")

// mergeErrorCount copies a nested xmodem engine's per-file retry count onto
// the batch session's current file. body.Send/Receive owns its own
// session.Session for the file's content transfer, so its counters are
// otherwise invisible to Snapshot/Observer callers of the outer session.
func mergeErrorCount(outer *session.Session, body *xmodem.Session) {
	snap := body.Snapshot()
	if snap.CurrentFile < 0 || snap.CurrentFile >= len(snap.Files) {
		return
	}
	n := snap.Files[snap.CurrentFile].ErrorCount
	if n == 0 {
		return
	}
	outer.UpdateCurrentFile(func(fi *session.FileInfo) { fi.ErrorCount += n })
}

// Config controls a Session's behavior. Flavor selects the Xmodem flavor
// used for both block 0 and file-content blocks within the batch.
type Config struct {
	Flavor     xmodem.Flavor
	MaxRetries int
}

func (c *Config) defaults() {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 10
	}
}

// Session drives one Ymodem batch transfer: a sequence of files, each
// preceded by a block 0 filename/metadata header and moved as an ordinary
// Xmodem file transfer, terminated by a block 0 with an empty filename.
type Session struct {
	transport transport.ByteTransport
	cfg       Config
	logger    *slog.Logger
	sess      *session.Session

	mu     sync.Mutex
	active bool
}

// NewSession creates a batch Session over the given transport.
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
		sess:      session.New("ymodem", true, observer),
	}
}

func (s *Session) SetLogger(l *slog.Logger) {
	if l != nil {
		s.logger = l
	}
}

func (s *Session) Snapshot() session.Snapshot { return s.sess.Snapshot() }

// Cancel requests cooperative cancellation and unblocks a currently
// in-flight Read, including one inside a nested xmodem.Session used for a
// file's body transfer.
func (s *Session) Cancel(mode session.CancelMode) {
	s.sess.Cancel(mode)
	s.transport.CancelRead()
}

// Send transmits every file source.NextFile() yields, then terminates the
// batch with an empty block 0.
func (s *Session) Send(ctx context.Context, source session.FileSource) error {
	if !s.acquire() {
		return errSessionActive
	}
	defer s.release()
	return s.runSender(ctx, source)
}

// Receive accepts files announced by incoming block 0 headers until the
// sender signals end-of-batch with an empty filename.
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
