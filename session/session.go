// Package session holds the protocol-independent state every engine
// (xmodem, ymodem, kermit) mutates while a transfer runs: the file list,
// aggregated counters, the lifecycle state machine, cancellation, and the
// message log. Exactly one worker goroutine owns a Session at a time; the
// lock here exists so progress observers on other goroutines can safely
// snapshot it, not to coordinate multiple writers.
package session

import (
	"sync"
	"time"
)

// State is the Session's coarse lifecycle stage.
type State int

const (
	StateInit State = iota
	StateFileInfo
	StateTransfer
	StateFileDone
	StateEnd
	StateAbort
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateFileInfo:
		return "FILE_INFO"
	case StateTransfer:
		return "TRANSFER"
	case StateFileDone:
		return "FILE_DONE"
	case StateEnd:
		return "END"
	case StateAbort:
		return "ABORT"
	default:
		return "UNKNOWN"
	}
}

// CancelMode records what an application asked the engine to do in
// response to Session.Cancel.
type CancelMode int

const (
	CancelNone CancelMode = iota
	CancelKeepPartial
	CancelDiscardPartial
)

// Outcome is returned by the engine when a transfer run ends, summarizing
// the exit condition for the caller.
type Outcome int

const (
	OutcomeAllFilesComplete Outcome = iota
	OutcomeSomeFilesComplete
	OutcomeNoFilesComplete
	OutcomeAbortedByRemote
	OutcomeAbortedByUser
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAllFilesComplete:
		return "all files complete"
	case OutcomeSomeFilesComplete:
		return "some files complete"
	case OutcomeNoFilesComplete:
		return "no files complete"
	case OutcomeAbortedByRemote:
		return "aborted by remote"
	case OutcomeAbortedByUser:
		return "aborted by user"
	default:
		return "unknown"
	}
}

// FileInfo describes one file moving through the session: local handle
// identity, remote name, size, timestamps, and per-file progress counters.
// It is created when the next file is announced (at construction for
// Xmodem, on receipt of a filename header for Ymodem/Kermit) and mutated
// only by the owning engine while that file's transfer is active.
type FileInfo struct {
	RemoteName string
	Size       int64
	ModTime    time.Time
	Mode       uint32

	BytesTransferred  int64
	BytesTotal        int64
	BlocksTransferred int
	BlocksTotal       int
	BlockSize         int
	ErrorCount        int

	StartedAt  time.Time
	FinishedAt time.Time
	Complete   bool
}

// Observer receives the same progress calls the teacher's FileHandler did,
// for callers that prefer callbacks over polling Session.Snapshot.
type Observer interface {
	FileStarted(info FileInfo)
	FileProgress(info FileInfo)
	FileCompleted(info FileInfo, err error)
}

// Snapshot is a point-in-time, lock-free copy of a Session's observable
// state, safe to read after Session.Snapshot returns.
type Snapshot struct {
	Protocol    string
	Batchable   bool
	Files       []FileInfo
	CurrentFile int
	State       State
	Cancel      CancelMode
	Status      string
	Messages    []string

	BytesTransferred int64
	BytesTotal       int64
}

// Session is one transfer run. The owning engine mutates it exclusively
// while running; everything else takes Session.mu to read.
type Session struct {
	Protocol  string
	Batchable bool

	mu          sync.Mutex
	files       []FileInfo
	currentFile int
	state       State
	cancel      CancelMode
	status      string
	messages    []string

	observer Observer

	// notify is signaled (non-blocking) after every locked mutation so a
	// watcher goroutine can wake without polling. It is never closed by
	// Session itself; callers that want to stop watching should select on
	// their own done channel alongside it.
	notify chan struct{}
}

// New creates a Session for the given protocol tag ("xmodem", "ymodem",
// "kermit"). observer may be nil.
func New(protocol string, batchable bool, observer Observer) *Session {
	return &Session{
		Protocol:  protocol,
		Batchable: batchable,
		state:     StateInit,
		observer:  observer,
		notify:    make(chan struct{}, 1),
	}
}

// NotifyChan returns the channel signaled after each state mutation.
func (s *Session) NotifyChan() <-chan struct{} {
	return s.notify
}

func (s *Session) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// SetState transitions the lifecycle state. Transitions are totally
// ordered: callers must hold no assumption beyond "the last SetState call
// observed by a reader happened-before this one", which the mutex provides.
func (s *Session) SetState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	s.wake()
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Cancel requests that the engine abort at its next opportunity. mode
// selects whether a partially-received file is kept or deleted.
func (s *Session) Cancel(mode CancelMode) {
	s.mu.Lock()
	s.cancel = mode
	s.mu.Unlock()
	s.wake()
}

// CancelRequested reports the current cancel mode, checked by the engine at
// every major loop iteration and between packets.
func (s *Session) CancelRequested() CancelMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel
}

// Log appends a short uppercase-tag message to the session's message log.
// Messages are preserved after the session ends.
func (s *Session) Log(msg string) {
	s.mu.Lock()
	s.messages = append(s.messages, msg)
	s.status = msg
	s.mu.Unlock()
	s.wake()
}

// StartFile appends a new FileInfo and makes it current, as happens when
// the next file is announced.
func (s *Session) StartFile(info FileInfo) int {
	info.StartedAt = time.Now()
	s.mu.Lock()
	s.files = append(s.files, info)
	idx := len(s.files) - 1
	s.currentFile = idx
	s.mu.Unlock()
	s.wake()
	if s.observer != nil {
		s.observer.FileStarted(info)
	}
	return idx
}

// UpdateCurrentFile mutates the current file's progress counters via fn,
// called by the engine under lock, then notifies observers.
func (s *Session) UpdateCurrentFile(fn func(*FileInfo)) {
	s.mu.Lock()
	idx := s.currentFile
	if idx < 0 || idx >= len(s.files) {
		s.mu.Unlock()
		return
	}
	fn(&s.files[idx])
	cur := s.files[idx]
	s.mu.Unlock()
	s.wake()
	if s.observer != nil {
		s.observer.FileProgress(cur)
	}
}

// FinishCurrentFile marks the current file complete (or failed) and fires
// FileCompleted.
func (s *Session) FinishCurrentFile(transferErr error) {
	s.mu.Lock()
	idx := s.currentFile
	if idx < 0 || idx >= len(s.files) {
		s.mu.Unlock()
		return
	}
	s.files[idx].FinishedAt = time.Now()
	s.files[idx].Complete = transferErr == nil
	cur := s.files[idx]
	s.mu.Unlock()
	s.wake()
	if s.observer != nil {
		s.observer.FileCompleted(cur, transferErr)
	}
}

// Snapshot takes a consistent, lock-free copy of the session's observable
// state. Safe to call from any goroutine.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	files := make([]FileInfo, len(s.files))
	copy(files, s.files)

	var bytesXferred, bytesTotal int64
	for _, f := range files {
		bytesXferred += f.BytesTransferred
		bytesTotal += f.BytesTotal
	}

	msgs := make([]string, len(s.messages))
	copy(msgs, s.messages)

	return Snapshot{
		Protocol:         s.Protocol,
		Batchable:        s.Batchable,
		Files:            files,
		CurrentFile:      s.currentFile,
		State:            s.state,
		Cancel:           s.cancel,
		Status:           s.status,
		Messages:         msgs,
		BytesTransferred: bytesXferred,
		BytesTotal:       bytesTotal,
	}
}

// Outcome summarizes the session's result once it has reached StateEnd or
// StateAbort.
func (s *Session) Outcome() Outcome {
	snap := s.Snapshot()
	if snap.State == StateAbort {
		if snap.Cancel == CancelKeepPartial || snap.Cancel == CancelDiscardPartial {
			return OutcomeAbortedByUser
		}
		return OutcomeAbortedByRemote
	}
	if len(snap.Files) == 0 {
		return OutcomeNoFilesComplete
	}
	complete := 0
	for _, f := range snap.Files {
		if f.Complete {
			complete++
		}
	}
	switch {
	case complete == len(snap.Files):
		return OutcomeAllFilesComplete
	case complete == 0:
		return OutcomeNoFilesComplete
	default:
		return OutcomeSomeFilesComplete
	}
}
