package session

import "testing"

type recordingObserver struct {
	started, progressed, completed int
}

func (r *recordingObserver) FileStarted(FileInfo)          { r.started++ }
func (r *recordingObserver) FileProgress(FileInfo)         { r.progressed++ }
func (r *recordingObserver) FileCompleted(FileInfo, error) { r.completed++ }

func TestSessionLifecycleAndOutcome(t *testing.T) {
	obs := &recordingObserver{}
	s := New("xmodem", false, obs)

	if s.State() != StateInit {
		t.Fatalf("initial state = %v, want StateInit", s.State())
	}

	s.SetState(StateTransfer)
	idx := s.StartFile(FileInfo{RemoteName: "a.bin", Size: 100})
	if idx != 0 {
		t.Fatalf("StartFile index = %d, want 0", idx)
	}

	s.UpdateCurrentFile(func(fi *FileInfo) {
		fi.BytesTransferred = 100
		fi.BytesTotal = 100
	})
	s.FinishCurrentFile(nil)
	s.SetState(StateEnd)

	if obs.started != 1 || obs.progressed != 1 || obs.completed != 1 {
		t.Fatalf("observer calls = %+v, want one of each", obs)
	}

	snap := s.Snapshot()
	if snap.State != StateEnd {
		t.Fatalf("snapshot state = %v, want StateEnd", snap.State)
	}
	if len(snap.Files) != 1 || !snap.Files[0].Complete {
		t.Fatalf("snapshot files = %+v, want one complete file", snap.Files)
	}
	if snap.BytesTransferred != 100 {
		t.Fatalf("snapshot bytes = %d, want 100", snap.BytesTransferred)
	}

	if got := s.Outcome(); got != OutcomeAllFilesComplete {
		t.Errorf("Outcome = %v, want OutcomeAllFilesComplete", got)
	}
}

func TestSessionOutcomeAbortedByUser(t *testing.T) {
	s := New("kermit", true, nil)
	s.StartFile(FileInfo{RemoteName: "x"})
	s.Cancel(CancelDiscardPartial)
	s.FinishCurrentFile(errCanceled)
	s.SetState(StateAbort)

	if got := s.Outcome(); got != OutcomeAbortedByUser {
		t.Errorf("Outcome = %v, want OutcomeAbortedByUser", got)
	}
}

func TestSessionOutcomeNoFiles(t *testing.T) {
	s := New("ymodem", true, nil)
	s.SetState(StateEnd)
	if got := s.Outcome(); got != OutcomeNoFilesComplete {
		t.Errorf("Outcome = %v, want OutcomeNoFilesComplete", got)
	}
}

func TestSessionLogPreservedAfterEnd(t *testing.T) {
	s := New("xmodem", false, nil)
	s.Log("TIMEOUT")
	s.Log("CHECKSUM ERROR IN BLOCK #3")
	s.SetState(StateAbort)

	snap := s.Snapshot()
	if len(snap.Messages) != 2 {
		t.Fatalf("messages = %v, want 2 entries", snap.Messages)
	}
	if snap.Status != "CHECKSUM ERROR IN BLOCK #3" {
		t.Errorf("status = %q, want last logged message", snap.Status)
	}
}

var errCanceled = &sentinelErr{"canceled"}

type sentinelErr struct{ s string }

func (e *sentinelErr) Error() string { return e.s }
