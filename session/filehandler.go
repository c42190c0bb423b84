package session

import (
	"time"

	"github.com/xx25/go-serialxfer/transport"
)

// FileOffer describes one file a FileSource hands to a sending engine.
type FileOffer struct {
	Name    string
	Size    int64
	ModTime time.Time
	Mode    uint32
	Local   transport.LocalFile
}

// FileSource is the application callback interface for sending. It mirrors
// the teacher's FileHandler.NextFile, generalized to protocols (Xmodem)
// that never carry a filename on the wire: Name is only meaningful to
// Ymodem/Kermit, which announce it in a header.
type FileSource interface {
	// NextFile returns the next file to send, or nil when the batch is
	// exhausted.
	NextFile() (*FileOffer, error)
}

// FileSink is the application callback interface for receiving.
type FileSink interface {
	// AcceptFile decides whether to accept an incoming file described by
	// info. Returning a non-nil error aborts the transfer; there is no
	// per-file skip.
	//
	// SECURITY: callers MUST sanitize info.RemoteName before using it as a
	// filesystem path; incoming names may contain "../" traversal
	// sequences. The ymodem receiver strips directory components
	// (filepath.Base) before calling AcceptFile; the kermit receiver passes
	// the remote name through unchanged.
	AcceptFile(info FileInfo) (transport.LocalFile, error)
}

// SingleFileSource adapts one already-open LocalFile into a FileSource that
// yields it once, for protocols like plain Xmodem that only ever move one
// file per session and carry no filename on the wire.
type SingleFileSource struct {
	offer *FileOffer
	done  bool
}

// NewSingleFileSource wraps offer as a one-shot FileSource.
func NewSingleFileSource(offer *FileOffer) *SingleFileSource {
	return &SingleFileSource{offer: offer}
}

func (s *SingleFileSource) NextFile() (*FileOffer, error) {
	if s.done {
		return nil, nil
	}
	s.done = true
	return s.offer, nil
}

// SingleFileSink adapts one already-open LocalFile into a FileSink that
// accepts exactly one file, for plain Xmodem receives where the filename is
// chosen out of band by the caller, not negotiated on the wire.
type SingleFileSink struct {
	local transport.LocalFile
	used  bool
}

// NewSingleFileSink wraps local as a one-shot FileSink.
func NewSingleFileSink(local transport.LocalFile) *SingleFileSink {
	return &SingleFileSink{local: local}
}

func (s *SingleFileSink) AcceptFile(info FileInfo) (transport.LocalFile, error) {
	s.used = true
	return s.local, nil
}
