package ymodem

import (
	"bytes"
	"context"
	"io"
	"math/rand"
	"testing"
	"time"

	"github.com/xx25/go-serialxfer/session"
	"github.com/xx25/go-serialxfer/transport"
	"github.com/xx25/go-serialxfer/xmodem"
)

type pipeRW struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func (p *pipeRW) Read(buf []byte) (int, error)  { return p.r.Read(buf) }
func (p *pipeRW) Write(buf []byte) (int, error) { return p.w.Write(buf) }

type pipePair struct {
	a, b transport.ByteTransport
}

func newPipePair() pipePair {
	r1, w1 := io.Pipe()
	r2, w2 := io.Pipe()
	a := transport.NewBufferedTransport(&pipeRW{r: r1, w: w2})
	b := transport.NewBufferedTransport(&pipeRW{r: r2, w: w1})
	return pipePair{a: a, b: b}
}

type memFile struct {
	buf     *bytes.Buffer
	modTime time.Time
	mode    uint32
}

func newMemFile(data []byte) *memFile { return &memFile{buf: bytes.NewBuffer(data), mode: 0644} }

func (m *memFile) Read(p []byte) (int, error)   { return m.buf.Read(p) }
func (m *memFile) Write(p []byte) (int, error)  { return m.buf.Write(p) }
func (m *memFile) Close() error                 { return nil }
func (m *memFile) Size() (int64, error)         { return int64(m.buf.Len()), nil }
func (m *memFile) ModTime() (time.Time, error)  { return m.modTime, nil }
func (m *memFile) Mode() (uint32, error)        { return m.mode, nil }
func (m *memFile) SetModTime(t time.Time) error { m.modTime = t; return nil }
func (m *memFile) Delete() error                { return nil }

// memSource hands out a fixed list of named, in-memory files in order.
type memSource struct {
	files []*session.FileOffer
	pos   int
}

func (s *memSource) NextFile() (*session.FileOffer, error) {
	if s.pos >= len(s.files) {
		return nil, nil
	}
	f := s.files[s.pos]
	s.pos++
	return f, nil
}

// memSink records every accepted file into a fresh memFile, keyed by the
// order in which AcceptFile was called.
type memSink struct {
	accepted []*memFile
	names    []string
}

func (s *memSink) AcceptFile(info session.FileInfo) (transport.LocalFile, error) {
	f := newMemFile(nil)
	s.accepted = append(s.accepted, f)
	s.names = append(s.names, info.RemoteName)
	return f, nil
}

func TestBatchTwoFilesRoundTrip(t *testing.T) {
	pp := newPipePair()

	data1 := make([]byte, 1500)
	rand.New(rand.NewSource(3)).Read(data1)
	data2 := bytes.Repeat([]byte{0x42}, 300)

	mtime := time.Unix(1700000000, 0)
	src := &memSource{files: []*session.FileOffer{
		{Name: "report.txt", Size: int64(len(data1)), ModTime: mtime, Mode: 0644, Local: newMemFile(append([]byte(nil), data1...))},
		{Name: "notes.md", Size: int64(len(data2)), ModTime: mtime, Mode: 0644, Local: newMemFile(append([]byte(nil), data2...))},
	}}
	sink := &memSink{}

	sendSess := NewSession(pp.a, &Config{Flavor: xmodem.CRC}, nil)
	recvSess := NewSession(pp.b, &Config{Flavor: xmodem.CRC}, nil)

	errCh := make(chan error, 2)
	go func() { errCh <- sendSess.Send(context.Background(), src) }()
	go func() { errCh <- recvSess.Receive(context.Background(), sink) }()

	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil {
			t.Fatalf("batch round trip failed: %v", err)
		}
	}

	if len(sink.accepted) != 2 {
		t.Fatalf("expected 2 files accepted, got %d", len(sink.accepted))
	}
	if sink.names[0] != "report.txt" || sink.names[1] != "notes.md" {
		t.Fatalf("unexpected filenames: %v", sink.names)
	}
	if !bytes.Equal(sink.accepted[0].buf.Bytes(), data1) {
		t.Fatalf("file 1 content mismatch: got %d bytes, want %d", sink.accepted[0].buf.Len(), len(data1))
	}
	if !bytes.Equal(sink.accepted[1].buf.Bytes(), data2) {
		t.Fatalf("file 2 content mismatch: got %d bytes, want %d", sink.accepted[1].buf.Len(), len(data2))
	}
}

func TestBatchEmptySourceSendsEndOfBatchOnly(t *testing.T) {
	pp := newPipePair()
	src := &memSource{}
	sink := &memSink{}

	sendSess := NewSession(pp.a, &Config{Flavor: xmodem.Vanilla}, nil)
	recvSess := NewSession(pp.b, &Config{Flavor: xmodem.Vanilla}, nil)

	errCh := make(chan error, 2)
	go func() { errCh <- sendSess.Send(context.Background(), src) }()
	go func() { errCh <- recvSess.Receive(context.Background(), sink) }()

	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil {
			t.Fatalf("empty batch round trip failed: %v", err)
		}
	}
	if len(sink.accepted) != 0 {
		t.Fatalf("expected no files accepted, got %d", len(sink.accepted))
	}
}

func TestBlock0RoundTripsNameSizeAndModTime(t *testing.T) {
	mtime := time.Unix(1700000042, 0)
	payload := marshalBlock0(block0Info{Name: "sub/../evil.txt", Size: 4096, ModTime: mtime, Mode: 0600})

	info, err := parseBlock0(payload)
	if err != nil {
		t.Fatalf("parseBlock0: %v", err)
	}
	if info.Size != 4096 {
		t.Fatalf("size mismatch: got %d", info.Size)
	}
	if info.ModTime.Unix() != mtime.Unix() {
		t.Fatalf("modtime mismatch: got %v want %v", info.ModTime, mtime)
	}
	if info.Mode != 0600 {
		t.Fatalf("mode mismatch: got %o", info.Mode)
	}
	if sanitizeFilename(info.Name) != "evil.txt" {
		t.Fatalf("sanitizeFilename did not strip traversal: got %q", sanitizeFilename(info.Name))
	}
}

func TestBlock0EmptyNameSignalsEndOfBatch(t *testing.T) {
	payload := marshalBlock0(block0Info{})
	info, err := parseBlock0(payload)
	if err != nil {
		t.Fatalf("parseBlock0: %v", err)
	}
	if info.Name != "" {
		t.Fatalf("expected empty name, got %q", info.Name)
	}
}

func TestSendReturnsErrSessionActiveWhenAlreadyRunning(t *testing.T) {
	pp := newPipePair()
	sess := NewSession(pp.a, &Config{Flavor: xmodem.Vanilla}, nil)
	sess.active = true
	if err := sess.Send(context.Background(), &memSource{}); err != errSessionActive {
		t.Fatalf("expected errSessionActive, got %v", err)
	}
}
