package xmodem

import (
	"bytes"
	"context"
	"io"
	"math/rand"
	"testing"
	"time"

	"github.com/xx25/go-serialxfer/checksum"
	"github.com/xx25/go-serialxfer/transport"
)

// pipePair wires two BufferedTransports back to back over in-memory pipes,
// the same loopback shape the teacher's loopback_test.go uses for zmodem.
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

type pipeRW struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func (p *pipeRW) Read(buf []byte) (int, error)  { return p.r.Read(buf) }
func (p *pipeRW) Write(buf []byte) (int, error) { return p.w.Write(buf) }

type memFile struct {
	buf *bytes.Buffer
}

func newMemFile(data []byte) *memFile { return &memFile{buf: bytes.NewBuffer(data)} }

func (m *memFile) Read(p []byte) (int, error)           { return m.buf.Read(p) }
func (m *memFile) Write(p []byte) (int, error)          { return m.buf.Write(p) }
func (m *memFile) Close() error                         { return nil }
func (m *memFile) Size() (int64, error)                 { return int64(m.buf.Len()), nil }
func (m *memFile) ModTime() (time.Time, error)          { return time.Time{}, nil }
func (m *memFile) Mode() (uint32, error)                { return 0644, nil }
func (m *memFile) SetModTime(t time.Time) error         { return nil }
func (m *memFile) Delete() error                        { return nil }

func runRoundTrip(t *testing.T, senderFlavor Flavor, data []byte) []byte {
	t.Helper()
	pp := newPipePair()

	src := newMemFile(append([]byte(nil), data...))
	dst := newMemFile(nil)

	sendSess := NewSession(pp.a, &Config{Flavor: senderFlavor}, nil)
	recvSess := NewSession(pp.b, &Config{Flavor: senderFlavor}, nil)

	errCh := make(chan error, 2)
	go func() {
		errCh <- sendSess.Send(context.Background(), src, int64(len(data)))
	}()
	go func() {
		errCh <- recvSess.Receive(context.Background(), dst)
	}()

	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil {
			t.Fatalf("round trip failed: %v", err)
		}
	}
	return dst.buf.Bytes()
}

func TestVanillaDownload1000Bytes(t *testing.T) {
	data := make([]byte, 1000)
	rand.New(rand.NewSource(1)).Read(data)

	got := runRoundTrip(t, Vanilla, data)
	if !bytes.Equal(got, data) {
		t.Fatalf("round trip mismatch: got %d bytes, want %d", len(got), len(data))
	}
}

func TestOneKDownload4096BytesAllSameByte(t *testing.T) {
	data := bytes.Repeat([]byte{0xA5}, 4096)
	got := runRoundTrip(t, OneK, data)
	if !bytes.Equal(got, data) {
		t.Fatalf("round trip mismatch: got %d bytes, want %d", len(got), len(data))
	}
}

func TestCRCFlavorBinaryRoundTrip(t *testing.T) {
	data := []byte("the quick brown fox jumps over the lazy dog, 1234567890!")
	got := runRoundTrip(t, CRC, data)
	if !bytes.Equal(got, data) {
		t.Fatalf("round trip mismatch")
	}
}

func TestOneKGRoundTrip(t *testing.T) {
	data := make([]byte, 2500)
	rand.New(rand.NewSource(2)).Read(data)
	got := runRoundTrip(t, OneKG, data)
	if !bytes.Equal(got, data) {
		t.Fatalf("round trip mismatch")
	}
}

func TestCRCOfFirstOneKBlockMatchesXmodemCRC16(t *testing.T) {
	block := bytes.Repeat([]byte{0xA5}, 1024)
	// Regression guard for scenario 2 of the spec: the CRC used to protect
	// a 1K block is CRC-16/XMODEM over exactly that block's bytes.
	crc := checksum.CRC16Xmodem(block)
	if crc == 0 {
		t.Fatal("expected a non-zero CRC for a non-trivial all-0xA5 buffer")
	}

	var wire bytes.Buffer
	if err := writeBlock(transport.NewBufferedTransport(&wire), OneK, 1, block); err != nil {
		t.Fatal(err)
	}
	got := wire.Bytes()
	if len(got) != 3+1024+2 || got[0] != STX {
		t.Fatalf("1K block framing: got %d bytes starting 0x%02x, want %d starting STX", len(got), got[0], 3+1024+2)
	}
	if trailer := uint16(got[len(got)-2])<<8 | uint16(got[len(got)-1]); trailer != crc {
		t.Fatalf("1K block CRC trailer = 0x%04x, want CRC16Xmodem 0x%04x", trailer, crc)
	}
}

// TestDuplicateBlockNotRewritten verifies the duplicate-block invariant: if the
// receiver already advanced past seq N, a retransmitted block N (because its
// ACK was lost) is re-ACKed without being written again.
func TestDuplicateBlockNotRewritten(t *testing.T) {
	pp := newPipePair()
	dst := newMemFile(nil)
	recvSess := NewSession(pp.b, &Config{Flavor: Vanilla}, nil)

	done := make(chan error, 1)
	go func() { done <- recvSess.Receive(context.Background(), dst) }()

	// Drain the receiver's initial NAK handshake byte.
	readByte(t, pp.a)

	payload1 := make([]byte, 128)
	for i := range payload1 {
		payload1[i] = byte(i)
	}
	sendRawBlock(t, pp.a, Vanilla, 1, payload1)
	expectByte(t, pp.a, ACK)

	// Retransmit block 1 again (simulating a lost ACK on the wire).
	sendRawBlock(t, pp.a, Vanilla, 1, payload1)
	expectByte(t, pp.a, ACK)

	payload2 := bytes.Repeat([]byte{0x1A}, 128)
	sendRawBlock(t, pp.a, Vanilla, 2, payload2)
	expectByte(t, pp.a, ACK)

	if err := pp.a.WriteAll([]byte{EOT}); err != nil {
		t.Fatal(err)
	}
	pp.a.Flush()
	expectByte(t, pp.a, ACK)

	if err := <-done; err != nil {
		t.Fatalf("receive failed: %v", err)
	}
	if dst.buf.Len() != len(payload1) {
		t.Fatalf("duplicate block was written twice: got %d bytes, want %d", dst.buf.Len(), len(payload1))
	}
}

// TestCRCFlavorDowngradesToVanillaOnPlainNAK covers spec scenario 3: a
// sender configured for CRC honors a receiver that only ever sends a plain
// NAK (never 'C'), downgrading to Vanilla framing and 8-bit sum checksums
// for the whole transfer.
func TestCRCFlavorDowngradesToVanillaOnPlainNAK(t *testing.T) {
	pp := newPipePair()
	data := make([]byte, 300)
	rand.New(rand.NewSource(42)).Read(data)
	src := newMemFile(append([]byte(nil), data...))

	sendSess := NewSession(pp.a, &Config{Flavor: CRC}, nil)
	done := make(chan error, 1)
	go func() { done <- sendSess.Send(context.Background(), src, int64(len(data))) }()

	if err := pp.b.WriteAll([]byte{NAK}); err != nil {
		t.Fatal(err)
	}
	pp.b.Flush()

	var got []byte
	for {
		hdr := readByte(t, pp.b)
		if hdr == EOT {
			pp.b.WriteAll([]byte{ACK})
			pp.b.Flush()
			break
		}
		if hdr != SOH {
			t.Fatalf("expected SOH (vanilla 128-byte block) after a plain NAK handshake, got 0x%02x", hdr)
		}
		seq := readByte(t, pp.b)
		comp := readByte(t, pp.b)
		if seq != 255-comp {
			t.Fatalf("bad seq/complement pair: seq=%d comp=%d", seq, comp)
		}
		payload := make([]byte, 128)
		for i := range payload {
			payload[i] = readByte(t, pp.b)
		}
		sum := readByte(t, pp.b)
		if want := checksum.Sum8(payload, false); sum != want {
			t.Fatalf("checksum byte 0x%02x, want 8-bit sum 0x%02x (downgrade should drop CRC-16)", sum, want)
		}
		got = append(got, payload...)
		pp.b.WriteAll([]byte{ACK})
		pp.b.Flush()
	}

	if err := <-done; err != nil {
		t.Fatalf("send failed: %v", err)
	}
	got = transport.TrimTrailingCPMEOF(got)
	if !bytes.Equal(got, data) {
		t.Fatalf("downgraded transfer content mismatch")
	}
}

// noisyRW flips a random bit in a fraction of bytes it reads, independently
// per wrapped pipe end so each direction of a pipePair gets its own
// injected noise.
type noisyRW struct {
	rw   io.ReadWriter
	rng  *rand.Rand
	prob float64
}

func (n *noisyRW) Read(p []byte) (int, error) {
	k, err := n.rw.Read(p)
	for i := 0; i < k; i++ {
		if n.rng.Float64() < n.prob {
			p[i] ^= byte(1 << uint(n.rng.Intn(8)))
		}
	}
	return k, err
}

func (n *noisyRW) Write(p []byte) (int, error) { return n.rw.Write(p) }

func newNoisyPipePair(seed int64, prob float64) pipePair {
	r1, w1 := io.Pipe()
	r2, w2 := io.Pipe()
	a := transport.NewBufferedTransport(&noisyRW{rw: &pipeRW{r: r1, w: w2}, rng: rand.New(rand.NewSource(seed)), prob: prob})
	b := transport.NewBufferedTransport(&noisyRW{rw: &pipeRW{r: r2, w: w1}, rng: rand.New(rand.NewSource(seed + 1)), prob: prob})
	return pipePair{a: a, b: b}
}

// TestNoisyLineCompletesWithRecordedErrorCount covers spec scenario 6: about
// one random byte error per 10,000 bytes on both directions of a 100 KiB
// transfer. The malformed-block purge/NAK path (frame.go's readBlock) should
// resync after each corruption without the consecutive-error budget ever
// tripping, and the receiver's FileInfo.ErrorCount should end up nonzero.
func TestNoisyLineCompletesWithRecordedErrorCount(t *testing.T) {
	pp := newNoisyPipePair(7, 1.0/10000.0)

	data := make([]byte, 100*1024)
	rand.New(rand.NewSource(99)).Read(data)
	src := newMemFile(append([]byte(nil), data...))
	dst := newMemFile(nil)

	sendSess := NewSession(pp.a, &Config{Flavor: Vanilla, MaxRetries: 20}, nil)
	recvSess := NewSession(pp.b, &Config{Flavor: Vanilla, MaxRetries: 20}, nil)

	errCh := make(chan error, 2)
	go func() { errCh <- sendSess.Send(context.Background(), src, int64(len(data))) }()
	go func() { errCh <- recvSess.Receive(context.Background(), dst) }()

	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil {
			t.Fatalf("noisy-line round trip failed: %v", err)
		}
	}

	got := dst.buf.Bytes()
	if !bytes.Equal(got, data) {
		t.Fatalf("noisy-line transfer content mismatch: got %d bytes, want %d", len(got), len(data))
	}

	snap := recvSess.Snapshot()
	if snap.CurrentFile < 0 || snap.CurrentFile >= len(snap.Files) {
		t.Fatalf("receiver snapshot has no current file")
	}
	errs := snap.Files[snap.CurrentFile].ErrorCount
	if errs <= 0 {
		t.Fatalf("expected a nonzero ErrorCount from injected noise, got %d", errs)
	}
	if errs > 200 {
		t.Fatalf("ErrorCount %d implausibly high for ~1/10000 byte noise over 100 KiB", errs)
	}
}

func readByte(t *testing.T, tr transport.ByteTransport) byte {
	t.Helper()
	b, err := tr.Read(2 * time.Second)
	if err != nil {
		t.Fatalf("readByte: %v", err)
	}
	return b
}

func expectByte(t *testing.T, tr transport.ByteTransport, want byte) {
	t.Helper()
	got := readByte(t, tr)
	if got != want {
		t.Fatalf("expected byte 0x%02x, got 0x%02x", want, got)
	}
}

func sendRawBlock(t *testing.T, tr transport.ByteTransport, f Flavor, seq byte, payload []byte) {
	t.Helper()
	if err := writeBlock(tr, f, seq, payload); err != nil {
		t.Fatalf("sendRawBlock: %v", err)
	}
}
