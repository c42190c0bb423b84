package xmodem

import (
	"fmt"
	"time"

	"github.com/xx25/go-serialxfer/checksum"
	"github.com/xx25/go-serialxfer/transport"
)

// readTimeout reads one byte with the given timeout. Errors, including
// transport.ErrTimedOut, are returned unchanged for the caller to branch on.
func readTimeout(t transport.ByteTransport, timeout time.Duration) (byte, error) {
	return t.Read(timeout)
}

// WriteBlock is the exported form of writeBlock, used by the ymodem package
// to frame its block 0 as an ordinary Xmodem block with seq 0.
func WriteBlock(t transport.ByteTransport, f Flavor, seq byte, payload []byte) error {
	return writeBlock(t, f, seq, payload)
}

// BlockResult is the exported form of blockResult.
type BlockResult = blockResult

// ReadBlock is the exported form of readBlock.
func ReadBlock(t transport.ByteTransport, f Flavor, timeout time.Duration) (BlockResult, error) {
	return readBlock(t, f, timeout)
}

// Purge is the exported form of purge.
func Purge(t transport.ByteTransport) { purge(t) }

// EOT, ACK, NAK, CAN and the block0 seq value (0) are reused directly by
// ymodem; Payload, Seq, IsEOT, IsCanceled, IsMalformed are exported accessor
// methods on BlockResult.
func (r BlockResult) Payload() []byte { return r.payload }
func (r BlockResult) Seq() byte       { return r.seq }
func (r BlockResult) IsEOT() bool     { return r.eot }
func (r BlockResult) IsCanceled() bool {
	return r.canceled
}
func (r BlockResult) IsMalformed() bool { return r.malformed }

// writeBlock frames and emits one data block: {SOH|STX}, seq, 255-seq,
// payload, checksum-or-CRC. payload must already be padded to the flavor's
// block size.
func writeBlock(t transport.ByteTransport, f Flavor, seq byte, payload []byte) error {
	header := byte(SOH)
	if len(payload) == 1024 {
		header = STX
	}
	if err := t.WriteAll([]byte{header, seq, 255 - seq}); err != nil {
		return err
	}
	if err := t.WriteAll(payload); err != nil {
		return err
	}
	if f.usesCRC() {
		crc := checksum.CRC16Xmodem(payload)
		if err := t.WriteAll([]byte{byte(crc >> 8), byte(crc)}); err != nil {
			return err
		}
	} else {
		sum := checksum.Sum8(payload, false)
		if err := t.WriteAll([]byte{sum}); err != nil {
			return err
		}
	}
	return t.Flush()
}

// blockResult is what readBlock found on the wire.
type blockResult struct {
	eot       bool
	canceled  bool
	seq       byte
	payload   []byte
	malformed bool // framing/checksum failure: caller should purge+NAK
}

// readBlock reads one block header and, if a data block, its payload and
// trailer, verifying the checksum/CRC. It never blocks past timeout for the
// initial header byte; once a header is seen, payload reads use the same
// timeout per byte (a slow link that starts a block but stalls mid-payload
// is treated as if each byte had its own budget, matching the teacher's
// per-read timeout discipline).
func readBlock(t transport.ByteTransport, f Flavor, timeout time.Duration) (blockResult, error) {
	hdr, err := readTimeout(t, timeout)
	if err != nil {
		return blockResult{}, err
	}

	switch hdr {
	case EOT:
		return blockResult{eot: true}, nil
	case CAN:
		return blockResult{canceled: true}, nil
	case SOH, STX:
		// fall through to payload read
	default:
		return blockResult{malformed: true}, nil
	}

	size := 128
	if hdr == STX {
		size = 1024
	}

	seq, err := readTimeout(t, timeout)
	if err != nil {
		return blockResult{}, err
	}
	comp, err := readTimeout(t, timeout)
	if err != nil {
		return blockResult{}, err
	}
	if seq != 255-comp {
		return blockResult{malformed: true}, nil
	}

	payload := make([]byte, size)
	for i := range payload {
		b, err := readTimeout(t, timeout)
		if err != nil {
			return blockResult{}, err
		}
		payload[i] = b
	}

	if f.usesCRC() {
		hi, err := readTimeout(t, timeout)
		if err != nil {
			return blockResult{}, err
		}
		lo, err := readTimeout(t, timeout)
		if err != nil {
			return blockResult{}, err
		}
		want := uint16(hi)<<8 | uint16(lo)
		if checksum.CRC16Xmodem(payload) != want {
			return blockResult{malformed: true}, nil
		}
	} else {
		sum, err := readTimeout(t, timeout)
		if err != nil {
			return blockResult{}, err
		}
		if checksum.Sum8(payload, false) != sum {
			return blockResult{malformed: true}, nil
		}
	}

	return blockResult{seq: seq, payload: payload}, nil
}

// purge drains whatever the transport already has buffered, used before a
// NAK to discard noise left over from a malformed block.
func purge(t transport.ByteTransport) {
	t.Skip(t.Available())
}

func checksumErrorMsg(blockNum int) string {
	return fmt.Sprintf("CHECKSUM ERROR IN BLOCK #%d", blockNum)
}
