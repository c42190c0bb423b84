package kermit

import (
	"time"

	"github.com/xx25/go-serialxfer/transport"
)

// WritePacket encodes pkt under codec and writes it to t, padding, MARK,
// header, data, check, and EOL all in one flush.
func WritePacket(t transport.ByteTransport, codec *Codec, pkt Packet) error {
	wire := codec.Encode(pkt)
	if err := t.WriteAll(wire); err != nil {
		return err
	}
	return t.Flush()
}

// ReadPacket scans for the next MARK byte (skipping padding and line noise),
// reads the LEN (or long-form LENX1/LENX2) header to learn the packet's
// total length, reads that many bytes, and hands the body to codec.Decode.
// It returns (Packet{}, ParseBadLen, err) only on a transport-level error;
// a malformed-but-received packet returns a non-OK ParseState and nil err.
func ReadPacket(t transport.ByteTransport, codec *Codec, timeout time.Duration) (Packet, ParseState, error) {
	for {
		b, err := t.Read(timeout)
		if err != nil {
			return Packet{}, ParseBadLen, err
		}
		if b == defaultMark {
			break
		}
	}

	lenChar, err := t.Read(timeout)
	if err != nil {
		return Packet{}, ParseBadLen, err
	}

	body := []byte{lenChar}
	lenField := unchar(lenChar)

	if lenField == 0 {
		// SEQ, TYPE, LENX1, LENX2, HCHECK.
		for i := 0; i < 5; i++ {
			b, err := t.Read(timeout)
			if err != nil {
				return Packet{}, ParseBadLen, err
			}
			body = append(body, b)
		}
		lenx1 := unchar(body[3])
		lenx2 := unchar(body[4])
		dataAndCheckLen := int(lenx1)*95 + int(lenx2)
		for i := 0; i < dataAndCheckLen; i++ {
			b, err := t.Read(timeout)
			if err != nil {
				return Packet{}, ParseBadLen, err
			}
			body = append(body, b)
		}
	} else {
		for i := 0; i < int(lenField); i++ {
			b, err := t.Read(timeout)
			if err != nil {
				return Packet{}, ParseBadLen, err
			}
			body = append(body, b)
		}
	}

	pkt, state := codec.Decode(body)
	return pkt, state, nil
}
