package kermit

import (
	"errors"
	"fmt"

	"github.com/xx25/go-serialxfer/checksum"
)

// ParseState reports why a decoded Packet is or isn't usable, mirroring the
// teacher's habit of returning a result plus a status rather than a single
// error for framing-layer reads.
type ParseState int

const (
	ParseOK ParseState = iota
	ParseBadCRC
	ParseBadLen
	ParseBadSeq
	ParseBadType
	ParseBadHCheck
	ParseEncoding
)

func (s ParseState) String() string {
	switch s {
	case ParseOK:
		return "OK"
	case ParseBadCRC:
		return "CRC"
	case ParseBadLen:
		return "LEN"
	case ParseBadSeq:
		return "SEQ"
	case ParseBadType:
		return "TYPE"
	case ParseBadHCheck:
		return "HCHECK"
	case ParseEncoding:
		return "ENCODING"
	default:
		return "UNKNOWN"
	}
}

var errQBINQBIN = errors.New("kermit: QBIN QBIN without 8-bit escape")
var errTruncatedEscape = errors.New("kermit: truncated quote escape")

// Packet is a decoded Kermit packet: a tagged variant (Type) plus a raw
// payload. Filename, attribute, and data packets all carry their content in
// Payload; callers interpret it according to Type.
type Packet struct {
	Type  byte
	Seq   int
	Long  bool
	CheckType int

	// Payload is the decoded (unquoted) data field.
	Payload []byte

	// DontEncodeData marks variants whose data field is carried verbatim,
	// with no quote/prefix encoding: Send-Init, its ACK, and Attributes.
	DontEncodeData bool
}

// Codec encodes and decodes Kermit packets under a fixed set of active
// parameters. TextMode selects CR/LF normalization for file data packets;
// Send-Init/ACK/Attributes packets are always encoded with
// Packet.DontEncodeData set and bypass text-mode transforms entirely.
type Codec struct {
	Params   Parameters
	TextMode bool
}

// NewCodec builds a Codec bound to the given active parameters.
func NewCodec(params Parameters, textMode bool) *Codec {
	return &Codec{Params: params, TextMode: textMode}
}

// Encode renders pkt in full wire form (the padding the remote requested,
// MARK, header, data, check, and EOL), ready to write to the transport.
func (c *Codec) Encode(pkt Packet) []byte {
	p := c.Params

	var data []byte
	if pkt.DontEncodeData {
		data = pkt.Payload
	} else {
		raw := pkt.Payload
		if c.TextMode {
			raw = textEncodeTransform(raw)
		}
		data = encodeData(raw, p)
	}

	checkType := pkt.CheckType
	if checkType == 0 {
		checkType = p.CheckType()
	}
	checkLen := checkCharCount(checkType)

	var header []byte
	seqChar := tochar(byte(pkt.Seq & 0x3F))

	if !pkt.Long {
		totalLen := 1 + 1 + len(data) + checkLen // SEQ+TYPE+data+check
		header = []byte{tochar(byte(totalLen)), seqChar, pkt.Type}
	} else {
		lenx1 := byte((len(data) + checkLen) / 95)
		lenx2 := byte((len(data) + checkLen) % 95)
		hcheckSum := int(tochar(0)) + int(seqChar) + int(pkt.Type) + int(tochar(lenx1)) + int(tochar(lenx2))
		hcheck := byte((hcheckSum + ((hcheckSum & 0xC0) >> 6)) & 0x3F)
		header = []byte{tochar(0), seqChar, pkt.Type, tochar(lenx1), tochar(lenx2), tochar(hcheck)}
	}

	body := append(append([]byte{}, header...), data...)
	check := encodeCheck(body, checkType)

	out := make([]byte, 0, int(p.NPAD)+1+len(body)+len(check)+1)
	for i := 0; i < p.NPAD; i++ {
		out = append(out, p.PADC)
	}
	out = append(out, defaultMark)
	out = append(out, body...)
	out = append(out, check...)
	out = append(out, p.EOL)
	return out
}

// Decode parses a packet body (MARK and padding already consumed by the
// caller's reader, trailing EOL included or not — Decode tolerates both) and
// returns the packet plus a ParseState. A non-OK state means the caller
// should NAK the expected sequence rather than act on Payload.
func (c *Codec) Decode(body []byte) (Packet, ParseState) {
	if len(body) > 0 && body[len(body)-1] == c.Params.EOL {
		body = body[:len(body)-1]
	}
	if len(body) < 3 {
		return Packet{}, ParseBadLen
	}

	lenField := unchar(body[0])
	seqChar := body[1]
	typeByte := body[2]

	var pkt Packet
	pkt.Seq = int(unchar(seqChar))
	pkt.Type = typeByte

	var rest []byte
	var checkType int

	if lenField == 0 {
		if len(body) < 6 {
			return Packet{}, ParseBadLen
		}
		lenx1 := unchar(body[3])
		lenx2 := unchar(body[4])
		hcheck := unchar(body[5])
		sum := int(body[0]) + int(body[1]) + int(body[2]) + int(body[3]) + int(body[4])
		want := byte((sum + ((sum & 0xC0) >> 6)) & 0x3F)
		if want != hcheck {
			return Packet{}, ParseBadHCheck
		}
		pkt.Long = true
		dataAndCheckLen := int(lenx1)*95 + int(lenx2)
		if len(body) < 6+dataAndCheckLen {
			return Packet{}, ParseBadLen
		}
		rest = body[6 : 6+dataAndCheckLen]
	} else {
		// LEN counts everything from SEQ through the check field, i.e. the
		// whole body except the LEN character itself.
		want := int(lenField) + 1
		if len(body) != want {
			return Packet{}, ParseBadLen
		}
		rest = body[3:]
	}

	checkType = c.Params.CheckType()
	checkLen := checkCharCount(checkType)
	if len(rest) < checkLen {
		return Packet{}, ParseBadLen
	}
	dataLen := len(rest) - checkLen
	data := rest[:dataLen]
	checkBytes := rest[dataLen:]

	headerEnd := 3
	if pkt.Long {
		headerEnd = 6
	}
	checked := body[:headerEnd+dataLen]
	if !verifyCheck(checked, checkType, checkBytes) {
		return Packet{}, ParseBadCRC
	}
	pkt.CheckType = checkType

	dontEncode := typeByte == TypeSendInit || typeByte == TypeAck || typeByte == TypeAttributes
	pkt.DontEncodeData = dontEncode
	if dontEncode {
		pkt.Payload = append([]byte(nil), data...)
		return pkt, ParseOK
	}

	decoded, err := decodeData(data, c.Params)
	if err != nil {
		return Packet{}, ParseEncoding
	}
	if c.TextMode {
		decoded = textDecodeTransform(decoded)
	}
	pkt.Payload = decoded
	return pkt, ParseOK
}

func checkCharCount(checkType int) int {
	switch checkType {
	case 2, 12:
		return 2
	case 3:
		return 3
	default:
		return 1
	}
}

func encodeCheck(body []byte, checkType int) []byte {
	switch checkType {
	case 2:
		hi, lo := checksum.Sum12(body, false)
		return []byte{tochar(hi), tochar(lo)}
	case 12:
		hi, lo := checksum.Sum12B(body, false)
		return []byte{tochar(hi), tochar(lo)}
	case 3:
		crc := checksum.CRC16Kermit(body, false)
		c1 := byte((crc >> 12) & 0x0F)
		c2 := byte((crc >> 6) & 0x3F)
		c3 := byte(crc & 0x3F)
		return []byte{tochar(c1), tochar(c2), tochar(c3)}
	default:
		s := checksum.Sum8Kermit(body, false)
		return []byte{tochar(s)}
	}
}

func verifyCheck(body []byte, checkType int, check []byte) bool {
	want := encodeCheck(body, checkType)
	if len(want) != len(check) {
		return false
	}
	for i := range want {
		if want[i] != check[i] {
			return false
		}
	}
	return true
}

// encodeData applies Kermit quote/prefix encoding: control characters go
// behind QCTL, 8-bit bytes behind QBIN, literal QCTL/QBIN/REPT bytes are
// self-escaped, and runs of 4 or more identical bytes collapse behind REPT.
func encodeData(data []byte, p Parameters) []byte {
	var out []byte
	i := 0
	for i < len(data) {
		b := data[i]
		runLen := 1
		for i+runLen < len(data) && data[i+runLen] == b && runLen < 94 {
			runLen++
		}
		forceRept := p.REPT != ' ' && p.CheckType() == 12 && b == ' '
		if p.REPT != ' ' && (runLen >= 4 || forceRept) {
			count := runLen
			if count < 4 {
				count = 1
			}
			out = append(out, p.REPT, tochar(byte(count)))
			out = append(out, encodeByte(b, p)...)
			i += count
			continue
		}
		out = append(out, encodeByte(b, p)...)
		i++
	}
	return out
}

func encodeByte(b byte, p Parameters) []byte {
	switch {
	case p.REPT != ' ' && b == p.REPT:
		return []byte{p.QCTL, p.REPT}
	case isValidQBIN(p.QBIN) && b == p.QBIN:
		return []byte{p.QCTL, p.QBIN}
	case b == p.QCTL:
		return []byte{p.QCTL, p.QCTL}
	case b < 0x20 || b == 0x7F:
		return []byte{p.QCTL, ctl(b)}
	case isValidQBIN(p.QBIN) && b&0x80 != 0:
		lower := b & 0x7F
		if lower < 0x20 || lower == 0x7F {
			return []byte{p.QBIN, p.QCTL, ctl(lower)}
		}
		return []byte{p.QBIN, lower}
	default:
		return []byte{b}
	}
}

// decodeData reverses encodeData. It returns errQBINQBIN when it finds a
// QBIN byte followed by a second, unescaped QBIN byte: a wire-level protocol
// violation rather than a literal 8-bit QBIN character, which must be
// self-escaped behind QCTL.
func decodeData(enc []byte, p Parameters) ([]byte, error) {
	var out []byte
	i := 0
	for i < len(enc) {
		c := enc[i]
		switch {
		case p.REPT != ' ' && c == p.REPT:
			if i+1 >= len(enc) {
				return nil, errTruncatedEscape
			}
			count := unchar(enc[i+1])
			b, n, err := decodeOneByte(enc[i+2:], p)
			if err != nil {
				return nil, err
			}
			for k := byte(0); k < count; k++ {
				out = append(out, b)
			}
			i += 2 + n
		default:
			b, n, err := decodeOneByte(enc[i:], p)
			if err != nil {
				return nil, err
			}
			out = append(out, b)
			i += n
		}
	}
	return out, nil
}

func decodeOneByte(enc []byte, p Parameters) (byte, int, error) {
	if len(enc) == 0 {
		return 0, 0, errTruncatedEscape
	}
	c := enc[0]
	if c == p.QCTL {
		if len(enc) < 2 {
			return 0, 0, errTruncatedEscape
		}
		next := enc[1]
		switch {
		case next == p.QCTL:
			return p.QCTL, 2, nil
		case p.REPT != ' ' && next == p.REPT:
			return p.REPT, 2, nil
		case isValidQBIN(p.QBIN) && next == p.QBIN:
			return p.QBIN, 2, nil
		default:
			return ctl(next), 2, nil
		}
	}
	if isValidQBIN(p.QBIN) && c == p.QBIN {
		if len(enc) < 2 {
			return 0, 0, errTruncatedEscape
		}
		next := enc[1]
		if next == p.QCTL {
			if len(enc) < 3 {
				return 0, 0, errTruncatedEscape
			}
			return ctl(enc[2]) | 0x80, 3, nil
		}
		if next == p.QBIN {
			return 0, 0, errQBINQBIN
		}
		return next | 0x80, 2, nil
	}
	return c, 1, nil
}

func textEncodeTransform(data []byte) []byte {
	out := make([]byte, 0, len(data))
	for _, b := range data {
		if b == '\n' {
			out = append(out, '\r', '\n')
			continue
		}
		out = append(out, b)
	}
	return out
}

func textDecodeTransform(data []byte) []byte {
	out := make([]byte, 0, len(data))
	for _, b := range data {
		if b == '\r' {
			continue
		}
		out = append(out, b)
	}
	return out
}

func (pkt Packet) String() string {
	return fmt.Sprintf("%c(seq=%d,len=%d)", pkt.Type, pkt.Seq, len(pkt.Payload))
}
