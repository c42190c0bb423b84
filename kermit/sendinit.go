package kermit

// encodeSendInit renders a Parameters proposal as the classic fixed-field
// Send-Init data, emitted verbatim (DontEncodeData) since every field is
// already a printable tochar'd or literal character.
func encodeSendInit(p Parameters) []byte {
	out := []byte{
		tochar(byte(p.MAXL)),
		tochar(byte(p.TIME)),
		tochar(byte(p.NPAD)),
		ctl(p.PADC),
		tochar(p.EOL),
		p.QCTL,
	}

	qbin := p.QBIN
	if qbin == 0 {
		qbin = 'N'
	}
	out = append(out, qbin, p.CHKT, orSpace(p.REPT), tochar(p.CAPAS), tochar(byte(p.WINDO)))

	lenx1, lenx2 := byte(0), byte(0)
	if p.Long {
		lenx1, lenx2 = byte(p.MAXLX1), byte(p.MAXLX2)
	}
	out = append(out, tochar(lenx1), tochar(lenx2), tochar(p.WHATAMI))
	return out
}

// decodeSendInit reverses encodeSendInit, tolerating a short field list from
// a peer offering fewer capabilities than the fixed layout allows for.
func decodeSendInit(data []byte) Parameters {
	var p Parameters
	get := func(i int) byte {
		if i < len(data) {
			return data[i]
		}
		return 0
	}
	num := func(i int) byte {
		if i < len(data) {
			return unchar(data[i])
		}
		return 0
	}

	p.MAXL = int(num(0))
	p.TIME = int(num(1))
	p.NPAD = int(num(2))
	p.PADC = ctl(get(3))
	p.EOL = num(4)
	if p.EOL == 0 {
		p.EOL = defaultEOL
	}
	p.QCTL = get(5)
	if p.QCTL == 0 {
		p.QCTL = defaultQCTL
	}
	p.QBIN = get(6)
	p.CHKT = get(7)
	if p.CHKT == 0 {
		p.CHKT = defaultCHKT
	}
	p.REPT = get(8)
	p.CAPAS = num(9)
	p.WINDO = int(num(10))
	if p.WINDO < 1 {
		p.WINDO = 1
	}
	p.MAXLX1 = int(num(11))
	p.MAXLX2 = int(num(12))
	p.WHATAMI = num(13)

	p.Long = p.CAPAS&capasLongPackets != 0 || p.MAXLX1 > 0 || p.MAXLX2 > 0
	p.Attributes = true
	p.Windowing = p.WINDO > 1
	p.Streaming = p.CAPAS&capasStreaming != 0

	return p
}

func orSpace(c byte) byte {
	if c == 0 {
		return ' '
	}
	return c
}
