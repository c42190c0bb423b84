package kermit

// Parameters holds one side's Send-Init proposal (when used as local or
// remote) or the negotiated outcome (when used as active). Three instances
// exist per session: local, remote, and active, exactly as spec'd.
type Parameters struct {
	MAXL    int  // max packet length the sender of this Send-Init can receive
	TIME    int  // seconds before giving up on a packet, 0 means unset
	NPAD    int  // padding byte count preceding each packet
	PADC    byte // padding byte value
	EOL     byte // end-of-line byte terminating each packet
	QCTL    byte // control-quote character
	QBIN    byte // 8-bit-quote character, or 'Y'/'N' in a raw proposal
	CHKT    byte // check type character: '1', '2', '3', or 'B'
	REPT    byte // repeat-prefix character, ' ' if disabled
	CAPAS   byte // capability bits (CAPAS)
	WINDO   int  // window size (outstanding packets), 1 if disabled
	MAXLX1  int  // long-packet length, high part (multiplied by 95)
	MAXLX2  int  // long-packet length, low part
	WHATAMI byte // "what am I" capability byte, informational only

	Long       bool // long-packet capability offered
	Streaming  bool // streaming mode offered
	Windowing  bool // sliding-window capability offered
	Attributes bool // willing to exchange an Attributes packet
}

// CheckType returns the negotiated numeric check type: 1, 2, 3, or 12 for
// the "B" form.
func (p Parameters) CheckType() int {
	switch p.CHKT {
	case '2':
		return 2
	case '3':
		return 3
	case 'B':
		return 12
	default:
		return 1
	}
}

// MaxLongLength returns the maximum data+header length a long packet may
// carry under these parameters.
func (p Parameters) MaxLongLength() int {
	return p.MAXLX1*95 + p.MAXLX2
}

func isValidQBIN(c byte) bool {
	return (c >= 33 && c <= 62) || (c >= 96 && c <= 126)
}

func isValidREPT(c byte) bool {
	return c != ' ' && (c >= 33 && c <= 126)
}

// DefaultLocalParameters returns the proposal an application offers in its
// own outgoing Send-Init, before any per-session overrides.
func DefaultLocalParameters() Parameters {
	return Parameters{
		MAXL:       defaultMAXL,
		TIME:       defaultTIME,
		NPAD:       defaultPad,
		PADC:       defaultPadChar,
		EOL:        defaultEOL,
		QCTL:       defaultQCTL,
		QBIN:       'Y',
		CHKT:       defaultCHKT,
		REPT:       '~',
		CAPAS:      capasLongPackets | capasResend,
		WINDO:      defaultWINDO,
		Long:       true,
		Streaming:  false,
		Windowing:  false,
		Attributes: true,
	}
}

// negotiate computes the active Parameters from a local proposal and the
// remote's Send-Init, per the rules in the component design: QBIN and REPT
// resolution, CHKT fallback, capability ANDing, WINDO minimum, and
// MAXLX1/MAXLX2 defaulting.
func negotiate(local, remote Parameters) Parameters {
	var active Parameters

	active.MAXL = local.MAXL
	if remote.MAXL > 0 && remote.MAXL < active.MAXL {
		active.MAXL = remote.MAXL
	}

	active.NPAD = remote.NPAD
	active.PADC = remote.PADC
	active.EOL = remote.EOL
	if active.EOL == 0 {
		active.EOL = defaultEOL
	}
	active.QCTL = local.QCTL
	if active.QCTL == 0 {
		active.QCTL = defaultQCTL
	}

	switch {
	case remote.QBIN == 'Y':
		if isValidQBIN(local.QBIN) {
			active.QBIN = local.QBIN
		} else {
			active.QBIN = defaultQBINOff
		}
	case remote.QBIN == 'N':
		active.QBIN = defaultQBINOff
	case isValidQBIN(remote.QBIN):
		active.QBIN = remote.QBIN
	default:
		active.QBIN = defaultQBINOff
	}

	if local.CHKT == remote.CHKT {
		active.CHKT = local.CHKT
	} else {
		active.CHKT = '1'
	}

	if local.REPT == remote.REPT && isValidREPT(local.REPT) &&
		local.REPT != active.QCTL && local.REPT != active.QBIN {
		active.REPT = local.REPT
	} else {
		active.REPT = defaultREPTOff
	}

	active.Attributes = local.Attributes && remote.Attributes
	active.Long = local.Long && remote.Long
	active.Streaming = local.Streaming && remote.Streaming
	active.Windowing = local.Windowing && remote.Windowing

	active.WINDO = 1
	if active.Windowing {
		w := local.WINDO
		if remote.WINDO > 0 && remote.WINDO < w {
			w = remote.WINDO
		}
		if w < 1 {
			w = 1
		}
		active.WINDO = w
	}

	if active.Long {
		active.MAXLX1, active.MAXLX2 = longLengthParts(local, remote)
	}

	active.CAPAS = local.CAPAS & remote.CAPAS & capasResend

	return active
}

// longLengthParts picks MAXLX1/MAXLX2 for the active parameters: the
// smaller of the two sides' explicit proposals, defaulting to a length that
// covers defaultBlockSize bytes when a side offered long packets without
// giving explicit values.
func longLengthParts(local, remote Parameters) (int, int) {
	localLen := local.MaxLongLength()
	if localLen == 0 {
		localLen = defaultBlockSize
	}
	remoteLen := remote.MaxLongLength()
	if remoteLen == 0 {
		remoteLen = defaultBlockSize
	}
	n := localLen
	if remoteLen < n {
		n = remoteLen
	}
	if n > defaultBlockSize {
		n = defaultBlockSize
	}
	return n / 95, n % 95
}
