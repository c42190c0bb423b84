package ymodem

import (
	"errors"

	"github.com/xx25/go-serialxfer/transport"
	"github.com/xx25/go-serialxfer/xmodem"
)

const maxHandshakeAttempts = 3

var errCanceled = errors.New("ymodem: canceled by remote (CAN)")

// waitHandshake blocks until the remote sends NAK/'C'/'G', mapping it to a
// Flavor exactly as the Xmodem sender does. Ymodem reimplements this small
// piece rather than reaching into xmodem's unexported sender state, since a
// block 0 exchange needs its own handshake per file in the batch. It runs
// before the file's FileInfo exists, so it reports its own retry count
// rather than writing it to a session directly; the caller seeds it into
// FileInfo.ErrorCount once the file is started.
func waitHandshake(t transport.ByteTransport, preferred xmodem.Flavor, maxRetries int) (xmodem.Flavor, int, error) {
	errorCount := 0
	for {
		b, err := t.Read(xmodem.Vanilla.Timeout())
		if err != nil {
			if errors.Is(err, transport.ErrTimedOut) {
				errorCount++
				if errorCount >= maxRetries {
					return 0, errorCount, errors.New("ymodem: TOO MANY ERRORS")
				}
				continue
			}
			return 0, errorCount, err
		}
		switch b {
		case xmodem.NAK:
			return xmodem.Vanilla, errorCount, nil
		case 'C':
			if preferred == xmodem.OneK || preferred == xmodem.OneKG {
				return xmodem.OneK, errorCount, nil
			}
			return xmodem.CRC, errorCount, nil
		case 'G':
			return xmodem.OneKG, errorCount, nil
		case xmodem.CAN:
			return 0, errorCount, errCanceled
		default:
			continue
		}
	}
}

// sendHandshakeByte advertises flavor the way an Xmodem receiver does.
func sendHandshakeByte(t transport.ByteTransport, f xmodem.Flavor) error {
	var b byte
	switch f {
	case xmodem.CRC, xmodem.OneK:
		b = 'C'
	case xmodem.OneKG:
		b = 'G'
	default:
		b = xmodem.NAK
	}
	if err := t.WriteAll([]byte{b}); err != nil {
		return err
	}
	return t.Flush()
}
