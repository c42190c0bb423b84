package xmodem

import (
	"context"
	"errors"

	"github.com/xx25/go-serialxfer/session"
	"github.com/xx25/go-serialxfer/transport"
)

// runReceiver implements the receiver algorithm of spec §4.3: advertise a
// flavor via the handshake byte (downgrading on repeated handshake
// failure), then loop reading blocks, ACKing/NAKing, until EOT or CAN.
func (s *Session) runReceiver(ctx context.Context, local transport.LocalFile) error {
	flavor := s.cfg.Flavor
	expected := byte(1)
	errorCount := 0
	handshakeAttempts := 0
	bytesWritten := int64(0)
	// pending holds the most recently accepted block. Blocks are flushed to
	// local one behind the current read so that, on EOT, the truly final
	// block can have its CP/M 0x1A padding trimmed before it is written.
	var pending []byte

	flushPending := func(trim bool) error {
		if pending == nil {
			return nil
		}
		data := pending
		if trim {
			data = transport.TrimTrailingCPMEOF(data)
			// TrimTrailingCPMEOF keeps a buffer made only of 0x1A bytes, but
			// pending is only the final block: once earlier blocks have been
			// written, an all-0x1A final block is padding.
			if bytesWritten > 0 && len(data) > 0 && data[len(data)-1] == cpmPad {
				data = data[:0]
			}
		}
		n, err := local.Write(data)
		if err != nil || n != len(data) {
			return errLocalFileWrite
		}
		bytesWritten += int64(n)
		pending = nil
		return nil
	}

	s.sess.SetState(session.StateTransfer)
	fileIdx := s.sess.StartFile(session.FileInfo{BlockSize: flavor.blockSize()})
	_ = fileIdx

	sendHandshake := func() error {
		var b byte
		switch flavor {
		case Vanilla, Relaxed:
			b = NAK
		case CRC:
			b = 'C'
		case OneK:
			b = 'C'
		case OneKG:
			b = 'G'
		}
		if err := s.transport.WriteAll([]byte{b}); err != nil {
			return err
		}
		return s.transport.Flush()
	}

	if err := sendHandshake(); err != nil {
		return s.abortReceive(err)
	}

	for {
		if err := ctx.Err(); err != nil {
			return s.abortReceive(err)
		}
		if mode := s.sess.CancelRequested(); mode != session.CancelNone {
			s.transport.WriteAll([]byte{CAN})
			s.transport.Flush()
			if mode == session.CancelDiscardPartial {
				local.Close()
				local.Delete()
			}
			return s.abortReceive(errors.New("xmodem: canceled by user"))
		}

		res, err := readBlock(s.transport, flavor, flavor.timeout())
		if err != nil {
			if errors.Is(err, transport.ErrTimedOut) {
				errorCount++
				s.sess.UpdateCurrentFile(func(fi *session.FileInfo) { fi.ErrorCount++ })
				if expected == 1 && handshakeAttempts < maxHandshakeDowngradeAttempts &&
					(flavor == CRC || flavor == OneK || flavor == OneKG) {
					handshakeAttempts++
					if handshakeAttempts >= maxHandshakeDowngradeAttempts {
						if flavor == OneKG {
							flavor = OneK
							s.sess.Log("DOWNGRADE TO XMODEM-1K")
						} else {
							flavor = Vanilla
							s.sess.Log("DOWNGRADE TO XMODEM-VANILLA")
						}
					}
					if err := sendHandshake(); err != nil {
						return s.abortReceive(err)
					}
					continue
				}
				if errorCount >= s.cfg.MaxRetries {
					return s.abortReceive(errTooManyErrors)
				}
				s.sess.Log("TIMEOUT")
				if err := sendHandshake(); err != nil {
					return s.abortReceive(err)
				}
				continue
			}
			return s.abortReceive(err)
		}

		if res.canceled {
			return s.abortReceive(errCanceled)
		}

		if res.eot {
			if err := flushPending(true); err != nil {
				return s.abortReceive(err)
			}
			if err := s.transport.WriteAll([]byte{ACK}); err != nil {
				return s.abortReceive(err)
			}
			s.transport.Flush()
			s.sess.UpdateCurrentFile(func(fi *session.FileInfo) {
				fi.BytesTransferred = bytesWritten
				fi.BytesTotal = bytesWritten
			})
			s.sess.FinishCurrentFile(nil)
			s.sess.SetState(session.StateEnd)
			return nil
		}

		if res.malformed {
			errorCount++
			s.sess.UpdateCurrentFile(func(fi *session.FileInfo) { fi.ErrorCount++ })
			if errorCount >= s.cfg.MaxRetries {
				return s.abortReceive(errTooManyErrors)
			}
			purge(s.transport)
			s.sess.Log(checksumErrorMsg(int(expected)))
			if err := s.transport.WriteAll([]byte{NAK}); err != nil {
				return s.abortReceive(err)
			}
			s.transport.Flush()
			continue
		}

		errorCount = 0

		switch {
		case res.seq == expected-1:
			// Duplicate due to a lost ACK: do not write, just re-ACK
			// (suppressed in 1K/G where the sender never waits anyway).
			if flavor != OneKG {
				s.transport.WriteAll([]byte{ACK})
				s.transport.Flush()
			}
		case res.seq == expected:
			if err := flushPending(false); err != nil {
				return s.abortReceive(err)
			}
			pending = res.payload
			expected++
			s.sess.UpdateCurrentFile(func(fi *session.FileInfo) {
				fi.BytesTransferred = bytesWritten + int64(len(pending))
				fi.BlocksTransferred++
			})
			if flavor != OneKG {
				s.transport.WriteAll([]byte{ACK})
				s.transport.Flush()
			}
		default:
			purge(s.transport)
			s.transport.WriteAll([]byte{NAK})
			s.transport.Flush()
		}
	}
}

func (s *Session) abortReceive(err error) error {
	s.sess.FinishCurrentFile(err)
	s.sess.SetState(session.StateAbort)
	return err
}
