package xmodem

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/xx25/go-serialxfer/session"
	"github.com/xx25/go-serialxfer/transport"
)

// handshakeTimeout bounds how long the sender waits for the receiver's
// initial NAK/'C'/'G' byte.
const handshakeTimeout = 10 * time.Second

// runSender implements the sender algorithm of spec §4.3: wait for the
// receiver's handshake byte (mapping it to a flavor, with downgrade),
// then loop reading blocks from local and writing them, retransmitting on
// NAK/timeout, until the file is exhausted and EOT is ACKed.
func (s *Session) runSender(ctx context.Context, local transport.LocalFile, size int64) error {
	s.sess.SetState(session.StateTransfer)
	s.sess.StartFile(session.FileInfo{Size: size, BytesTotal: size})

	flavor, err := s.waitHandshake(ctx)
	if err != nil {
		return s.abortSend(err)
	}

	seq := byte(1)
	sent := int64(0)
	eof := false

	for !eof {
		if err := ctx.Err(); err != nil {
			return s.abortSend(err)
		}
		if s.sess.CancelRequested() != session.CancelNone {
			s.transport.WriteAll([]byte{CAN})
			s.transport.Flush()
			return s.abortSend(errors.New("xmodem: canceled by user"))
		}

		blockSize := flavor.blockSize()
		buf := make([]byte, blockSize)
		n, rerr := io.ReadFull(local, buf)
		if rerr == io.EOF || (rerr == io.ErrUnexpectedEOF && n == 0) {
			eof = true
			break
		}
		if rerr != nil && rerr != io.ErrUnexpectedEOF {
			return s.abortSend(rerr)
		}
		for i := n; i < blockSize; i++ {
			buf[i] = cpmPad
		}
		sent += int64(n)

		if err := s.sendBlockWithRetry(ctx, flavor, seq, buf); err != nil {
			return s.abortSend(err)
		}

		seq++
		s.sess.UpdateCurrentFile(func(fi *session.FileInfo) {
			fi.BytesTransferred = sent
			fi.BlocksTransferred++
		})

		if int64(n) < int64(blockSize) {
			break
		}
	}

	if err := s.sendEOTWithRetry(ctx); err != nil {
		return s.abortSend(err)
	}

	s.sess.FinishCurrentFile(nil)
	s.sess.SetState(session.StateEnd)
	return nil
}

// waitHandshake blocks until the receiver sends NAK/'C'/'G', mapping it to
// the matching flavor. The sender never downgrades on its own; it honors
// whatever the receiver asks for (the receiver is the one that falls back
// after repeated failed handshake attempts).
func (s *Session) waitHandshake(ctx context.Context) (Flavor, error) {
	errorCount := 0
	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		b, err := s.transport.Read(handshakeTimeout)
		if err != nil {
			if errors.Is(err, transport.ErrTimedOut) {
				errorCount++
				s.sess.UpdateCurrentFile(func(fi *session.FileInfo) { fi.ErrorCount++ })
				if errorCount >= s.cfg.MaxRetries {
					return 0, errTooManyErrors
				}
				continue
			}
			return 0, err
		}
		switch b {
		case NAK:
			return Vanilla, nil
		case 'C':
			if s.cfg.Flavor == OneK || s.cfg.Flavor == OneKG {
				return OneK, nil
			}
			return CRC, nil
		case 'G':
			return OneKG, nil
		case CAN:
			return 0, errCanceled
		default:
			continue
		}
	}
}

// sendBlockWithRetry emits one block and, unless the flavor is 1K/G,
// waits for ACK/NAK/CAN, retransmitting on NAK or an unrecognized byte.
func (s *Session) sendBlockWithRetry(ctx context.Context, f Flavor, seq byte, payload []byte) error {
	errorCount := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := writeBlock(s.transport, f, seq, payload); err != nil {
			return err
		}
		if f == OneKG {
			return nil
		}
		b, err := s.transport.Read(f.timeout())
		if err != nil {
			if errors.Is(err, transport.ErrTimedOut) {
				errorCount++
				s.sess.UpdateCurrentFile(func(fi *session.FileInfo) { fi.ErrorCount++ })
				s.sess.Log("TIMEOUT")
				if errorCount >= s.cfg.MaxRetries {
					return errTooManyErrors
				}
				continue
			}
			return err
		}
		switch b {
		case ACK:
			return nil
		case CAN:
			return errCanceled
		case NAK:
			errorCount++
			s.sess.UpdateCurrentFile(func(fi *session.FileInfo) { fi.ErrorCount++ })
			if errorCount >= s.cfg.MaxRetries {
				return errTooManyErrors
			}
			continue
		default:
			errorCount++
			s.sess.UpdateCurrentFile(func(fi *session.FileInfo) { fi.ErrorCount++ })
			if errorCount >= s.cfg.MaxRetries {
				return errTooManyErrors
			}
			continue
		}
	}
}

func (s *Session) sendEOTWithRetry(ctx context.Context) error {
	errorCount := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.transport.WriteAll([]byte{EOT}); err != nil {
			return err
		}
		if err := s.transport.Flush(); err != nil {
			return err
		}
		b, err := s.transport.Read(handshakeTimeout)
		if err != nil {
			if errors.Is(err, transport.ErrTimedOut) {
				errorCount++
				s.sess.UpdateCurrentFile(func(fi *session.FileInfo) { fi.ErrorCount++ })
				if errorCount >= s.cfg.MaxRetries {
					return errTooManyErrors
				}
				continue
			}
			return err
		}
		if b == ACK {
			return nil
		}
		errorCount++
		s.sess.UpdateCurrentFile(func(fi *session.FileInfo) { fi.ErrorCount++ })
		if errorCount >= s.cfg.MaxRetries {
			return errTooManyErrors
		}
	}
}

func (s *Session) abortSend(err error) error {
	s.sess.FinishCurrentFile(err)
	s.sess.SetState(session.StateAbort)
	return err
}
