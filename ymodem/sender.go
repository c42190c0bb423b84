package ymodem

import (
	"context"
	"errors"

	"github.com/xx25/go-serialxfer/session"
	"github.com/xx25/go-serialxfer/xmodem"
)

func (s *Session) runSender(ctx context.Context, source session.FileSource) error {
	s.sess.SetState(session.StateTransfer)

	for {
		if err := ctx.Err(); err != nil {
			return s.abort(err)
		}
		if s.sess.CancelRequested() != session.CancelNone {
			return s.abort(errors.New("ymodem: canceled by user"))
		}

		offer, err := source.NextFile()
		if err != nil {
			return s.abort(err)
		}
		if offer == nil {
			return s.sendBatchEnd(ctx)
		}

		flavor, handshakeErrs, err := waitHandshake(s.transport, s.cfg.Flavor, s.cfg.MaxRetries)
		if err != nil {
			return s.abort(err)
		}

		payload := marshalBlock0(block0Info{
			Name:    offer.Name,
			Size:    offer.Size,
			ModTime: offer.ModTime,
			Mode:    offer.Mode,
		})
		block0Errs, err := s.sendBlock0WithRetry(ctx, flavor, payload)
		if err != nil {
			return s.abort(err)
		}

		idx := s.sess.StartFile(session.FileInfo{RemoteName: offer.Name, Size: offer.Size, ModTime: offer.ModTime, Mode: offer.Mode, BytesTotal: offer.Size})
		_ = idx
		if n := handshakeErrs + block0Errs; n > 0 {
			s.sess.UpdateCurrentFile(func(fi *session.FileInfo) { fi.ErrorCount += n })
		}

		body := xmodem.NewSession(s.transport, &xmodem.Config{Flavor: flavor, MaxRetries: s.cfg.MaxRetries}, nil)
		if err := body.Send(ctx, offer.Local, offer.Size); err != nil {
			mergeErrorCount(s.sess, body)
			s.sess.FinishCurrentFile(err)
			return s.abort(err)
		}
		mergeErrorCount(s.sess, body)
		s.sess.FinishCurrentFile(nil)
	}
}

func (s *Session) sendBatchEnd(ctx context.Context) error {
	flavor, _, err := waitHandshake(s.transport, s.cfg.Flavor, s.cfg.MaxRetries)
	if err != nil {
		return s.abort(err)
	}
	if _, err := s.sendBlock0WithRetry(ctx, flavor, marshalBlock0(block0Info{})); err != nil {
		return s.abort(err)
	}
	s.sess.SetState(session.StateEnd)
	return nil
}

// sendBlock0WithRetry returns its accumulated retry count alongside any
// error, for the same reason waitHandshake does: the file this block 0
// announces has not been started yet when it runs.
func (s *Session) sendBlock0WithRetry(ctx context.Context, f xmodem.Flavor, payload []byte) (int, error) {
	padded := make([]byte, f.BlockSize())
	copy(padded, payload)

	errorCount := 0
	for {
		if err := ctx.Err(); err != nil {
			return errorCount, err
		}
		if err := xmodem.WriteBlock(s.transport, f, 0, padded); err != nil {
			return errorCount, err
		}
		b, err := s.transport.Read(f.Timeout())
		if err != nil {
			errorCount++
			if errorCount >= s.cfg.MaxRetries {
				return errorCount, errors.New("ymodem: TOO MANY ERRORS")
			}
			continue
		}
		switch b {
		case xmodem.ACK:
			return errorCount, nil
		case xmodem.CAN:
			return errorCount, errCanceled
		default:
			errorCount++
			if errorCount >= s.cfg.MaxRetries {
				return errorCount, errors.New("ymodem: TOO MANY ERRORS")
			}
		}
	}
}

func (s *Session) abort(err error) error {
	s.sess.SetState(session.StateAbort)
	return err
}
