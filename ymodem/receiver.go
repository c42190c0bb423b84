package ymodem

import (
	"context"
	"errors"

	"github.com/xx25/go-serialxfer/session"
	"github.com/xx25/go-serialxfer/transport"
	"github.com/xx25/go-serialxfer/xmodem"
)

func (s *Session) runReceiver(ctx context.Context, sink session.FileSink) error {
	s.sess.SetState(session.StateTransfer)
	flavor := s.cfg.Flavor
	handshakeAttempts := 0

	for {
		if err := ctx.Err(); err != nil {
			return s.abort(err)
		}
		if s.sess.CancelRequested() != session.CancelNone {
			return s.abort(errors.New("ymodem: canceled by user"))
		}

		if err := sendHandshakeByte(s.transport, flavor); err != nil {
			return s.abort(err)
		}

		res, err := xmodem.ReadBlock(s.transport, flavor, flavor.Timeout())
		if err != nil {
			if errors.Is(err, transport.ErrTimedOut) {
				handshakeAttempts++
				if handshakeAttempts >= maxHandshakeAttempts &&
					(flavor == xmodem.CRC || flavor == xmodem.OneK || flavor == xmodem.OneKG) {
					if flavor == xmodem.OneKG {
						flavor = xmodem.OneK
						s.sess.Log("DOWNGRADE TO XMODEM-1K")
					} else {
						flavor = xmodem.Vanilla
						s.sess.Log("DOWNGRADE TO XMODEM-VANILLA")
					}
				}
				continue
			}
			return s.abort(err)
		}
		if res.IsCanceled() {
			return s.abort(errCanceled)
		}
		if res.IsMalformed() {
			xmodem.Purge(s.transport)
			continue
		}
		if res.Seq() != 0 {
			// Unexpected seq where a block 0 was expected: treat as noise
			// and retry the handshake.
			xmodem.Purge(s.transport)
			continue
		}

		info, err := parseBlock0(res.Payload())
		if err != nil {
			return s.abort(err)
		}
		if info.Name == "" {
			if err := s.transport.WriteAll([]byte{xmodem.ACK}); err != nil {
				return s.abort(err)
			}
			s.transport.Flush()
			s.sess.SetState(session.StateEnd)
			return nil
		}

		fi := session.FileInfo{
			RemoteName: sanitizeFilename(info.Name),
			Size:       info.Size,
			ModTime:    info.ModTime,
			Mode:       info.Mode,
			BytesTotal: info.Size,
		}
		local, err := sink.AcceptFile(fi)
		if err != nil {
			return s.abort(err)
		}

		if err := s.transport.WriteAll([]byte{xmodem.ACK}); err != nil {
			return s.abort(err)
		}
		s.transport.Flush()

		s.sess.StartFile(fi)
		body := xmodem.NewSession(s.transport, &xmodem.Config{Flavor: flavor, MaxRetries: s.cfg.MaxRetries}, nil)
		if err := body.Receive(ctx, local); err != nil {
			mergeErrorCount(s.sess, body)
			local.Close()
			if s.sess.CancelRequested() == session.CancelDiscardPartial {
				local.Delete()
			}
			s.sess.FinishCurrentFile(err)
			return s.abort(err)
		}
		mergeErrorCount(s.sess, body)
		if !info.ModTime.IsZero() {
			_ = local.SetModTime(info.ModTime)
		}
		local.Close()
		s.sess.FinishCurrentFile(nil)
		handshakeAttempts = 0
	}
}
