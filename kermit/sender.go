package kermit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/xx25/go-serialxfer/session"
	"github.com/xx25/go-serialxfer/transport"
)

var (
	errRemoteError = errors.New("kermit: remote sent an ERROR packet")
	errTooManyErrs = errors.New("kermit: TOO MANY ERRORS")
)

func (s *Session) runSender(ctx context.Context, source session.FileSource) error {
	s.sess.SetState(session.StateFileInfo)

	initCodec := &Codec{Params: s.local, TextMode: false}
	remote, err := s.exchangeInit(ctx, initCodec)
	if err != nil {
		return s.abort(err)
	}
	s.active = negotiate(s.local, remote)
	dataCodec := &Codec{Params: s.active, TextMode: false}
	seq := 1 // SINIT consumed seq 0

	s.sess.SetState(session.StateTransfer)

	for {
		if err := ctx.Err(); err != nil {
			return s.abort(err)
		}
		if s.sess.CancelRequested() != session.CancelNone {
			return s.sendErrorAndAbort(dataCodec, &seq, "canceled by user")
		}

		offer, err := source.NextFile()
		if err != nil {
			return s.abort(err)
		}
		if offer == nil {
			// No current file at this point (the last one already finished),
			// so Break's retries must not be charged against it.
			if err := s.sendAndAwaitAck(dataCodec, &seq, TypeBreak, nil, false, false); err != nil {
				return s.abort(err)
			}
			s.sess.SetState(session.StateEnd)
			return nil
		}

		idx := s.sess.StartFile(session.FileInfo{RemoteName: offer.Name, Size: offer.Size, ModTime: offer.ModTime, Mode: offer.Mode, BytesTotal: offer.Size})
		_ = idx

		name := offer.Name
		if s.cfg.RobustFilenames {
			name = robustFilename(name)
		}
		if err := s.sendAndAwaitAck(dataCodec, &seq, TypeFile, []byte(name), false, true); err != nil {
			s.sess.FinishCurrentFile(err)
			return s.abort(err)
		}

		attrs := encodeAttributes(FileAttributes{Size: offer.Size, ModTime: offer.ModTime})
		if len(attrs) > 0 && s.active.Attributes {
			if err := s.sendAndAwaitAck(dataCodec, &seq, TypeAttributes, attrs, true, true); err != nil {
				s.sess.FinishCurrentFile(err)
				return s.abort(err)
			}
		}

		if err := s.sendFileData(ctx, dataCodec, &seq, offer); err != nil {
			s.sess.FinishCurrentFile(err)
			return s.abort(err)
		}

		if err := s.sendAndAwaitAck(dataCodec, &seq, TypeEOF, nil, false, true); err != nil {
			s.sess.FinishCurrentFile(err)
			return s.abort(err)
		}
		s.sess.FinishCurrentFile(nil)
	}
}

func (s *Session) sendFileData(ctx context.Context, codec *Codec, seq *int, offer *session.FileOffer) error {
	maxLen := codec.Params.MAXL - 10
	if maxLen < 16 {
		maxLen = 16
	}
	buf := make([]byte, maxLen)
	total := int64(0)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := offer.Local.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			if err := s.sendDataPacket(codec, seq, chunk); err != nil {
				return err
			}
			total += int64(n)
			s.sess.UpdateCurrentFile(func(fi *session.FileInfo) {
				fi.BytesTransferred = total
				fi.BlocksTransferred++
			})
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func (s *Session) sendDataPacket(codec *Codec, seq *int, data []byte) error {
	if s.active.Streaming {
		pkt := Packet{Type: TypeData, Seq: *seq & 0x3F, Payload: data}
		if err := WritePacket(s.transport, codec, pkt); err != nil {
			return err
		}
		*seq++
		return nil
	}
	return s.sendAndAwaitAck(codec, seq, TypeData, data, false, true)
}

// sendAndAwaitAck writes one packet at *seq, retransmitting on timeout or a
// non-ACK reply, then advances *seq once ACKed. countErrors attributes each
// retry to the current file's ErrorCount; callers pass false for the
// end-of-batch Break packet, which has no current file.
func (s *Session) sendAndAwaitAck(codec *Codec, seq *int, typ byte, data []byte, dontEncode, countErrors bool) error {
	pkt := Packet{Type: typ, Seq: *seq & 0x3F, Payload: data, DontEncodeData: dontEncode}
	errCount := 0
	bump := func() {
		errCount++
		if countErrors {
			s.sess.UpdateCurrentFile(func(fi *session.FileInfo) { fi.ErrorCount++ })
		}
	}
	for {
		if err := WritePacket(s.transport, codec, pkt); err != nil {
			return err
		}
		reply, state, err := ReadPacket(s.transport, codec, ackTimeout(s.active))
		if err != nil {
			if errors.Is(err, transport.ErrTimedOut) {
				bump()
				if errCount >= s.cfg.MaxRetries {
					return errTooManyErrs
				}
				continue
			}
			return err
		}
		if state != ParseOK {
			bump()
			if errCount >= s.cfg.MaxRetries {
				return errTooManyErrs
			}
			continue
		}
		if reply.Type == TypeError {
			return fmt.Errorf("%w: %s", errRemoteError, string(reply.Payload))
		}
		if reply.Type != TypeAck || reply.Seq != pkt.Seq {
			bump()
			if errCount >= s.cfg.MaxRetries {
				return errTooManyErrs
			}
			continue
		}
		*seq++
		return nil
	}
}

func (s *Session) exchangeInit(ctx context.Context, codec *Codec) (Parameters, error) {
	pkt := Packet{Type: TypeSendInit, Seq: 0, Payload: encodeSendInit(s.local), DontEncodeData: true}
	errCount := 0
	for {
		if err := ctx.Err(); err != nil {
			return Parameters{}, err
		}
		if err := WritePacket(s.transport, codec, pkt); err != nil {
			return Parameters{}, err
		}
		reply, state, err := ReadPacket(s.transport, codec, fallbackTimeout)
		if err != nil {
			if errors.Is(err, transport.ErrTimedOut) {
				errCount++
				if errCount >= s.cfg.MaxRetries {
					return Parameters{}, errTooManyErrs
				}
				continue
			}
			return Parameters{}, err
		}
		if state != ParseOK || reply.Type != TypeAck {
			errCount++
			if errCount >= s.cfg.MaxRetries {
				return Parameters{}, errTooManyErrs
			}
			continue
		}
		return decodeSendInit(reply.Payload), nil
	}
}

func (s *Session) sendErrorAndAbort(codec *Codec, seq *int, reason string) error {
	pkt := Packet{Type: TypeError, Seq: *seq & 0x3F, Payload: []byte(reason), DontEncodeData: true}
	_ = WritePacket(s.transport, codec, pkt)
	return s.abort(errors.New("kermit: " + reason))
}

func ackTimeout(p Parameters) time.Duration {
	if p.TIME > 0 {
		return time.Duration(p.TIME) * time.Second
	}
	return fallbackTimeout
}
