package kermit

import (
	"context"
	"errors"
	"fmt"

	"github.com/xx25/go-serialxfer/session"
	"github.com/xx25/go-serialxfer/transport"
)

func (s *Session) runReceiver(ctx context.Context, sink session.FileSink) error {
	s.sess.SetState(session.StateFileInfo)

	initCodec := &Codec{Params: s.local, TextMode: false}
	remote, err := s.waitInit(ctx, initCodec)
	if err != nil {
		return s.abort(err)
	}
	s.active = negotiate(s.local, remote)
	codec := &Codec{Params: s.active, TextMode: !s.cfg.DownloadForceBinary}
	expected := 1 // consumed seq 0 with SINIT

	s.sess.SetState(session.StateTransfer)

	for {
		pkt, waitErrs, err := s.waitPacketWithRetry(ctx, codec, &expected, TypeFile, TypeBreak)
		if err != nil {
			return s.abort(err)
		}
		if pkt.Type == TypeBreak {
			s.sess.SetState(session.StateEnd)
			return nil
		}

		name := string(pkt.Payload)
		fi := session.FileInfo{RemoteName: name}

		attrsPkt, _ := s.peekAttributes(ctx, codec, &expected)
		if attrsPkt != nil {
			attrs := parseAttributes(attrsPkt.Payload)
			fi.Size = attrs.Size
			fi.ModTime = attrs.ModTime
			fi.BytesTotal = attrs.Size
		}

		local, err := sink.AcceptFile(fi)
		if err != nil {
			return s.abort(err)
		}
		s.sess.StartFile(fi)
		if waitErrs > 0 {
			s.sess.UpdateCurrentFile(func(fi *session.FileInfo) { fi.ErrorCount += waitErrs })
		}

		if err := s.receiveFileData(ctx, codec, &expected, local); err != nil {
			local.Close()
			if s.sess.CancelRequested() == session.CancelDiscardPartial {
				local.Delete()
			}
			s.sess.FinishCurrentFile(err)
			return s.abort(err)
		}
		if !fi.ModTime.IsZero() {
			_ = local.SetModTime(fi.ModTime)
		}
		local.Close()
		s.sess.FinishCurrentFile(nil)
	}
}

// peekAttributes reads one packet; if it's an Attributes packet it is
// consumed and returned, otherwise the caller treats the read packet as the
// first Data packet of the file (Attributes is optional per spec).
func (s *Session) peekAttributes(ctx context.Context, codec *Codec, expected *int) (*Packet, error) {
	pkt, state, err := ReadPacket(s.transport, codec, ackTimeout(s.active))
	if err != nil {
		return nil, err
	}
	if state == ParseOK && pkt.Type == TypeAttributes {
		if err := s.ackPacket(codec, pkt.Seq); err != nil {
			return nil, err
		}
		*expected = (pkt.Seq + 1) & 0x3F
		return &pkt, nil
	}
	s.pending = &pkt
	s.pendingState = state
	return nil, nil
}

func (s *Session) receiveFileData(ctx context.Context, codec *Codec, expected *int, local transport.LocalFile) error {
	errCount := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if s.sess.CancelRequested() != session.CancelNone {
			return errors.New("kermit: canceled by user")
		}

		pkt, state, err := s.nextPacket(codec)
		if err != nil {
			return err
		}
		if state != ParseOK {
			errCount++
			s.sess.UpdateCurrentFile(func(fi *session.FileInfo) { fi.ErrorCount++ })
			if !s.active.Streaming {
				s.nak(codec, *expected)
			}
			continue
		}
		if pkt.Type == TypeError {
			return fmt.Errorf("%w: %s", errRemoteError, string(pkt.Payload))
		}
		if pkt.Type == TypeEOF {
			if err := s.ackPacket(codec, pkt.Seq); err != nil {
				return err
			}
			*expected = (pkt.Seq + 1) & 0x3F
			return nil
		}
		if pkt.Type != TypeData {
			errCount++
			s.sess.UpdateCurrentFile(func(fi *session.FileInfo) { fi.ErrorCount++ })
			if !s.active.Streaming {
				s.nak(codec, *expected)
			}
			continue
		}

		dup := pkt.Seq == ((*expected-1)+64)%64
		switch {
		case pkt.Seq == *expected:
			if _, err := local.Write(pkt.Payload); err != nil {
				return err
			}
			s.sess.UpdateCurrentFile(func(fi *session.FileInfo) {
				fi.BytesTransferred += int64(len(pkt.Payload))
				fi.BlocksTransferred++
			})
			if !s.active.Streaming {
				if err := s.ackPacket(codec, pkt.Seq); err != nil {
					return err
				}
			}
			*expected = (*expected + 1) & 0x3F
		case dup:
			if !s.active.Streaming {
				if err := s.ackPacket(codec, pkt.Seq); err != nil {
					return err
				}
			}
		default:
			return errors.New("kermit: PROTOCOL ERROR, INVALID PACKET SEQUENCE")
		}
	}
}

// nextPacket returns a packet deferred by peekAttributes, if any, before
// reading a fresh one off the wire.
func (s *Session) nextPacket(codec *Codec) (Packet, ParseState, error) {
	if s.pending != nil {
		pkt, state := *s.pending, s.pendingState
		s.pending = nil
		return pkt, state, nil
	}
	return ReadPacket(s.transport, codec, ackTimeout(s.active))
}

func (s *Session) ackPacket(codec *Codec, seq int) error {
	return WritePacket(s.transport, codec, Packet{Type: TypeAck, Seq: seq, DontEncodeData: true})
}

func (s *Session) nak(codec *Codec, seq int) {
	_ = WritePacket(s.transport, codec, Packet{Type: TypeNak, Seq: seq & 0x3F, DontEncodeData: true})
}

// waitPacketWithRetry NAKs the expected sequence on timeout or a malformed
// packet until it sees wantA or wantB, matching the receiver's "wait(FILE or
// BREAK)" state. It runs before the next file's FileInfo exists (or, for the
// terminal Break, no file at all), so it reports its own retry count for the
// caller to seed into FileInfo.ErrorCount once a file is actually started.
func (s *Session) waitPacketWithRetry(ctx context.Context, codec *Codec, expected *int, wantA, wantB byte) (Packet, int, error) {
	errCount := 0
	for {
		if err := ctx.Err(); err != nil {
			return Packet{}, errCount, err
		}
		pkt, state, err := ReadPacket(s.transport, codec, ackTimeout(s.active))
		if err != nil {
			if errors.Is(err, transport.ErrTimedOut) {
				s.nak(codec, *expected)
				errCount++
				if errCount >= s.cfg.MaxRetries {
					return Packet{}, errCount, errTooManyErrs
				}
				continue
			}
			return Packet{}, errCount, err
		}
		if state != ParseOK || (pkt.Type != wantA && pkt.Type != wantB) {
			s.nak(codec, *expected)
			errCount++
			if errCount >= s.cfg.MaxRetries {
				return Packet{}, errCount, errTooManyErrs
			}
			continue
		}
		if err := s.ackPacket(codec, pkt.Seq); err != nil {
			return Packet{}, errCount, err
		}
		*expected = (pkt.Seq + 1) & 0x3F
		return pkt, errCount, nil
	}
}

func (s *Session) waitInit(ctx context.Context, codec *Codec) (Parameters, error) {
	s.nak(codec, 0)
	errCount := 0
	for {
		if err := ctx.Err(); err != nil {
			return Parameters{}, err
		}
		pkt, state, err := ReadPacket(s.transport, codec, fallbackTimeout)
		if err != nil {
			if errors.Is(err, transport.ErrTimedOut) {
				errCount++
				if errCount >= s.cfg.MaxRetries {
					return Parameters{}, errTooManyErrs
				}
				s.nak(codec, 0)
				continue
			}
			return Parameters{}, err
		}
		if state != ParseOK || pkt.Type != TypeSendInit {
			errCount++
			if errCount >= s.cfg.MaxRetries {
				return Parameters{}, errTooManyErrs
			}
			s.nak(codec, 0)
			continue
		}
		remote := decodeSendInit(pkt.Payload)
		ackPkt := Packet{Type: TypeAck, Seq: pkt.Seq, Payload: encodeSendInit(s.local), DontEncodeData: true}
		if err := WritePacket(s.transport, codec, ackPkt); err != nil {
			return Parameters{}, err
		}
		return remote, nil
	}
}
