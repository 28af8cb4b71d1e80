package usrp2

import (
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/rjboer/usrp2eth/wire"
)

// transact runs one command/response round trip: encode, send, wait for
// the response carrying the same transaction id, retry on silence.
//
// Retries reuse the transaction id on purpose. The medium drops frames
// silently; a fresh id would make the device execute the command twice
// whenever only the response was lost. The device deduplicates by id,
// so replaying the identical frame is safe. That contract is part of
// the wire protocol, not an implementation convenience.
//
// An explicit rejection is surfaced immediately; retrying a command the
// device refused cannot succeed.
func (s *Session) transact(kind wire.Kind, channel uint8, payload []byte) ([]byte, error) {
	select {
	case <-s.closed:
		return nil, ErrSessionClosed
	default:
	}

	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()

	s.txnID++
	id := s.txnID

	buf, err := wire.Encode(wire.Frame{Kind: kind, ID: id, Channel: channel, Payload: payload})
	if err != nil {
		return nil, err
	}

	pend := &pendingTxn{id: id, resp: make(chan wire.Frame, 1)}
	s.pendMu.Lock()
	s.pend = pend
	s.pendMu.Unlock()
	defer func() {
		s.pendMu.Lock()
		s.pend = nil
		s.pendMu.Unlock()
	}()

	var body []byte
	attempt := func() error {
		if err := s.send(buf); err != nil {
			return backoff.Permanent(fmt.Errorf("usrp2: command send: %w", err))
		}
		timer := time.NewTimer(s.cmdTimeout)
		defer timer.Stop()
		select {
		case f := <-pend.resp:
			op, status, b, err := wire.DecodeResponse(f.Payload)
			if err != nil {
				// A garbled response is indistinguishable from loss.
				return ErrTimeout
			}
			if status != wire.StatusOK {
				return backoff.Permanent(&RejectError{Op: op, Code: status})
			}
			body = b
			return nil
		case <-timer.C:
			return ErrTimeout
		case <-s.closed:
			return backoff.Permanent(ErrSessionClosed)
		}
	}

	policy := backoff.WithMaxRetries(
		backoff.NewConstantBackOff(s.retryInterval),
		uint64(s.attempts-1),
	)
	if err := backoff.Retry(attempt, policy); err != nil {
		if errors.Is(err, ErrTimeout) {
			return nil, fmt.Errorf("%w after %d attempts", ErrTimeout, s.attempts)
		}
		return nil, err
	}
	return body, nil
}

// control issues one typed control command and returns the response
// body.
func (s *Session) control(op wire.Opcode, channel uint8, body []byte) ([]byte, error) {
	return s.transact(wire.KindControlCommand, channel, wire.EncodeCommand(op, body))
}
