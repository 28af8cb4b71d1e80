package usrp2

import (
	"errors"
	"fmt"

	"github.com/rjboer/usrp2eth/wire"
)

var (
	// ErrTimeout reports a command transaction that exhausted its retry
	// budget without a matching response.
	ErrTimeout = errors.New("usrp2: command timeout")

	// ErrCommandRejected reports a command the device actively refused.
	// Never retried; a semantically rejected command cannot succeed on
	// replay.
	ErrCommandRejected = errors.New("usrp2: command rejected")

	// ErrDeviceNotFound reports that no device answered discovery
	// during session establishment.
	ErrDeviceNotFound = errors.New("usrp2: device not found")

	// ErrAmbiguousDevice reports that auto-selection found several
	// devices where exactly one was required.
	ErrAmbiguousDevice = errors.New("usrp2: multiple devices on segment")

	// ErrInvalidChannel reports a channel index outside [0, MaxChan).
	ErrInvalidChannel = errors.New("usrp2: channel out of range")

	// ErrChannelBusy reports a start on a channel already streaming.
	ErrChannelBusy = errors.New("usrp2: channel already streaming")

	// ErrSessionClosed reports use of a closed session.
	ErrSessionClosed = errors.New("usrp2: session closed")
)

// RejectError carries the device's rejection code for a refused
// command. It matches ErrCommandRejected under errors.Is.
type RejectError struct {
	Op   wire.Opcode
	Code uint8
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("usrp2: command 0x%02x rejected with code %d", uint8(e.Op), e.Code)
}

func (e *RejectError) Is(target error) bool { return target == ErrCommandRejected }
