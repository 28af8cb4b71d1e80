package usrp2

import (
	"fmt"

	"github.com/rjboer/usrp2eth/wire"
)

// MIMO clock configuration flags for ConfigMIMO. Pick one lock source;
// MCProvideClkToMIMO may be OR'd in.
const (
	MCWeDontLock       = 0x0000
	MCWeLockToSMA      = 0x0001
	MCWeLockToMIMO     = 0x0002
	MCProvideClkToMIMO = 0x0008
)

// TuneResult reports how a frequency request was split between the RF
// front end and the DSP, and whether the synthesizer locked.
type TuneResult struct {
	BasebandFreq float64
	DSPFreq      float64
	Locked       bool
}

// SetRxGain sets the receive gain in dB.
func (s *Session) SetRxGain(gain float64) error {
	_, err := s.control(wire.OpSetRxGain, 0, wire.AppendFloat64(nil, gain))
	return err
}

// SetTxGain sets the transmit gain in dB.
func (s *Session) SetTxGain(gain float64) error {
	_, err := s.control(wire.OpSetTxGain, 0, wire.AppendFloat64(nil, gain))
	return err
}

// SetRxCenterFreq tunes the receiver and reports the achieved split.
func (s *Session) SetRxCenterFreq(freq float64) (TuneResult, error) {
	return s.tune(wire.OpSetRxFreq, freq)
}

// SetTxCenterFreq tunes the transmitter and reports the achieved split.
func (s *Session) SetTxCenterFreq(freq float64) (TuneResult, error) {
	return s.tune(wire.OpSetTxFreq, freq)
}

func (s *Session) tune(op wire.Opcode, freq float64) (TuneResult, error) {
	body, err := s.control(op, 0, wire.AppendFloat64(nil, freq))
	if err != nil {
		return TuneResult{}, err
	}
	return decodeTuneResult(body)
}

func decodeTuneResult(body []byte) (TuneResult, error) {
	if len(body) != 17 {
		return TuneResult{}, fmt.Errorf("%w: tune result body %d bytes", wire.ErrMalformed, len(body))
	}
	bb, _ := wire.Float64(body[0:8])
	dsp, _ := wire.Float64(body[8:16])
	return TuneResult{BasebandFreq: bb, DSPFreq: dsp, Locked: body[16] != 0}, nil
}

// SetRxDecim sets the receive decimation factor.
func (s *Session) SetRxDecim(decim int) error {
	if decim < 1 {
		return fmt.Errorf("usrp2: decimation factor %d", decim)
	}
	_, err := s.control(wire.OpSetRxDecim, 0, wire.AppendInt32(nil, int32(decim)))
	return err
}

// SetTxInterp sets the transmit interpolation factor.
func (s *Session) SetTxInterp(interp int) error {
	if interp < 1 {
		return fmt.Errorf("usrp2: interpolation factor %d", interp)
	}
	_, err := s.control(wire.OpSetTxInterp, 0, wire.AppendInt32(nil, int32(interp)))
	return err
}

// SetRxScaleIQ sets the receive-side IQ magnitude scaling in the
// device's DSP pipeline.
func (s *Session) SetRxScaleIQ(scaleI, scaleQ int) error {
	body := wire.AppendInt32(nil, int32(scaleI))
	body = wire.AppendInt32(body, int32(scaleQ))
	_, err := s.control(wire.OpSetRxScaleIQ, 0, body)
	return err
}

// SetTxScaleIQ sets the transmit IQ magnitude scaling. The factors are
// also applied host-side when converting floating-point samples to the
// wire format.
func (s *Session) SetTxScaleIQ(scaleI, scaleQ int) error {
	body := wire.AppendInt32(nil, int32(scaleI))
	body = wire.AppendInt32(body, int32(scaleQ))
	if _, err := s.control(wire.OpSetTxScaleIQ, 0, body); err != nil {
		return err
	}
	s.scaleMu.Lock()
	s.txScaleI = int32(scaleI)
	s.txScaleQ = int32(scaleQ)
	s.scaleMu.Unlock()
	return nil
}

// BurnMACAddr writes a new hardware address into the device's EEPROM.
// The running session keeps its current binding; the new address takes
// effect on the device's next boot.
func (s *Session) BurnMACAddr(addr string) error {
	a, err := ParseAddr(addr)
	if err != nil {
		return err
	}
	_, err = s.control(wire.OpBurnMAC, 0, a[:])
	return err
}

// ConfigMIMO sets the MIMO clock lock configuration from the MC*
// flags.
func (s *Session) ConfigMIMO(flags int) error {
	_, err := s.control(wire.OpConfigMIMO, 0, wire.AppendInt32(nil, int32(flags)))
	return err
}
