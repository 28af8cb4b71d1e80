package usrp2

import (
	"sync"
	"testing"
	"time"

	"github.com/rjboer/usrp2eth/ethlink"
	"github.com/rjboer/usrp2eth/wire"
)

// fakeDevice simulates one USRP2 on an in-memory segment: it answers
// discovery, executes control commands with transaction-id
// deduplication, acknowledges stream control, and records everything
// the host sends.
type fakeDevice struct {
	t  *testing.T
	ep *ethlink.Endpoint
	hw ethlink.Addr

	hwRev uint16

	mu          sync.Mutex
	mute        bool                 // drop everything
	stalled     bool                 // stop draining the queue
	answerEvery int                  // reply only to every Nth command frame
	dupRev      uint16               // nonzero: answer each query twice, second with this rev
	rejects     map[wire.Opcode]uint8
	host        ethlink.Addr
	queries     int
	cmdSeen     []wire.Frame           // every command frame, duplicates included
	responses   map[uint32][]byte      // txn id -> response frame (idempotence)
	streaming   map[uint8]uint32       // channel -> items per frame
	txData      []wire.StreamData      // decoded outbound bursts from the host
	txFrames    []wire.Frame

	done chan struct{}
	stop chan struct{}
}

func newFakeDevice(t *testing.T, seg *ethlink.Segment, hw ethlink.Addr) *fakeDevice {
	d := &fakeDevice{
		t:           t,
		ep:          seg.Attach(hw),
		hw:          hw,
		hwRev:       0x0400,
		answerEvery: 1,
		rejects:     make(map[wire.Opcode]uint8),
		responses:   make(map[uint32][]byte),
		streaming:   make(map[uint8]uint32),
		done:        make(chan struct{}),
		stop:        make(chan struct{}),
	}
	go d.run()
	t.Cleanup(d.Close)
	return d
}

func (d *fakeDevice) Close() {
	select {
	case <-d.stop:
	default:
		close(d.stop)
		<-d.done
		d.ep.Close()
	}
}

func (d *fakeDevice) setMute(v bool) {
	d.mu.Lock()
	d.mute = v
	d.mu.Unlock()
}

func (d *fakeDevice) setStalled(v bool) {
	d.mu.Lock()
	d.stalled = v
	d.mu.Unlock()
}

func (d *fakeDevice) setAnswerEvery(n int) {
	d.mu.Lock()
	d.answerEvery = n
	d.mu.Unlock()
}

// setDuplicateDiscovery makes the device answer every discovery query
// twice, the second time reporting rev.
func (d *fakeDevice) setDuplicateDiscovery(rev uint16) {
	d.mu.Lock()
	d.dupRev = rev
	d.mu.Unlock()
}

func (d *fakeDevice) setReject(op wire.Opcode, code uint8) {
	d.mu.Lock()
	d.rejects[op] = code
	d.mu.Unlock()
}

func (d *fakeDevice) queryCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.queries
}

// cmdFrames returns how many command frames arrived for the opcode,
// retries included.
func (d *fakeDevice) cmdFrames(op wire.Opcode) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, f := range d.cmdSeen {
		if got, _, err := wire.DecodeCommand(f.Payload); f.Kind == wire.KindControlCommand && err == nil && got == op {
			n++
		}
	}
	return n
}

func (d *fakeDevice) capturedTx() []wire.StreamData {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]wire.StreamData(nil), d.txData...)
}

func (d *fakeDevice) capturedTxFrames() []wire.Frame {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]wire.Frame(nil), d.txFrames...)
}

// emitStream sends one STREAM_DATA frame to the host with the given
// sequence number. Tests drive loss scenarios by skipping numbers.
func (d *fakeDevice) emitStream(channel uint8, seq uint32, sd wire.StreamData) {
	d.mu.Lock()
	host := d.host
	d.mu.Unlock()

	payload, err := wire.EncodeStreamData(sd)
	if err != nil {
		d.t.Errorf("fake device: encode stream data: %v", err)
		return
	}
	buf, err := wire.Encode(wire.Frame{Kind: wire.KindStreamData, ID: seq, Channel: channel, Payload: payload})
	if err != nil {
		d.t.Errorf("fake device: encode frame: %v", err)
		return
	}
	if err := d.ep.Send(host, buf); err != nil {
		d.t.Errorf("fake device: send stream data: %v", err)
	}
}

func (d *fakeDevice) run() {
	defer close(d.done)
	for {
		select {
		case <-d.stop:
			return
		default:
		}
		d.mu.Lock()
		stalled := d.stalled
		d.mu.Unlock()
		if stalled {
			time.Sleep(5 * time.Millisecond)
			continue
		}

		src, payload, err := d.ep.Recv(20 * time.Millisecond)
		if err != nil {
			continue
		}
		f, err := wire.Decode(payload)
		if err != nil {
			continue
		}
		d.handle(src, f)
	}
}

func (d *fakeDevice) handle(src ethlink.Addr, f wire.Frame) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.host = src

	switch f.Kind {
	case wire.KindDiscoveryQuery:
		d.queries++
		if d.mute {
			return
		}
		dr := wire.DiscoveryResponse{Addr: d.hw.String(), HWRev: d.hwRev}
		copy(dr.FPGADigest[:], d.hw[:])
		copy(dr.SWDigest[:], d.hw[:])
		p, _ := wire.EncodeDiscoveryResponse(dr)
		d.reply(src, wire.Frame{Kind: wire.KindDiscoveryResponse, ID: f.ID, Payload: p})
		if d.dupRev != 0 {
			dr.HWRev = d.dupRev
			p, _ = wire.EncodeDiscoveryResponse(dr)
			d.reply(src, wire.Frame{Kind: wire.KindDiscoveryResponse, ID: f.ID, Payload: p})
		}

	case wire.KindControlCommand, wire.KindStreamControl:
		d.cmdSeen = append(d.cmdSeen, f)
		if d.mute {
			return
		}
		if d.answerEvery > 1 && len(d.cmdSeen)%d.answerEvery != 0 {
			return // pretend the frame was lost
		}
		// Idempotence: a replayed transaction id gets the stored
		// response, the command does not execute again.
		if buf, ok := d.responses[f.ID]; ok {
			d.send(src, buf)
			return
		}
		resp := d.execute(f)
		buf, err := wire.Encode(resp)
		if err != nil {
			d.t.Errorf("fake device: encode response: %v", err)
			return
		}
		d.responses[f.ID] = buf
		d.send(src, buf)

	case wire.KindStreamData:
		d.txFrames = append(d.txFrames, f)
		sd, err := wire.DecodeStreamData(f.Payload)
		if err != nil {
			d.t.Errorf("fake device: malformed tx data: %v", err)
			return
		}
		d.txData = append(d.txData, sd)
	}
}

func (d *fakeDevice) execute(f wire.Frame) wire.Frame {
	var (
		op   wire.Opcode
		body []byte
	)
	if f.Kind == wire.KindStreamControl {
		op = wire.OpStreamCtl
		if start, n, err := wire.DecodeStreamControl(f.Payload); err == nil {
			if start {
				d.streaming[f.Channel] = n
			} else {
				delete(d.streaming, f.Channel)
			}
		}
	} else {
		op, _, _ = wire.DecodeCommand(f.Payload)
	}

	status := d.rejects[op]
	if status == wire.StatusOK {
		switch op {
		case wire.OpSetRxFreq, wire.OpSetTxFreq:
			_, cmdBody, _ := wire.DecodeCommand(f.Payload)
			freq, _ := wire.Float64(cmdBody)
			body = encodeTuneResult(TuneResult{
				BasebandFreq: freq - 25e3,
				DSPFreq:      25e3,
				Locked:       true,
			})
		}
	}
	return wire.Frame{
		Kind:    wire.KindControlResponse,
		ID:      f.ID,
		Channel: f.Channel,
		Payload: wire.EncodeResponse(op, status, body),
	}
}

func encodeTuneResult(r TuneResult) []byte {
	body := wire.AppendFloat64(nil, r.BasebandFreq)
	body = wire.AppendFloat64(body, r.DSPFreq)
	if r.Locked {
		return append(body, 1)
	}
	return append(body, 0)
}

func (d *fakeDevice) reply(dst ethlink.Addr, f wire.Frame) {
	buf, err := wire.Encode(f)
	if err != nil {
		d.t.Errorf("fake device: encode: %v", err)
		return
	}
	d.send(dst, buf)
}

func (d *fakeDevice) send(dst ethlink.Addr, buf []byte) {
	if err := d.ep.Send(dst, buf); err != nil {
		d.t.Errorf("fake device: send: %v", err)
	}
}
