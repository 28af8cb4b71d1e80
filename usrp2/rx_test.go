package usrp2

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rjboer/usrp2eth/ethlink"
	"github.com/rjboer/usrp2eth/wire"
)

// collector is an RxHandler that records deliveries.
type collector struct {
	mu     sync.Mutex
	frames [][]uint32
	eobs   []bool
}

func (c *collector) handle(_ uint, items []uint32, eob bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, append([]uint32(nil), items...))
	c.eobs = append(c.eobs, eob)
	return true
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestStartStopAllChannels(t *testing.T) {
	seg := ethlink.NewSegment()
	newFakeDevice(t, seg, dev1Addr)
	s := newTestSession(t, seg, dev1Addr)

	var sink collector
	for ch := uint(0); ch < MaxChan; ch++ {
		if err := s.StartRxStreaming(ch, 0, sink.handle); err != nil {
			t.Fatalf("start %d: %v", ch, err)
		}
		if err := s.StopRxStreaming(ch); err != nil {
			t.Fatalf("stop %d: %v", ch, err)
		}
		if s.chans[ch].streaming {
			t.Fatalf("channel %d still streaming after stop", ch)
		}
	}
	if s.RxOverruns() != 0 || s.RxMissing() != 0 {
		t.Fatalf("start/stop bumped counters: overruns=%d missing=%d", s.RxOverruns(), s.RxMissing())
	}
}

func TestStartValidatesArguments(t *testing.T) {
	seg := ethlink.NewSegment()
	newFakeDevice(t, seg, dev1Addr)
	s := newTestSession(t, seg, dev1Addr)

	var sink collector
	if err := s.StartRxStreaming(MaxChan, 0, sink.handle); !errors.Is(err, ErrInvalidChannel) {
		t.Errorf("channel %d: got %v", MaxChan, err)
	}
	if err := s.StartRxStreaming(0, 0, nil); err == nil {
		t.Error("nil handler accepted")
	}
	if err := s.StartRxStreaming(0, 0, sink.handle); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.StartRxStreaming(0, 0, sink.handle); !errors.Is(err, ErrChannelBusy) {
		t.Errorf("double start: got %v", err)
	}
}

func TestSequenceGapAccounting(t *testing.T) {
	cases := []struct {
		name     string
		seqs     []uint32
		overruns uint32
		missing  uint32
	}{
		{"single gap", []uint32{0, 1, 3, 4}, 1, 1},
		{"wider gap", []uint32{0, 1, 2, 5, 6}, 1, 2},
		{"no gap", []uint32{0, 1, 2, 3}, 0, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			seg := ethlink.NewSegment()
			d := newFakeDevice(t, seg, dev1Addr)
			s := newTestSession(t, seg, dev1Addr)

			var sink collector
			if err := s.StartRxStreaming(2, 0, sink.handle); err != nil {
				t.Fatalf("start: %v", err)
			}
			for _, seq := range tc.seqs {
				d.emitStream(2, seq, wire.StreamData{Items: []uint32{seq}})
			}
			waitFor(t, func() bool { return sink.count() == len(tc.seqs) }, "all frames delivered")

			if got := s.RxOverruns(); got != tc.overruns {
				t.Errorf("overruns: got %d, want %d", got, tc.overruns)
			}
			if got := s.RxMissing(); got != tc.missing {
				t.Errorf("missing: got %d, want %d", got, tc.missing)
			}
		})
	}
}

func TestDeliveryOrderAndPayload(t *testing.T) {
	seg := ethlink.NewSegment()
	d := newFakeDevice(t, seg, dev1Addr)
	s := newTestSession(t, seg, dev1Addr)

	var sink collector
	if err := s.StartRxStreaming(0, 0, sink.handle); err != nil {
		t.Fatalf("start: %v", err)
	}
	d.emitStream(0, 0, wire.StreamData{Items: []uint32{10, 11}})
	d.emitStream(0, 1, wire.StreamData{Flags: wire.FlagEndOfBurst, Items: []uint32{12}})
	waitFor(t, func() bool { return sink.count() == 2 }, "two deliveries")

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.frames[0]) != 2 || sink.frames[0][0] != 10 {
		t.Errorf("first delivery: %v", sink.frames[0])
	}
	if sink.frames[1][0] != 12 || !sink.eobs[1] {
		t.Errorf("second delivery: items=%v eob=%v", sink.frames[1], sink.eobs[1])
	}
	if sink.eobs[0] {
		t.Error("end of burst on first frame")
	}
}

func TestHandlerReturnFalseStopsChannel(t *testing.T) {
	seg := ethlink.NewSegment()
	d := newFakeDevice(t, seg, dev1Addr)
	s := newTestSession(t, seg, dev1Addr)

	var delivered atomic.Int32
	h := func(_ uint, _ []uint32, _ bool) bool {
		delivered.Add(1)
		return false
	}
	if err := s.StartRxStreaming(1, 0, h); err != nil {
		t.Fatalf("start: %v", err)
	}
	d.emitStream(1, 0, wire.StreamData{Items: []uint32{1}})
	d.emitStream(1, 1, wire.StreamData{Items: []uint32{2}})

	waitFor(t, func() bool { return delivered.Load() == 1 }, "first delivery")
	waitFor(t, func() bool {
		s.chans[1].mu.Lock()
		defer s.chans[1].mu.Unlock()
		return !s.chans[1].streaming
	}, "channel stopped")

	time.Sleep(50 * time.Millisecond)
	if n := delivered.Load(); n != 1 {
		t.Fatalf("delivered %d frames after stop, want 1", n)
	}
}

func TestStopQuiescesInFlightDelivery(t *testing.T) {
	seg := ethlink.NewSegment()
	d := newFakeDevice(t, seg, dev1Addr)
	s := newTestSession(t, seg, dev1Addr)

	inHandler := make(chan struct{})
	var handlerDone atomic.Bool
	h := func(_ uint, _ []uint32, _ bool) bool {
		close(inHandler)
		time.Sleep(80 * time.Millisecond)
		handlerDone.Store(true)
		return true
	}
	if err := s.StartRxStreaming(0, 0, h); err != nil {
		t.Fatalf("start: %v", err)
	}
	d.emitStream(0, 0, wire.StreamData{Items: []uint32{1}})
	<-inHandler

	if err := s.StopRxStreaming(0); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if !handlerDone.Load() {
		t.Fatal("stop returned while the handler was still running")
	}
}

func TestReentrantStopFromHandler(t *testing.T) {
	seg := ethlink.NewSegment()
	d := newFakeDevice(t, seg, dev1Addr)
	s := newTestSession(t, seg, dev1Addr)

	var delivered atomic.Int32
	h := func(ch uint, _ []uint32, _ bool) bool {
		delivered.Add(1)
		// Synchronous stop from the delivery path must not deadlock.
		if err := s.StopRxStreaming(ch); err != nil {
			t.Errorf("reentrant stop: %v", err)
		}
		return true
	}
	if err := s.StartRxStreaming(4, 0, h); err != nil {
		t.Fatalf("start: %v", err)
	}
	d.emitStream(4, 0, wire.StreamData{Items: []uint32{1}})
	d.emitStream(4, 1, wire.StreamData{Items: []uint32{2}})

	waitFor(t, func() bool { return delivered.Load() == 1 }, "first delivery")
	time.Sleep(50 * time.Millisecond)
	if n := delivered.Load(); n != 1 {
		t.Fatalf("delivered %d frames after reentrant stop, want 1", n)
	}
}

func TestStopFailureStillStopsLocally(t *testing.T) {
	seg := ethlink.NewSegment()
	d := newFakeDevice(t, seg, dev1Addr)
	s := newTestSession(t, seg, dev1Addr)

	var sink collector
	if err := s.StartRxStreaming(0, 0, sink.handle); err != nil {
		t.Fatalf("start: %v", err)
	}

	// The device goes silent, so the stop command times out. The local
	// transition to stopped must happen anyway.
	d.setMute(true)
	err := s.StopRxStreaming(0)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("got %v, want ErrTimeout", err)
	}
	s.chans[0].mu.Lock()
	streaming := s.chans[0].streaming
	s.chans[0].mu.Unlock()
	if streaming {
		t.Fatal("channel still streaming after failed stop")
	}

	// Frames the device keeps sending are dropped, not delivered.
	d.setMute(false)
	d.emitStream(0, 0, wire.StreamData{Items: []uint32{1}})
	time.Sleep(30 * time.Millisecond)
	if n := sink.count(); n != 0 {
		t.Fatalf("delivered %d frames after stop", n)
	}
}

func TestConcurrentStartsSingleWinner(t *testing.T) {
	seg := ethlink.NewSegment()
	d := newFakeDevice(t, seg, dev1Addr)
	s := newTestSession(t, seg, dev1Addr)

	var sink collector
	var ok, busy atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			switch err := s.StartRxStreaming(5, 0, sink.handle); {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, ErrChannelBusy):
				busy.Add(1)
			default:
				t.Errorf("start: %v", err)
			}
		}()
	}
	wg.Wait()

	if ok.Load() != 1 || busy.Load() != 7 {
		t.Fatalf("%d starts succeeded and %d were busy, want 1 and 7", ok.Load(), busy.Load())
	}
	d.mu.Lock()
	sent := 0
	for _, f := range d.cmdSeen {
		if f.Kind == wire.KindStreamControl && f.Channel == 5 {
			sent++
		}
	}
	d.mu.Unlock()
	if sent != 1 {
		t.Fatalf("device saw %d stream control frames, want 1", sent)
	}
}

func TestRestartWaitsForAsyncStop(t *testing.T) {
	seg := ethlink.NewSegment()
	d := newFakeDevice(t, seg, dev1Addr)
	s := newTestSession(t, seg, dev1Addr)

	first := func(_ uint, _ []uint32, _ bool) bool { return false }
	if err := s.StartRxStreaming(3, 0, first); err != nil {
		t.Fatalf("start: %v", err)
	}
	d.emitStream(3, 0, wire.StreamData{Items: []uint32{1}})

	// The implicit stop from the handler completes asynchronously; a
	// restart is refused as busy until the device has confirmed it, so
	// the stale stop can never land after the new start.
	var sink collector
	waitFor(t, func() bool {
		err := s.StartRxStreaming(3, 0, sink.handle)
		if err != nil && !errors.Is(err, ErrChannelBusy) {
			t.Fatalf("restart: %v", err)
		}
		return err == nil
	}, "restart after implicit stop")

	d.mu.Lock()
	var ops []bool
	for _, f := range d.cmdSeen {
		if f.Kind == wire.KindStreamControl && f.Channel == 3 {
			if start, _, err := wire.DecodeStreamControl(f.Payload); err == nil {
				ops = append(ops, start)
			}
		}
	}
	_, on := d.streaming[3]
	d.mu.Unlock()

	want := []bool{true, false, true}
	if len(ops) != len(want) {
		t.Fatalf("device saw stream control sequence %v, want %v", ops, want)
	}
	for i := range want {
		if ops[i] != want[i] {
			t.Fatalf("device saw stream control sequence %v, want %v", ops, want)
		}
	}
	if !on {
		t.Fatal("device not streaming after restart")
	}

	d.emitStream(3, 7, wire.StreamData{Items: []uint32{2}})
	waitFor(t, func() bool { return sink.count() == 1 }, "delivery on restarted channel")
}

func TestStopWithoutStartIsIdempotent(t *testing.T) {
	seg := ethlink.NewSegment()
	newFakeDevice(t, seg, dev1Addr)
	s := newTestSession(t, seg, dev1Addr)

	if err := s.StopRxStreaming(0); err != nil {
		t.Fatalf("stop on stopped channel: %v", err)
	}
	if err := s.StopRxStreaming(MaxChan); !errors.Is(err, ErrInvalidChannel) {
		t.Fatalf("stop out of range: got %v", err)
	}
}

func TestCountersAccumulateAcrossRestarts(t *testing.T) {
	seg := ethlink.NewSegment()
	d := newFakeDevice(t, seg, dev1Addr)
	s := newTestSession(t, seg, dev1Addr)

	var sink collector
	if err := s.StartRxStreaming(0, 0, sink.handle); err != nil {
		t.Fatalf("start: %v", err)
	}
	d.emitStream(0, 0, wire.StreamData{Items: []uint32{1}})
	d.emitStream(0, 2, wire.StreamData{Items: []uint32{2}})
	waitFor(t, func() bool { return sink.count() == 2 }, "first round")
	if err := s.StopRxStreaming(0); err != nil {
		t.Fatalf("stop: %v", err)
	}

	// Counters survive a restart; only session creation resets them.
	if err := s.StartRxStreaming(0, 0, sink.handle); err != nil {
		t.Fatalf("restart: %v", err)
	}
	d.emitStream(0, 100, wire.StreamData{Items: []uint32{3}})
	d.emitStream(0, 103, wire.StreamData{Items: []uint32{4}})
	waitFor(t, func() bool { return sink.count() == 4 }, "second round")

	if got := s.RxOverruns(); got != 2 {
		t.Errorf("overruns: got %d, want 2", got)
	}
	if got := s.RxMissing(); got != 3 {
		t.Errorf("missing: got %d, want 3", got)
	}
}
