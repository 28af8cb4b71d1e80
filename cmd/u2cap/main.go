// u2cap opens a session, tunes the receiver, captures a bounded number
// of streaming frames, and reports loss counters plus the strongest
// spectral peak of the capture.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/rjboer/usrp2eth/internal/config"
	"github.com/rjboer/usrp2eth/internal/dsp"
	"github.com/rjboer/usrp2eth/usrp2"
	"github.com/rjboer/usrp2eth/wire"
)

func main() {
	configFile := flag.String("config", "", "path to YAML configuration")
	ifc := flag.String("ifc", "", "network interface (overrides config)")
	addr := flag.String("addr", "", "device address, full or short form")
	frames := flag.Int("frames", 0, "number of frames to capture (overrides config)")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatal().Err(err).Msg("loading configuration")
	}
	if level, err := zerolog.ParseLevel(cfg.Log.Level); err == nil {
		zerolog.SetGlobalLevel(level)
	}
	if *ifc != "" {
		cfg.Interface = *ifc
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *frames > 0 {
		cfg.Capture.Frames = *frames
	}

	s, err := usrp2.Open(cfg.Interface, cfg.Addr)
	if err != nil {
		log.Fatal().Err(err).Msg("opening session")
	}
	defer s.Close()
	s.SetLogger(log.Logger)
	s.SetCommandTimeout(time.Duration(cfg.Command.Timeout))
	s.SetAttempts(cfg.Command.Attempts)

	log.Info().Str("device", s.MACAddr()).Msg("session open")

	if err := s.SetRxGain(cfg.Capture.Gain); err != nil {
		log.Fatal().Err(err).Msg("setting gain")
	}
	if err := s.SetRxDecim(cfg.Capture.Decim); err != nil {
		log.Fatal().Err(err).Msg("setting decimation")
	}
	tr, err := s.SetRxCenterFreq(cfg.Capture.CenterFreq)
	if err != nil {
		log.Fatal().Err(err).Msg("tuning")
	}
	log.Info().
		Float64("baseband", tr.BasebandFreq).
		Float64("dsp", tr.DSPFreq).
		Bool("locked", tr.Locked).
		Msg("tuned")

	var (
		mu       sync.Mutex
		captured []complex64
		seen     int
	)
	done := make(chan struct{})
	handler := func(_ uint, items []uint32, _ bool) bool {
		mu.Lock()
		defer mu.Unlock()
		captured = append(captured, wire.ItemsToComplex64(items)...)
		seen++
		if seen >= cfg.Capture.Frames {
			close(done)
			return false
		}
		return true
	}

	if err := s.StartRxStreaming(cfg.Capture.Channel, cfg.Capture.ItemsPerFrame, handler); err != nil {
		log.Fatal().Err(err).Msg("starting rx streaming")
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-done:
	case <-sig:
		log.Info().Msg("interrupted")
		if err := s.StopRxStreaming(cfg.Capture.Channel); err != nil {
			log.Warn().Err(err).Msg("stopping rx streaming")
		}
	}

	mu.Lock()
	samples := captured
	nframes := seen
	mu.Unlock()

	fmt.Printf("frames captured : %d\n", nframes)
	fmt.Printf("samples         : %d\n", len(samples))
	fmt.Printf("rx overruns     : %d\n", s.RxOverruns())
	fmt.Printf("rx missing      : %d\n", s.RxMissing())

	if len(samples) > 0 {
		spectrum := dsp.SpectrumDBFS(samples)
		bin, peak := dsp.PeakBin(spectrum)
		offset := float64(bin-len(spectrum)/2) / float64(len(spectrum))
		fmt.Printf("peak            : %.1f dBFS at %+.3f of sample rate\n", peak, offset)
	}
}
