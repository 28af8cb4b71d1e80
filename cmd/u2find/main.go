// u2find searches the local Ethernet segment for devices and prints
// what it hears back.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/rjboer/usrp2eth/internal/config"
	"github.com/rjboer/usrp2eth/usrp2"
)

func main() {
	configFile := flag.String("config", "", "path to YAML configuration")
	ifc := flag.String("ifc", "", "network interface (overrides config)")
	addr := flag.String("addr", "", "device address filter, full or short form")
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

	log.Info().Str("interface", cfg.Interface).Str("filter", cfg.Addr).Msg("searching for devices")

	found, err := usrp2.Find(cfg.Interface, cfg.Addr)
	if err != nil {
		log.Fatal().Err(err).Msg("discovery failed")
	}
	if len(found) == 0 {
		fmt.Println("no devices found")
		return
	}

	for i, p := range found {
		fmt.Printf("device #%d\n", i+1)
		fmt.Printf("  hw addr : %s\n", p.HWAddr)
		fmt.Printf("  addr    : %s\n", p.Addr)
		fmt.Printf("  hw rev  : 0x%04x\n", p.HWRev)
		fmt.Printf("  fpga    : %x\n", p.FPGADigest)
		fmt.Printf("  sw      : %x\n", p.SWDigest)
	}
}
