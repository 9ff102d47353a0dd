package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/chaz8081/matrixctl/internal/ble"
)

func runScan(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("scan", flag.ExitOnError)
	var common commonFlags
	common.register(fs)
	_ = fs.Parse(args)

	cfg, closeLog, err := common.setup()
	if err != nil {
		return err
	}
	defer closeLog()

	s, err := newSession(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, cancel := context.WithTimeout(ctx, cfg.Device.ScanTimeout)
	defer cancel()

	peers, unsubscribe := s.Peers().Subscribe()
	defer unsubscribe()
	if err := s.StartScan(ctx); err != nil {
		return err
	}

	fmt.Printf("Scanning for %s...\n", cfg.Device.ScanTimeout)
	reg := ble.NewRegistry()
	for {
		select {
		case p := <-peers:
			if reg.Add(p) {
				fmt.Printf("  %-17s  %4d dBm  %s\n", p.Address, p.RSSI, displayName(p))
			}
		case <-ctx.Done():
			fmt.Printf("%d matrix(es) found\n", reg.Len())
			return nil
		}
	}
}

func displayName(p ble.PeerDevice) string {
	if p.Name == "" {
		return "(unnamed)"
	}
	return p.Name
}
