package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/chaz8081/matrixctl/internal/ble/protocol"
	"github.com/chaz8081/matrixctl/internal/history"
	"github.com/chaz8081/matrixctl/internal/picker"
)

func runPick(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("pick", flag.ExitOnError)
	var common commonFlags
	common.register(fs)
	follow := fs.Bool("follow", false, "keep mirroring the color under the cursor until interrupted")
	interval := fs.Duration("interval", 100*time.Millisecond, "sampling interval with -follow")
	_ = fs.Parse(args)
	if *interval <= 0 {
		return fmt.Errorf("-interval must be > 0")
	}

	cfg, closeLog, err := common.setup()
	if err != nil {
		return err
	}
	defer closeLog()

	hist, err := history.Open(cfg.History.Path, cfg.History.Size)
	if err != nil {
		return err
	}

	p := picker.New(picker.RobotGoScreen{})

	// A single pick samples before connecting so the cursor position is
	// the one at invocation time.
	var first picker.Sample
	if !*follow {
		if first, err = p.Pick(); err != nil {
			return err
		}
	}

	dev, err := openDevice(ctx, cfg)
	if err != nil {
		return err
	}
	defer dev.Close()

	show := func(s picker.Sample) error {
		cmd := protocol.Fill{R: s.Color.R, G: s.Color.G, B: s.Color.B}
		if err := dev.session.Send(ctx, cmd); err != nil {
			return fmt.Errorf("send %q: %w", cmd, err)
		}
		hist.Add(s.Color)
		fmt.Printf("%s at (%d,%d)\n", s.Color, s.X, s.Y)
		return nil
	}

	if !*follow {
		if err := show(first); err != nil {
			return err
		}
		return hist.Save()
	}

	fmt.Println("Mirroring the color under the cursor. Ctrl+C to stop.")
	err = p.Follow(ctx, *interval, show)
	if serr := hist.Save(); serr != nil && err == nil {
		err = serr
	}
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}
