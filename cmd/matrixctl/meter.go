package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"strings"

	"github.com/chaz8081/matrixctl/internal/audio"
	"github.com/chaz8081/matrixctl/internal/hotkey"
	"github.com/chaz8081/matrixctl/internal/meter"
)

func runMeter(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("meter", flag.ExitOnError)
	var common commonFlags
	common.register(fs)
	wavPath := fs.String("wav", "", "play a WAV file in a loop instead of the microphone")
	mode := fs.String("mode", "", "color mode: rainbow, mono or gradient (overrides meter.color_mode)")
	gain := fs.Float64("gain", 0, "spectrum gain (overrides meter.gain)")
	noHotkey := fs.Bool("no-hotkey", false, "do not register the global pause hotkey")
	_ = fs.Parse(args)

	cfg, closeLog, err := common.setup()
	if err != nil {
		return err
	}
	defer closeLog()

	if *mode != "" {
		cfg.Meter.ColorMode = *mode
	}
	if *gain > 0 {
		cfg.Meter.Gain = *gain
	}
	colorMode, err := meter.ParseColorMode(cfg.Meter.ColorMode)
	if err != nil {
		return err
	}

	var src audio.Source
	if *wavPath != "" {
		w, err := audio.LoadWAV(*wavPath)
		if err != nil {
			return err
		}
		slog.Info("[METER] wav loaded", "path", *wavPath, "rate", w.SampleRate(), "samples", w.Len())
		src = w
	} else {
		rec, err := audio.NewRecorder(cfg.Meter.SampleRate, cfg.Meter.Channels, cfg.Meter.BlockSize)
		if err != nil {
			return fmt.Errorf("audio init: %w", err)
		}
		defer rec.Close()
		if err := rec.Start(); err != nil {
			return fmt.Errorf("audio start: %w", err)
		}
		defer rec.Stop()
		src = rec
	}

	printBanner(cfg, "meter")

	dev, err := openDevice(ctx, cfg)
	if err != nil {
		return err
	}
	defer dev.Close()

	width, height := int(cfg.Matrix.Width), int(cfg.Matrix.Height)
	m := meter.New(
		dev.session,
		src,
		meter.NewAnalyzer(src.SampleRate(), cfg.Meter.BlockSize, width, height, cfg.Meter.Gain),
		meter.NewRenderer(width, height, colorMode),
		meter.Options{
			BlockSize:  cfg.Meter.BlockSize,
			FPS:        cfg.Meter.FPS,
			Brightness: cfg.Matrix.Brightness,
		},
	)

	if !*noHotkey && len(cfg.Meter.PauseKeys) > 0 {
		listener := hotkey.NewListener(cfg.Meter.PauseKeys)
		go listener.Start()
		defer listener.Stop()
		go func() {
			for ev := range listener.Events() {
				m.SetPaused(ev.Paused)
			}
		}()
		fmt.Printf("Press %s to pause or resume. Ctrl+C to quit.\n", strings.Join(cfg.Meter.PauseKeys, "+"))
	} else {
		fmt.Println("Ctrl+C to quit.")
	}

	err = m.Run(ctx)
	slog.Info("[METER] stopped", "frames", m.Frames(), "dropped", dev.session.Dropped())
	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
