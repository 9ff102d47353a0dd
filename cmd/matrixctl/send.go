package main

import (
	"context"
	"flag"
	"fmt"
	"strconv"
	"strings"

	"github.com/chaz8081/matrixctl/internal/ble/protocol"
	"github.com/chaz8081/matrixctl/internal/history"
)

func runSend(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	var common commonFlags
	common.register(fs)
	fs.Usage = func() {
		fmt.Fprintln(fs.Output(), `usage: matrixctl send [flags] "<command>" ...

commands: clear | fill r g b | fill #rrggbb | pix x y r g b | bgn level
A color may be written @N to reuse the N-th most recent color.`)
		fs.PrintDefaults()
	}
	_ = fs.Parse(args)
	if fs.NArg() == 0 {
		fs.Usage()
		return fmt.Errorf("no commands given")
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

	// Parse everything before connecting so a typo costs no BLE round trip.
	cmds := make([]protocol.Command, 0, fs.NArg())
	for _, line := range fs.Args() {
		cmd, err := protocol.ParseLine(expandHistory(line, hist))
		if err != nil {
			return err
		}
		cmds = append(cmds, cmd)
	}

	dev, err := openDevice(ctx, cfg)
	if err != nil {
		return err
	}
	defer dev.Close()

	for _, cmd := range cmds {
		if err := dev.session.Send(ctx, cmd); err != nil {
			return fmt.Errorf("send %q: %w", cmd, err)
		}
		rememberColor(hist, cmd)
		fmt.Printf("> %s\n", cmd)
	}
	return hist.Save()
}

// expandHistory replaces @N tokens with the decimal channels of the N-th
// most recent color. Unknown references are left for the parser, which
// coerces them to 0.
func expandHistory(line string, hist *history.Store) string {
	fields := strings.Fields(line)
	for i, f := range fields {
		if !strings.HasPrefix(f, "@") {
			continue
		}
		n, err := strconv.Atoi(f[1:])
		if err != nil {
			continue
		}
		if c, ok := hist.Get(n); ok {
			fields[i] = fmt.Sprintf("%d %d %d", c.R, c.G, c.B)
		}
	}
	return strings.Join(fields, " ")
}

// rememberColor records the color of fill and pixel commands.
func rememberColor(hist *history.Store, cmd protocol.Command) {
	switch c := cmd.(type) {
	case protocol.Fill:
		hist.Add(history.Color{R: c.R, G: c.G, B: c.B})
	case protocol.SetPixel:
		hist.Add(history.Color{R: c.R, G: c.G, B: c.B})
	}
}
