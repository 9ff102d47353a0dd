package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/chaz8081/matrixctl/internal/ble"
	"github.com/chaz8081/matrixctl/internal/ble/protocol"
	"github.com/chaz8081/matrixctl/internal/config"
	"github.com/chaz8081/matrixctl/internal/history"
)

const consoleHelp = `commands:
  clear                     turn every pixel off
  fill r g b | fill #rrggbb fill the matrix
  pix x y r g b             set one pixel
  bgn level                 set brightness 0-255
  @N                        in place of r g b: the N-th most recent color
  colors                    list recent colors
  log                       show the last lines received
  status                    connection state and counters
  connect | disconnect      manage the link
  help | quit
`

func runConsole(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("console", flag.ExitOnError)
	var common commonFlags
	common.register(fs)
	_ = fs.Parse(args)

	cfg, closeLog, err := common.setup()
	if err != nil {
		return err
	}
	defer closeLog()

	hist, err := history.Open(cfg.History.Path, cfg.History.Size)
	if err != nil {
		return err
	}
	defer saveHistory(hist)

	printBanner(cfg, "console")

	dev, err := openDevice(ctx, cfg)
	if err != nil {
		return err
	}
	defer dev.Close()

	editor := newLineEditor(filepath.Dir(cfg.History.Path))
	defer editor.Close()

	followCtx, stopFollow := context.WithCancel(ctx)
	defer stopFollow()
	c := &console{cfg: cfg, dev: dev, hist: hist, out: editor}
	c.follow(followCtx)

	editor.Printf("Connected to %s. Type \"help\" for commands.\n", dev.peer.Address)
	for {
		line, err := editor.GetLine("matrix> ")
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if quit := c.exec(ctx, line); quit {
			return nil
		}
	}
}

// printer is where console output goes.
type printer interface {
	Printf(format string, args ...any)
}

type console struct {
	cfg  *config.Config
	dev  *device
	hist *history.Store
	out  printer
}

// follow subscribes to device lines and state changes, then prints them
// from a goroutine until ctx is done.
func (c *console) follow(ctx context.Context) {
	// The backlog is available through "log".
	lines, cancelLines := c.dev.session.Lines().SubscribeLive()
	states, cancelStates := c.dev.session.States().Subscribe()
	go func() {
		defer cancelLines()
		defer cancelStates()
		c.print(ctx, lines, states)
	}()
}

func (c *console) print(ctx context.Context, lines <-chan string, states <-chan ble.Status) {
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return
			}
			c.out.Printf("< %s\n", line)
		case st, ok := <-states:
			if !ok {
				return
			}
			if st.Err != nil {
				c.out.Printf("* %s: %v\n", st.State, st.Err)
			} else {
				c.out.Printf("* %s\n", st.State)
			}
		case <-ctx.Done():
			return
		}
	}
}

// exec runs one console line and reports whether the console should exit.
func (c *console) exec(ctx context.Context, line string) bool {
	verb := strings.ToLower(firstField(line))
	s := c.dev.session

	switch verb {
	case "":
		return false
	case "quit", "exit":
		return true
	case "help", "?":
		c.out.Printf("%s", consoleHelp)
	case "colors":
		for i, col := range c.hist.Colors() {
			c.out.Printf("  @%d  %s\n", i, col)
		}
	case "log":
		for _, l := range s.Lines().Snapshot() {
			c.out.Printf("  %s\n", l)
		}
	case "status":
		c.out.Printf("  state=%s dropped=%d overflows=%d peer=%s\n",
			s.State(), s.Dropped(), s.Overflows(), c.dev.peer.Address)
	case "connect":
		if err := connect(ctx, s, c.dev.peer, c.cfg.BLE.ConnectTimeout); err != nil {
			c.out.Printf("! %v\n", err)
		}
	case "disconnect":
		if err := s.Disconnect(); err != nil {
			c.out.Printf("! %v\n", err)
		}
	default:
		cmd, err := protocol.ParseLine(expandHistory(line, c.hist))
		if err != nil {
			c.out.Printf("! %v (try \"help\")\n", err)
			return false
		}
		if err := s.Send(ctx, cmd); err != nil {
			if errors.Is(err, ble.ErrDropped) {
				c.out.Printf("! not connected, %q dropped (use \"connect\")\n", cmd.String())
				return false
			}
			c.out.Printf("! %v\n", err)
			return false
		}
		rememberColor(c.hist, cmd)
	}
	return false
}

// saveHistory persists hist on the way out; a failure only costs the
// colors picked this session.
func saveHistory(hist *history.Store) {
	if err := hist.Save(); err != nil {
		slog.Warn("[MAIN] save history failed", "error", err)
	}
}

func firstField(line string) string {
	f := strings.Fields(line)
	if len(f) == 0 {
		return ""
	}
	return f[0]
}

var _ printer = (*lineEditor)(nil)
