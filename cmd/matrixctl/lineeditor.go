package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ergochat/readline"
	"golang.org/x/term"
)

const consoleHistorySize = 500

// lineEditor reads console input with readline on a terminal and falls
// back to a plain scanner when stdin is piped.
type lineEditor struct {
	rl      *readline.Instance
	scanner *bufio.Scanner
	out     io.Writer
}

// newLineEditor picks readline when stdin is a TTY. Console output that
// arrives while the user types is written through out so it does not
// clobber the prompt.
func newLineEditor(historyDir string) *lineEditor {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return newPipedEditor(os.Stdin, os.Stdout)
	}

	if err := os.MkdirAll(historyDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: console history disabled: %v\n", err)
	}
	rl, err := readline.NewFromConfig(&readline.Config{
		HistoryFile:            filepath.Join(historyDir, "console_history"),
		HistoryLimit:           consoleHistorySize,
		DisableAutoSaveHistory: true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: readline init failed (%v), using basic input\n", err)
		return newPipedEditor(os.Stdin, os.Stdout)
	}
	return &lineEditor{rl: rl, out: rl.Stdout()}
}

func newPipedEditor(in io.Reader, out io.Writer) *lineEditor {
	return &lineEditor{scanner: bufio.NewScanner(in), out: out}
}

// Interactive reports whether readline is in use.
func (le *lineEditor) Interactive() bool { return le.rl != nil }

// GetLine reads one line. Ctrl-C and Ctrl-D both end input with io.EOF.
func (le *lineEditor) GetLine(prompt string) (string, error) {
	if le.rl == nil {
		fmt.Fprint(le.out, prompt)
		if !le.scanner.Scan() {
			if err := le.scanner.Err(); err != nil {
				return "", err
			}
			return "", io.EOF
		}
		return le.scanner.Text(), nil
	}

	le.rl.SetPrompt(prompt)
	line, err := le.rl.Readline()
	if err != nil {
		if err == readline.ErrInterrupt {
			return "", io.EOF
		}
		return "", err
	}
	if trimmed := strings.TrimSpace(line); trimmed != "" {
		le.rl.SaveToHistory(trimmed)
	}
	return line, nil
}

// Printf writes asynchronous output above the prompt.
func (le *lineEditor) Printf(format string, args ...any) {
	fmt.Fprintf(le.out, format, args...)
}

// Close saves history and restores the terminal.
func (le *lineEditor) Close() {
	if le.rl != nil {
		le.rl.Close()
		le.rl = nil
	}
}
