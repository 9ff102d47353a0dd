// Command test-hotkey is a manual test for the global pause hotkey.
// Run it, then press the key combo to see the pause state flip.
// Press Ctrl+C to exit.
//
// Usage:
//
//	go run ./cmd/test-hotkey [--keys ctrl+shift+p]
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/chaz8081/matrixctl/internal/hotkey"
)

func main() {
	combo := flag.String("keys", "ctrl+shift+p", "key combo, joined with +")
	flag.Parse()

	keys := strings.Split(strings.ToLower(*combo), "+")
	fmt.Printf("Listening for %s...\n", *combo)
	fmt.Println("Press Ctrl+C to exit.")

	listener := hotkey.NewListener(keys)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		fmt.Println("\nShutting down...")
		listener.Stop()
	}()

	go func() {
		for ev := range listener.Events() {
			if ev.Paused {
				fmt.Println("|| PAUSED")
			} else {
				fmt.Println(">> RESUMED")
			}
		}
		fmt.Println("Event channel closed.")
	}()

	// Blocks until stopped
	listener.Start()
	fmt.Println("Done.")
}
