// Command test-pick is a manual test for the screen color picker.
// It waits 3 seconds, then prints the color under the mouse cursor.
// Point at something colorful before the countdown finishes.
//
// Usage:
//
//	go run ./cmd/test-pick [--follow]
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/chaz8081/matrixctl/internal/picker"
)

func main() {
	follow := flag.Bool("follow", false, "keep printing color changes until Ctrl+C")
	flag.Parse()

	p := picker.New(picker.RobotGoScreen{})

	if *follow {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()
		fmt.Println("Move the mouse around. Ctrl+C to stop.")
		err := p.Follow(ctx, 100*time.Millisecond, func(s picker.Sample) error {
			fmt.Printf("(%4d,%4d) %s\n", s.X, s.Y, s.Color)
			return nil
		})
		if err != nil && ctx.Err() == nil {
			fmt.Printf("Error: %v\n", err)
		}
		return
	}

	fmt.Println("Will sample the color under the cursor in 3 seconds...")
	for i := 3; i > 0; i-- {
		fmt.Printf("%d...\n", i)
		time.Sleep(time.Second)
	}

	s, err := p.Pick()
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	fmt.Printf("\n%s at (%d,%d)\n", s.Color, s.X, s.Y)
}
