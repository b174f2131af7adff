// Command gbcore runs a cartridge headlessly to completion or a fatal fault,
// streaming its serial port to stdout. It is a thin driver over
// internal/gameboy meant for test-ROM automation (Blargg-style suites that
// report pass/fail over the serial link) and quick manual smoke checks; it
// has no windowing, audio, or input of its own.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"regexp"
	"strings"
	"time"

	"github.com/FabianRolfMatthiasNoll/GameBoyEmulator/internal/gameboy"
)

func main() {
	romPath := flag.String("rom", "", "path to cartridge ROM (.gb) (required)")
	bootPath := flag.String("bootrom", "", "DMG boot ROM to run from 0x0000 before the cartridge (required)")
	trace := flag.Bool("trace", false, "log save-RAM I/O and diagnostics at debug level")
	until := flag.String("until", "", "exit 0 as soon as serial output contains this substring (case-insensitive)")
	auto := flag.Bool("auto", false, "auto-detect Blargg-style 'Passed'/'Failed N tests' serial markers and set the exit code accordingly")
	maxFrames := flag.Int("maxFrames", 0, "stop after this many frames (0 = unlimited, requires -until/-auto or Ctrl-C to stop)")
	timeout := flag.Duration("timeout", 0, "optional wall-clock timeout (e.g. 30s); 0 disables")
	flag.Parse()

	if *romPath == "" {
		log.Fatal("-rom is required")
	}
	if *bootPath == "" {
		log.Fatal("-bootrom is required")
	}

	g := gameboy.New(gameboy.Config{Trace: *trace})
	if err := g.LoadROMFromFile(*romPath); err != nil {
		log.Fatalf("load ROM: %v", err)
	}
	if err := g.LoadBootROMFromFile(*bootPath); err != nil {
		log.Fatalf("load boot ROM: %v", err)
	}

	g.SetSerialWriter(os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	failRe := regexp.MustCompile(`(?i)failed\s+(\d+)\s+tests?`)
	start := time.Now()
	var deadline time.Time
	if *timeout > 0 {
		deadline = start.Add(*timeout)
	}

	frames := 0
	for {
		select {
		case <-ctx.Done():
			fmt.Println("\ninterrupted")
			os.Exit(130)
		default:
		}

		g.StepFrameNoRender()
		frames++

		if f := g.Fault(); f != nil {
			fmt.Printf("\nCPU fault after %d frames: %v\n", frames, f)
			os.Exit(1)
		}

		serial := string(g.SerialLog())
		if *auto {
			lower := strings.ToLower(serial)
			if strings.Contains(lower, "passed") {
				fmt.Printf("\nDetected PASS in serial output after %d frames.\n", frames)
				os.Exit(0)
			}
			if m := failRe.FindString(serial); m != "" {
				fmt.Printf("\nDetected %q in serial output after %d frames.\n", m, frames)
				os.Exit(1)
			}
		} else if *until != "" && strings.Contains(strings.ToLower(serial), strings.ToLower(*until)) {
			fmt.Printf("\nDetected %q in serial output after %d frames.\n", *until, frames)
			os.Exit(0)
		}

		if !deadline.IsZero() && time.Now().After(deadline) {
			fmt.Printf("\ntimeout after %s (%d frames)\n", time.Since(start).Truncate(time.Millisecond), frames)
			os.Exit(2)
		}
		if *maxFrames > 0 && frames >= *maxFrames {
			fmt.Printf("\nstopped after %d frames\n", frames)
			os.Exit(0)
		}
	}
}
