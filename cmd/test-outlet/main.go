// Command test-outlet is a manual test for the BLE relay. It opens a prompt
// where "on" and "off" send one command each through the same engine the
// daemon uses, printing every phase as it happens.
//
// Usage:
//
//	go run ./cmd/test-outlet --address AA:BB:CC:DD:EE:FF
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"

	"github.com/chaz8081/chargekeeper/internal/ble"
	"github.com/chaz8081/chargekeeper/internal/ble/protocol"
	"github.com/chaz8081/chargekeeper/internal/config"
	"github.com/chaz8081/chargekeeper/internal/notify"
)

func main() {
	address := flag.String("address", "", "relay Bluetooth address")
	paired := flag.Bool("paired", false, "skip the scan on the first try")
	flag.Parse()

	if !config.ValidAddress(*address) {
		log.Fatalf("--address must look like AA:BB:CC:DD:EE:FF, got %q", *address)
	}
	addr := config.NormalizeAddress(*address)

	rl, err := readline.NewEx(&readline.Config{
		Prompt:      "outlet> ",
		HistoryFile: historyFile(),
	})
	if err != nil {
		log.Fatalf("readline: %v", err)
	}
	defer rl.Close()
	log.SetOutput(rl.Stderr())
	slog.SetDefault(slog.New(slog.NewTextHandler(rl.Stderr(), &slog.HandlerOptions{Level: slog.LevelDebug})))

	opts := ble.DefaultOptions()
	if *paired {
		opts.Paired = []string{addr}
	}
	engine := ble.NewEngine(ble.NewHostAdapter(), opts, notify.NewLogSink(nil))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go engine.Run(ctx)

	fmt.Printf("Relay %s. Commands: on, off, quit. Worst case per command: %s\n", addr, opts.WorstCase())

	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			return
		}
		if err != nil {
			return
		}

		var target protocol.State
		switch strings.TrimSpace(line) {
		case "":
			continue
		case "on":
			target = protocol.On
		case "off":
			target = protocol.Off
		case "quit", "exit":
			return
		default:
			fmt.Println("Unknown command (try on, off, quit)")
			continue
		}

		cmd := protocol.Encode(target)
		fmt.Printf("Sending % X to %s/%s...\n", cmd.Payload, cmd.ServiceUUID, cmd.CharUUID)

		done := make(chan error, 1)
		engine.Assert(addr, target, func(err error) { done <- err })
		if err := <-done; err != nil {
			fmt.Printf("Error: %v\n", err)
			continue
		}
		fmt.Printf("Outlet is %s\n", target)
	}
}

// historyFile returns the prompt history path under the user cache dir.
func historyFile() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return ""
	}
	dir = filepath.Join(dir, "chargekeeper")
	_ = os.MkdirAll(dir, 0750)
	return filepath.Join(dir, "test_outlet_history")
}
