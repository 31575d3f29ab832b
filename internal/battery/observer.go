// Package battery reads the host battery level from the Linux power_supply
// class and reports it periodically.
package battery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ErrNoBattery is returned when no battery supply is present.
var ErrNoBattery = errors.New("battery: no battery found")

// Observer polls a power_supply directory.
type Observer struct {
	dir      string
	name     string
	interval time.Duration
}

// NewObserver creates an observer. dir is usually /sys/class/power_supply;
// an empty name picks the first supply whose type is Battery.
func NewObserver(dir, name string, interval time.Duration) *Observer {
	return &Observer{dir: dir, name: name, interval: interval}
}

// Read returns the current charge percentage.
func (o *Observer) Read() (int, error) {
	supply, err := o.supply()
	if err != nil {
		return 0, err
	}
	raw, err := os.ReadFile(filepath.Join(supply, "capacity"))
	if err != nil {
		return 0, fmt.Errorf("battery: read capacity: %w", err)
	}
	percent, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return 0, fmt.Errorf("battery: parse capacity %q: %w", strings.TrimSpace(string(raw)), err)
	}
	if percent < 0 || percent > 100 {
		return 0, fmt.Errorf("battery: capacity %d out of range", percent)
	}
	return percent, nil
}

func (o *Observer) supply() (string, error) {
	if o.name != "" {
		return filepath.Join(o.dir, o.name), nil
	}
	entries, err := os.ReadDir(o.dir)
	if err != nil {
		return "", fmt.Errorf("battery: list %s: %w", o.dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	for _, n := range names {
		typ, err := os.ReadFile(filepath.Join(o.dir, n, "type"))
		if err != nil {
			continue
		}
		if strings.TrimSpace(string(typ)) == "Battery" {
			return filepath.Join(o.dir, n), nil
		}
	}
	return "", ErrNoBattery
}

// Run reads the battery now and then every interval, passing each reading
// to fn, until ctx is cancelled. Read errors are logged and skipped.
func (o *Observer) Run(ctx context.Context, fn func(percent int)) {
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	o.poll(fn)
	for {
		select {
		case <-ticker.C:
			o.poll(fn)
		case <-ctx.Done():
			return
		}
	}
}

func (o *Observer) poll(fn func(int)) {
	percent, err := o.Read()
	if err != nil {
		slog.Warn("[BATT] read failed", "error", err)
		return
	}
	slog.Debug("[BATT] sample", "percent", percent)
	fn(percent)
}
