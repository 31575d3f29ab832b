package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/chaz8081/chargekeeper/internal/battery"
	"github.com/chaz8081/chargekeeper/internal/ble"
	"github.com/chaz8081/chargekeeper/internal/config"
	"github.com/chaz8081/chargekeeper/internal/controller"
	"github.com/chaz8081/chargekeeper/internal/notify"
	"github.com/chaz8081/chargekeeper/internal/state"
)

func main() {
	// CLI flags
	configPath := flag.String("config", "", "path to config file (default: ~/.config/chargekeeper/config.yaml)")
	envPath := flag.String("env", ".env", "optional .env file with MQTT credentials")
	initConfig := flag.Bool("init", false, "write a starter config file and exit")
	flag.Parse()

	if *initConfig {
		path, err := config.WriteDefault()
		if err != nil {
			log.Fatalf("config: %v", err)
		}
		if path == "" {
			log.Printf("Config already exists at %s", config.DefaultConfigPath())
			return
		}
		log.Printf("Wrote %s", path)
		return
	}

	if err := config.LoadDotEnv(*envPath); err != nil {
		log.Printf("Warning: %v", err)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	cfg.ApplyEnv()

	if err := cfg.Validate(); err != nil {
		log.Fatalf("config validation: %v", err)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.ParseLogLevel(cfg.LogLevel),
	})))

	printBanner(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Diagnostics
	sinks := notify.Fanout{notify.NewLogSink(nil)}
	if cfg.MQTT.Enabled {
		client, err := notify.Connect(cfg.MQTT)
		if err != nil {
			log.Printf("MQTT unavailable, continuing without it: %v", err)
		} else {
			defer notify.Disconnect(client, cfg.MQTT)
			sinks = append(sinks, notify.NewMQTTSink(client, cfg.MQTT.TopicPrefix))
		}
	}

	// Radio
	opts := ble.Options{
		ScanTimeout:     cfg.BLE.ScanTimeout,
		ConnectTimeout:  cfg.BLE.ConnectTimeout,
		DiscoverTimeout: cfg.BLE.DiscoverTimeout,
		WriteTimeout:    cfg.BLE.WriteTimeout,
		RetryDelay:      cfg.BLE.RetryDelay,
		MaxRetries:      cfg.BLE.MaxRetries,
	}
	if cfg.Accessory.Paired {
		opts.Paired = []string{cfg.Accessory.Address}
	}
	engine := ble.NewEngine(ble.NewHostAdapter(), opts, sinks)
	engineDone := make(chan struct{})
	go func() {
		engine.Run(ctx)
		close(engineDone)
	}()

	// Decisions
	ctrl := controller.New(engine, state.NewFileStore(cfg.StatePath), cfg.Thresholds(), cfg.Accessory.Address,
		controller.Options{ReassertInterval: cfg.Charge.ReassertInterval})
	ctrlDone := make(chan struct{})
	go func() {
		ctrl.Run(ctx)
		close(ctrlDone)
	}()

	// Battery
	observer := battery.NewObserver(cfg.Battery.SupplyDir, cfg.Battery.Name, cfg.Battery.PollInterval)
	if _, err := observer.Read(); err != nil {
		log.Fatalf("Cannot read battery level: %v", err)
	}

	log.Println("Ready! Watching battery. Ctrl+C to quit.")
	observer.Run(ctx, ctrl.OnBatterySample)

	log.Println("Shutting down...")
	<-ctrlDone
	<-engineDone
	log.Println("Goodbye!")
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		log.Printf("Config loaded from %s", defaultPath)
		return cfg, nil
	}

	log.Println("No config file found, using defaults (run with -init to create one)")
	return config.Default(), nil
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config) {
	fmt.Println("=== chargekeeper ===")
	fmt.Printf("  Outlet:  %s (paired: %v)\n", cfg.Accessory.Address, cfg.Accessory.Paired)
	fmt.Printf("  Band:    %d%% .. %d%%\n", cfg.Charge.Low, cfg.Charge.High)
	fmt.Printf("  Radio:   scan %s, connect %s, %d tries\n", cfg.BLE.ScanTimeout, cfg.BLE.ConnectTimeout, cfg.BLE.MaxRetries)
	fmt.Printf("  Battery: %s every %s\n", cfg.Battery.SupplyDir, cfg.Battery.PollInterval)
	fmt.Printf("  State:   %s\n", cfg.StatePath)
	fmt.Printf("  MQTT:    %v\n", cfg.MQTT.Enabled)
	fmt.Printf("  Log:     %s\n", cfg.LogLevel)
	fmt.Println("====================")
}
