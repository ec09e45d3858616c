package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli"

	"github.com/chaz8081/sensorsync/internal/ble"
	"github.com/chaz8081/sensorsync/internal/chat"
	"github.com/chaz8081/sensorsync/internal/config"
	"github.com/chaz8081/sensorsync/internal/exchange"
	"github.com/chaz8081/sensorsync/internal/record"
	"github.com/chaz8081/sensorsync/internal/state"
	"github.com/chaz8081/sensorsync/internal/store"
	"github.com/chaz8081/sensorsync/internal/tracing"
)

func runCommand(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	printBanner(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdown, err := tracing.Setup(ctx, cfg.Tracing, os.Stderr)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			logger.Warn("tracing shutdown failed", "error", err)
		}
	}()

	backend, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer backend.Close()
	gateway := store.NewBreaker(backend, breakerConfig(cfg), logger)

	adapter := ble.NewTinyGoAdapter(logger)
	opts := engineOptions(cfg)

	var chatSvc *chat.Service
	if cfg.Chat.Enabled {
		chatSvc = chat.New(adapter, backend, chatOptions(cfg), logger)
		defer chatSvc.Close()
		opts.ExtraServices = append(opts.ExtraServices, chatSvc.GATTService())
	}

	engine := exchange.New(adapter, gateway, opts, logger)
	events, unsubscribe := engine.Subscribe()
	defer unsubscribe()

	// Signal handling for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("starting engine: %w", err)
	}
	defer engine.Stop()

	if r, ok := ownReading(c, cfg); ok {
		if err := engine.Ingest(ctx, r); err != nil {
			return fmt.Errorf("own reading: %w", err)
		}
		fmt.Println(green("Published own reading for " + r.DeviceID))
	}

	fmt.Println("Ready! Exchanging with nearby nodes. Ctrl+C to quit.")

	var messages <-chan chat.Message
	if chatSvc != nil {
		messages = chatSvc.Messages()
	}
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			printEvent(ev, engine)
		case m, ok := <-messages:
			if !ok {
				messages = nil
				continue
			}
			printMessage(m)
		case sig := <-sigCh:
			slog.Info("shutting down", "signal", sig.String())
			fmt.Printf("Received %s, shutting down...\n", sig)
			return nil
		}
	}
}

// ownReading builds this node's own record from the command line. It
// reports false when neither measurement was given.
func ownReading(c *cli.Context, cfg *config.Config) (record.Record, bool) {
	if !c.IsSet("temperature") && !c.IsSet("humidity") {
		return record.Record{}, false
	}
	r := record.Record{
		DeviceID:   c.String("device-id"),
		DeviceName: cfg.Node.Name,
	}
	if r.DeviceID == "" {
		r.DeviceID = cfg.Node.Name
	}
	if c.IsSet("temperature") {
		r.Temperature = record.Float(c.Float64("temperature"))
	}
	if c.IsSet("humidity") {
		r.Humidity = record.Float(c.Float64("humidity"))
	}
	if c.IsSet("lat") && c.IsSet("lng") {
		r.Position = &record.Position{Lat: c.Float64("lat"), Lng: c.Float64("lng")}
	}
	return r, true
}

func printEvent(ev state.Event, engine *exchange.Engine) {
	ts := ev.Time.Format("15:04:05")
	switch ev.Kind {
	case state.EventError:
		fmt.Printf("%s %s\n", ts, red(ev.Message))
	case state.EventPeer:
		fmt.Printf("%s %s\n", ts, cyan(ev.Message))
	case state.EventRecords:
		fmt.Printf("%s %s\n", ts, green(fmt.Sprintf("%d records, %d peers connected", len(engine.Records()), len(engine.Connections()))))
	default:
		fmt.Printf("%s %s\n", ts, ev.Message)
	}
}

func printMessage(m chat.Message) {
	from := m.PeerID
	if m.Outgoing {
		from = "Me"
	}
	fmt.Printf("%s %s: %s\n", m.At.Local().Format("15:04:05"), magenta(from), m.Text)
}

func openStore(cfg *config.Config) (store.Backend, error) {
	backend, err := store.Open(cfg.Storage.Driver, cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("opening %s store: %w", cfg.Storage.Driver, err)
	}
	return backend, nil
}

func breakerConfig(cfg *config.Config) store.BreakerConfig {
	return store.BreakerConfig{
		MaxFailures: cfg.Storage.Breaker.MaxFailures,
		Timeout:     cfg.Storage.Breaker.Timeout,
	}
}

func engineOptions(cfg *config.Config) exchange.Options {
	opts := exchange.DefaultOptions()
	opts.LocalName = cfg.Node.Name
	opts.ServiceUUID = cfg.BLE.ServiceUUID
	opts.ExchangeCharUUID = cfg.BLE.ExchangeCharUUID
	opts.ConnectTimeout = cfg.BLE.ConnectTimeout
	opts.MTU = cfg.BLE.MTU
	opts.ScanInterval = cfg.Scan.Interval
	opts.ScanWindow = cfg.Scan.Window
	opts.AllowList = cfg.Scan.AllowList
	opts.ServiceFilter = cfg.Scan.ServiceFilter
	opts.ExchangeInterval = cfg.Exchange.Interval
	if p, err := record.ParseHistoryPolicy(cfg.Exchange.HistoryPolicy); err == nil {
		opts.HistoryPolicy = p
	}
	return opts
}

func chatOptions(cfg *config.Config) chat.Options {
	opts := chat.DefaultOptions()
	opts.ServiceUUID = cfg.Chat.ServiceUUID
	opts.CharUUID = cfg.Chat.CharUUID
	opts.MTU = cfg.BLE.MTU
	opts.MessagesPerSecond = cfg.Chat.MessagesPerSecond
	opts.Burst = cfg.Chat.Burst
	opts.ConnectTimeout = cfg.BLE.ConnectTimeout
	return opts
}
