package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"

	"github.com/urfave/cli"

	"github.com/chaz8081/sensorsync/internal/assess"
	"github.com/chaz8081/sensorsync/internal/ble"
	"github.com/chaz8081/sensorsync/internal/chat"
	"github.com/chaz8081/sensorsync/internal/config"
	"github.com/chaz8081/sensorsync/internal/peer"
	"github.com/chaz8081/sensorsync/internal/record"
)

func scanCommand(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	adapter := ble.NewTinyGoAdapter(logger)
	if err := adapter.Enable(); err != nil {
		return fmt.Errorf("enabling adapter: %w", err)
	}

	filter := ble.ScanFilter{}
	if cfg.Scan.ServiceFilter {
		filter.ServiceUUID = cfg.BLE.ServiceUUID
	}
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Scan.Window)
	defer cancel()

	fmt.Printf("Scanning for %s...\n", cfg.Scan.Window)
	sightings, err := adapter.Scan(ctx, filter)
	if err != nil {
		return fmt.Errorf("scan: %w", err)
	}
	registry := peer.NewRegistry(cfg.Scan.AllowList, logger)
	for s := range sightings {
		registry.Upsert(s)
	}

	devices := registry.ListVisible()
	if len(devices) == 0 {
		fmt.Println(yellow("No peers in range"))
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tRSSI\tAUTO-CONNECT")
	for _, d := range devices {
		auto := "-"
		if registry.ShouldAutoConnect(d) {
			auto = green("yes")
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", d.ID, d.Name, d.RSSI, auto)
	}
	return w.Flush()
}

func recordsCommand(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	newLogger(cfg)
	backend, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer backend.Close()

	records, err := backend.LoadRecords(context.Background())
	if err != nil {
		return err
	}
	record.SortByRecency(records)
	if len(records) == 0 {
		fmt.Println(yellow("No records stored"))
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "DEVICE\tNAME\tTEMP\tHUMIDITY\tPOSITION\tLAST UPDATE")
	for _, r := range records {
		printRecord(w, r, record.FormatTime(r.LastUpdate))
	}
	return w.Flush()
}

func historyCommand(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	newLogger(cfg)
	backend, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer backend.Close()

	history, err := backend.LoadHistory(context.Background())
	if err != nil {
		return err
	}
	if n := c.Int("limit"); n > 0 && n < len(history) {
		history = history[len(history)-n:]
	}
	if len(history) == 0 {
		fmt.Println(yellow("No history stored"))
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "DEVICE\tNAME\tTEMP\tHUMIDITY\tPOSITION\tCAPTURED")
	for _, h := range history {
		printRecord(w, h.Record, record.FormatTime(h.CapturedAt))
	}
	return w.Flush()
}

func printRecord(w *tabwriter.Writer, r record.Record, when string) {
	pos := "-"
	if r.Position != nil {
		pos = fmt.Sprintf("%.4f, %.4f", r.Position.Lat, r.Position.Lng)
	}
	fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", r.DeviceID, r.DeviceName,
		measurement(r.Temperature, "°C"), measurement(r.Humidity, "%"), pos, when)
}

func measurement(v *float64, unit string) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.1f%s", *v, unit)
}

func chatCommand(c *cli.Context) error {
	peerID := c.Args().First()
	if peerID == "" {
		return errors.New("usage: sensorsync chat <peer-id>")
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	if !cfg.Chat.Enabled {
		return errors.New("chat is disabled in the config")
	}

	backend, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer backend.Close()

	adapter := ble.NewTinyGoAdapter(logger)
	if err := adapter.Enable(); err != nil {
		return fmt.Errorf("enabling adapter: %w", err)
	}
	svc := chat.New(adapter, backend, chatOptions(cfg), logger)
	defer svc.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	past, err := svc.History(ctx, c.Int("history"))
	if err != nil {
		logger.Warn("loading chat history failed", "error", err)
	}
	for _, m := range past {
		printMessage(m)
	}

	fmt.Printf("Connecting to %s...\n", peerID)
	if err := svc.Attach(ctx, peerID); err != nil {
		return err
	}
	fmt.Println(green("Connected. Type a message and press Enter. Ctrl+C to quit."))

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if err := svc.Send(ctx, line); err != nil {
				fmt.Println(red("Send error: " + err.Error()))
			}
		case m, ok := <-svc.Messages():
			if !ok {
				return nil
			}
			printMessage(m)
		case <-sigCh:
			return nil
		}
	}
}

func assessCommand(c *cli.Context) error {
	if !c.IsSet("lat") || !c.IsSet("lng") {
		return errors.New("--lat and --lng are required")
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	newLogger(cfg)
	backend, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer backend.Close()

	records, err := backend.LoadRecords(context.Background())
	if err != nil {
		return err
	}
	user := record.Position{Lat: c.Float64("lat"), Lng: c.Float64("lng")}
	a := assess.Evaluate(records, user)
	if a.Scored == 0 {
		fmt.Println(yellow("No stored records carry a position"))
		return nil
	}

	pct := fmt.Sprintf("%d%%", a.ThreatPercent)
	switch {
	case a.ThreatPercent >= 66:
		pct = red(pct)
	case a.ThreatPercent >= 33:
		pct = yellow(pct)
	default:
		pct = green(pct)
	}
	fmt.Printf("Threat level:    %s (%d sensors)\n", pct, a.Scored)
	fmt.Printf("Safe direction:  %s\n", cyan(string(a.SafeSector)))

	sectors := append([]assess.Sector(nil), assess.Sectors...)
	sort.SliceStable(sectors, func(i, j int) bool { return a.SectorScores[sectors[i]] > a.SectorScores[sectors[j]] })
	for _, s := range sectors {
		if a.SectorScores[s] > 0 {
			fmt.Printf("  %-2s  %d\n", s, a.SectorScores[s])
		}
	}
	return nil
}

func initCommand(c *cli.Context) error {
	path, err := config.WriteDefault()
	if err != nil {
		return err
	}
	if path == "" {
		fmt.Println(yellow("Config already exists at " + config.DefaultConfigPath()))
		return nil
	}
	fmt.Println(green("Wrote default config to " + path))
	return nil
}
