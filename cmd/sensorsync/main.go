package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/urfave/cli"

	"github.com/chaz8081/sensorsync/internal/config"
)

const version = "0.1.0"

func main() {
	app := cli.NewApp()
	app.Name = "sensorsync"
	app.Usage = "share sensor readings with nearby nodes over Bluetooth LE"
	app.Version = version
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config, c",
			Usage: "path to config file (default: ~/.config/sensorsync/config.yaml)",
		},
		cli.StringFlag{
			Name:  "log-level",
			Usage: "override log_level (debug, info, warn, error)",
		},
	}
	app.Commands = []cli.Command{
		cli.Command{
			Name:   "run",
			Usage:  "Advertise, scan and exchange records with nearby nodes until interrupted",
			Action: runCommand,
			Flags: []cli.Flag{
				cli.Float64Flag{
					Name:  "temperature",
					Usage: "publish this node's own temperature reading (°C)",
				},
				cli.Float64Flag{
					Name:  "humidity",
					Usage: "publish this node's own humidity reading (%)",
				},
				cli.Float64Flag{
					Name:  "lat",
					Usage: "latitude of this node's reading",
				},
				cli.Float64Flag{
					Name:  "lng",
					Usage: "longitude of this node's reading",
				},
				cli.StringFlag{
					Name:  "device-id",
					Usage: "device id for this node's reading (default: node name)",
				},
			},
		},
		cli.Command{
			Name:   "scan",
			Usage:  "Run one scan window and list the peers in range",
			Action: scanCommand,
		},
		cli.Command{
			Name:   "records",
			Usage:  "Print the stored records, most recent first",
			Action: recordsCommand,
		},
		cli.Command{
			Name:   "history",
			Usage:  "Print the stored record history",
			Action: historyCommand,
			Flags: []cli.Flag{
				cli.IntFlag{
					Name:  "limit, n",
					Usage: "only print the last n entries",
				},
			},
		},
		cli.Command{
			Name:      "chat",
			Usage:     "Chat with a nearby node; lines read from stdin are sent",
			ArgsUsage: "<peer-id>",
			Action:    chatCommand,
			Flags: []cli.Flag{
				cli.IntFlag{
					Name:  "history",
					Value: 20,
					Usage: "number of stored messages to print first",
				},
			},
		},
		cli.Command{
			Name:   "assess",
			Usage:  "Score stored records around a position and suggest the safest direction",
			Action: assessCommand,
			Flags: []cli.Flag{
				cli.Float64Flag{
					Name:  "lat",
					Usage: "your latitude",
				},
				cli.Float64Flag{
					Name:  "lng",
					Usage: "your longitude",
				},
			},
		},
		cli.Command{
			Name:   "init",
			Usage:  "Write the default config file if none exists",
			Action: initCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, red("Error: ")+err.Error())
		os.Exit(1)
	}
}

// loadConfig loads the config from the --config path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(c *cli.Context) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if path := c.GlobalString("config"); path != "" {
		cfg, err = config.Load(path)
	} else {
		cfg, err = config.LoadOrDefault(config.DefaultConfigPath())
	}
	if err != nil {
		return nil, err
	}
	if lvl := c.GlobalString("log-level"); lvl != "" {
		cfg.LogLevel = lvl
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// newLogger installs a text slog handler on stderr at the configured level.
func newLogger(cfg *config.Config) *slog.Logger {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)
	return logger
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config) {
	fmt.Println(cyan("=== sensorsync ==="))
	fmt.Printf("  Node:      %s\n", cfg.Node.Name)
	fmt.Printf("  Service:   %s\n", cfg.BLE.ServiceUUID)
	fmt.Printf("  Scan:      every %s (window %s)\n", cfg.Scan.Interval, cfg.Scan.Window)
	fmt.Printf("  Exchange:  every %s (history: %s)\n", cfg.Exchange.Interval, cfg.Exchange.HistoryPolicy)
	fmt.Printf("  Storage:   %s %s\n", cfg.Storage.Driver, cfg.Storage.Path)
	if cfg.Chat.Enabled {
		fmt.Printf("  Chat:      %s\n", cfg.Chat.ServiceUUID)
	}
	fmt.Printf("  Log:       %s\n", cfg.LogLevel)
	fmt.Println(cyan("==================="))
}
