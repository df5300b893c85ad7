// Copyright 2024-2026 Aiku AI

// Command relaybridge mirrors messages between Mattermost channels and
// Matrix rooms. Each side is joined by a single bot account; relayed
// messages carry the original author's name.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	flag "maunium.net/go/mauflag"

	"github.com/aiku/relaybridge/pkg/bridge"
	"github.com/aiku/relaybridge/pkg/config"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	configPath         = flag.MakeFull("c", "config", "The path to your config file.", "config.yaml").String()
	writeExampleConfig = flag.MakeFull("e", "generate-example-config", "Save the example config to the config path and quit.", "false").Bool()
	dontSaveConfig     = flag.MakeFull("n", "no-update", "Don't save updated config to disk.", "false").Bool()
	version            = flag.MakeFull("v", "version", "View relaybridge version and quit.", "false").Bool()
	wantHelp, _        = flag.MakeHelpFlag()
)

func main() {
	flag.SetHelpTitles(
		"relaybridge - A Mattermost-Matrix message relay.",
		"relaybridge [-hnev] [-c <path>]",
	)
	if err := flag.Parse(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		flag.PrintHelp()
		os.Exit(1)
	} else if *wantHelp {
		flag.PrintHelp()
		os.Exit(0)
	} else if *version {
		fmt.Printf("relaybridge %s (commit %s, built %s)\n", Tag, Commit, BuildTime)
		os.Exit(0)
	} else if *writeExampleConfig {
		if err := os.WriteFile(*configPath, []byte(config.ExampleConfig), 0o600); err != nil {
			_, _ = fmt.Fprintln(os.Stderr, "Failed to write example config:", err)
			os.Exit(11)
		}
		fmt.Println("Wrote example config to", *configPath)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath, !*dontSaveConfig)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Failed to load config:", err)
		os.Exit(10)
	}
	log, err := cfg.Logging.Compile()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Failed to initialize logger:", err)
		os.Exit(12)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = log.WithContext(ctx)

	log.Info().Str("version", Tag).Str("commit", Commit).Msg("Starting relaybridge")
	b, err := bridge.New(ctx, cfg, *log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize relay")
	}
	if err := b.Run(ctx); err != nil {
		log.Error().Err(err).Msg("Relay stopped with error")
		stop()
		os.Exit(2)
	}
	log.Info().Msg("Relay stopped")
}
