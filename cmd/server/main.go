// Riddleswap escrow engine - custodial NFT exchange across chain families
package main

import (
	"context"
	"fmt"
	"log"
	"sort"

	"github.com/dippydogellm/riddleswap.com-sub018/internal/config"
	"github.com/dippydogellm/riddleswap.com-sub018/internal/logging"
	"github.com/dippydogellm/riddleswap.com-sub018/internal/server"
)

// Populated at link time, e.g. go build -ldflags "-X main.version=v0.3.1".
var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	if err := run(context.Background()); err != nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context) error {
	// Pre-config logger so load failures are visible
	logger := logging.New("info", "text")
	logger.Info("starting riddleswap escrow engine",
		"version", version, "commit", commit, "built", buildTime)

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Swap in the configured level and format
	logger = logging.New(cfg.LogLevel, cfg.LogFmt)
	logger.Info("configuration loaded",
		"env", cfg.Env,
		"chains", enabledChains(cfg),
		"poll_interval", cfg.PollInterval,
	)

	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("build server: %w", err)
	}
	return srv.Run(ctx)
}

func enabledChains(cfg *config.Config) []string {
	ids := make([]string, 0, len(cfg.Chains))
	for id := range cfg.Chains {
		if cfg.Enabled(id) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}
