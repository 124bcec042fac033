// Spins up the fig cache server, compatible w/ the Redis protocol.

package main

import (
	"context"
	"encoding/hex"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/nobletooth/fig/pkg/cache"
	"github.com/nobletooth/fig/pkg/config"
	"github.com/nobletooth/fig/pkg/port"
	"github.com/nobletooth/fig/pkg/utils"
)

var (
	printVersion     = flag.Bool("print_version", false, "Print the version and exit.")
	namespace        = flag.String("namespace", "default", "Name of the cache namespace to serve.")
	backend          = flag.String("backend", "disk", "Storage backend, one of memory / disk / encrypted.")
	encryptionKeyHex = flag.String("encryption_key", "",
		"Hex-encoded AES key for the encrypted backend (16, 24, or 32 bytes).")
	compactInterval = flag.Duration("compact_interval", time.Hour,
		"Interval between background log compactions. Zero disables compaction.")
)

// runCompactionLoop compacts the namespace log on a fixed interval until the context is done.
func runCompactionLoop(ctx context.Context, manager *cache.Manager, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := manager.Compact(ctx); err != nil {
				slog.Error("Background compaction failed.", "error", err)
			}
		}
	}
}

func main() {
	config.InitFlags()
	utils.InitLogging()

	if *printVersion {
		slog.Info("Fig build info.", "version", utils.Version, "commit", utils.Commit, "build", utils.BuildTime)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, os.Kill)

	go func() { // Listen for OS interrupts in the background.
		sig := <-signals
		slog.Info("Received termination signal, cancelling server context.", "signal", sig)
		cancel()
	}()

	encryptionKey, err := hex.DecodeString(*encryptionKeyHex)
	if err != nil {
		slog.Error("Failed to decode the --encryption_key flag.", "error", err)
		os.Exit(1)
	}

	manager, err := cache.Open(cache.Config{
		Namespace:     *namespace,
		Backend:       cache.Backend(*backend),
		EncryptionKey: encryptionKey,
	})
	if err != nil {
		slog.Error("Failed to open the cache namespace.", "error", err)
		os.Exit(1)
	}

	if *compactInterval > 0 {
		go runCompactionLoop(ctx, manager, *compactInterval)
	}

	if err := port.RunRedisServer(ctx, manager); err != nil {
		slog.Error("Fig server stopped.", "err", err)
		os.Exit(1)
	}
}
