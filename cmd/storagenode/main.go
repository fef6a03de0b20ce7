// Command storagenode runs a service-node storage server: it derives its
// swarm assignment from the blockchain daemon, accepts client store and
// retrieve requests over the encrypted channel, replicates messages to
// its swarm peers, and audits those peers for reachability.
//
// # Usage
//
//	storagenode [options] <ip> <port>
//
// The same option keys are recognized in an INI config file inside the
// data directory. Exit codes: 0 on success or help/version, 1 on generic
// failure, 2 when the listen port is already taken.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/swarmnet/storagenode/api/httpserver"
	"github.com/swarmnet/storagenode/auditor"
	"github.com/swarmnet/storagenode/clientapi"
	"github.com/swarmnet/storagenode/coordinator"
	"github.com/swarmnet/storagenode/daemon"
	"github.com/swarmnet/storagenode/identity"
	"github.com/swarmnet/storagenode/peerapi"
	"github.com/swarmnet/storagenode/reachability"
	"github.com/swarmnet/storagenode/store"
)

const version = "1.0.0"

var errVersion = errors.New("version requested")

const (
	exitOK            = 0
	exitFailure       = 1
	exitPortCollision = 2

	purgeInterval = 10 * time.Minute
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, err := parseConfig(args)
	switch {
	case errors.Is(err, flag.ErrHelp), errors.Is(err, errVersion):
		if errors.Is(err, errVersion) {
			fmt.Println("storagenode", version)
		}
		return exitOK
	case err != nil:
		fmt.Fprintln(os.Stderr, "Error:", err)
		return exitFailure
	}

	if err := os.MkdirAll(filepath.Join(cfg.DataDir, "logs"), 0o755); err != nil {
		fmt.Fprintln(os.Stderr, "Error creating data dir:", err)
		return exitFailure
	}

	logger, logBuffer, closeLogs, err := setupLogging(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error setting up logging:", err)
		return exitFailure
	}
	defer closeLogs()

	clientapi.Version = version
	logger.Info("starting storagenode", "version", version, "stagenet", cfg.Stagenet, "data_dir", cfg.DataDir)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	daemonClient := daemon.NewClient(cfg.DaemonRPCIP, cfg.DaemonRPCPort)

	logger.Info("waiting for service node keys from daemon", "rpc", fmt.Sprintf("%s:%d", cfg.DaemonRPCIP, cfg.DaemonRPCPort))
	keys, err := identity.LoadWithRetry(ctx, daemonClient)
	if err != nil {
		logger.Error("loading identity keys failed", "error", err)
		return exitFailure
	}
	logger.Info("identity loaded", "legacy_pubkey", keys.LegacyPubHex)

	if err := daemonClient.Ping(ctx); err != nil {
		logger.Warn("daemon health ping failed", "error", err)
	}

	st, err := store.NewPostgresStore(&cfg.Database)
	if err != nil {
		logger.Error("opening message store failed", "error", err)
		return exitFailure
	}

	peerClient, err := peerapi.NewClient(keys, logger)
	if err != nil {
		logger.Error("building peer client failed", "error", err)
		return exitFailure
	}

	coord := coordinator.New(keys.LegacyPubHex, st, daemonClient, peerClient, logger)
	coord.ForceStart = cfg.ForceStart

	if seedPath := filepath.Join(cfg.DataDir, "seeds.yaml"); fileExists(seedPath) {
		if snap, err := daemon.LoadSeedSnapshot(seedPath); err != nil {
			logger.Warn("ignoring unreadable seed file", "path", seedPath, "error", err)
		} else {
			logger.Info("priming swarm model from seed file", "swarms", len(snap.Swarms))
			coord.PrimeFromSeeds(snap)
		}
	}

	ledger := reachability.NewLedger()
	aud := auditor.New(coord.SwarmModel(), st, ledger, daemonClient, daemonClient, peerClient, logger)

	certFile, keyFile, certDigest, err := ensureCertificate(cfg.DataDir, cfg.IP)
	if err != nil {
		logger.Error("preparing TLS certificate failed", "error", err)
		return exitFailure
	}

	clientHandler := clientapi.NewHandler(coord, keys, cfg.Params, logBuffer, logger)
	peerHandler := peerapi.NewHandler(coord, aud, keys, certDigest, logger)

	srv, err := httpserver.New(&httpserver.HTTPServerConfig{
		ListenAddr:               net.JoinHostPort(cfg.IP, cfg.Port),
		TLSCertFile:              certFile,
		TLSKeyFile:               keyFile,
		Log:                      logger,
		GracefulShutdownDuration: 10 * time.Second,
		ReadTimeout:              60 * time.Second,
		WriteTimeout:             90 * time.Second,
	}, coord, clientHandler, peerHandler)
	if err != nil {
		logger.Error("building HTTP server failed", "error", err)
		return exitFailure
	}

	go coord.RunChainRefresh(ctx)
	go aud.Run(ctx)
	go runPurgeLoop(ctx, st, logger)

	listenErr := srv.RunInBackground()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-listenErr:
		logger.Error("listen failed", "error", err)
		if isAddrInUse(err) {
			return exitPortCollision
		}
		return exitFailure
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	}

	cancel()
	srv.Shutdown()
	return exitOK
}

// setupLogging builds the node's logger: leveled text output to both
// stderr and a log file under data-dir/logs, teed through the in-memory
// ring served by /get_logs/v1.
func setupLogging(cfg *Config) (*slog.Logger, *clientapi.LogBuffer, func(), error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		return nil, nil, nil, fmt.Errorf("unknown log level %q", cfg.LogLevel)
	}

	logPath := filepath.Join(cfg.DataDir, "logs", "storage.log")
	logFile, err := os.OpenFile(logPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("opening log file: %w", err)
	}

	inner := slog.NewTextHandler(io.MultiWriter(os.Stderr, logFile), &slog.HandlerOptions{Level: level})
	buffer := clientapi.NewLogBuffer(inner)
	return slog.New(buffer), buffer, func() { logFile.Close() }, nil
}

// runPurgeLoop deletes expired messages on a fixed cadence.
func runPurgeLoop(ctx context.Context, st store.Store, logger *slog.Logger) {
	ticker := time.NewTicker(purgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := st.Purge(time.Now())
			if err != nil {
				logger.Error("purging expired messages failed", "error", err)
				continue
			}
			if removed > 0 {
				logger.Info("purged expired messages", "count", removed)
			}
		}
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func isAddrInUse(err error) bool {
	return err != nil && strings.Contains(err.Error(), "address already in use")
}
