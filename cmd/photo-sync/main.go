package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/alexjbarnes/photo-sync/internal/config"
	"github.com/alexjbarnes/photo-sync/internal/discovery"
	"github.com/alexjbarnes/photo-sync/internal/logging"
	"github.com/alexjbarnes/photo-sync/internal/media"
	"github.com/alexjbarnes/photo-sync/internal/metrics"
	"github.com/alexjbarnes/photo-sync/internal/models"
	"github.com/alexjbarnes/photo-sync/internal/photosync"
	"github.com/alexjbarnes/photo-sync/internal/progress"
	"github.com/alexjbarnes/photo-sync/internal/ratelimit"
	"github.com/alexjbarnes/photo-sync/internal/server"
	"github.com/alexjbarnes/photo-sync/internal/state"
	"github.com/alexjbarnes/photo-sync/internal/transport"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

var Version = "dev"

const (
	heartbeatInterval = 30 * time.Second
	metricsInterval   = 5 * time.Second
)

var subcommands = map[string]func(*state.State) error{
	"status":       printStatus,
	"unpair":       unpair,
	"reset-failed": resetFailed,
	"queue-all":    queueAll,
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	appState, err := state.LoadAt(cfg.StatePath)
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	defer appState.Close()

	if len(args) > 0 {
		cmd, ok := subcommands[args[0]]
		if !ok {
			return fmt.Errorf("unknown command %q (want status, unpair, reset-failed or queue-all)", args[0])
		}

		return cmd(appState)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogFile)
	logger.Info("photo-sync starting",
		slog.String("version", Version),
		slog.String("media_dir", cfg.MediaDir),
		slog.String("state", cfg.StatePath),
		slog.Bool("auto_sync", cfg.AutoSync),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return runDaemon(ctx, cfg, appState, logger)
}

// runDaemon scans the media root, then runs the sync loop, the watcher
// and the status server until ctx is cancelled or one of them fails.
func runDaemon(ctx context.Context, cfg *config.Config, appState *state.State, logger *slog.Logger) error {
	deviceID, err := resolveDeviceID(cfg, appState)
	if err != nil {
		return err
	}

	logger.Info("device", slog.String("id", deviceID), slog.String("name", cfg.DeviceName))

	// Rows left UPLOADING by a crash go back to the queue.
	recovered, err := appState.RecoverStale()
	if err != nil {
		return fmt.Errorf("recovering stale uploads: %w", err)
	}

	if recovered > 0 {
		logger.Info("recovered interrupted uploads", slog.Int("count", recovered))
	}

	library := media.NewLibrary(cfg.MediaDir)
	scanner := media.NewScanner(library, appState, media.ScannerConfig{AutoSync: cfg.AutoSync}, logger)

	if _, err := scanner.Scan(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		logger.Warn("initial scan failed", slog.String("error", err.Error()))
	}

	orchCfg := cfg.OrchestratorConfig(deviceID)
	orchCfg.Media = library

	orch := photosync.New(appState, orchCfg, logger)
	conns := transport.NewManager(logger)
	disc := discovery.New(cfg.DiscoveryConfig(), logger)
	dialOpts := cfg.DialOptions()

	dial := func(ctx context.Context, addr string) (*transport.Conn, error) {
		return transport.Dial(ctx, addr, dialOpts)
	}

	svc := photosync.NewService(orch, conns, appState, disc, dial,
		ratelimit.New(cfg.DiscoveryInterval, ratelimit.MonotonicClock()),
		cfg.ServiceConfig(deviceID), logger)

	watcher := media.NewWatcher(cfg.MediaDir, scanner,
		ratelimit.New(cfg.ScanInterval, ratelimit.MonotonicClock()),
		func(res media.ScanResult) {
			if res.Queued() {
				svc.Trigger()
			}
		}, logger)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return ignoreCancel(svc.Run(gctx))
	})

	g.Go(func() error {
		return ignoreCancel(watcher.Watch(gctx))
	})

	g.Go(func() error {
		conns.KeepAlive(gctx, heartbeatInterval)
		return nil
	})

	g.Go(func() error {
		tracker := progress.NewTracker(appState)

		return ignoreCancel(tracker.Watch(gctx, metricsInterval, func(s progress.Snapshot) error {
			metrics.ObserveSnapshot(s)
			return nil
		}))
	})

	if cfg.StatusEnabled {
		mux := server.NewMux(server.MuxConfig{
			Store:     appState,
			Logger:    logger.With(slog.String("service", "status")),
			Connected: conns.IsConnected,
		})

		g.Go(func() error {
			return server.ListenAndServe(gctx, cfg.StatusListenAddr, mux, logger)
		})
	}

	return g.Wait()
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}

	return err
}

// resolveDeviceID prefers DEVICE_ID, then the persisted id, and otherwise
// generates and persists a new one.
func resolveDeviceID(cfg *config.Config, appState *state.State) (string, error) {
	if cfg.DeviceID != "" {
		return cfg.DeviceID, nil
	}

	if id := appState.DeviceID(); id != "" {
		return id, nil
	}

	id := uuid.NewString()
	if err := appState.SetDeviceID(id); err != nil {
		return "", fmt.Errorf("saving device id: %w", err)
	}

	return id, nil
}

func printStatus(appState *state.State) error {
	snap, err := progress.NewTracker(appState).Snapshot()
	if err != nil {
		return fmt.Errorf("reading progress: %w", err)
	}

	pairing, err := appState.Pairing()
	if err != nil {
		return fmt.Errorf("reading pairing: %w", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	return enc.Encode(struct {
		Progress progress.Snapshot `json:"progress"`
		Paired   bool              `json:"paired"`
		Server   string            `json:"server,omitempty"`
	}{
		Progress: snap,
		Paired:   pairing != nil && pairing.IsPaired,
		Server:   serverLabel(pairing),
	})
}

func unpair(appState *state.State) error {
	if err := photosync.Unpair(appState); err != nil {
		return err
	}

	fmt.Println("unpaired")

	return nil
}

func resetFailed(appState *state.State) error {
	n, err := appState.ResetFailed(time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("resetting failed items: %w", err)
	}

	fmt.Printf("requeued %d failed item(s)\n", n)

	return nil
}

func queueAll(appState *state.State) error {
	n, err := appState.QueueAllDiscovered(time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("queueing discovered items: %w", err)
	}

	fmt.Printf("queued %d discovered item(s)\n", n)

	return nil
}

func serverLabel(p *models.ServerPairing) string {
	if p == nil || !p.IsPaired {
		return ""
	}

	label := net.JoinHostPort(p.ServerIP, strconv.Itoa(p.ServerPort))
	if p.ServerName != "" {
		label = p.ServerName + " (" + label + ")"
	}

	return label
}
