// Copyright 2025 James Ross
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/taskmesh/dispatch/internal/admin"
	"github.com/taskmesh/dispatch/internal/aggregator"
	"github.com/taskmesh/dispatch/internal/archive"
	"github.com/taskmesh/dispatch/internal/blob"
	"github.com/taskmesh/dispatch/internal/config"
	"github.com/taskmesh/dispatch/internal/domain"
	"github.com/taskmesh/dispatch/internal/notify"
	"github.com/taskmesh/dispatch/internal/obs"
	"github.com/taskmesh/dispatch/internal/orchestrator"
	"github.com/taskmesh/dispatch/internal/reaper"
	"github.com/taskmesh/dispatch/internal/redisclient"
	"github.com/taskmesh/dispatch/internal/roster"
	"github.com/taskmesh/dispatch/internal/scheduler"
	"github.com/taskmesh/dispatch/internal/schemaval"
	"github.com/taskmesh/dispatch/internal/stats"
	"github.com/taskmesh/dispatch/internal/store/redisstore"
)

var version = "dev"

func main() {
	var configPath string
	var role string
	var adminCmd string
	var jobID string
	var cancelReason string
	var showVersion bool
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&configPath, "config", "config/config.yaml", "Path to YAML config")
	fs.StringVar(&role, "role", "server", "Role to run: server|admin")
	fs.StringVar(&adminCmd, "admin-cmd", "", "Admin command: stats|leaderboard|peek-job|cancel-job")
	fs.StringVar(&jobID, "job-id", "", "Job id for admin peek-job/cancel-job")
	fs.StringVar(&cancelReason, "reason", "", "Reason for admin cancel-job")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	_ = fs.Parse(os.Args[1:])

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := obs.NewLogger(cfg.Observability.LogLevel, cfg.Observability.LogFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	tp, err := obs.MaybeInitTracing(cfg)
	if err != nil {
		logger.Fatal("failed to init tracing", obs.Err(err))
	}
	if tp != nil {
		defer func() { _ = obs.TracerShutdown(context.Background(), tp) }()
	}

	rdb := redisclient.New(cfg)
	defer rdb.Close()

	root, err := buildRoot(cfg, rdb, logger)
	if err != nil {
		logger.Fatal("failed to build dispatch core", obs.Err(err))
	}

	switch role {
	case "admin":
		runAdmin(context.Background(), root, adminCmd, jobID, cancelReason)
		return
	case "server":
		runServer(cfg, root, logger)
	default:
		logger.Fatal("unknown role", obs.String("role", role))
	}
}

// buildRoot wires every component (store, roster, scheduler, aggregator,
// reaper, stats, blob, notifier, schema validator) into a single Root,
// the same hand-assembled composition the teacher's main does for its
// producer/worker/reaper trio.
func buildRoot(cfg *config.Config, rdb *redis.Client, logger *zap.Logger) (*orchestrator.Root, error) {
	s := redisstore.New(rdb)

	ros := roster.New(s, cfg.Roster)
	agg := aggregator.New(s, cfg.Aggregator, logger)
	str := stats.New(s, cfg.Stats, logger)

	notifier, err := notify.New(cfg.Notify, logger)
	if err != nil {
		return nil, fmt.Errorf("build notifier: %w", err)
	}
	sched := scheduler.New(s, ros, cfg.Scheduler, logger, notifier)

	var archiveSink archive.Sink
	if cfg.Archive.Enabled {
		archiveSink, err = archive.NewClickHouseSink(cfg.Archive, logger)
		if err != nil {
			return nil, fmt.Errorf("build archive sink: %w", err)
		}
	}
	rpr := reaper.New(s, ros, archiveSink, cfg.Reaper, logger)

	var blobAdapter *blob.Adapter
	if cfg.Blob.DefaultBucket != "" {
		resolver, err := blob.NewS3Resolver(cfg.Blob)
		if err != nil {
			return nil, fmt.Errorf("build blob resolver: %w", err)
		}
		blobAdapter = blob.New(s, resolver, cfg.Blob)
	}

	schemas, err := schemaval.New(schemasByKind(cfg.Schemas.ByKind))
	if err != nil {
		return nil, fmt.Errorf("build schema validator: %w", err)
	}

	return orchestrator.New(orchestrator.Dependencies{
		Store:      s,
		Roster:     ros,
		Scheduler:  sched,
		Aggregator: agg,
		Reaper:     rpr,
		Stats:      str,
		Blob:       blobAdapter,
		Notifier:   notifier,
		Schemas:    schemas,
	}, cfg, logger), nil
}

func schemasByKind(byKind map[string]string) map[domain.Kind]string {
	out := make(map[domain.Kind]string, len(byKind))
	for k, v := range byKind {
		out[domain.Kind(k)] = v
	}
	return out
}

func runServer(cfg *config.Config, root *orchestrator.Root, logger *zap.Logger) {
	httpSrv := obs.StartHTTPServer(cfg, root.Ping)
	defer func() { _ = httpSrv.Shutdown(context.Background()) }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("signal received, shutting down", obs.String("signal", sig.String()))
		cancel()
		select {
		case sig2 := <-sigCh:
			logger.Warn("second signal received, exiting immediately", obs.String("signal", sig2.String()))
			os.Exit(1)
		case <-time.After(5 * time.Second):
		}
	}()

	root.Run(ctx)
}

func runAdmin(ctx context.Context, root *orchestrator.Root, cmd, jobID, reason string) {
	switch cmd {
	case "stats":
		printJSON(admin.Stats(root))
	case "leaderboard":
		res, err := admin.Leaderboard(ctx, root)
		fatalOn(err, "admin leaderboard error")
		printJSON(res)
	case "peek-job":
		if jobID == "" {
			fmt.Fprintln(os.Stderr, "admin peek-job requires -job-id")
			os.Exit(1)
		}
		res, err := admin.PeekJob(ctx, root, jobID)
		fatalOn(err, "admin peek-job error")
		printJSON(res)
	case "cancel-job":
		if jobID == "" {
			fmt.Fprintln(os.Stderr, "admin cancel-job requires -job-id")
			os.Exit(1)
		}
		res, err := admin.CancelJob(ctx, root, jobID, reason)
		fatalOn(err, "admin cancel-job error")
		printJSON(res)
	default:
		fmt.Fprintf(os.Stderr, "unknown admin command %q\n", cmd)
		os.Exit(1)
	}
}

func fatalOn(err error, msg string) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", msg, err)
		os.Exit(1)
	}
}

func printJSON(v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
}
