// Analysis manager staging tool
//
// Features:
// - FASTA and MSXML cache purges (free-space percent, MaxDirSize.txt cap, LRU)
// - Tiered dataset lookup (primary share, archive, MyEMSL/S3)
// - Remote transfers with lock files, retry and overwrite rules
// - Results staging with failed-results archive
// - Status XML to disk, in-process queue (SSE) and broker database
// - Prometheus metrics & structured logging (zap)
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dmspipeline/analysismgr/internal/config"
	"github.com/dmspipeline/analysismgr/internal/events"
	"github.com/dmspipeline/analysismgr/internal/logging"
	"github.com/dmspipeline/analysismgr/internal/metrics"
	"github.com/dmspipeline/analysismgr/internal/status"
	"github.com/dmspipeline/analysismgr/internal/storage"
	"github.com/dmspipeline/analysismgr/internal/storage/local"
	s3storage "github.com/dmspipeline/analysismgr/internal/storage/s3"
	"github.com/dmspipeline/analysismgr/internal/storage/sftp"
	"github.com/dmspipeline/analysismgr/internal/storage/smb"
)

type app struct {
	cfg         *config.Config
	broadcaster *events.Broadcaster
	broker      *status.BrokerSink
	reporter    *status.Reporter

	metricsAddr string
	logLevel    string
}

func main() {
	a := &app{broadcaster: events.NewBroadcaster()}
	root := a.rootCommand()
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func (a *app) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "analysismgr",
		Short:         "Cache, dataset lookup and results staging for analysis job steps",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			a.teardown()
		},
	}
	root.PersistentFlags().StringVar(&a.metricsAddr, "metrics-addr", "", "serve /metrics and /events on this address (overrides METRICS_ADDR)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "log level (overrides LOG_LEVEL)")

	root.AddCommand(
		a.purgeFastaCommand(),
		a.purgeCacheCommand(),
		a.findDatasetCommand(),
		a.stageResultsCommand(),
		a.pushCommand(),
		a.pullCommand(),
		a.statusCommand(),
	)
	return root
}

func (a *app) setup() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}
	if a.metricsAddr != "" {
		cfg.MetricsAddr = a.metricsAddr
	}
	if a.logLevel != "" {
		cfg.LogLevel = a.logLevel
	} else if os.Getenv("LOG_LEVEL") == "" {
		cfg.LogLevel = logging.LevelForDebug(cfg.DebugLevel)
	}
	a.cfg = cfg

	if err := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat}); err != nil {
		return fmt.Errorf("logging init error: %w", err)
	}

	if cfg.BrokerDatabaseURL != "" {
		broker, err := status.OpenBroker(cfg.BrokerDatabaseURL, cfg.MgrName, cfg.BrokerDBUpdateInterval)
		if err != nil {
			logging.Error("broker database unavailable; status goes to disk and queue only", zap.Error(err))
		} else {
			a.broker = broker
		}
	}

	scfg := status.Config{
		MgrName: cfg.MgrName,
		Path:    cfg.StatusFilePath,
		Topic:   cfg.MessageQueueTopic,
		Queue:   a.broadcaster,
	}
	if a.broker != nil {
		scfg.Broker = a.broker
	}
	a.reporter = status.New(scfg)
	return nil
}

func (a *app) teardown() {
	if a.broker != nil {
		if err := a.broker.Close(); err != nil {
			logging.Warn("close broker database", zap.Error(err))
		}
	}
	logging.Sync()
}

// run executes fn, serving metrics and the status event stream alongside it
// when a metrics address is configured. SIGINT and SIGTERM cancel fn.
func (a *app) run(cmd *cobra.Command, fn func(ctx context.Context) error) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if a.cfg.MetricsAddr == "" {
		return fn(ctx)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/events", events.Handler(a.broadcaster, a.cfg.MessageQueueTopic))

	serveCtx, cancelServe := context.WithCancel(ctx)
	defer cancelServe()
	srv := &http.Server{
		Addr:              a.cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return serveCtx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logging.Info("metrics server listening", zap.String("addr", a.cfg.MetricsAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		defer func() {
			cancelServe()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
		return fn(gctx)
	})
	return g.Wait()
}

// newRemote opens the configured transfer backend.
func (a *app) newRemote(ctx context.Context) (storage.RemoteFS, error) {
	c := a.cfg
	var raw []byte
	var err error
	switch c.RemoteTransport {
	case "local":
		raw, err = json.Marshal(local.Config{RootPath: c.RemoteBasePath, CreateDirs: true, HostName: c.RemoteHost})
	case "smb":
		raw, err = json.Marshal(smb.Config{Server: c.RemoteHost, MountPath: c.RemoteBasePath})
	case "sftp":
		raw, err = json.Marshal(sftp.Config{
			Host:     c.RemoteHost,
			User:     c.RemoteUser,
			Password: c.RemotePassword,
			KeyFile:  c.RemoteKeyFile,
			BasePath: c.RemoteBasePath,
		})
	case "s3":
		raw, err = json.Marshal(a.s3Config(c.RemoteBasePath))
	default:
		return nil, fmt.Errorf("unknown remote transport %q", c.RemoteTransport)
	}
	if err != nil {
		return nil, err
	}
	if c.RemoteTransport == "local" && c.RemoteBasePath == "" {
		return nil, fmt.Errorf("REMOTE_BASE_PATH is required for the local transport: %w", config.ErrMissingParam)
	}
	return storage.NewFromConfig(ctx, c.RemoteTransport, raw)
}

func (a *app) s3Config(prefix string) s3storage.BackendConfig {
	return s3storage.BackendConfig{
		Endpoint:  a.cfg.S3Endpoint,
		Bucket:    a.cfg.S3Bucket,
		Prefix:    prefix,
		AccessKey: a.cfg.S3AccessKey,
		SecretKey: a.cfg.S3SecretKey,
		Region:    a.cfg.S3Region,
	}
}
