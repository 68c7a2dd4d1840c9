package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	gohttp "net/http"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/stephnangue/vmgate/alert"
	"github.com/stephnangue/vmgate/artifact"
	"github.com/stephnangue/vmgate/audit"
	"github.com/stephnangue/vmgate/config"
	vmgatehttp "github.com/stephnangue/vmgate/http"
	"github.com/stephnangue/vmgate/listener"
	"github.com/stephnangue/vmgate/listener/api"
	log "github.com/stephnangue/vmgate/logger"
	"github.com/stephnangue/vmgate/probe"
	"github.com/stephnangue/vmgate/ratelimit"
	"github.com/stephnangue/vmgate/session"
	"github.com/stephnangue/vmgate/storage"
	"github.com/stephnangue/vmgate/vault"
)

const (
	// Subsystem names for logging
	subsystemCore     = "core"
	subsystemListener = "listener"

	storageTypeInmem = "inmem"
	storageTypeRedis = "redis"
)

var (
	configPath string

	ServerCmd = &cobra.Command{
		Use:   "server",
		Short: "This command starts a vmgate server that responds to API requests",
		Long: `
Usage: vmgate server [options]

  This command starts a vmgate server that brokers VM access sessions.
  Start a server with a configuration file:

      $ vmgate server --config=/etc/vmgate/config.hcl
  `,
		RunE: run,
	}

	wg sync.WaitGroup
)

func init() {
	ServerCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file (e.g., path/to/vmgate.hcl)")
}

func run(cmd *cobra.Command, args []string) error {
	if configPath == "" {
		return fmt.Errorf("config file path is required. Use -c or --config flag")
	}
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s", configPath)
	}

	conf, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// construct the logger with gate closed during initialization
	logger := buildGatedLogger(conf)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := buildStorage(ctx, conf, logger)
	if err != nil {
		return fmt.Errorf("failed to construct the storage: %w", err)
	}
	defer store.Stop()

	counter, err := buildCounter(ctx, conf)
	if err != nil {
		return fmt.Errorf("failed to construct the counter store: %w", err)
	}
	defer counter.Close()

	auditor, err := buildAuditManager(conf, logger)
	if err != nil {
		return fmt.Errorf("failed to construct the audit manager: %w", err)
	}
	defer auditor.Close()

	notifier := alert.NewLogNotifier(logger.WithSystem("alert"))

	policy, err := conf.Policy()
	if err != nil {
		return fmt.Errorf("invalid rate limit policy: %w", err)
	}
	limiter, err := ratelimit.NewController(ratelimit.Config{
		Store:    counter,
		Policy:   policy,
		Notifier: notifier,
		Logger:   logger.WithSystem("ratelimit"),
	})
	if err != nil {
		return fmt.Errorf("failed to construct the admission controller: %w", err)
	}

	masterKey, err := conf.MasterKey()
	if err != nil {
		return fmt.Errorf("failed to load master key: %w", err)
	}
	v, err := vault.New(vault.Config{
		MasterKey: masterKey,
		Storage:   store,
		Audit:     auditor,
		Logger:    logger.WithSystem("vault"),
	})
	if err != nil {
		return fmt.Errorf("failed to construct the vault: %w", err)
	}

	probeTimeout, err := conf.ProbeTimeout()
	if err != nil {
		return fmt.Errorf("invalid probe timeout: %w", err)
	}
	prober := probe.NewTCPProber(probeTimeout, nil)

	monitorInterval, err := conf.MonitorInterval()
	if err != nil {
		return fmt.Errorf("invalid monitor interval: %w", err)
	}
	gracePeriod, err := conf.GracePeriod()
	if err != nil {
		return fmt.Errorf("invalid grace period: %w", err)
	}
	manager, err := session.NewManager(ctx, session.Config{
		Storage:         store,
		Limiter:         limiter,
		Prober:          prober,
		Audit:           auditor,
		Logger:          logger.WithSystem("session"),
		MonitorInterval: monitorInterval,
		GracePeriod:     gracePeriod,
	})
	if err != nil {
		return fmt.Errorf("failed to construct the session manager: %w", err)
	}

	expiry, err := conf.ArtifactExpiry()
	if err != nil {
		return fmt.Errorf("invalid artifact expiry: %w", err)
	}
	downloadBurst := 0
	if conf.Artifact != nil {
		downloadBurst = conf.Artifact.DownloadBurst
	}
	generator, err := artifact.NewGenerator(artifact.Config{
		Vault:         v,
		Limiter:       limiter,
		Audit:         auditor,
		Logger:        logger.WithSystem("artifact"),
		Expiry:        expiry,
		DownloadBurst: downloadBurst,
	})
	if err != nil {
		return fmt.Errorf("failed to construct the artifact generator: %w", err)
	}
	defer generator.Close()
	manager.SetInvalidator(generator)

	handler := vmgatehttp.Handler(&vmgatehttp.HandlerProperties{
		Vault:     v,
		Sessions:  manager,
		Artifacts: generator,
		Limiter:   limiter,
		Logger:    logger.WithSystem("http"),
	})

	listeners, err := initListeners(handler, conf, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize listeners: %w", err)
	}

	manager.Start(ctx)
	defer manager.Stop()

	printServerInfo(cmd.OutOrStdout(), conf, listeners)

	// Startup complete, release the buffered logs
	if err := logger.OpenGate(); err != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "failed to open log gate: %v\n", err)
	}

	var mu sync.Mutex
	var listenerErrs []error
	for _, ln := range listeners {
		ln := ln
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := ln.Start(ctx); err != nil {
				mu.Lock()
				listenerErrs = append(listenerErrs, err)
				mu.Unlock()
				stop()
			}
		}()
	}

	<-ctx.Done()

	for _, ln := range listeners {
		if err := ln.Stop(); err != nil {
			mu.Lock()
			listenerErrs = append(listenerErrs, err)
			mu.Unlock()
		}
	}

	wg.Wait()

	if len(listenerErrs) > 0 {
		return errors.Join(listenerErrs...)
	}
	return nil
}

func buildGatedLogger(conf *config.Config) *log.GatedLogger {
	logConfig := &log.Config{
		Level:     log.ParseLogLevel(conf.LogLevel),
		Subsystem: subsystemCore,
		Format:    log.ParseOutputFormat(conf.LogFormat),
		Outputs:   []io.Writer{os.Stdout},
	}
	if conf.LogFile != "" {
		logConfig.FileConfig = &log.FileConfig{
			Filename:   conf.LogFile,
			MaxSize:    conf.LogRotateMegabytes,
			MaxBackups: conf.LogRotateMaxFiles,
		}
	}

	gateConfig := log.GatedWriterConfig{
		Underlying:    os.Stdout,
		InitialState:  log.GateClosed,
		MaxBufferSize: 10 * 1024 * 1024, // 10MB buffer for initialization logs
	}

	gatedLogger, _ := log.NewGatedLogger(logConfig, gateConfig)

	return gatedLogger
}

func buildStorage(ctx context.Context, conf *config.Config, logger *log.GatedLogger) (storage.Storage, error) {
	if conf.Storage == nil {
		return nil, errors.New("a storage backend must be specified")
	}

	var store storage.Storage
	switch conf.Storage.Type {
	case storageTypeInmem:
		store = storage.NewMemoryStorage()
	case storageTypeRedis:
		store = storage.NewRedisStorage(storage.RedisConfig{
			Address:  conf.Storage.Address,
			Username: conf.Storage.Username,
			Password: conf.Storage.Password,
			DB:       conf.Storage.DB,
		})
	default:
		return nil, fmt.Errorf("unknown storage type %s", conf.Storage.Type)
	}

	store = storage.NewRetryStorage(store, 0)

	if err := store.Init(ctx); err != nil {
		return nil, fmt.Errorf("error initializing storage of type %s: %w", conf.Storage.Type, err)
	}

	logger.Info("storage initialized", log.String("type", conf.Storage.Type))
	return store, nil
}

func buildCounter(ctx context.Context, conf *config.Config) (ratelimit.CounterStore, error) {
	if conf.Counter == nil {
		return ratelimit.NewMemoryCounter(), nil
	}

	switch conf.Counter.Type {
	case storageTypeInmem:
		return ratelimit.NewMemoryCounter(), nil
	case storageTypeRedis:
		return ratelimit.NewRedisCounter(ctx, &ratelimit.RedisCounterConfig{
			Address:  conf.Counter.Address,
			Username: conf.Counter.Username,
			Password: conf.Counter.Password,
			DB:       conf.Counter.DB,
		})
	default:
		return nil, fmt.Errorf("unknown counter store type %s", conf.Counter.Type)
	}
}

func buildAuditManager(conf *config.Config, logger *log.GatedLogger) (audit.Manager, error) {
	manager := audit.NewManager(logger.WithSystem("audit"))

	if conf.Audit == nil || conf.Audit.FilePath == "" {
		return manager, nil
	}

	var formatOpts []audit.JSONFormatOption
	if conf.Audit.HMACSalt != "" {
		hmacer := audit.NewHMACer(conf.Audit.HMACSalt)
		formatOpts = append(formatOpts,
			audit.WithSaltFunc(hmacer.SaltFunc()),
			audit.WithSaltFields([]string{"username", "secret"}),
		)
	}

	sink, err := audit.NewFileSink(audit.FileSinkConfig{
		Path:       conf.Audit.FilePath,
		RotateSize: int64(conf.Audit.MaxSizeMB) * 1024 * 1024,
		MaxBackups: conf.Audit.MaxBackups,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create audit file sink: %w", err)
	}

	device := audit.NewDevice("file", audit.NewJSONFormat(formatOpts...), sink)
	if err := manager.RegisterDevice("file", device); err != nil {
		return nil, err
	}

	return manager, nil
}

func initListeners(handler gohttp.Handler, conf *config.Config, logger *log.GatedLogger) ([]listener.Listener, error) {
	lns := make([]listener.Listener, 0, len(conf.Listeners))

	for _, lnConfig := range conf.Listeners {
		ln, err := api.NewApiListener(api.ApiListenerConfig{
			Logger:      logger.WithSystem(subsystemListener),
			Address:     lnConfig.Address,
			TLSCertFile: lnConfig.TLSCertFile,
			TLSKeyFile:  lnConfig.TLSKeyFile,
			TLSEnabled:  lnConfig.TLSEnabled,
		}, handler)
		if err != nil {
			return nil, fmt.Errorf("listener %q: %w", lnConfig.Name, err)
		}
		lns = append(lns, ln)
	}

	if len(lns) == 0 {
		return nil, errors.New("at least one listener must be configured")
	}

	return lns, nil
}

func printServerInfo(w io.Writer, conf *config.Config, listeners []listener.Listener) {
	info := map[string]string{
		"log level":  conf.LogLevel,
		"log format": conf.LogFormat,
		"storage":    conf.Storage.Type,
	}
	for i, ln := range listeners {
		info[fmt.Sprintf("listener %d", i+1)] = fmt.Sprintf("%s (%s)", ln.Addr(), ln.Type())
	}

	keys := make([]string, 0, len(info))
	for k := range info {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fmt.Fprintf(w, "==> vmgate server configuration:\n\n")
	for _, k := range keys {
		fmt.Fprintf(w, "%24s: %s\n", k, info[k])
	}
	fmt.Fprintf(w, "\n==> vmgate server started! Log data will stream in below:\n\n")
}
