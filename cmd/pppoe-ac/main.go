package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/codelaboratoryltd/pppoe-ac/pkg/audit"
	"github.com/codelaboratoryltd/pppoe-ac/pkg/ifcfg"
	"github.com/codelaboratoryltd/pppoe-ac/pkg/macfilter"
	"github.com/codelaboratoryltd/pppoe-ac/pkg/metrics"
	"github.com/codelaboratoryltd/pppoe-ac/pkg/pppoe"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "pppoe-ac",
	Short: "PPPoE access concentrator discovery engine",
	Long: `pppoe-ac answers PPPoE discovery (PADI/PADO/PADR/PADS/PADT) on one or
more Ethernet interfaces and hands established sessions to the PPP layer.`,
	Version: fmt.Sprintf("%s (commit: %s)", version, commit),
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the access concentrator",
	RunE:  runAC,
}

var (
	interfaces  []string
	configFile  string
	logLevel    string
	metricsAddr string

	// Discovery flags
	acName             string
	serviceNames       []string
	requireServiceName bool
	exactServiceName   bool
	padiLimit          int
	padiWindow         time.Duration
	padoDelay          string
	offerTimeout       time.Duration
	idleTimeout        time.Duration
	cookieSecretFile   string

	// MAC filter flags
	macFilterFile string
	macFilterMode string

	// Session interface flags
	pppIfnamePattern string
	ipv6Prefixes     []string

	// Audit flags
	auditLogPath string
	deviceID     string
)

func init() {
	runCmd.Flags().StringSliceVarP(&interfaces, "interface", "i", nil,
		"Interface to serve PPPoE discovery on (repeatable)")
	runCmd.Flags().StringVarP(&configFile, "config", "c", "/etc/pppoe-ac/config.yaml",
		"Path to YAML config file")
	runCmd.Flags().StringVarP(&logLevel, "log-level", "l", "info",
		"Log level (debug, info, warn, error)")
	runCmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9090",
		"Prometheus metrics address")

	// Discovery flags
	runCmd.Flags().StringVar(&acName, "ac-name", "BNG-AC",
		"AC-Name sent in PADO and PADS")
	runCmd.Flags().StringSliceVar(&serviceNames, "service-name", nil,
		"Service name to offer (repeatable, at most 8)")
	runCmd.Flags().BoolVar(&requireServiceName, "require-service-name", false,
		"Reject PADIs with an empty Service-Name")
	runCmd.Flags().BoolVar(&exactServiceName, "exact-service-name", false,
		"Reject PADIs whose Service-Name is not configured")
	runCmd.Flags().IntVar(&padiLimit, "padi-limit", 0,
		"PADIs accepted per --padi-window (0 = unlimited)")
	runCmd.Flags().DurationVar(&padiWindow, "padi-window", time.Second,
		"Window the PADI limit applies to")
	runCmd.Flags().StringVar(&padoDelay, "pado-delay", "",
		"Delayed PADO tiers, e.g. '0,100:500,200:1000,-1:2000'")
	runCmd.Flags().DurationVar(&offerTimeout, "offer-timeout", 30*time.Second,
		"Forget PADOs not answered by a PADR within this time")
	runCmd.Flags().DurationVar(&idleTimeout, "idle-timeout", 0,
		"Tear down sessions idle for this long (0 = disabled)")
	runCmd.Flags().StringVar(&cookieSecretFile, "cookie-secret-file", "",
		"File holding the hex AC-Cookie key (random per start if unset)")

	// MAC filter flags
	runCmd.Flags().StringVar(&macFilterFile, "mac-filter", "",
		"File of MAC addresses, one per line")
	runCmd.Flags().StringVar(&macFilterMode, "mac-filter-mode", "disabled",
		"MAC filter mode: disabled, allow, deny")

	// Session interface flags
	runCmd.Flags().StringVar(&pppIfnamePattern, "ppp-ifname-pattern", "",
		"Configure the session interface named by this pattern on session up, e.g. 'ppp%d' (empty = disabled)")
	runCmd.Flags().StringSliceVar(&ipv6Prefixes, "ipv6-prefix", nil,
		"IPv6 prefix (/64 or shorter) to address session interfaces from (repeatable)")

	// Audit flags
	runCmd.Flags().StringVar(&auditLogPath, "audit-log", "",
		"Append session up/down audit records as JSON Lines to this file (empty = disabled)")
	runCmd.Flags().StringVar(&deviceID, "device-id", "",
		"Device ID stamped on audit records (defaults to hostname)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("pppoe-ac version %s\n", version)
		fmt.Printf("Commit: %s\n", commit)
	},
}

func runAC(cmd *cobra.Command, args []string) error {
	// Initialize logger
	logger, err := initLogger(logLevel)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	// Load config file before consuming flag values.
	// CLI flags that were explicitly set take precedence.
	if err := loadConfigFile(cmd, logger); err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if len(interfaces) == 0 {
		return errors.New("at least one --interface is required")
	}

	logger.Info("Starting PPPoE access concentrator",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.Strings("interfaces", interfaces),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("Received signal, shutting down", zap.String("signal", sig.String()))
		cancel()
	}()

	var secret []byte
	if cookieSecretFile != "" {
		if secret, err = readSecret(cookieSecretFile); err != nil {
			return err
		}
	}

	filter, err := setupMACFilter(logger)
	if err != nil {
		return err
	}

	var handlers pppoe.SessionHandlers

	var ifcfgMgr *ifcfg.Manager
	if pppIfnamePattern != "" {
		ifcfgMgr, err = setupIfcfg(logger)
		if err != nil {
			return err
		}
		ifcfgMgr.Start()
		defer ifcfgMgr.Stop()
		handlers = append(handlers, ifcfgMgr)
	}

	if auditLogPath != "" {
		auditLogger, err := setupAudit(logger)
		if err != nil {
			return err
		}
		auditLogger.Start()
		defer auditLogger.Stop()
		handlers = append(handlers, auditLogger)
	}

	var metricsCollector *metrics.Metrics
	collector := &collectorLoop{run: func(stop <-chan struct{}) {
		metricsCollector.StartCollector(5*time.Second, stop)
	}}

	regOpts := []pppoe.RegistryOption{
		pppoe.OnFirstServer(collector.Start),
		pppoe.OnLastServer(collector.Stop),
	}
	if filter != nil {
		regOpts = append(regOpts, pppoe.WithServerOptions(pppoe.WithMACFilter(filter)))
	}
	registry := pppoe.NewRegistry(logger, regOpts...)

	metricsCollector = metrics.New(registry, ifcfgMgr, logger)
	if err := metricsCollector.Register(); err != nil {
		logger.Warn("Failed to register metrics", zap.Error(err))
	}
	handlers = append(handlers, metricsCollector)

	// Start metrics HTTP server
	mux := http.NewServeMux()
	mux.Handle("/metrics", metricsCollector.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	metricsServer := &http.Server{
		Addr:              metricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("Starting metrics server", zap.String("addr", metricsAddr))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Metrics server error", zap.Error(err))
		}
	}()

	started := 0
	for _, name := range interfaces {
		cfg := pppoe.ServerConfig{
			Interface:          name,
			ACName:             acName,
			ServiceNames:       serviceNames,
			RequireServiceName: requireServiceName,
			ExactServiceName:   exactServiceName,
			PADILimit:          padiLimit,
			PADIWindow:         padiWindow,
			PADODelay:          padoDelay,
			OfferTimeout:       offerTimeout,
			IdleTimeout:        idleTimeout,
			Secret:             secret,
		}
		// A failure only affects its own interface.
		if _, err := registry.StartServer(ctx, cfg, pppoe.WithSessionHandler(handlers)); err != nil {
			logger.Error("Failed to start PPPoE server",
				zap.String("interface", name),
				zap.Error(err),
			)
			continue
		}
		started++
	}
	if started == 0 {
		shutdownMetrics(metricsServer, logger)
		return errors.New("no PPPoE server could be started")
	}

	logger.Info("PPPoE access concentrator started",
		zap.Int("servers", started),
		zap.String("ac_name", acName),
		zap.String("metrics", metricsAddr),
		zap.Bool("ifcfg_enabled", ifcfgMgr != nil),
	)
	logger.Info("Press Ctrl+C to stop")

	<-ctx.Done()

	logger.Info("Shutting down...")
	registry.StopAll()
	shutdownMetrics(metricsServer, logger)

	logger.Info("PPPoE access concentrator stopped")
	return nil
}

// collectorLoop runs the metrics collector while at least one server is up.
// Each Start gets its own stop channel.
type collectorLoop struct {
	run func(stop <-chan struct{})

	mu   sync.Mutex
	stop chan struct{}
}

func (c *collectorLoop) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stop != nil {
		return
	}
	c.stop = make(chan struct{})
	go c.run(c.stop)
}

func (c *collectorLoop) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stop == nil {
		return
	}
	close(c.stop)
	c.stop = nil
}

func shutdownMetrics(server *http.Server, logger *zap.Logger) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Failed to stop metrics server", zap.Error(err))
	}
}

func setupMACFilter(logger *zap.Logger) (*macfilter.Filter, error) {
	mode, err := macfilter.ParseMode(macFilterMode)
	if err != nil {
		return nil, err
	}
	if mode == macfilter.ModeDisabled {
		return nil, nil
	}

	filter := macfilter.New(mode, logger)
	if macFilterFile != "" {
		if err := filter.Load(macFilterFile); err != nil {
			return nil, fmt.Errorf("failed to load MAC filter: %w", err)
		}
	} else if mode == macfilter.ModeAllow {
		logger.Warn("MAC filter in allow mode with no list, every PADI will be dropped")
	}

	logger.Info("MAC filter enabled",
		zap.String("mode", mode.String()),
		zap.Int("entries", filter.Len()),
	)
	return filter, nil
}

func setupIfcfg(logger *zap.Logger) (*ifcfg.Manager, error) {
	var prefixes []*net.IPNet
	for _, s := range ipv6Prefixes {
		_, pfx, err := net.ParseCIDR(s)
		if err != nil {
			return nil, fmt.Errorf("invalid --ipv6-prefix %q: %w", s, err)
		}
		prefixes = append(prefixes, pfx)
	}

	platform, err := ifcfg.NewNetlinkPlatform()
	if err != nil {
		return nil, fmt.Errorf("failed to open netlink: %w", err)
	}

	mgr, err := ifcfg.NewManager(ifcfg.Config{
		Resolver: ifcfg.NameResolver(pppIfnamePattern, prefixes),
	}, platform, logger)
	if err != nil {
		platform.Close()
		return nil, err
	}
	return mgr, nil
}

// readSecret loads a hex-encoded cookie key so every instance sharing the
// file accepts the others' cookies.
func readSecret(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read cookie secret: %w", err)
	}
	secret, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("cookie secret %s: %w", path, err)
	}
	if len(secret) != pppoe.SecretLength {
		return nil, fmt.Errorf("cookie secret %s: want %d bytes, got %d", path, pppoe.SecretLength, len(secret))
	}
	return secret, nil
}

func setupAudit(logger *zap.Logger) (*audit.Logger, error) {
	id := deviceID
	if id == "" {
		id, _ = os.Hostname()
	}

	exporter, err := audit.NewJSONFileExporter(auditLogPath, logger)
	if err != nil {
		return nil, err
	}

	config := audit.DefaultConfig()
	config.DeviceID = id
	l := audit.NewLogger(config, nil, logger)
	l.AddExporter(exporter)
	return l, nil
}

func initLogger(level string) (*zap.Logger, error) {
	var zapLevel zap.AtomicLevel
	switch level {
	case "debug":
		zapLevel = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		zapLevel = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		zapLevel = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		zapLevel = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		return nil, fmt.Errorf("invalid log level: %s", level)
	}

	config := zap.NewProductionConfig()
	config.Level = zapLevel
	config.Encoding = "json"

	return config.Build()
}

// loadConfigFile reads a YAML config file and applies values to unset flags.
// CLI flags take precedence over config file values. List values are
// applied to repeatable flags as a comma-separated string.
func loadConfigFile(cmd *cobra.Command, logger *zap.Logger) error {
	data, err := os.ReadFile(configFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file %s: %w", configFile, err)
	}

	var cfg map[string]interface{}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", configFile, err)
	}

	logger.Info("Loaded config file", zap.String("path", configFile), zap.Int("keys", len(cfg)))

	for key, raw := range cfg {
		f := cmd.Flags().Lookup(key)
		if f == nil {
			logger.Warn("Unknown config key, skipping", zap.String("key", key))
			continue
		}
		if cmd.Flags().Changed(key) {
			continue
		}
		val := configValue(raw)
		if err := cmd.Flags().Set(key, val); err != nil {
			logger.Warn("Failed to set config value",
				zap.String("key", key),
				zap.String("value", val),
				zap.Error(err),
			)
		}
	}

	return nil
}

func configValue(raw interface{}) string {
	if list, ok := raw.([]interface{}); ok {
		parts := make([]string, 0, len(list))
		for _, v := range list {
			parts = append(parts, fmt.Sprint(v))
		}
		return strings.Join(parts, ",")
	}
	return fmt.Sprint(raw)
}
