package broadcaster

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"

	"shieldrelay/core/chain"
	"shieldrelay/observability/logging"
	telemetry "shieldrelay/observability/otel"
	"shieldrelay/p2p/transport"
	"shieldrelay/services/broadcaster/gas"
	"shieldrelay/services/broadcaster/poi"
	"shieldrelay/services/broadcaster/wallet"
	"shieldrelay/storage"
)

// Main initialises and runs the broadcaster daemon.
func Main() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/broadcaster/config.yaml", "path to broadcaster configuration (.yaml or .toml)")
	flag.Parse()

	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	env := strings.TrimSpace(os.Getenv("SHIELDRELAY_ENV"))
	if env == "" {
		env = cfg.Environment
	}
	logger := logging.Setup("shieldrelayd", env, cfg.LogLevel)

	telemetryCfg := telemetry.FromEnv(os.Getenv)
	telemetryCfg.ServiceName = "shieldrelayd"
	telemetryCfg.Version = cfg.Version
	telemetryCfg.Identifier = cfg.Identifier
	telemetryCfg.Environment = env
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetryCfg)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() { _ = shutdownTelemetry(context.Background()) }()

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "state"))
	if err != nil {
		return fmt.Errorf("open state db: %w", err)
	}
	defer func() { _ = db.Close() }()

	poiStore, err := poi.OpenStore(filepath.Join(cfg.DataDir, "poi.db"), logger)
	if err != nil {
		return fmt.Errorf("open poi store: %w", err)
	}
	defer func() { _ = poiStore.Close() }()

	evmWallet, err := loadWallet(cfg)
	if err != nil {
		return err
	}
	clients := make(map[chain.ID]gas.ChainClient, len(cfg.Chains))
	for _, c := range cfg.Chains {
		dialCtx, cancel := context.WithTimeout(stopCtx, 10*time.Second)
		client, err := ethclient.DialContext(dialCtx, c.RPCURL)
		cancel()
		if err != nil {
			return fmt.Errorf("dial chain %s: %w", c.Chain(), err)
		}
		defer client.Close()
		clients[c.Chain()] = client
		evmWallet.Register(c.Chain(), client)
	}

	deps := Deps{
		Wallet:   evmWallet,
		Balances: evmWallet,
		Clients:  clients,
		DB:       db,
		POIStore: poiStore,
		Logger:   logger,
	}
	if cfg.Gas.APIURL != "" {
		api, err := gas.NewAPIClient(gas.APIConfig{
			BaseURL:  cfg.Gas.APIURL,
			APIKey:   cfg.Gas.APIKey,
			RetryMax: cfg.Gas.RetryMax,
			Timeout:  cfg.Gas.Timeout.Duration,
			Logger:   logger,
		})
		if err != nil {
			return fmt.Errorf("gas api: %w", err)
		}
		deps.GasAPI = api
	}
	if cfg.Refresh.PriceFeedURL != "" {
		feed, err := NewPriceFeed(PriceFeedConfig{BaseURL: cfg.Refresh.PriceFeedURL, Logger: logger})
		if err != nil {
			return fmt.Errorf("price feed: %w", err)
		}
		deps.PriceFeed = feed
	}
	if cfg.POI.NodeURL != "" {
		node, err := poi.NewNodeClient(poi.NodeConfig{URL: cfg.POI.NodeURL, Logger: logger})
		if err != nil {
			return fmt.Errorf("poi node: %w", err)
		}
		deps.POINode = node
	}
	// Shielded note decryption, proof validation and the TXID ledger come
	// from an external wallet engine; until one is attached the matching
	// requests fail with their documented error codes.

	t, err := openTransport(stopCtx, cfg.Transport, logger)
	if err != nil {
		return err
	}
	defer func() { _ = t.Close() }()
	deps.Transport = t

	svc, err := NewService(cfg, deps)
	if err != nil {
		return err
	}
	defer func() {
		if err := svc.Close(); err != nil {
			logger.Warn("replay guard flush failed", slog.Any("error", err))
		}
	}()

	httpServer := &http.Server{
		Addr:         cfg.Admin.Listen,
		Handler:      svc.AdminHandler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("admin api listening", slog.String("addr", cfg.Admin.Listen))
		serverErr <- httpServer.ListenAndServe()
	}()
	runDone := make(chan error, 1)
	go func() {
		runDone <- svc.Run(stopCtx)
	}()

	var runErr error
	running := true
	select {
	case <-stopCtx.Done():
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("admin api: %w", err)
		}
	case runErr = <-runDone:
		running = false
	}
	svc.Stop()
	if running {
		if err := <-runDone; err != nil && runErr == nil {
			runErr = err
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		_ = httpServer.Close()
	}
	return runErr
}

func loadWallet(cfg Config) (*wallet.EVMWallet, error) {
	if cfg.WalletKeystore != "" {
		w, err := wallet.LoadKeystore(cfg.WalletKeystore, os.Getenv(cfg.WalletPassphraseEnv))
		if err != nil {
			return nil, fmt.Errorf("load wallet keystore: %w", err)
		}
		return w, nil
	}
	w, err := wallet.NewEVMWallet(cfg.WalletKey)
	if err != nil {
		return nil, fmt.Errorf("load wallet key: %w", err)
	}
	return w, nil
}

func openTransport(ctx context.Context, cfg TransportConfig, logger *slog.Logger) (transport.Transport, error) {
	if cfg.Kind == "memory" {
		return transport.NewHub().Join(), nil
	}
	h, ps, err := transport.NewNode(ctx, transport.NodeParams{
		ListenAddrs: cfg.ListenAddrs,
		Bootstrap:   cfg.Bootstrap,
	})
	if h == nil {
		return nil, fmt.Errorf("start libp2p node: %w", err)
	}
	if err != nil {
		logger.Warn("some bootstrap peers unreachable", slog.Any("error", err))
	}
	g, err := transport.NewGossip(ctx, transport.GossipParams{
		Host:        h,
		PubSub:      ps,
		PubsubTopic: cfg.PubsubTopic,
		IgnoreLocal: true,
		InboxSize:   cfg.InboxSize,
		Logger:      logger,
	})
	if err != nil {
		_ = h.Close()
		return nil, fmt.Errorf("join gossip: %w", err)
	}
	return g, nil
}
