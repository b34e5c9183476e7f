// withdrawd runs the withdrawal pipeline: ingress, signing, broadcast,
// monitor and DLQ services sharing one storage and one nonce coordinator.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/chainpay/withdrawd/broadcast"
	"github.com/chainpay/withdrawd/config"
	"github.com/chainpay/withdrawd/db"
	"github.com/chainpay/withdrawd/db/inmemory"
	"github.com/chainpay/withdrawd/db/mongodb"
	"github.com/chainpay/withdrawd/db/pebbledb"
	"github.com/chainpay/withdrawd/dlq"
	"github.com/chainpay/withdrawd/ingress"
	"github.com/chainpay/withdrawd/log"
	"github.com/chainpay/withdrawd/monitor"
	"github.com/chainpay/withdrawd/nonce"
	"github.com/chainpay/withdrawd/service"
	"github.com/chainpay/withdrawd/signer"
	"github.com/chainpay/withdrawd/signing"
	"github.com/chainpay/withdrawd/storage"
	"github.com/chainpay/withdrawd/types"
	"github.com/chainpay/withdrawd/web3"
)

func main() {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if err := validateConfig(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}
	log.Init(cfg.Log.Level, cfg.Log.Output)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := run(ctx, cfg); err != nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context, cfg *Config) error {
	network := types.Network(cfg.Web3.Network)

	database, err := openDatabase(cfg)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	stg := storage.New(database, storage.DefaultOptions())
	defer stg.Close()

	nonceStore, err := openNonceStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open nonce store: %w", err)
	}
	defer func() {
		if err := nonceStore.Close(); err != nil {
			log.Warnw("close nonce store", "error", err.Error())
		}
	}()
	coord := nonce.NewCoordinator(nonceStore)

	sig, err := signer.New(cfg.Web3.PrivKey)
	if err != nil {
		return fmt.Errorf("load signing key: %w", err)
	}
	log.Infow("custodial signer loaded", "address", sig.Address().Hex())

	pool, err := buildEndpoints(ctx, cfg, network)
	if err != nil {
		return err
	}

	signingOpts := signing.DefaultOptions()
	signingOpts.Policy = signing.BatchPolicy{
		Threshold:         cfg.Batch.Threshold,
		MinBatchSize:      cfg.Batch.MinBatchSize,
		MinSavingsPercent: cfg.Batch.MinSavingsPercent,
		SingleTxGas:       cfg.Batch.SingleTxGas,
		BatchBaseGas:      cfg.Batch.BatchBaseGas,
		BatchPerTxGas:     cfg.Batch.BatchPerTxGas,
	}
	broadcastOpts := broadcast.DefaultOptions()
	broadcastOpts.GapTimeout = cfg.Broadcast.GapTimeout
	monitorOpts := monitor.DefaultOptions()
	monitorOpts.Confirmations = make(map[types.Chain]uint64, len(cfg.Broadcast.Confirmations))
	for name, depth := range cfg.Broadcast.Confirmations {
		monitorOpts.Confirmations[types.Chain(name)] = depth
	}
	monitorOpts.Alert = func(p *types.BroadcastTxPayload, pendingFor time.Duration) {
		log.Warnw("transaction pending for too long",
			"txHash", p.TxHash.Hex(), "chain", string(p.Chain),
			"nonce", p.Nonce, "pendingFor", pendingFor.String())
	}
	dlqOpts := dlq.DefaultOptions()
	dlqOpts.MaxAttempts = cfg.Retry.MaxAttempts
	dlqOpts.InitialDelay = cfg.Retry.InitialDelay
	dlqOpts.MaxDelay = cfg.Retry.MaxDelay
	dlqOpts.Multiplier = cfg.Retry.Multiplier

	pipeline := service.NewPipeline(stg,
		ingress.New(stg),
		signing.New(stg, stg, sig, pool, coord, signingOpts),
		broadcast.New(stg, stg, sig, pool, coord, broadcastOpts),
		monitor.New(stg, stg, pool, monitorOpts),
		dlq.New(stg, stg, dlqOpts),
	)
	pipeline.SigningWorkers = cfg.Workers
	pipeline.MonitorWorkers = cfg.Workers

	if err := pipeline.Start(ctx); err != nil {
		return fmt.Errorf("start pipeline: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("received shutdown signal")
	pipeline.Stop()
	return nil
}

func openDatabase(cfg *Config) (db.Database, error) {
	switch cfg.DBType {
	case "pebble":
		return pebbledb.New(db.Options{Path: filepath.Join(cfg.Datadir, "withdrawd")})
	case "mongodb":
		return mongodb.New(db.Options{URI: os.Getenv("WITHDRAWD_MONGO_URL"), Name: "withdrawd"})
	case "memory":
		return inmemory.New(db.Options{})
	default:
		return nil, fmt.Errorf("unknown dbtype %q", cfg.DBType)
	}
}

func openNonceStore(ctx context.Context, cfg *Config) (nonce.Store, error) {
	if cfg.Redis.URL == "" {
		log.Warn("no redis URL configured, using in-memory nonce store (single process only)")
		return nonce.NewMemoryStore(), nil
	}
	return nonce.NewRedisStore(ctx, cfg.Redis.URL)
}

// buildEndpoints dials every configured RPC and registers it in the pool.
func buildEndpoints(ctx context.Context, cfg *Config, network types.Network) (*web3.Pool, error) {
	pool := web3.NewPool()
	for name, url := range cfg.Web3.RPC {
		chain := types.Chain(name)
		chainID, err := config.ChainID(chain, network)
		if err != nil {
			return nil, fmt.Errorf("rpc for unsupported chain %q: %w", name, err)
		}
		chainCfg, err := config.Chain(chain)
		if err != nil {
			return nil, err
		}
		cli, err := web3.Dial(ctx, url)
		if err != nil {
			return nil, fmt.Errorf("dial %s rpc: %w", name, err)
		}
		remoteID, err := cli.ChainID(ctx)
		if err != nil {
			return nil, fmt.Errorf("query %s chain id: %w", name, err)
		}
		if remoteID.Uint64() != chainID {
			return nil, fmt.Errorf("rpc %s reports chain id %d, expected %d", url, remoteID.Uint64(), chainID)
		}
		if err := pool.Add(chainID, cli, chainCfg.SupportsEIP1559,
			cfg.Gas.TipPercent, cfg.Gas.BufferPercent); err != nil {
			return nil, err
		}
		log.Infow("RPC endpoint ready", "chain", name, "chainId", chainID)
	}
	return pool, nil
}
