// Command relayer is the service entrypoint: it wires configuration,
// logging, the KV store, the chain adapter and the audit log into the
// five core components, runs the crash-recovery sweep, and serves the
// operator HTTP surface.
package main

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/relaycore/relayer/internal/adminapi"
	"github.com/relaycore/relayer/internal/admission"
	"github.com/relaycore/relayer/internal/auditlog"
	"github.com/relaycore/relayer/internal/chainadapter"
	"github.com/relaycore/relayer/internal/config"
	"github.com/relaycore/relayer/internal/core"
	"github.com/relaycore/relayer/internal/kvstore"
	"github.com/relaycore/relayer/internal/lifecycle"
	"github.com/relaycore/relayer/internal/pqueue"
	"github.com/relaycore/relayer/internal/scheduler"
	"github.com/relaycore/relayer/internal/store"
	"github.com/relaycore/relayer/internal/wallet"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

var configPath string

func main() {
	root := &cobra.Command{Use: "relayer", Short: "EVM payment intent relayer"}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to the relayer YAML config file")
	root.AddCommand(serveCmd(), reconcileCmd(), walletCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "run the admission gate, scheduler and admin HTTP surface",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			logger := newLogger()

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			svc, server, cleanup, err := buildService(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer cleanup()

			n, err := svc.Lifecycle.ReconcileOnStartup(ctx)
			if err != nil {
				return fmt.Errorf("startup reconciliation: %w", err)
			}
			logger.WithFields(logrus.Fields{"reconciled": n}).Info("relayer: startup reconciliation complete")

			jobs := svc.Jobs()
			svc.Start(ctx, cfg.Wallet.BalanceCheckInterval, cfg.Scheduler.ReceiptPollInterval, jobs.ListSubmitted)
			defer svc.Stop()

			addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
			logger.WithFields(logrus.Fields{"addr": addr}).Info("relayer: admin API listening")
			return adminapi.ListenAndServe(ctx, addr, server.Router(), logger)
		},
	}
}

func reconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "run the crash-recovery sweep once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			logger := newLogger()
			ctx := context.Background()

			svc, _, cleanup, err := buildService(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer cleanup()

			n, err := svc.Lifecycle.ReconcileOnStartup(ctx)
			if err != nil {
				return err
			}
			logger.WithFields(logrus.Fields{"reconciled": n}).Info("relayer: reconciliation complete")
			return nil
		},
	}
}

func walletCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "wallet", Short: "wallet key management"}
	cmd.AddCommand(&cobra.Command{
		Use:   "seal",
		Short: "generate a new private key and print its sealed form",
		RunE: func(cmd *cobra.Command, args []string) error {
			passphrase := os.Getenv("RELAYER_KEYSTORE_PASSWORD")
			if passphrase == "" {
				return fmt.Errorf("RELAYER_KEYSTORE_PASSWORD must be set")
			}
			key, err := crypto.GenerateKey()
			if err != nil {
				return err
			}
			sealed, err := wallet.Seal(key, passphrase)
			if err != nil {
				return err
			}
			addr := crypto.PubkeyToAddress(key.PublicKey).Hex()
			fmt.Printf("address=%s salt=%x nonce=%x box=%x\n", addr, sealed.Salt, sealed.Nonce, sealed.Box)
			return nil
		},
	})
	return cmd
}

func newLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	return logger
}

// buildService assembles every component from config and returns the
// facade, the admin HTTP server, and a cleanup function to run on exit.
func buildService(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*wiredService, *adminapi.Server, func(), error) {
	kv, closeKV := buildKVStore(cfg, logger)

	chain, err := chainadapter.DialEthereum(ctx, cfg.Chain.ChainID, cfg.Chain.RPCEndpoints, logger)
	if err != nil {
		closeKV()
		return nil, nil, nil, fmt.Errorf("dial chain adapter: %w", err)
	}
	chain.WithGasOracle(chainadapter.NewGasOracle())

	auditLog, statusBus, closeAudit, err := buildAuditLog(cfg, logger)
	if err != nil {
		closeKV()
		return nil, nil, nil, err
	}

	queue := pqueue.NewQueue(pqueue.Config{
		MaxSize:   cfg.Queue.MaxSize,
		BaseDelay: cfg.Queue.BaseDelay,
		MaxDelay:  cfg.Queue.MaxDelay,
	}, kv, logger)

	ledger := store.NewPrepaidLedger(kv)
	jobs := store.NewJobStore(kv)

	minAmount, err := cfg.Admission.MinAmountInt()
	if err != nil {
		return nil, nil, nil, err
	}
	maxAmount, err := cfg.Admission.MaxAmountInt()
	if err != nil {
		return nil, nil, nil, err
	}
	gate := admission.NewGate(admission.Config{
		RateLimit:    cfg.Admission.RateLimit,
		RateWindow:   cfg.Admission.RateWindow,
		ReplayWindow: cfg.Admission.ReplayWindow,
		MaxIntentAge: cfg.Admission.MaxIntentAge,
		MinAmount:    minAmount,
		MaxAmount:    maxAmount,
	}, kv, queue, ledger, jobs, logger)

	minBalance, err := cfg.Wallet.MinBalanceInt()
	if err != nil {
		return nil, nil, nil, err
	}
	alertThreshold, err := cfg.Wallet.AlertThresholdInt()
	if err != nil {
		return nil, nil, nil, err
	}
	walletPool := wallet.NewPool(wallet.Config{
		MinBalance:       minBalance,
		AlertThreshold:   alertThreshold,
		BalanceCacheTTL:  cfg.Wallet.BalanceCacheTTL,
		RotationInterval: cfg.Wallet.RotationInterval,
		LowSuccessRate:   cfg.Wallet.LowSuccessRate,
	}, cfg.Chain.ChainID, chain, cfg.Wallet.MaxConcurrentLeases, logger)

	keys, err := loadLocalKeys(cfg.Wallet.Addresses)
	if err != nil {
		return nil, nil, nil, err
	}
	for addr := range keys {
		walletPool.AddWallet(addr)
	}
	signingStrategy := wallet.NewPrivateKeySigningStrategy(keys)
	signerFor := func(address string) (chainadapter.Signer, error) {
		return signingStrategy, nil
	}

	lc := lifecycle.NewManager(jobs, auditLog, ledger, chain, walletPool, logger)
	if statusBus != nil {
		lc.OnEvent(statusBus.Publish)
	}

	sched := scheduler.NewPool(scheduler.Config{
		Workers:   cfg.Scheduler.Workers,
		PollIdle:  cfg.Scheduler.PollIdle,
		SubmitGas: cfg.Scheduler.SubmitGas,
	}, queue, walletPool, chain, lc, signerFor, logger)

	svc := &wiredService{
		Service: core.New(gate, queue, walletPool, sched, lc, auditLog, jobs, ledger, ledger, kv, logger),
		jobs:    jobs,
	}

	auth := adminapi.AuthConfig{
		Username:   cfg.Admin.Username,
		Password:   cfg.Secrets.AdminPassword,
		TOTPSecret: cfg.Secrets.AdminTOTPSecret,
		JWTSecret:  []byte(cfg.Secrets.AdminJWTSecret),
	}
	server := adminapi.New(svc.Service, auth, cfg.Admin.AllowedIPs, logger)

	cleanup := func() {
		closeAudit()
		closeKV()
	}
	return svc, server, cleanup, nil
}

// wiredService exposes the JobStore alongside core.Service since the
// serve command needs ListSubmitted to drive receipt polling and
// core.Service deliberately doesn't expose its JobReader beyond GetJob.
type wiredService struct {
	*core.Service
	jobs *store.JobStore
}

func (w *wiredService) Jobs() *store.JobStore { return w.jobs }

func buildKVStore(cfg *config.Config, logger *logrus.Logger) (kvstore.Store, func()) {
	if cfg.Redis.Addr == "" {
		logger.Warn("relayer: no redis address configured, using in-memory store (state will not survive a restart)")
		return kvstore.NewMemory(), func() {}
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Secrets.RedisPassword,
		DB:       cfg.Redis.DB,
	})
	return kvstore.NewRedis(client), func() { client.Close() }
}

func buildAuditLog(cfg *config.Config, logger *logrus.Logger) (auditlog.Log, *auditlog.NATSBus, func(), error) {
	cleanup := func() {}
	var primary auditlog.Log = auditlog.NewMemory()

	if cfg.Audit.PostgresDSN != "" {
		db, err := gorm.Open(postgres.Open(cfg.Audit.PostgresDSN), &gorm.Config{})
		if err != nil {
			return nil, nil, cleanup, fmt.Errorf("connect audit postgres: %w", err)
		}
		pg := auditlog.NewPostgres(db, logger)
		if err := pg.Migrate(); err != nil {
			return nil, nil, cleanup, fmt.Errorf("migrate audit log: %w", err)
		}
		primary = pg
	}

	var bus *auditlog.NATSBus
	if cfg.Audit.NATSURL != "" {
		var err error
		bus, err = auditlog.NewNATSBus(cfg.Audit.NATSURL, cfg.Audit.NATSSubject, logger)
		if err != nil {
			return nil, nil, cleanup, fmt.Errorf("connect status bus: %w", err)
		}
		cleanup = func() { bus.Close() }
	}

	return primary, bus, cleanup, nil
}

// loadLocalKeys reads a private key for each configured wallet address
// from its dedicated environment variable, sealed-at-rest keys being
// unsealed by wallet.Open before this point in a deployment that uses
// the local-key signing strategy rather than KMS.
func loadLocalKeys(addresses []string) (map[string]*ecdsa.PrivateKey, error) {
	keys := make(map[string]*ecdsa.PrivateKey, len(addresses))
	for _, addr := range addresses {
		envVar := fmt.Sprintf("RELAYER_WALLET_KEY_%s", addr)
		hexKey := os.Getenv(envVar)
		if hexKey == "" {
			return nil, fmt.Errorf("missing private key for wallet %s: set %s", addr, envVar)
		}
		key, err := crypto.HexToECDSA(hexKey)
		if err != nil {
			return nil, fmt.Errorf("parse private key for wallet %s: %w", addr, err)
		}
		keys[addr] = key
	}
	return keys, nil
}
