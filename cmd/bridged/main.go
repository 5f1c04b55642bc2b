package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"xmrbridge/internal/config"
	"xmrbridge/internal/coordinator"
	"xmrbridge/internal/gateway"
	"xmrbridge/internal/ledger"
	"xmrbridge/internal/monero"
	"xmrbridge/internal/receipt"
	"xmrbridge/internal/server"
	"xmrbridge/internal/verify"
)

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})
	entry := logrus.NewEntry(log)

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("config error")
	}

	ctx := context.Background()

	receiptKey, err := cfg.ReceiptKey()
	if err != nil {
		log.WithError(err).Fatal("receipt key error")
	}
	codec, err := receipt.NewCodec(receiptKey)
	if err != nil {
		log.WithError(err).Fatal("receipt codec error")
	}

	var store ledger.Store
	var receipts receipt.Store
	if cfg.Storage.PostgresDSN != "" {
		pgLedger, err := ledger.NewPostgresStore(ctx, cfg.Storage.PostgresDSN)
		if err != nil {
			log.WithError(err).Fatal("ledger store error")
		}
		pgReceipts, err := receipt.NewPostgresStore(ctx, cfg.Storage.PostgresDSN, codec)
		if err != nil {
			log.WithError(err).Fatal("receipt store error")
		}
		store = pgLedger
		receipts = pgReceipts
		log.Info("using postgres-backed ledger and receipt stores")
	} else {
		store = ledger.NewMemoryStore()
		receipts = receipt.NewMemoryStore(codec)
		log.Warn("no postgres dsn configured, swap state will not survive restarts")
	}

	wallet := monero.NewClient(monero.ClientConfig{
		URL:      cfg.Monero.RPCURL,
		Username: cfg.Monero.RPCUsername,
		Password: cfg.Monero.RPCPassword,
	})

	verifier := verify.NewVerifier(wallet, verify.Config{
		BridgeAddress:    cfg.Monero.BridgeAddress,
		MinConfirmations: cfg.Monero.MinConfirmations,
		MinSwapAmount:    cfg.Monero.MinSwapAmount,
	})

	var minter gateway.Minter = gateway.FakeMinter{}
	if cfg.Wrapped.SignerKey != "" {
		ethMinter, err := gateway.NewEthMinter(ctx, gateway.EthMinterConfig{
			RPCURL:          cfg.Wrapped.RPCURL,
			PrivateKeyHex:   cfg.Wrapped.SignerKey,
			ContractAddress: cfg.Wrapped.ContractAddress,
		})
		if err != nil {
			log.WithError(err).Fatal("wrapped chain client error")
		}
		minter = ethMinter
	} else {
		log.Warn("no signer key configured, minting against fake gateway")
	}

	payer := gateway.NewMoneroPayer(wallet, gateway.MoneroPayerConfig{
		AccountIndex: cfg.Monero.AccountIndex,
		Priority:     cfg.Monero.TransferPriority,
	})

	coord := coordinator.New(store, verifier, minter, payer, receipts, coordinator.Config{
		Retry: coordinator.RetryPolicy{
			MaxAttempts:       cfg.Retry.MaxAttempts,
			InitialBackoff:    cfg.Retry.InitialBackoff,
			MaxBackoff:        cfg.Retry.MaxBackoff,
			BackoffMultiplier: cfg.Retry.BackoffMultiplier,
		},
		CallTimeout:         cfg.Service.CallTimeout,
		ConfirmPollInterval: cfg.Service.ConfirmInterval,
		ConfirmPollBudget:   cfg.Service.ConfirmBudget,
		StaleTakeover:       cfg.Service.StaleTakeover,
		MinRedeemAmount:     cfg.Monero.MinSwapAmount,
	}, entry)

	apiServer := server.NewServer(cfg, coord, store, wallet, minter, entry)

	purgeCtx, stopPurge := context.WithCancel(ctx)
	go purgeLoop(purgeCtx, entry, apiServer, receipts, cfg.Receipts.Retention, cfg.Receipts.PurgeInterval)

	go func() {
		if err := apiServer.Start(); err != nil {
			log.WithError(err).Info("server stopped")
		}
	}()

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	<-ch

	stopPurge()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = apiServer.Shutdown(shutdownCtx)
}

// purgeLoop enforces receipt retention. Ledger entries are never purged;
// only the sealed receipt payloads age out.
func purgeLoop(ctx context.Context, log *logrus.Entry, srv *server.Server, receipts receipt.Store, retention, interval time.Duration) {
	if retention <= 0 || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := receipts.PurgeExpired(ctx, retention)
			if err != nil {
				log.WithError(err).Error("receipt purge failed")
				continue
			}
			if n > 0 {
				srv.RecordPurged(n)
				log.WithField("purged", n).Info("expired receipts removed")
			}
		}
	}
}
