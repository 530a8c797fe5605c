package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/big"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"AgentCustody/internal/api"
	"AgentCustody/internal/config"
	"AgentCustody/internal/consensus"
	"AgentCustody/internal/fees"
	"AgentCustody/internal/identity"
	"AgentCustody/internal/ledger"
	"AgentCustody/internal/observability/alerting"
	"AgentCustody/internal/observability/metrics"
	"AgentCustody/internal/policy"
	"AgentCustody/internal/record"
	"AgentCustody/internal/settlement"
	"AgentCustody/internal/venue/provider"
	"AgentCustody/pkg/logger"
)

// main 是托管守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("custodyd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("CUSTODY_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "custody.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
		},
	}); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	registry, err := identity.NewRegistry(identity.Config{
		Mode:        identity.Mode(cfg.Identity.Mode),
		Credentials: cfg.Identity.Credentials,
	})
	if err != nil {
		return err
	}

	var recordStore record.Store
	switch cfg.Storage.RecordStore.Driver {
	case "", "memory":
		recordStore = record.NewMemoryStore()
	case "mysql":
		store, err := record.NewMySQLStore(cfg.Storage.RecordStore.DSN)
		if err != nil {
			return err
		}
		recordStore = store
	default:
		return fmt.Errorf("未知的记录存储驱动: %s", cfg.Storage.RecordStore.Driver)
	}
	defer func() {
		if recordStore != nil {
			_ = recordStore.Close()
		}
	}()

	var queue settlement.Queue
	switch cfg.Queue.Driver {
	case "", "memory":
		queue = settlement.NewMemoryQueue(256)
	case "redis":
		q, err := settlement.NewRedisQueue(settlement.RedisQueueConfig{
			Address:  cfg.Queue.Redis.Address,
			Password: cfg.Queue.Redis.Password,
			DB:       cfg.Queue.Redis.DB,
			Queue:    cfg.Queue.Redis.Queue,
		})
		if err != nil {
			return err
		}
		queue = q
	case "rabbitmq":
		q, err := settlement.NewRabbitMQQueue(settlement.RabbitMQConfig{
			URL:      cfg.Queue.RabbitMQ.URL,
			Queue:    cfg.Queue.RabbitMQ.Queue,
			Prefetch: cfg.Queue.RabbitMQ.Prefetch,
			Durable:  cfg.Queue.RabbitMQ.Durable,
		})
		if err != nil {
			return err
		}
		queue = q
	default:
		return fmt.Errorf("未知的结算队列驱动: %s", cfg.Queue.Driver)
	}
	defer func() {
		if queue != nil {
			if err := queue.Close(); err != nil {
				log.Printf("关闭结算队列失败: %v", err)
			}
		}
	}()

	venueRegistry, err := provider.NewRegistry(ctx, cfg.Venues)
	if err != nil {
		return err
	}
	defer venueRegistry.Close()

	var custodyLedger ledger.Ledger
	switch cfg.Ledger.Driver {
	case "", "memory":
		custodyLedger = ledger.NewMemoryLedger()
	case "evm":
		keyHex := ""
		if env := strings.TrimSpace(cfg.Ledger.PrivateKeyEnv); env != "" {
			keyHex = os.Getenv(env)
		}
		l, err := ledger.NewEVMLedger(ctx, ledger.EVMConfig{
			RPCURL:        cfg.Ledger.RPCURL,
			Vault:         cfg.Ledger.Vault,
			ChainID:       cfg.Ledger.ChainID,
			PrivateKeyHex: keyHex,
		})
		if err != nil {
			return err
		}
		custodyLedger = l
	default:
		return fmt.Errorf("未知的账本驱动: %s", cfg.Ledger.Driver)
	}
	defer custodyLedger.Close()

	consensusModule, err := consensus.New(consensus.Config{
		Admin:                 cfg.Consensus.Admin,
		Signers:               cfg.Consensus.Signers,
		RequiredConfirmations: cfg.Consensus.RequiredConfirmations,
		Cooldown:              time.Duration(cfg.Consensus.CooldownSeconds) * time.Second,
	})
	if err != nil {
		return err
	}

	var maxPosition *big.Int
	if raw := strings.TrimSpace(cfg.Policy.MaxPositionSize); raw != "" {
		value, ok := new(big.Int).SetString(raw, 10)
		if !ok {
			return fmt.Errorf("max_position_size 非法: %q", raw)
		}
		maxPosition = value
	}

	controller, err := policy.New(policy.Config{
		Admin: cfg.Policy.Admin,
		Agent: cfg.Policy.Agent,
		Limits: policy.Limits{
			MaxSlippageBps:      cfg.Policy.MaxSlippageBps,
			MaxPositionSize:     maxPosition,
			DailyOperationLimit: cfg.Policy.DailyOperationLimit,
		},
		Venues:         cfg.Policy.Venues,
		ApprovedAssets: cfg.Policy.ApprovedAssets,
	}, consensusModule, venueRegistry, recordStore)
	if err != nil {
		return err
	}

	accountant, err := fees.New(fees.Config{
		Admin:             cfg.Fees.Admin,
		ManagementFeeBps:  cfg.Fees.ManagementFeeBps,
		PerformanceFeeBps: cfg.Fees.PerformanceFeeBps,
		Recipient:         cfg.Fees.Recipient,
	})
	if err != nil {
		return err
	}

	var alerts alerting.Dispatcher
	if cfg.Alerting.WebhookURL != "" {
		alerts = alerting.NewFanout(&alerting.WebhookNotifier{URL: cfg.Alerting.WebhookURL})
	}

	var scheduler *settlement.Scheduler
	if cfg.Fees.SettlementAsset != "" {
		scheduler, err = settlement.NewScheduler(settlement.Config{
			Asset:    cfg.Fees.SettlementAsset,
			Interval: time.Duration(cfg.Fees.IntervalSeconds) * time.Second,
			Workers:  cfg.Queue.Workers,
		}, accountant, custodyLedger, queue, alerts)
		if err != nil {
			return err
		}

		schedulerCtx, schedulerCancel := context.WithCancel(ctx)
		defer schedulerCancel()
		go func() {
			if err := scheduler.Run(schedulerCtx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("结算调度器异常退出: %v", err)
			}
		}()
	}

	if cfg.Metrics.Address != "" {
		go func() {
			if err := metrics.StartServer(ctx, cfg.Metrics.Address); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("指标服务异常退出: %v", err)
			}
		}()
	}

	server := api.NewServer(cfg.Server.Address, controller, consensusModule, accountant, scheduler, recordStore, registry)

	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
