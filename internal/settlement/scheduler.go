package settlement

import (
	"context"
	"log/slog"
	"math/big"
	"time"

	xerrors "AgentCustody/internal/errors"
	"AgentCustody/internal/fees"
	"AgentCustody/internal/ledger"
	"AgentCustody/internal/observability/alerting"
	"AgentCustody/pkg/logger"

	"github.com/google/uuid"
)

// Config 描述结算调度器的运行参数。
type Config struct {
	Asset    string
	Interval time.Duration
	Workers  int
}

// Scheduler 周期性地拉取各账户余额、归集费用，并把划转作业投递到
// 队列；同时作为消费方把挂账费用划转给接收方。归集与划转解耦，
// 划转失败不会影响已经完成的归集记账。
type Scheduler struct {
	accountant *fees.Accountant
	ledger     ledger.Ledger
	queue      Queue
	alerts     alerting.Dispatcher

	asset    string
	interval time.Duration
	workers  int

	log   *slog.Logger
	audit *slog.Logger
}

// NewScheduler 构造调度器。
func NewScheduler(cfg Config, accountant *fees.Accountant, custodyLedger ledger.Ledger, queue Queue, alerts alerting.Dispatcher) (*Scheduler, error) {
	if accountant == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "调度器需要费用核算模块")
	}
	if custodyLedger == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "调度器需要托管账本")
	}
	if queue == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "调度器需要结算队列")
	}
	if cfg.Asset == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "调度器需要结算资产标识")
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Hour
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	return &Scheduler{
		accountant: accountant,
		ledger:     custodyLedger,
		queue:      queue,
		alerts:     alerts,
		asset:      cfg.Asset,
		interval:   interval,
		workers:    workers,
		log:        logger.Named("settlement"),
		audit:      logger.Audit(),
	}, nil
}

// Run 启动周期归集与队列消费，直到 ctx 取消。
func (s *Scheduler) Run(ctx context.Context) error {
	go func() {
		if err := s.queue.Consume(ctx, s.workers, s.handle); err != nil && ctx.Err() == nil {
			s.log.Error("settlement consumer stopped", slog.Any("error", err))
		}
	}()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.CollectOnce(ctx); err != nil {
				s.log.Error("fee collection cycle failed", slog.Any("error", err))
				s.alert(ctx, err, "周期费用归集失败")
			}
		}
	}
}

// CollectOnce 执行一轮费用归集：读取所有账户的最新余额，批量归集
// 两类费用，并投递一个划转作业。
func (s *Scheduler) CollectOnce(ctx context.Context) error {
	ids := s.accountant.Accounts()
	if len(ids) == 0 {
		return nil
	}

	balances := make([]*big.Int, 0, len(ids))
	for _, id := range ids {
		balance, err := s.ledger.BalanceOf(ctx, s.asset, id)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeLedgerFailure, err, "读取账户余额失败",
				xerrors.WithMetadata("account", id))
		}
		balances = append(balances, balance)
	}

	totals, err := s.accountant.BatchCollectFees(ids, balances)
	if err != nil {
		return err
	}

	job := Job{
		ID:             uuid.NewString(),
		Asset:          s.asset,
		Accounts:       totals.Accounts,
		ManagementFee:  totals.ManagementFee.String(),
		PerformanceFee: totals.PerformanceFee.String(),
		RequestedAt:    time.Now().Unix(),
	}
	payload, err := job.Encode()
	if err != nil {
		return err
	}
	if err := s.queue.Publish(ctx, payload); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "投递结算作业失败")
	}

	s.audit.Info("fee collection cycle completed",
		slog.String("job_id", job.ID),
		slog.Int("accounts", totals.Accounts),
		slog.String("management_fee", job.ManagementFee),
		slog.String("performance_fee", job.PerformanceFee),
	)
	return nil
}

// handle 消费一个划转作业，把当前挂账总额划转给费用接收方。
func (s *Scheduler) handle(ctx context.Context, payload string) error {
	job, err := DecodeJob(payload)
	if err != nil {
		// 无法解码的作业没有重试价值，记录后丢弃。
		s.log.Error("discarding malformed settlement job", slog.Any("error", err))
		return nil
	}

	transferred, err := s.accountant.TransferCollectedFees(ctx, s.ledger, job.Asset)
	if err != nil {
		s.log.Error("fee transfer failed",
			slog.String("job_id", job.ID),
			slog.String("asset", job.Asset),
			slog.Any("error", err),
		)
		s.alert(ctx, err, "费用划转失败")
		return err
	}

	s.audit.Info("collected fees transferred",
		slog.String("job_id", job.ID),
		slog.String("asset", job.Asset),
		slog.String("amount", transferred.String()),
	)
	return nil
}

func (s *Scheduler) alert(ctx context.Context, cause error, message string) {
	if s.alerts == nil || !xerrors.ShouldAlert(cause) {
		return
	}
	event := alerting.Event{
		Code:       xerrors.CodeOf(cause),
		Message:    message + ": " + cause.Error(),
		Severity:   xerrors.SeverityOf(cause),
		Component:  "settlement",
		Asset:      s.asset,
		OccurredAt: time.Now(),
	}
	if e, ok := xerrors.From(cause); ok {
		event.Metadata = e.Metadata()
	}
	if err := s.alerts.Notify(ctx, event); err != nil {
		s.log.Warn("failed to dispatch alert", slog.Any("error", err))
	}
}
