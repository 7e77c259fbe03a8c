// Package keeper runs the liquidation and withdrawal-fulfilment bot.
//
// Each tick the keeper liquidates every open position that is no longer
// collateralized, then completes pending withdrawal requests that pay a
// priority fee, highest fee first. Requests the pools cannot cover yet are
// left for a later tick.
package keeper

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/time/rate"

	"github.com/optionperps/engine/internal/engine"
	"github.com/optionperps/engine/internal/fixed"
	"github.com/optionperps/engine/internal/metrics"
	"github.com/optionperps/engine/internal/model"
)

// Engine is the subset of *engine.Engine the keeper drives.
type Engine interface {
	OpenPositions() []model.PerpPosition
	Position(ctx context.Context, id uint64) (engine.PositionView, error)
	Liquidate(ctx context.Context, caller string, id uint64) (model.OptionPosition, fixed.Int, error)
	PendingWithdrawals() []model.PendingWithdrawal
	CompleteWithdrawalRequest(ctx context.Context, caller string, id uint64) (fixed.Int, error)
}

// Config controls the keeper loop.
type Config struct {
	// Account receives liquidation fees and priority fees.
	Account  string
	Interval time.Duration
	// ActionsPerSecond paces engine calls; zero means unlimited.
	ActionsPerSecond float64
	Burst            int
}

// Result counts the outcome of one tick.
type Result struct {
	Liquidated int
	Completed  int
	Skipped    int
	Failed     int
}

type Keeper struct {
	eng     Engine
	cfg     Config
	limiter *rate.Limiter
	log     *slog.Logger
}

// New creates a keeper. A nil logger uses slog.Default.
func New(eng Engine, cfg Config, log *slog.Logger) *Keeper {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	limit := rate.Inf
	if cfg.ActionsPerSecond > 0 {
		limit = rate.Limit(cfg.ActionsPerSecond)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Keeper{
		eng:     eng,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, cfg.Burst),
		log:     log.With("component", "keeper", "account", cfg.Account),
	}
}

// Run ticks until ctx is done.
func (k *Keeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(k.cfg.Interval)
	defer ticker.Stop()

	k.log.Info("keeper started", "interval", k.cfg.Interval.String())
	for {
		res := k.Tick(ctx)
		if res.Liquidated+res.Completed+res.Failed > 0 {
			k.log.Info("keeper tick",
				"liquidated", res.Liquidated,
				"completed", res.Completed,
				"skipped", res.Skipped,
				"failed", res.Failed,
			)
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			k.log.Info("keeper stopped")
			return nil
		}
	}
}

// Tick performs one pass over open positions and pending withdrawals.
func (k *Keeper) Tick(ctx context.Context) Result {
	var res Result
	k.liquidate(ctx, &res)
	k.completeWithdrawals(ctx, &res)
	return res
}

func (k *Keeper) liquidate(ctx context.Context, res *Result) {
	for _, p := range k.eng.OpenPositions() {
		view, err := k.eng.Position(ctx, p.ID)
		if err != nil || !view.IsOpen || view.IsCollateralized {
			continue
		}
		if err := k.limiter.Wait(ctx); err != nil {
			return
		}

		opt, fee, err := k.eng.Liquidate(ctx, k.cfg.Account, p.ID)
		switch {
		case err == nil:
			res.Liquidated++
			metrics.KeeperActions.WithLabelValues("liquidate", "ok").Inc()
			k.log.Info("liquidated position", "position_id", p.ID, "option_id", opt.ID, "fee", fee)
		case errors.Is(err, engine.ErrPositionCollateralized), errors.Is(err, engine.ErrPositionClosed):
			// The price moved or someone else got there first.
			res.Skipped++
			metrics.KeeperActions.WithLabelValues("liquidate", "skipped").Inc()
		default:
			res.Failed++
			metrics.KeeperActions.WithLabelValues("liquidate", "error").Inc()
			k.log.Warn("liquidation failed", "position_id", p.ID, "err", err)
		}
	}
}

func (k *Keeper) completeWithdrawals(ctx context.Context, res *Result) {
	var queue []model.PendingWithdrawal
	for _, w := range k.eng.PendingWithdrawals() {
		if w.PriorityFee.IsPositive() {
			queue = append(queue, w)
		}
	}
	sort.SliceStable(queue, func(i, j int) bool {
		if c := queue[i].PriorityFee.Cmp(queue[j].PriorityFee); c != 0 {
			return c > 0
		}
		return queue[i].ID < queue[j].ID
	})

	for _, w := range queue {
		if err := k.limiter.Wait(ctx); err != nil {
			return
		}

		out, err := k.eng.CompleteWithdrawalRequest(ctx, k.cfg.Account, w.ID)
		switch {
		case err == nil:
			res.Completed++
			metrics.KeeperActions.WithLabelValues("withdrawal", "ok").Inc()
			k.log.Info("completed withdrawal", "request_id", w.ID, "user", w.User, "amount_out", out)
		case errors.Is(err, engine.ErrInsufficientLiquidity),
			errors.Is(err, engine.ErrSlippageExceeded),
			errors.Is(err, engine.ErrRequestNotFound):
			res.Skipped++
			metrics.KeeperActions.WithLabelValues("withdrawal", "skipped").Inc()
		default:
			res.Failed++
			metrics.KeeperActions.WithLabelValues("withdrawal", "error").Inc()
			k.log.Warn("withdrawal completion failed", "request_id", w.ID, "err", err)
		}
	}
}
