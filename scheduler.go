package elasticsearch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// MergeScheduler runs the merge policy in the background.
//
// Every cycle it asks the policy for a plan and merges until the policy is
// satisfied. A failed merge is retried with backoff; a busy plan (another
// merge holds one of the segments) is skipped and replanned on the next
// cycle. Flushes call Kick to run a cycle without waiting for the ticker.
type MergeScheduler struct {
	store    *Store
	policy   MergePolicy
	interval time.Duration
	retry    RetryConfig
	logger   *slog.Logger

	// onMerge reports every attempted plan: how long it took, how many
	// segments went in and the error if it failed. Set before Start.
	onMerge func(took time.Duration, merged int, err error)

	kick   chan struct{}
	merges atomic.Uint64
	cancel context.CancelFunc
	wg     sync.WaitGroup

	m       sync.Mutex
	lastErr error
}

func NewMergeScheduler(store *Store, policy MergePolicy, interval time.Duration, retry RetryConfig, logger *slog.Logger) *MergeScheduler {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MergeScheduler{
		store:    store,
		policy:   policy,
		interval: interval,
		retry:    retry,
		logger:   logger.With("component", "merge_scheduler"),
		kick:     make(chan struct{}, 1),
	}
}

// Start launches the background loop. Stop cancels it and waits.
func (ms *MergeScheduler) Start(ctx context.Context) {
	ctx, ms.cancel = context.WithCancel(ctx)
	ms.wg.Add(1)
	go ms.loop(ctx)
}

func (ms *MergeScheduler) Stop() {
	if ms.cancel != nil {
		ms.cancel()
	}
	ms.wg.Wait()
}

// Kick schedules a cycle without waiting for the ticker. Safe to call from
// any goroutine, coalesces with a pending kick.
func (ms *MergeScheduler) Kick() {
	select {
	case ms.kick <- struct{}{}:
	default:
	}
}

// Merges returns how many merges committed since Start.
func (ms *MergeScheduler) Merges() uint64 {
	return ms.merges.Load()
}

// LastError returns the error of the last failed cycle, nil after a clean one.
func (ms *MergeScheduler) LastError() error {
	ms.m.Lock()
	defer ms.m.Unlock()
	return ms.lastErr
}

func (ms *MergeScheduler) loop(ctx context.Context) {
	defer ms.wg.Done()
	ticker := time.NewTicker(ms.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			ms.logger.Info("merge loop stopping")
			return
		case <-ms.kick:
		case <-ticker.C:
		}
		ms.runCycle(ctx)
	}
}

// runCycle merges plan after plan until the policy has nothing left.
// Every committed merge shrinks the segment set, so the loop terminates.
func (ms *MergeScheduler) runCycle(ctx context.Context) {
	for ctx.Err() == nil {
		plan := ms.policy.Plan(ms.store.Stats())
		if len(plan) == 0 {
			ms.setLastErr(nil)
			return
		}
		merged, err := ms.mergePlan(ctx, plan)
		if err != nil {
			ms.setLastErr(err)
			ms.logger.Error("merge failed", "segments", plan, "error", err)
			return
		}
		if merged == 0 {
			// The plan went stale or its segments are claimed elsewhere,
			// replan on the next cycle.
			return
		}
		ms.merges.Add(1)
		ms.logger.Info("segments merged", "segments", plan, "generation", ms.store.Gen())
	}
}

func (ms *MergeScheduler) mergePlan(ctx context.Context, plan []uint64) (int, error) {
	start := time.Now()
	var merged int
	err := Retry(ctx, ms.logger, "merge", ms.retry, func() error {
		n, err := ms.store.Merge(ctx, plan)
		merged = n
		if errors.Is(err, ErrMergeBusy) {
			ms.logger.Debug("merge skipped, segment busy", "segments", plan)
			merged = 0
			return nil
		}
		if n > 0 {
			// The swap committed. Leftover input files are swept on the
			// next open, removal errors must not trigger a re-merge.
			if err != nil {
				ms.logger.Warn("merged segment cleanup failed", "error", err)
			}
			return nil
		}
		return err
	})
	if ms.onMerge != nil {
		ms.onMerge(time.Since(start), merged, err)
	}
	return merged, err
}

func (ms *MergeScheduler) setLastErr(err error) {
	ms.m.Lock()
	ms.lastErr = err
	ms.m.Unlock()
}
