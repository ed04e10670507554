// Package manager is the facade the CLI and review server drive: it runs
// poll and process cycles on timers and exposes draft review actions.
package manager

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nhle/messaging-manager/internal/approval"
	"github.com/nhle/messaging-manager/internal/draft"
	"github.com/nhle/messaging-manager/internal/model"
	"github.com/nhle/messaging-manager/internal/store"
	appsync "github.com/nhle/messaging-manager/internal/sync"
)

// ErrCycleRunning is returned when a cycle is triggered while another
// cycle of the same kind is still running.
var ErrCycleRunning = errors.New("cycle already running")

// Cycle kinds passed to the cycle error hook.
const (
	CyclePoll    = "poll"
	CycleProcess = "process"
)

// Result is the outcome of a review action.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Options configures the cycle timers. Zero intervals select defaults.
type Options struct {
	PollInterval    time.Duration
	ProcessInterval time.Duration
}

// Manager coordinates the pipeline stages.
type Manager struct {
	drafts    store.DraftStore
	poller    *appsync.Poller
	processor *draft.Processor
	machine   *approval.Machine
	logger    *zap.Logger

	pollInterval    time.Duration
	processInterval time.Duration

	polling    atomic.Bool
	processing atomic.Bool

	onCycleError func(kind string, err error)
}

// New creates a Manager.
func New(
	drafts store.DraftStore,
	poller *appsync.Poller,
	processor *draft.Processor,
	machine *approval.Machine,
	logger *zap.Logger,
	opts Options,
) *Manager {
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Minute
	}
	if opts.ProcessInterval <= 0 {
		opts.ProcessInterval = 2 * time.Minute
	}
	return &Manager{
		drafts:          drafts,
		poller:          poller,
		processor:       processor,
		machine:         machine,
		logger:          logger,
		pollInterval:    opts.PollInterval,
		processInterval: opts.ProcessInterval,
	}
}

// OnCycleError registers fn to be called with every error that ends a
// cycle. It must be set before Run.
func (m *Manager) OnCycleError(fn func(kind string, err error)) {
	m.onCycleError = fn
}

// RunPollCycle pulls new items from every source.
func (m *Manager) RunPollCycle(ctx context.Context) (appsync.CycleReport, error) {
	if !m.polling.CompareAndSwap(false, true) {
		return appsync.CycleReport{}, ErrCycleRunning
	}
	defer m.polling.Store(false)

	logger := m.logger.With(zap.String("cycle", CyclePoll), zap.String("cycle_id", uuid.NewString()))
	start := time.Now()

	report, err := m.poller.RunCycle(ctx)
	if err != nil {
		logger.Error("poll cycle failed", zap.Error(err))
		m.reportError(CyclePoll, err)
		return report, err
	}

	logger.Info("poll cycle finished",
		zap.Int("sources", report.Sources),
		zap.Int("failed", report.Failed),
		zap.Int("ingested", report.Ingested),
		zap.Duration("took", time.Since(start)),
	)
	return report, nil
}

// RunProcessCycle drafts every recently active conversation.
func (m *Manager) RunProcessCycle(ctx context.Context) (draft.CycleReport, error) {
	if !m.processing.CompareAndSwap(false, true) {
		return draft.CycleReport{}, ErrCycleRunning
	}
	defer m.processing.Store(false)

	logger := m.logger.With(zap.String("cycle", CycleProcess), zap.String("cycle_id", uuid.NewString()))
	start := time.Now()

	report, err := m.processor.RunCycle(ctx)
	if err != nil {
		logger.Error("process cycle failed", zap.Error(err))
		m.reportError(CycleProcess, err)
		return report, err
	}

	logger.Info("process cycle finished",
		zap.Int("conversations", report.Conversations),
		zap.Int("created", report.Created),
		zap.Int("reused", report.Reused),
		zap.Int("failed", report.Failed),
		zap.Duration("took", time.Since(start)),
	)
	return report, nil
}

// Run runs both cycles immediately and then on their intervals until ctx
// is cancelled. A tick that arrives while the previous cycle of the same
// kind is still running is skipped.
func (m *Manager) Run(ctx context.Context) error {
	done := make(chan struct{}, 2)

	loop := func(interval time.Duration, run func(context.Context) error) {
		defer func() { done <- struct{}{} }()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			if err := run(ctx); errors.Is(err, ErrCycleRunning) {
				m.logger.Warn("skipping tick", zap.Error(err))
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}

	go loop(m.pollInterval, func(ctx context.Context) error {
		_, err := m.RunPollCycle(ctx)
		return err
	})
	go loop(m.processInterval, func(ctx context.Context) error {
		_, err := m.RunProcessCycle(ctx)
		return err
	})

	<-done
	<-done
	return ctx.Err()
}

// ListPendingDrafts returns the newest pending draft of each conversation,
// most recently active conversation first.
func (m *Manager) ListPendingDrafts(ctx context.Context) ([]model.DraftRecord, error) {
	pending := model.DraftPending
	return m.drafts.ListDrafts(ctx, store.DraftFilter{Status: &pending, LatestOnly: true})
}

// Draft returns a single draft.
func (m *Manager) Draft(ctx context.Context, id string) (*model.DraftRecord, error) {
	return m.drafts.GetDraft(ctx, id)
}

// Approve sends text as the reply for a draft. An empty text sends the
// suggested reply.
func (m *Manager) Approve(ctx context.Context, id, text string) Result {
	_, err := m.machine.Approve(ctx, id, text)
	if err != nil {
		return failure(err)
	}
	return Result{Success: true, Message: "reply sent"}
}

// Ignore dismisses a pending draft.
func (m *Manager) Ignore(ctx context.Context, id string) Result {
	if err := m.machine.Ignore(ctx, id); err != nil {
		return failure(err)
	}
	return Result{Success: true, Message: "draft ignored"}
}

// SourceStatuses returns the last sync state of each source.
func (m *Manager) SourceStatuses() []appsync.SyncStatus {
	return m.poller.GetStatuses()
}

func (m *Manager) reportError(kind string, err error) {
	if m.onCycleError != nil {
		m.onCycleError(kind, err)
	}
}

func failure(err error) Result {
	var sendErr *approval.SendError
	switch {
	case errors.Is(err, store.ErrNotFound):
		return Result{Message: "draft not found"}
	case errors.Is(err, approval.ErrAlreadySent):
		return Result{Message: "draft already sent"}
	case errors.Is(err, approval.ErrIllegalTransition):
		return Result{Message: "draft can no longer be ignored"}
	case errors.Is(err, approval.ErrEmptyReply):
		return Result{Message: "reply text is empty"}
	case errors.As(err, &sendErr):
		return Result{Message: "sending failed: " + sendErr.Err.Error()}
	default:
		return Result{Message: err.Error()}
	}
}
