package draft

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nhle/messaging-manager/internal/conversation"
	"github.com/nhle/messaging-manager/internal/memo"
	"github.com/nhle/messaging-manager/internal/model"
	"github.com/nhle/messaging-manager/internal/notify"
)

// CycleReport summarizes one processing cycle.
type CycleReport struct {
	Conversations int
	Created       int
	Reused        int
	Failed        int
}

// Processor drafts every recently active conversation.
type Processor struct {
	windower    *conversation.Windower
	cache       *Cache
	notifier    notify.Notifier
	logger      *zap.Logger
	concurrency int
	lookback    time.Duration
	timeout     time.Duration
	now         func() time.Time
}

// ProcessorOptions tunes a Processor. Zero values select defaults.
type ProcessorOptions struct {
	// Concurrency caps simultaneous drafting calls.
	Concurrency int

	// Lookback limits the cycle to conversations active this recently.
	// Zero processes every conversation.
	Lookback time.Duration

	// Timeout bounds the drafting of a single conversation.
	Timeout time.Duration
}

// NewProcessor creates a Processor.
func NewProcessor(
	w *conversation.Windower,
	c *Cache,
	n notify.Notifier,
	logger *zap.Logger,
	opts ProcessorOptions,
) *Processor {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Minute
	}
	return &Processor{
		windower:    w,
		cache:       c,
		notifier:    n,
		logger:      logger,
		concurrency: opts.Concurrency,
		lookback:    opts.Lookback,
		timeout:     opts.Timeout,
		now:         time.Now,
	}
}

// RunCycle windows each active conversation and ensures a draft exists
// for it. Generation failures are logged and retried next cycle; storage
// failures abort the cycle.
func (p *Processor) RunCycle(ctx context.Context) (CycleReport, error) {
	var since time.Time
	if p.lookback > 0 {
		since = p.now().Add(-p.lookback)
	}

	windows, err := p.windower.Active(ctx, since)
	if err != nil {
		return CycleReport{}, err
	}

	var (
		mu     sync.Mutex
		report = CycleReport{Conversations: len(windows)}
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)

	for _, win := range windows {
		win := win
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}

			itemCtx, cancel := context.WithTimeout(gctx, p.timeout)
			defer cancel()

			d, created, err := p.cache.ensure(itemCtx, win)

			mu.Lock()
			defer mu.Unlock()

			switch {
			case err != nil && itemFailure(ctx, err):
				report.Failed++
				p.logger.Warn("draft generation failed",
					zap.String("conversation_id", win.ConversationID),
					zap.Error(err),
				)
				return nil
			case err != nil:
				return err
			case created:
				report.Created++
				p.notifier.Publish(ctx, notify.SubjectDraftCreated, draftEvent(d))
			default:
				report.Reused++
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return report, err
	}
	return report, ctx.Err()
}

// itemFailure reports whether err is confined to one conversation: a
// drafting failure, a contended lock, or the per-item deadline expiring
// while the cycle itself is still live.
func itemFailure(cycle context.Context, err error) bool {
	var (
		genErr  *GenerationError
		lockErr *memo.LockError
	)
	switch {
	case errors.As(err, &genErr), errors.As(err, &lockErr):
		return true
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return cycle.Err() == nil
	default:
		return false
	}
}

func draftEvent(d *model.DraftRecord) notify.Event {
	ev := notify.Event{
		DraftID:        d.DraftID,
		ConversationID: d.ConversationID,
		Status:         string(d.Status),
	}
	if last, ok := d.LastMessage(); ok {
		ev.ServiceName = last.ServiceName
	}
	return ev
}
