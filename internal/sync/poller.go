// Package sync pulls new items from every registered source into the
// message store.
package sync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	gosync "sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nhle/messaging-manager/internal/lock"
	"github.com/nhle/messaging-manager/internal/model"
	"github.com/nhle/messaging-manager/internal/normalize"
	"github.com/nhle/messaging-manager/internal/notify"
	"github.com/nhle/messaging-manager/internal/source"
	"github.com/nhle/messaging-manager/internal/store"
)

// SyncState represents the current state of a source sync operation.
type SyncState int

const (
	SyncIdle SyncState = iota
	SyncRunning
	SyncError
)

func (s SyncState) String() string {
	switch s {
	case SyncRunning:
		return "running"
	case SyncError:
		return "error"
	default:
		return "idle"
	}
}

// SyncStatus holds the sync state for a single source.
type SyncStatus struct {
	ServiceName string
	State       SyncState
	LastSync    time.Time
	Error       error

	// Ingested counts the messages stored by the last successful sync.
	Ingested int
}

// CycleReport summarizes one poll cycle.
type CycleReport struct {
	Sources  int
	Failed   int
	Ingested int
}

// maxPages bounds how many batches are pulled from one mailbox per cycle.
const maxPages = 20

// Options tunes a Poller. Zero values select defaults.
type Options struct {
	// FetchLimit caps the items requested per batch.
	FetchLimit int

	// Timeout bounds each adapter call.
	Timeout time.Duration
}

// Poller runs poll cycles over the adapters of a registry.
type Poller struct {
	store      store.Store
	registry   *source.Registry
	normalizer *normalize.Normalizer
	locker     lock.Locker
	notifier   notify.Notifier
	logger     *zap.Logger
	fetchLimit int
	timeout    time.Duration

	mu       gosync.Mutex
	statuses map[string]*SyncStatus
}

// New creates a Poller.
func New(
	s store.Store,
	registry *source.Registry,
	normalizer *normalize.Normalizer,
	locker lock.Locker,
	n notify.Notifier,
	logger *zap.Logger,
	opts Options,
) *Poller {
	if opts.FetchLimit <= 0 {
		opts.FetchLimit = 100
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}

	p := &Poller{
		store:      s,
		registry:   registry,
		normalizer: normalizer,
		locker:     locker,
		notifier:   n,
		logger:     logger,
		fetchLimit: opts.FetchLimit,
		timeout:    opts.Timeout,
		statuses:   make(map[string]*SyncStatus),
	}
	for _, a := range registry.All() {
		name := a.Describe().ServiceName
		p.statuses[name] = &SyncStatus{ServiceName: name, State: SyncIdle}
	}
	return p
}

// RunCycle polls every registered source concurrently. Adapter failures
// are logged and leave that source's cursors untouched. Store failures
// are joined and returned.
func (p *Poller) RunCycle(ctx context.Context) (CycleReport, error) {
	adapters := p.registry.All()

	var (
		mu      gosync.Mutex
		report  = CycleReport{Sources: len(adapters)}
		storeEs []error
	)

	var g errgroup.Group
	for _, a := range adapters {
		a := a
		g.Go(func() error {
			n, fetchErr, storeErr := p.pollSource(ctx, a)

			mu.Lock()
			defer mu.Unlock()
			report.Ingested += n
			if fetchErr != nil || storeErr != nil {
				report.Failed++
			}
			if storeErr != nil {
				storeEs = append(storeEs, storeErr)
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := errors.Join(storeEs...); err != nil {
		return report, err
	}
	return report, ctx.Err()
}

// GetStatuses returns the current sync status of all registered sources,
// ordered by service name.
func (p *Poller) GetStatuses() []SyncStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	statuses := make([]SyncStatus, 0, len(p.statuses))
	for _, s := range p.statuses {
		statuses = append(statuses, *s)
	}
	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].ServiceName < statuses[j].ServiceName
	})
	return statuses
}

// pollSource syncs every mailbox of one adapter. It returns the number of
// new messages, the first adapter failure and the first store failure.
func (p *Poller) pollSource(ctx context.Context, a source.Adapter) (int, error, error) {
	name := a.Describe().ServiceName
	logger := p.logger.With(zap.String("service", name))
	p.setStatus(name, SyncRunning, nil, 0)

	if !a.IsLoggedIn(ctx) {
		loginCtx, cancel := context.WithTimeout(ctx, p.timeout)
		err := a.Login(loginCtx)
		cancel()
		if err != nil {
			if source.IsAuthError(err) {
				logger.Warn("authentication failed", zap.Error(err))
			} else {
				logger.Warn("login failed", zap.Error(err))
			}
			p.setStatus(name, SyncError, err, 0)
			return 0, err, nil
		}
	}

	var (
		total    int
		fetchErr error
	)
	for _, mailbox := range a.Mailboxes() {
		if ctx.Err() != nil {
			break
		}

		n, err := p.pollMailbox(ctx, a, name, mailbox)
		total += n

		var fe *source.FetchError
		switch {
		case errors.As(err, &fe):
			logger.Warn("fetch failed", zap.String("mailbox", mailbox), zap.Error(err))
			if fetchErr == nil {
				fetchErr = err
			}
		case err != nil:
			logger.Error("storing batch", zap.String("mailbox", mailbox), zap.Error(err))
			p.setStatus(name, SyncError, err, total)
			return total, fetchErr, err
		}
	}

	if fetchErr != nil {
		p.setStatus(name, SyncError, fetchErr, total)
	} else {
		p.setStatus(name, SyncIdle, nil, total)
	}
	return total, fetchErr, nil
}

// pollMailbox drains one mailbox from its stored cursor. Adapter failures
// come back as *source.FetchError; anything else is a store failure.
func (p *Poller) pollMailbox(ctx context.Context, a source.Adapter, name, mailbox string) (int, error) {
	stored, err := p.store.GetCursor(ctx, name, mailbox)
	if err != nil {
		return 0, fmt.Errorf("reading cursor %s/%s: %w", name, mailbox, err)
	}
	var cursor model.Cursor
	if stored != nil {
		cursor = stored.Cursor
	}

	total := 0
	for page := 0; page < maxPages; page++ {
		fetchCtx, cancel := context.WithTimeout(ctx, p.timeout)
		batch, err := a.FetchSince(fetchCtx, mailbox, cursor, p.fetchLimit)
		cancel()
		if err != nil {
			return total, &source.FetchError{ServiceName: name, Mailbox: mailbox, Err: err}
		}

		msgs := p.normalizer.NormalizeBatch(batch.Items, name)
		inserted, err := p.commit(ctx, name, mailbox, msgs, batch.Next)
		if errors.Is(err, store.ErrCursorRegression) {
			return total, &source.FetchError{ServiceName: name, Mailbox: mailbox, Err: err}
		}
		if err != nil {
			return total, err
		}
		total += inserted

		if inserted > 0 {
			p.notifier.Publish(ctx, notify.SubjectMessagesIngested, notify.Event{
				ServiceName: name,
				Mailbox:     mailbox,
				Count:       inserted,
			})
		}

		if len(batch.Items) < p.fetchLimit || batch.Next == cursor {
			break
		}
		cursor = batch.Next
	}

	if total > 0 {
		p.logger.Info("messages ingested",
			zap.String("service", name),
			zap.String("mailbox", mailbox),
			zap.Int("count", total),
		)
	}
	return total, nil
}

// commit merges msgs and then advances the cursor, holding the source's
// poll lock so concurrent pollers never interleave the two steps.
func (p *Poller) commit(
	ctx context.Context,
	name, mailbox string,
	msgs []model.CanonicalMessage,
	next model.Cursor,
) (int, error) {
	release, err := p.locker.Acquire(ctx, "poll:"+name)
	if err != nil {
		return 0, fmt.Errorf("locking %s: %w", name, err)
	}
	defer release()

	inserted, err := p.store.MergeMessages(ctx, msgs)
	if err != nil {
		return 0, fmt.Errorf("merging %s/%s: %w", name, mailbox, err)
	}

	err = p.store.AdvanceCursor(ctx, model.SyncCursor{
		ServiceName: name,
		Mailbox:     mailbox,
		Cursor:      next,
	})
	if err != nil {
		return len(inserted), fmt.Errorf("advancing cursor %s/%s: %w", name, mailbox, err)
	}
	return len(inserted), nil
}

// setStatus updates the sync status for a source.
func (p *Poller) setStatus(name string, state SyncState, err error, ingested int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	status, ok := p.statuses[name]
	if !ok {
		status = &SyncStatus{ServiceName: name}
		p.statuses[name] = status
	}

	status.State = state
	status.Error = err
	if state == SyncIdle && err == nil {
		status.LastSync = time.Now()
		status.Ingested = ingested
	}
}
