package poll

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"livepoll/internal/vote"
	"livepoll/pkg/interfaces"
	"livepoll/pkg/types"
)

// Events receives lifecycle transitions. Calls are made while the manager
// holds its lock, so transitions are observed in order; implementations must
// not call back into the Manager.
type Events interface {
	PollCreated(poll *types.Poll)
	PollCompleted(poll *types.Poll, tally *types.Tally)
}

// Manager owns the single active poll and its expiry timer.
type Manager struct {
	store  interfaces.PollStore
	ledger *vote.Ledger
	events Events
	now    func() time.Time

	retryDelay      time.Duration
	completeTimeout time.Duration

	mu     sync.Mutex
	active *types.Poll
	timers map[string]*time.Timer
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// WithEvents registers the transition listener.
func WithEvents(events Events) Option {
	return func(m *Manager) {
		m.events = events
	}
}

// WithRetryDelay sets how long an expiry whose completion failed waits
// before its single retry.
func WithRetryDelay(d time.Duration) Option {
	return func(m *Manager) {
		m.retryDelay = d
	}
}

// NewManager creates a lifecycle manager. The ledger must be the one the
// vote path admits through.
func NewManager(store interfaces.PollStore, ledger *vote.Ledger, opts ...Option) *Manager {
	m := &Manager{
		store:           store,
		ledger:          ledger,
		now:             time.Now,
		retryDelay:      time.Second,
		completeTimeout: 10 * time.Second,
		timers:          make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetEvents registers the transition listener after construction.
func (m *Manager) SetEvents(events Events) {
	m.mu.Lock()
	m.events = events
	m.mu.Unlock()
}

// CreatePoll validates draft and starts it as the active poll. An active poll
// whose window has already elapsed is completed first, so a late timer never
// blocks the next poll.
func (m *Manager) CreatePoll(ctx context.Context, draft types.PollDraft) (*types.Poll, error) {
	if err := draft.Validate(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if m.active != nil {
		if !m.active.Expired(now) {
			return nil, types.ErrPollAlreadyActive
		}
		if _, err := m.completeLocked(ctx, m.active.ID); err != nil {
			return nil, err
		}
	}

	poll := &types.Poll{
		ID:        uuid.New().String(),
		Question:  strings.TrimSpace(draft.Question),
		Options:   make([]types.Option, 0, len(draft.Options)),
		Duration:  draft.Duration,
		StartTime: types.NowMillis(now),
		Status:    types.PollStatusActive,
		CreatedAt: types.NowMillis(now),
	}
	for _, opt := range draft.Options {
		id := opt.ID
		if id == "" {
			id = uuid.New().String()
		}
		poll.Options = append(poll.Options, types.Option{ID: id, Text: strings.TrimSpace(opt.Text)})
	}

	if err := m.store.CreatePoll(ctx, poll); err != nil {
		slog.Error("Failed to persist poll", "poll_id", poll.ID, "error", err)
		return nil, types.Unavailable("create poll", err)
	}

	m.active = poll
	m.ledger.Open(poll, nil)
	m.armLocked(poll, poll.Remaining(now))

	slog.Info("Created poll", "poll_id", poll.ID, "duration", poll.Duration, "options", len(poll.Options))
	if m.events != nil {
		m.events.PollCreated(poll.Clone())
	}
	return poll.Clone(), nil
}

// CompletePoll moves pollID to completed. Completing a poll that is already
// completed returns the stored record without side effects.
func (m *Manager) CompletePoll(ctx context.Context, pollID string) (*types.Poll, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.completeLocked(ctx, pollID)
}

func (m *Manager) completeLocked(ctx context.Context, pollID string) (*types.Poll, error) {
	if m.active == nil || m.active.ID != pollID {
		return m.completeStoredLocked(ctx, pollID)
	}

	poll := m.active
	m.stopTimerLocked(pollID)

	// Sealing waits for in-flight admissions, so the final tally includes
	// every vote that was admitted and nothing after.
	m.ledger.Seal(pollID)
	if err := m.store.SetPollStatus(ctx, pollID, types.PollStatusCompleted); err != nil {
		m.ledger.Unseal(pollID)
		if now := m.now(); !poll.Expired(now) {
			m.armLocked(poll, poll.Remaining(now))
		}
		slog.Error("Failed to complete poll", "poll_id", pollID, "error", err)
		return nil, types.Unavailable("complete poll", err)
	}

	tally, err := m.ledger.Tally(ctx, pollID)
	if err != nil {
		// Book is sealed and in memory, so this only fails if it vanished.
		tally = vote.BuildTally(poll, nil)
	}

	poll.Status = types.PollStatusCompleted
	m.active = nil
	m.ledger.Forget(pollID)

	slog.Info("Completed poll", "poll_id", pollID, "total_votes", tally.TotalVotes)
	if m.events != nil {
		m.events.PollCompleted(poll.Clone(), tally)
	}
	return poll.Clone(), nil
}

// completeStoredLocked handles ids that are not the live poll: completed
// polls are returned as-is and stray active rows are closed in the store.
func (m *Manager) completeStoredLocked(ctx context.Context, pollID string) (*types.Poll, error) {
	poll, err := m.store.FindPollByID(ctx, pollID)
	if errors.Is(err, interfaces.ErrNotFound) {
		return nil, types.ErrPollNotFound
	}
	if err != nil {
		slog.Error("Failed to look up poll", "poll_id", pollID, "error", err)
		return nil, types.Unavailable("find poll", err)
	}
	if poll.Status == types.PollStatusCompleted {
		return poll, nil
	}

	if err := m.store.SetPollStatus(ctx, pollID, types.PollStatusCompleted); err != nil {
		slog.Error("Failed to complete stray poll", "poll_id", pollID, "error", err)
		return nil, types.Unavailable("complete poll", err)
	}
	poll.Status = types.PollStatusCompleted
	slog.Warn("Completed poll that was not live", "poll_id", pollID)
	return poll, nil
}

// armLocked schedules completion of poll after d, replacing any timer
// already held for the same id.
func (m *Manager) armLocked(poll *types.Poll, d time.Duration) {
	m.scheduleLocked(poll.ID, d, 0)
}

func (m *Manager) scheduleLocked(pollID string, d time.Duration, attempt int) {
	m.stopTimerLocked(pollID)
	m.timers[pollID] = time.AfterFunc(d, func() {
		m.expire(pollID, attempt)
	})
}

func (m *Manager) stopTimerLocked(pollID string) {
	if timer, ok := m.timers[pollID]; ok {
		timer.Stop()
		delete(m.timers, pollID)
	}
}

// expire completes pollID when its window closes. A failed completion of an
// expired poll is retried once after retryDelay; after that the poll stays
// active (and rejects votes as expired) until an explicit close or the next
// CreatePoll completes it.
func (m *Manager) expire(pollID string, attempt int) {
	ctx, cancel := context.WithTimeout(context.Background(), m.completeTimeout)
	defer cancel()

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.completeLocked(ctx, pollID); err != nil {
		slog.Error("Expiry could not complete poll", "poll_id", pollID, "attempt", attempt+1, "error", err)
		if attempt == 0 && m.active != nil && m.active.ID == pollID && m.active.Expired(m.now()) {
			m.scheduleLocked(pollID, m.retryDelay, attempt+1)
		}
	}
}

// ActivePoll returns the live poll with its remaining time and current
// results, or nil when no poll is active. Remaining time is derived from the
// start time on every call.
func (m *Manager) ActivePoll(ctx context.Context) (*types.ActivePoll, error) {
	m.mu.Lock()
	poll := m.active.Clone()
	m.mu.Unlock()

	if poll == nil {
		return nil, nil
	}

	tally, err := m.ledger.TallyFor(ctx, poll)
	if err != nil {
		return nil, err
	}
	return &types.ActivePoll{
		Poll:          poll,
		RemainingTime: poll.RemainingSeconds(m.now()),
		Results:       tally,
	}, nil
}

// ActivePollID returns the id of the live poll, or "" when none is active.
func (m *Manager) ActivePollID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return ""
	}
	return m.active.ID
}

// GetPoll returns a poll by id, preferring the live copy.
func (m *Manager) GetPoll(ctx context.Context, pollID string) (*types.Poll, error) {
	m.mu.Lock()
	if m.active != nil && m.active.ID == pollID {
		poll := m.active.Clone()
		m.mu.Unlock()
		return poll, nil
	}
	m.mu.Unlock()

	poll, err := m.store.FindPollByID(ctx, pollID)
	if errors.Is(err, interfaces.ErrNotFound) {
		return nil, types.ErrPollNotFound
	}
	if err != nil {
		return nil, types.Unavailable("find poll", err)
	}
	return poll, nil
}

// Results returns the tally of any poll.
func (m *Manager) Results(ctx context.Context, pollID string) (*types.Tally, error) {
	return m.ledger.Tally(ctx, pollID)
}

// History returns completed polls newest first, each with its final tally.
func (m *Manager) History(ctx context.Context) ([]*types.PollWithResults, error) {
	polls, err := m.store.ListCompletedPolls(ctx)
	if err != nil {
		slog.Error("Failed to list completed polls", "error", err)
		return nil, types.Unavailable("list polls", err)
	}

	history := make([]*types.PollWithResults, 0, len(polls))
	for _, poll := range polls {
		tally, err := m.ledger.TallyFor(ctx, poll)
		if err != nil {
			return nil, err
		}
		history = append(history, &types.PollWithResults{Poll: poll, Results: tally})
	}
	return history, nil
}

// Recover reloads the active poll after a restart. A poll whose window
// elapsed while the process was down is completed; otherwise its votes are
// loaded and the timer re-armed for the time left.
func (m *Manager) Recover(ctx context.Context) error {
	poll, err := m.store.FindActivePoll(ctx)
	if err != nil {
		slog.Error("Failed to load active poll", "error", err)
		return types.Unavailable("find active poll", err)
	}
	if poll == nil {
		slog.Info("No active poll to recover")
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ledger.Restore(ctx, poll); err != nil {
		return err
	}
	m.active = poll

	now := m.now()
	if poll.Expired(now) {
		slog.Info("Recovered poll already expired, completing", "poll_id", poll.ID)
		_, err := m.completeLocked(ctx, poll.ID)
		return err
	}

	m.armLocked(poll, poll.Remaining(now))
	slog.Info("Recovered active poll", "poll_id", poll.ID, "remaining_seconds", poll.RemainingSeconds(now))
	return nil
}

// Stop cancels all pending expiry timers.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.timers {
		m.stopTimerLocked(id)
	}
}
