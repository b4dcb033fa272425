package vote

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"livepoll/pkg/interfaces"
	"livepoll/pkg/types"
)

// Store is the slice of the durable store the ledger needs.
type Store interface {
	interfaces.VoteStore
	FindPollByID(ctx context.Context, pollID string) (*types.Poll, error)
}

// Ledger admits votes and keeps per-poll counts for the polls it has open.
// Each open poll has its own book and lock, so admissions on one poll never
// wait on another.
type Ledger struct {
	store Store
	now   func() time.Time

	mu    sync.RWMutex
	books map[string]*book
}

type book struct {
	mu     sync.Mutex
	poll   *types.Poll
	sealed bool
	votes  map[string]*types.Vote // by student id
	counts map[string]int         // by option id
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the time source used for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		l.now = now
	}
}

// NewLedger creates a ledger backed by store.
func NewLedger(store Store, opts ...Option) *Ledger {
	l := &Ledger{
		store: store,
		now:   time.Now,
		books: make(map[string]*book),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Open starts accepting votes for poll, seeded with votes already recorded.
func (l *Ledger) Open(poll *types.Poll, votes []*types.Vote) {
	b := &book{
		poll:   poll.Clone(),
		votes:  make(map[string]*types.Vote, len(votes)),
		counts: make(map[string]int),
	}
	for _, v := range votes {
		if _, dup := b.votes[v.StudentID]; dup {
			continue
		}
		b.votes[v.StudentID] = v
		b.counts[v.OptionID]++
	}

	l.mu.Lock()
	l.books[poll.ID] = b
	l.mu.Unlock()
}

// Restore opens poll with the votes the store already holds for it.
func (l *Ledger) Restore(ctx context.Context, poll *types.Poll) error {
	votes, err := l.store.ListVotes(ctx, poll.ID)
	if err != nil {
		slog.Error("Failed to load votes", "poll_id", poll.ID, "error", err)
		return types.Unavailable("load votes", err)
	}
	l.Open(poll, votes)
	slog.Info("Restored vote ledger", "poll_id", poll.ID, "votes", len(votes))
	return nil
}

// Seal stops admission for pollID. Any admission already holding the book
// finishes first. Returns false when the poll is not open.
func (l *Ledger) Seal(pollID string) bool {
	b := l.book(pollID)
	if b == nil {
		return false
	}
	b.mu.Lock()
	b.sealed = true
	b.mu.Unlock()
	return true
}

// Unseal reopens a sealed book after a failed completion.
func (l *Ledger) Unseal(pollID string) {
	if b := l.book(pollID); b != nil {
		b.mu.Lock()
		b.sealed = false
		b.mu.Unlock()
	}
}

// Forget drops the book for pollID. Later lookups fall through to the store.
func (l *Ledger) Forget(pollID string) {
	l.mu.Lock()
	delete(l.books, pollID)
	l.mu.Unlock()
}

func (l *Ledger) book(pollID string) *book {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.books[pollID]
}

// Admit records a vote. The checks run in order under the poll's book lock
// together with the insert: poll exists, poll active, window not elapsed,
// student has not voted, option belongs to the poll.
func (l *Ledger) Admit(ctx context.Context, pollID, studentID, optionID string) (*types.Vote, error) {
	if pollID == "" || studentID == "" || optionID == "" {
		return nil, types.ErrMissingVoteFields
	}

	b := l.book(pollID)
	if b == nil {
		return nil, l.closedPollError(ctx, pollID)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := l.now()
	if b.sealed || b.poll.Status != types.PollStatusActive {
		return nil, types.ErrPollNotActive
	}
	if b.poll.Expired(now) {
		return nil, types.ErrPollExpired
	}
	if _, voted := b.votes[studentID]; voted {
		return nil, types.ErrAlreadyVoted
	}
	if !b.poll.HasOption(optionID) {
		return nil, types.ErrInvalidOption
	}

	vote := &types.Vote{
		ID:        uuid.New().String(),
		PollID:    pollID,
		StudentID: studentID,
		OptionID:  optionID,
		CreatedAt: types.NowMillis(now),
	}
	if err := l.store.CreateVote(ctx, vote); err != nil {
		if errors.Is(err, interfaces.ErrDuplicateVote) {
			return nil, types.ErrAlreadyVoted
		}
		slog.Error("Failed to record vote", "poll_id", pollID, "student_id", studentID, "error", err)
		return nil, types.Unavailable("record vote", err)
	}

	b.votes[studentID] = vote
	b.counts[optionID]++

	slog.Debug("Admitted vote", "poll_id", pollID, "student_id", studentID, "option_id", optionID)
	cp := *vote
	return &cp, nil
}

// closedPollError explains why a poll without an open book rejects votes.
func (l *Ledger) closedPollError(ctx context.Context, pollID string) error {
	_, err := l.store.FindPollByID(ctx, pollID)
	if errors.Is(err, interfaces.ErrNotFound) {
		return types.ErrPollNotFound
	}
	if err != nil {
		slog.Error("Failed to look up poll", "poll_id", pollID, "error", err)
		return types.Unavailable("find poll", err)
	}
	return types.ErrPollNotActive
}

// Tally returns the results of pollID, from memory while the poll is open
// and from the store otherwise.
func (l *Ledger) Tally(ctx context.Context, pollID string) (*types.Tally, error) {
	if b := l.book(pollID); b != nil {
		b.mu.Lock()
		defer b.mu.Unlock()
		return BuildTally(b.poll, b.counts), nil
	}

	poll, err := l.store.FindPollByID(ctx, pollID)
	if errors.Is(err, interfaces.ErrNotFound) {
		return nil, types.ErrPollNotFound
	}
	if err != nil {
		return nil, types.Unavailable("find poll", err)
	}
	return l.TallyFor(ctx, poll)
}

// TallyFor computes the results of a poll the caller already holds.
func (l *Ledger) TallyFor(ctx context.Context, poll *types.Poll) (*types.Tally, error) {
	if b := l.book(poll.ID); b != nil {
		b.mu.Lock()
		defer b.mu.Unlock()
		return BuildTally(b.poll, b.counts), nil
	}

	counts, err := l.store.CountVotesByOption(ctx, poll.ID)
	if err != nil {
		slog.Error("Failed to count votes", "poll_id", poll.ID, "error", err)
		return nil, types.Unavailable("count votes", err)
	}
	return BuildTally(poll, counts), nil
}

// HasVoted reports whether studentID has a vote on pollID.
func (l *Ledger) HasVoted(ctx context.Context, pollID, studentID string) (bool, error) {
	_, ok, err := l.VoteOf(ctx, pollID, studentID)
	return ok, err
}

// VoteOf returns the vote studentID cast on pollID, if any.
func (l *Ledger) VoteOf(ctx context.Context, pollID, studentID string) (*types.Vote, bool, error) {
	if b := l.book(pollID); b != nil {
		b.mu.Lock()
		defer b.mu.Unlock()
		v, ok := b.votes[studentID]
		if !ok {
			return nil, false, nil
		}
		cp := *v
		return &cp, true, nil
	}

	v, err := l.store.FindVote(ctx, pollID, studentID)
	if errors.Is(err, interfaces.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, types.Unavailable("find vote", err)
	}
	return v, true, nil
}
