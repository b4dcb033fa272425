package poll

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"livepoll/internal/testutil"
	"livepoll/internal/vote"
	"livepoll/pkg/types"
)

type recordedEvents struct {
	mu        sync.Mutex
	created   []*types.Poll
	completed []*types.Poll
	tallies   []*types.Tally
	done      chan string
}

func newRecordedEvents() *recordedEvents {
	return &recordedEvents{done: make(chan string, 10)}
}

func (e *recordedEvents) PollCreated(poll *types.Poll) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.created = append(e.created, poll)
}

func (e *recordedEvents) PollCompleted(poll *types.Poll, tally *types.Tally) {
	e.mu.Lock()
	e.completed = append(e.completed, poll)
	e.tallies = append(e.tallies, tally)
	e.mu.Unlock()
	e.done <- poll.ID
}

func (e *recordedEvents) completedCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.completed)
}

func colorDraft(duration int) types.PollDraft {
	return types.PollDraft{
		Question: "Pick a color",
		Options: []types.Option{
			{ID: "o1", Text: "Red"},
			{ID: "o2", Text: "Blue"},
		},
		Duration: duration,
	}
}

func setupManager(t *testing.T, opts ...Option) (*Manager, *vote.Ledger, *testutil.MemStore, *recordedEvents) {
	t.Helper()
	store := testutil.NewMemStore()
	ledger := vote.NewLedger(store)
	events := newRecordedEvents()
	manager := NewManager(store, ledger, append([]Option{WithEvents(events)}, opts...)...)
	t.Cleanup(manager.Stop)
	return manager, ledger, store, events
}

func TestManager_CreatePollScenarioA(t *testing.T) {
	manager, _, store, events := setupManager(t)
	ctx := context.Background()

	poll, err := manager.CreatePoll(ctx, colorDraft(1))
	if err != nil {
		t.Fatalf("CreatePoll failed: %v", err)
	}
	if poll.Status != types.PollStatusActive || poll.Options[0].ID != "o1" {
		t.Errorf("unexpected poll %+v", poll)
	}

	active, err := manager.ActivePoll(ctx)
	if err != nil || active == nil {
		t.Fatalf("ActivePoll = %+v, %v", active, err)
	}
	if active.RemainingTime != 1 {
		t.Errorf("Expected remainingTime 1 right after creation, got %d", active.RemainingTime)
	}
	if active.Results == nil || active.Results.TotalVotes != 0 {
		t.Errorf("active poll should carry an empty tally, got %+v", active.Results)
	}

	select {
	case id := <-events.done:
		if id != poll.ID {
			t.Errorf("completed %s, want %s", id, poll.ID)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timer did not complete the poll")
	}

	stored, _ := store.FindPollByID(ctx, poll.ID)
	if stored.Status != types.PollStatusCompleted {
		t.Errorf("stored status = %s, want completed", stored.Status)
	}
	if active, _ := manager.ActivePoll(ctx); active != nil {
		t.Errorf("no poll should be active after expiry, got %+v", active)
	}
	if len(events.created) != 1 {
		t.Errorf("Expected one created event, got %d", len(events.created))
	}
}

func TestManager_SingleActivePoll(t *testing.T) {
	manager, _, _, _ := setupManager(t)
	ctx := context.Background()

	first, err := manager.CreatePoll(ctx, colorDraft(60))
	if err != nil {
		t.Fatalf("first poll: %v", err)
	}

	_, err = manager.CreatePoll(ctx, colorDraft(60))
	if !errors.Is(err, types.ErrConflict) {
		t.Fatalf("Expected conflict while a poll is active, got %v", err)
	}

	if _, err := manager.CompletePoll(ctx, first.ID); err != nil {
		t.Fatalf("CompletePoll failed: %v", err)
	}
	if _, err := manager.CreatePoll(ctx, colorDraft(60)); err != nil {
		t.Errorf("creation after completion should succeed: %v", err)
	}
}

func TestManager_CreatePollValidation(t *testing.T) {
	manager, _, store, _ := setupManager(t)
	ctx := context.Background()

	draft := colorDraft(61)
	if _, err := manager.CreatePoll(ctx, draft); !errors.Is(err, types.ErrValidation) {
		t.Errorf("Expected validation error, got %v", err)
	}
	if store.Calls("CreatePoll") != 0 {
		t.Error("invalid draft must not reach the store")
	}
}

func TestManager_GeneratesOptionIDs(t *testing.T) {
	manager, _, _, _ := setupManager(t)

	draft := types.PollDraft{
		Question: "  Yes or no?  ",
		Options:  []types.Option{{Text: "Yes"}, {Text: "No"}},
		Duration: 30,
	}
	poll, err := manager.CreatePoll(context.Background(), draft)
	if err != nil {
		t.Fatalf("CreatePoll failed: %v", err)
	}
	if poll.Question != "Yes or no?" {
		t.Errorf("question should be trimmed, got %q", poll.Question)
	}
	if poll.Options[0].ID == "" || poll.Options[0].ID == poll.Options[1].ID {
		t.Errorf("options need distinct generated ids, got %+v", poll.Options)
	}
}

func TestManager_CompleteIsIdempotent(t *testing.T) {
	manager, _, _, events := setupManager(t)
	ctx := context.Background()

	poll, _ := manager.CreatePoll(ctx, colorDraft(60))

	first, err := manager.CompletePoll(ctx, poll.ID)
	if err != nil {
		t.Fatalf("CompletePoll failed: %v", err)
	}
	second, err := manager.CompletePoll(ctx, poll.ID)
	if err != nil {
		t.Fatalf("second CompletePoll should be a no-op, got %v", err)
	}
	if first.Status != types.PollStatusCompleted || second.Status != types.PollStatusCompleted {
		t.Errorf("both calls should report completed: %s, %s", first.Status, second.Status)
	}
	if n := events.completedCount(); n != 1 {
		t.Errorf("Expected exactly one completion event, got %d", n)
	}

	if _, err := manager.CompletePoll(ctx, "missing"); !errors.Is(err, types.ErrPollNotFound) {
		t.Errorf("Expected not found for unknown poll, got %v", err)
	}
}

func TestManager_CompletionCarriesFinalTally(t *testing.T) {
	manager, ledger, _, events := setupManager(t)
	ctx := context.Background()

	poll, _ := manager.CreatePoll(ctx, colorDraft(60))
	for _, student := range []string{"amy", "ben", "cat"} {
		if _, err := ledger.Admit(ctx, poll.ID, student, "o2"); err != nil {
			t.Fatalf("Admit(%s) failed: %v", student, err)
		}
	}

	if _, err := manager.CompletePoll(ctx, poll.ID); err != nil {
		t.Fatalf("CompletePoll failed: %v", err)
	}
	tally := events.tallies[0]
	if tally.TotalVotes != 3 || tally.Results[1].Percentage != 100 {
		t.Errorf("unexpected final tally %+v", tally)
	}

	if _, err := ledger.Admit(ctx, poll.ID, "dan", "o1"); !errors.Is(err, types.ErrPollNotActive) {
		t.Errorf("votes after completion should be rejected as not active, got %v", err)
	}

	results, err := manager.Results(ctx, poll.ID)
	if err != nil || results.TotalVotes != 3 {
		t.Errorf("Results after completion = %+v, %v", results, err)
	}
}

func TestManager_CompleteStoreFailureRollsBack(t *testing.T) {
	manager, ledger, store, events := setupManager(t, WithRetryDelay(20*time.Millisecond))
	ctx := context.Background()

	poll, _ := manager.CreatePoll(ctx, colorDraft(60))

	store.FailOn("SetPollStatus", testutil.ErrInjected)
	_, err := manager.CompletePoll(ctx, poll.ID)
	if !errors.Is(err, types.ErrStorageUnavailable) {
		t.Fatalf("Expected storage unavailable, got %v", err)
	}
	store.FailOn("SetPollStatus", nil)

	// Well past the retry delay: the original 60s window must be back in force.
	time.Sleep(150 * time.Millisecond)

	if manager.ActivePollID() != poll.ID {
		t.Error("failed completion must leave the poll active")
	}
	if calls := store.Calls("SetPollStatus"); calls != 1 {
		t.Errorf("failed explicit close must not be retried, got %d writes", calls)
	}
	if _, err := ledger.Admit(ctx, poll.ID, "amy", "o1"); err != nil {
		t.Errorf("poll should still admit votes after a failed completion: %v", err)
	}
	if events.completedCount() != 0 {
		t.Error("no completion event may be emitted when persistence fails")
	}
	active, err := manager.ActivePoll(ctx)
	if err != nil || active == nil || active.RemainingTime < 59 {
		t.Errorf("remaining time should be unchanged, got %+v (err %v)", active, err)
	}

	if _, err := manager.CompletePoll(ctx, poll.ID); err != nil {
		t.Errorf("completion should succeed once the store recovers: %v", err)
	}
}

func TestManager_ExpiryRetriesOnce(t *testing.T) {
	manager, _, store, events := setupManager(t, WithRetryDelay(50*time.Millisecond))
	ctx := context.Background()

	store.FailOn("SetPollStatus", testutil.ErrInjected)
	poll, _ := manager.CreatePoll(ctx, colorDraft(1))

	time.Sleep(1500 * time.Millisecond)

	if calls := store.Calls("SetPollStatus"); calls != 2 {
		t.Errorf("Expected the expiry and one retry, got %d writes", calls)
	}
	if manager.ActivePollID() != poll.ID || events.completedCount() != 0 {
		t.Error("poll should stay active while its completion cannot be stored")
	}

	store.FailOn("SetPollStatus", nil)
	if _, err := manager.CompletePoll(ctx, poll.ID); err != nil {
		t.Fatalf("explicit close should complete the expired poll: %v", err)
	}
	if events.completedCount() != 1 {
		t.Errorf("Expected one completion, got %d", events.completedCount())
	}
}

func TestManager_ExpiryRetrySucceeds(t *testing.T) {
	manager, _, store, events := setupManager(t, WithRetryDelay(300*time.Millisecond))
	ctx := context.Background()

	store.FailOn("SetPollStatus", testutil.ErrInjected)
	poll, _ := manager.CreatePoll(ctx, colorDraft(1))

	deadline := time.Now().Add(2 * time.Second)
	for store.Calls("SetPollStatus") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("expiry never attempted completion")
		}
		time.Sleep(5 * time.Millisecond)
	}
	store.FailOn("SetPollStatus", nil)

	select {
	case id := <-events.done:
		if id != poll.ID {
			t.Errorf("Expected completion of %s, got %s", poll.ID, id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("retry did not complete the poll")
	}
	if manager.ActivePollID() != "" {
		t.Error("no poll should be active after the retry")
	}
}

func TestManager_CreateStoreFailure(t *testing.T) {
	manager, _, store, events := setupManager(t)
	ctx := context.Background()

	store.FailOn("CreatePoll", testutil.ErrInjected)
	if _, err := manager.CreatePoll(ctx, colorDraft(60)); !errors.Is(err, types.ErrStorageUnavailable) {
		t.Fatalf("Expected storage unavailable, got %v", err)
	}
	if manager.ActivePollID() != "" || len(events.created) != 0 {
		t.Error("failed creation must not leave an active poll or emit an event")
	}
}

func TestManager_ExpiredActiveDoesNotBlockCreate(t *testing.T) {
	clock := testutil.NewClock(time.Now())
	manager, _, _, events := setupManager(t, WithClock(clock.Now))
	ctx := context.Background()

	first, _ := manager.CreatePoll(ctx, colorDraft(60))
	clock.Advance(61 * time.Second)

	second, err := manager.CreatePoll(ctx, colorDraft(60))
	if err != nil {
		t.Fatalf("an elapsed poll should be completed lazily, got %v", err)
	}
	if second.ID == first.ID || manager.ActivePollID() != second.ID {
		t.Error("second poll should be the active one")
	}
	if events.completedCount() != 1 {
		t.Errorf("first poll should have emitted a completion, got %d", events.completedCount())
	}
}

func TestManager_RemainingTimeFromStart(t *testing.T) {
	clock := testutil.NewClock(time.Now())
	manager, _, _, _ := setupManager(t, WithClock(clock.Now))
	ctx := context.Background()

	if _, err := manager.CreatePoll(ctx, colorDraft(10)); err != nil {
		t.Fatalf("CreatePoll failed: %v", err)
	}

	want := []int{10, 9, 7, 0, 0}
	steps := []time.Duration{0, 1500 * time.Millisecond, 2 * time.Second, 7 * time.Second, 5 * time.Second}
	for i, step := range steps {
		clock.Advance(step)
		active, err := manager.ActivePoll(ctx)
		if err != nil || active == nil {
			t.Fatalf("ActivePoll = %+v, %v", active, err)
		}
		if active.RemainingTime != want[i] {
			t.Errorf("step %d: remainingTime = %d, want %d", i, active.RemainingTime, want[i])
		}
	}
}

func TestManager_RecoverReArmsTimer(t *testing.T) {
	store := testutil.NewMemStore()
	ctx := context.Background()

	now := time.Now()
	live := &types.Poll{
		ID:        "live",
		Question:  "Still running?",
		Options:   []types.Option{{ID: "o1", Text: "Yes"}, {ID: "o2", Text: "No"}},
		Duration:  60,
		StartTime: types.NowMillis(now.Add(-59500 * time.Millisecond)),
		Status:    types.PollStatusActive,
		CreatedAt: types.NowMillis(now),
	}
	_ = store.CreatePoll(ctx, live)
	_ = store.CreateVote(ctx, &types.Vote{ID: "v1", PollID: "live", StudentID: "amy", OptionID: "o1"})

	ledger := vote.NewLedger(store)
	events := newRecordedEvents()
	manager := NewManager(store, ledger, WithEvents(events))
	defer manager.Stop()

	if err := manager.Recover(ctx); err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	if manager.ActivePollID() != "live" {
		t.Fatal("recovered poll should be active")
	}
	if _, err := ledger.Admit(ctx, "live", "amy", "o2"); !errors.Is(err, types.ErrAlreadyVoted) {
		t.Errorf("recovered votes should be enforced, got %v", err)
	}

	select {
	case <-events.done:
	case <-time.After(3 * time.Second):
		t.Fatal("re-armed timer should complete the poll from its original start time")
	}
	if events.tallies[0].TotalVotes != 1 {
		t.Errorf("final tally should include recovered votes, got %+v", events.tallies[0])
	}
}

func TestManager_RecoverCompletesExpiredPoll(t *testing.T) {
	store := testutil.NewMemStore()
	ctx := context.Background()

	stale := &types.Poll{
		ID:        "stale",
		Question:  "Old?",
		Options:   []types.Option{{ID: "o1", Text: "Yes"}, {ID: "o2", Text: "No"}},
		Duration:  5,
		StartTime: types.NowMillis(time.Now().Add(-time.Hour)),
		Status:    types.PollStatusActive,
	}
	_ = store.CreatePoll(ctx, stale)

	manager := NewManager(store, vote.NewLedger(store))
	defer manager.Stop()

	if err := manager.Recover(ctx); err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	if manager.ActivePollID() != "" {
		t.Error("expired poll must not be active after recovery")
	}
	stored, _ := store.FindPollByID(ctx, "stale")
	if stored.Status != types.PollStatusCompleted {
		t.Errorf("stored status = %s, want completed", stored.Status)
	}
}

func TestManager_History(t *testing.T) {
	manager, ledger, _, _ := setupManager(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		poll, err := manager.CreatePoll(ctx, colorDraft(60))
		if err != nil {
			t.Fatalf("CreatePoll failed: %v", err)
		}
		if _, err := ledger.Admit(ctx, poll.ID, "amy", "o1"); err != nil {
			t.Fatalf("Admit failed: %v", err)
		}
		if _, err := manager.CompletePoll(ctx, poll.ID); err != nil {
			t.Fatalf("CompletePoll failed: %v", err)
		}
		time.Sleep(2 * time.Millisecond)
	}

	history, err := manager.History(ctx)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("Expected 2 completed polls, got %d", len(history))
	}
	if history[0].CreatedAt < history[1].CreatedAt {
		t.Error("history should be newest first")
	}
	for _, h := range history {
		if h.Results.TotalVotes != 1 || h.Results.Results[0].Percentage != 100 {
			t.Errorf("unexpected results %+v", h.Results)
		}
	}
}

func TestManager_VoteRacingExpiry(t *testing.T) {
	manager, ledger, _, events := setupManager(t)
	ctx := context.Background()

	poll, _ := manager.CreatePoll(ctx, colorDraft(1))

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			time.Sleep(time.Duration(i) * 7 * time.Millisecond)
			if _, err := ledger.Admit(ctx, poll.ID, "student-"+string(rune('a'+i%26))+string(rune('a'+i/26)), "o1"); err == nil {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	select {
	case <-events.done:
	case <-time.After(3 * time.Second):
		t.Fatal("poll did not complete")
	}
	mu.Lock()
	defer mu.Unlock()
	if events.tallies[0].TotalVotes != admitted {
		t.Errorf("final tally %d must equal admitted votes %d", events.tallies[0].TotalVotes, admitted)
	}
}
