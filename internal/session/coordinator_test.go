package session

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"livepoll/internal/poll"
	"livepoll/internal/presence"
	"livepoll/internal/testutil"
	"livepoll/internal/vote"
	"livepoll/pkg/types"
)

type fixture struct {
	coordinator *Coordinator
	polls       *poll.Manager
	ledger      *vote.Ledger
	store       *testutil.MemStore
	recorder    *testutil.Recorder
}

func setup(t *testing.T) *fixture {
	t.Helper()
	store := testutil.NewMemStore()
	ledger := vote.NewLedger(store)
	polls := poll.NewManager(store, ledger)
	registry := presence.NewRegistry(store)
	recorder := testutil.NewRecorder()
	t.Cleanup(polls.Stop)

	return &fixture{
		coordinator: NewCoordinator(polls, ledger, registry, store, recorder, DefaultConfig()),
		polls:       polls,
		ledger:      ledger,
		store:       store,
		recorder:    recorder,
	}
}

func colorDraft(duration int) types.PollDraft {
	return types.PollDraft{
		Question: "Pick a color",
		Options:  []types.Option{{ID: "o1", Text: "Red"}, {ID: "o2", Text: "Blue"}},
		Duration: duration,
	}
}

func lastSnapshot(t *testing.T, events []*types.Event) *types.Snapshot {
	t.Helper()
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Type == types.EventStateSync {
			return events[i].Payload.(*types.Snapshot)
		}
	}
	t.Fatal("no state:sync delivered")
	return nil
}

func TestCoordinator_StudentJoinSnapshot(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	p, err := f.coordinator.CreatePoll(ctx, colorDraft(30))
	if err != nil {
		t.Fatalf("CreatePoll failed: %v", err)
	}
	if _, err := f.coordinator.SubmitVote(ctx, "", types.VoteRequest{PollID: p.ID, StudentID: "sid-amy", OptionID: "o1"}); err != nil {
		t.Fatalf("SubmitVote failed: %v", err)
	}
	if _, err := f.coordinator.SendChat(ctx, types.ChatRequest{SenderName: "Teacher", Message: "Go!"}); err != nil {
		t.Fatalf("SendChat failed: %v", err)
	}
	f.recorder.Reset()

	if err := f.coordinator.Join(ctx, "conn-amy", types.JoinRequest{Role: types.RoleStudent, Name: "Amy", StudentID: "sid-amy"}); err != nil {
		t.Fatalf("Join failed: %v", err)
	}

	seq := f.recorder.Sequence()
	if len(seq) != 2 || seq[0] != "broadcast:participants:updated" || seq[1] != "send:state:sync" {
		t.Errorf("unexpected delivery sequence %v", seq)
	}

	snap := lastSnapshot(t, f.recorder.SentTo("conn-amy"))
	if snap.Poll == nil || snap.Poll.ID != p.ID {
		t.Fatalf("snapshot should carry the active poll, got %+v", snap.Poll)
	}
	if snap.Poll.RemainingTime < 29 || snap.Poll.RemainingTime > 30 {
		t.Errorf("remainingTime = %d, want about 30", snap.Poll.RemainingTime)
	}
	if snap.HasVoted == nil || !*snap.HasVoted {
		t.Error("snapshot should report that the student already voted")
	}
	if len(snap.Messages) != 1 || snap.Messages[0].Message != "Go!" {
		t.Errorf("snapshot should carry chat history, got %+v", snap.Messages)
	}
	if snap.Participants != nil {
		t.Error("student snapshots do not include the presence list")
	}
}

func TestCoordinator_TeacherJoinSnapshot(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	_ = f.coordinator.Join(ctx, "conn-amy", types.JoinRequest{Role: types.RoleStudent, Name: "Amy"})
	f.recorder.Reset()

	if err := f.coordinator.Join(ctx, "conn-teacher", types.JoinRequest{Role: types.RoleTeacher}); err != nil {
		t.Fatalf("teacher Join failed: %v", err)
	}
	if len(f.recorder.Broadcasts(types.EventPresenceUpdated)) != 0 {
		t.Error("teacher join must not change presence")
	}

	snap := lastSnapshot(t, f.recorder.SentTo("conn-teacher"))
	if snap.Poll != nil {
		t.Error("no poll is active")
	}
	if snap.HasVoted != nil {
		t.Error("teachers have no voted flag")
	}
	if len(snap.Participants) != 1 || snap.Participants[0].Name != "Amy" {
		t.Errorf("teacher snapshot should list participants, got %+v", snap.Participants)
	}
	if snap.Messages == nil {
		t.Error("messages should be an empty list, not nil")
	}
}

func TestCoordinator_JoinInvalidRole(t *testing.T) {
	f := setup(t)
	err := f.coordinator.Join(context.Background(), "c", types.JoinRequest{Role: "admin", Name: "x"})
	if !errors.Is(err, types.ErrInvalidRole) {
		t.Errorf("Expected invalid role, got %v", err)
	}
}

func TestCoordinator_VoteAckThenTally(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	p, _ := f.coordinator.CreatePoll(ctx, colorDraft(30))
	f.recorder.Reset()

	v, err := f.coordinator.SubmitVote(ctx, "conn-amy", types.VoteRequest{PollID: p.ID, StudentID: "amy", OptionID: "o1"})
	if err != nil {
		t.Fatalf("SubmitVote failed: %v", err)
	}

	seq := f.recorder.Sequence()
	if len(seq) != 2 || seq[0] != "send:vote:accepted" || seq[1] != "broadcast:poll:updated" {
		t.Fatalf("ack must precede the tally broadcast, got %v", seq)
	}
	ack := f.recorder.SentTo("conn-amy")[0].Payload.(*types.Vote)
	if ack.ID != v.ID {
		t.Errorf("ack should carry the admitted vote")
	}
	tally := f.recorder.Broadcasts(types.EventTallyUpdated)[0].Payload.(*types.Tally)
	if tally.TotalVotes != 1 || tally.Results[0].Percentage != 100 {
		t.Errorf("unexpected tally %+v", tally)
	}
}

func TestCoordinator_VoteScenarioB(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	p, _ := f.coordinator.CreatePoll(ctx, colorDraft(30))
	if _, err := f.coordinator.SubmitVote(ctx, "conn-amy", types.VoteRequest{PollID: p.ID, StudentID: "Amy", OptionID: "o1"}); err != nil {
		t.Fatalf("first vote failed: %v", err)
	}
	f.recorder.Reset()

	_, err := f.coordinator.SubmitVote(ctx, "conn-amy", types.VoteRequest{PollID: p.ID, StudentID: "Amy", OptionID: "o2"})
	if !errors.Is(err, types.ErrConflict) {
		t.Fatalf("Expected conflict, got %v", err)
	}
	if len(f.recorder.Deliveries()) != 0 {
		t.Errorf("failed votes must not be broadcast, got %v", f.recorder.Sequence())
	}

	results, _ := f.polls.Results(ctx, p.ID)
	if results.Results[0].Count != 1 || results.Results[0].Percentage != 100 {
		t.Errorf("tally should show o1 count 1 at 100%%, got %+v", results.Results[0])
	}
}

func TestCoordinator_KickScenarioD(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	_ = f.coordinator.Join(ctx, "conn-amy", types.JoinRequest{Role: types.RoleStudent, Name: "Amy"})
	_ = f.coordinator.Join(ctx, "conn-ben", types.JoinRequest{Role: types.RoleStudent, Name: "Ben"})

	list := f.coordinator.presence.List()
	var amyID string
	for _, p := range list {
		if p.Name == "Amy" {
			amyID = p.ID
		}
	}
	f.recorder.Reset()

	if _, err := f.coordinator.Kick(ctx, amyID); err != nil {
		t.Fatalf("Kick failed: %v", err)
	}

	seq := f.recorder.Sequence()
	want := []string{"send:participant:kicked", "disconnect:conn-amy", "broadcast:participants:updated"}
	if strings.Join(seq, ",") != strings.Join(want, ",") {
		t.Fatalf("kick sequence = %v, want %v", seq, want)
	}

	presenceList := f.recorder.Broadcasts(types.EventPresenceUpdated)[0].Payload.([]*types.Participant)
	if len(presenceList) != 1 || presenceList[0].Name != "Ben" {
		t.Errorf("presence broadcast must exclude the kicked student, got %+v", presenceList)
	}

	// The kicked connection closing afterwards changes nothing.
	f.recorder.Reset()
	f.coordinator.Disconnect(ctx, "conn-amy")
	if len(f.recorder.Deliveries()) != 0 {
		t.Errorf("disconnect of a kicked connection should be silent, got %v", f.recorder.Sequence())
	}

	// Rejoining under the same name is refused.
	if err := f.coordinator.Join(ctx, "conn-amy-2", types.JoinRequest{Role: types.RoleStudent, Name: "amy"}); !errors.Is(err, types.ErrKicked) {
		t.Fatalf("kicked rejoin should report ErrKicked, got %v", err)
	}
	seq = f.recorder.Sequence()
	want = []string{"send:participant:kicked", "disconnect:conn-amy-2"}
	if strings.Join(seq, ",") != strings.Join(want, ",") {
		t.Errorf("kicked rejoin sequence = %v, want %v", seq, want)
	}
}

func TestCoordinator_KickUnknown(t *testing.T) {
	f := setup(t)
	if _, err := f.coordinator.Kick(context.Background(), "nope"); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("Expected not found, got %v", err)
	}
	if len(f.recorder.Deliveries()) != 0 {
		t.Error("failed kick must not broadcast")
	}
}

func TestCoordinator_Disconnect(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	_ = f.coordinator.Join(ctx, "conn-amy", types.JoinRequest{Role: types.RoleStudent, Name: "Amy"})
	f.recorder.Reset()

	f.coordinator.Disconnect(ctx, "conn-amy")
	updates := f.recorder.Broadcasts(types.EventPresenceUpdated)
	if len(updates) != 1 || len(updates[0].Payload.([]*types.Participant)) != 0 {
		t.Errorf("disconnect should broadcast an empty presence list, got %v", f.recorder.Sequence())
	}

	f.recorder.Reset()
	f.coordinator.Disconnect(ctx, "conn-teacher")
	if len(f.recorder.Deliveries()) != 0 {
		t.Error("disconnect of an unbound connection should not broadcast")
	}
}

func TestCoordinator_DisconnectKeepsPollTimer(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	p, _ := f.coordinator.CreatePoll(ctx, colorDraft(1))
	_ = f.coordinator.Join(ctx, "conn-amy", types.JoinRequest{Role: types.RoleStudent, Name: "Amy"})
	f.coordinator.Disconnect(ctx, "conn-amy")

	ok := f.recorder.WaitFor(3*time.Second, func() bool {
		return len(f.recorder.Broadcasts(types.EventPollCompleted)) == 1
	})
	if !ok {
		t.Fatal("poll should still complete on its timer")
	}
	payload := f.recorder.Broadcasts(types.EventPollCompleted)[0].Payload.(types.PollCompletedPayload)
	if payload.PollID != p.ID || payload.Results == nil {
		t.Errorf("unexpected completion payload %+v", payload)
	}
}

func TestCoordinator_PollBroadcasts(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	p, err := f.coordinator.CreatePoll(ctx, colorDraft(30))
	if err != nil {
		t.Fatalf("CreatePoll failed: %v", err)
	}
	created := f.recorder.Broadcasts(types.EventPollCreated)
	if len(created) != 1 {
		t.Fatalf("Expected one poll:created, got %d", len(created))
	}
	view := created[0].Payload.(*types.ActivePoll)
	if view.ID != p.ID || view.RemainingTime != 30 || view.Results.TotalVotes != 0 {
		t.Errorf("unexpected poll:created payload %+v", view)
	}

	if _, err := f.coordinator.CreatePoll(ctx, colorDraft(30)); !errors.Is(err, types.ErrPollAlreadyActive) {
		t.Errorf("Expected conflict, got %v", err)
	}

	if _, err := f.coordinator.ClosePoll(ctx, p.ID); err != nil {
		t.Fatalf("ClosePoll failed: %v", err)
	}
	if _, err := f.coordinator.ClosePoll(ctx, p.ID); err != nil {
		t.Fatalf("second ClosePoll should be a no-op: %v", err)
	}
	if n := len(f.recorder.Broadcasts(types.EventPollCompleted)); n != 1 {
		t.Errorf("Expected exactly one poll:completed, got %d", n)
	}
}

func TestCoordinator_SendChat(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		req     types.ChatRequest
		wantErr error
	}{
		{"valid", types.ChatRequest{SenderName: "Amy", Message: " hi "}, nil},
		{"blank message", types.ChatRequest{SenderName: "Amy", Message: "   "}, types.ErrEmptyChatMessage},
		{"missing sender", types.ChatRequest{Message: "hi"}, types.ErrEmptyChatMessage},
		{"too long", types.ChatRequest{SenderName: "Amy", Message: strings.Repeat("x", 501)}, types.ErrChatTooLong},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f.recorder.Reset()
			msg, err := f.coordinator.SendChat(ctx, tt.req)
			if !errors.Is(err, tt.wantErr) && !(err == nil && tt.wantErr == nil) {
				t.Fatalf("SendChat() error = %v, want %v", err, tt.wantErr)
			}
			broadcasts := f.recorder.Broadcasts(types.EventChatMessage)
			if tt.wantErr != nil {
				if len(broadcasts) != 0 {
					t.Error("invalid chat must not be broadcast")
				}
				return
			}
			if msg.Message != "hi" || len(broadcasts) != 1 {
				t.Errorf("unexpected message %+v, broadcasts %d", msg, len(broadcasts))
			}
		})
	}
}

func TestCoordinator_ResyncStudentAfterVote(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	p, _ := f.coordinator.CreatePoll(ctx, colorDraft(30))
	_, _ = f.coordinator.SubmitVote(ctx, "conn-1", types.VoteRequest{PollID: p.ID, StudentID: "sid", OptionID: "o2"})

	if err := f.coordinator.Resync(ctx, "conn-2", types.ResyncRequest{Role: types.RoleStudent, StudentID: "sid"}); err != nil {
		t.Fatalf("Resync failed: %v", err)
	}
	snap := lastSnapshot(t, f.recorder.SentTo("conn-2"))
	if snap.HasVoted == nil || !*snap.HasVoted {
		t.Error("resync should report the earlier vote")
	}
	if snap.Poll.Results.Results[1].Count != 1 {
		t.Errorf("resync should carry current results, got %+v", snap.Poll.Results)
	}

	if err := f.coordinator.Resync(ctx, "conn-2", types.ResyncRequest{Role: "guest"}); !errors.Is(err, types.ErrInvalidRole) {
		t.Errorf("Expected invalid role, got %v", err)
	}
}

func TestCoordinator_SnapshotStoreFailure(t *testing.T) {
	f := setup(t)
	f.store.FailOn("ListRecentChatMessages", testutil.ErrInjected)

	err := f.coordinator.Join(context.Background(), "conn-t", types.JoinRequest{Role: types.RoleTeacher})
	if !errors.Is(err, types.ErrStorageUnavailable) {
		t.Errorf("Expected storage unavailable, got %v", err)
	}
	if len(f.recorder.SentTo("conn-t")) != 0 {
		t.Error("no snapshot should be sent when it cannot be built")
	}
}
