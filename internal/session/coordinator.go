package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"livepoll/internal/poll"
	"livepoll/internal/presence"
	"livepoll/internal/vote"
	"livepoll/pkg/interfaces"
	"livepoll/pkg/types"
)

// Publisher delivers outbound events. Deliveries from one caller must reach
// each connection in call order.
type Publisher interface {
	Broadcast(event *types.Event)
	Send(connID string, event *types.Event)
	Disconnect(connID string)
}

// Config holds coordinator limits.
type Config struct {
	ChatHistoryLimit int
	MaxChatLength    int
}

// DefaultConfig returns the classroom defaults.
func DefaultConfig() Config {
	return Config{
		ChatHistoryLimit: 50,
		MaxChatLength:    500,
	}
}

// Coordinator turns client events into calls on the poll manager, ledger
// and presence registry, and decides who hears about the result.
type Coordinator struct {
	polls     *poll.Manager
	ledger    *vote.Ledger
	presence  *presence.Registry
	chat      interfaces.ChatStore
	publisher Publisher
	config    Config

	// fanout orders ack and tally deliveries so tallies never go backwards.
	fanout sync.Mutex
}

var _ poll.Events = (*Coordinator)(nil)

// NewCoordinator wires the components and registers for poll transitions.
func NewCoordinator(polls *poll.Manager, ledger *vote.Ledger, registry *presence.Registry, chat interfaces.ChatStore, publisher Publisher, config Config) *Coordinator {
	c := &Coordinator{
		polls:     polls,
		ledger:    ledger,
		presence:  registry,
		chat:      chat,
		publisher: publisher,
		config:    config,
	}
	polls.SetEvents(c)
	return c
}

// Join handles a join from connID. Students are registered in presence and
// everyone receives the new list; the joining connection gets a snapshot.
// A kicked name receives the ejection notice, is disconnected and Join
// returns types.ErrKicked so the caller binds no role.
func (c *Coordinator) Join(ctx context.Context, connID string, req types.JoinRequest) error {
	switch req.Role {
	case types.RoleTeacher:
		return c.sendSnapshot(ctx, connID, types.RoleTeacher, "")

	case types.RoleStudent:
		if _, err := c.presence.Join(ctx, req.Name, connID); err != nil {
			if errors.Is(err, types.ErrKicked) {
				c.eject(connID)
				return err
			}
			return err
		}
		c.broadcastPresence()
		return c.sendSnapshot(ctx, connID, types.RoleStudent, req.StudentID)

	default:
		return types.ErrInvalidRole
	}
}

// Resync re-sends the join snapshot for the declared role.
func (c *Coordinator) Resync(ctx context.Context, connID string, req types.ResyncRequest) error {
	if !types.IsValidRole(req.Role) {
		return types.ErrInvalidRole
	}
	return c.sendSnapshot(ctx, connID, req.Role, req.StudentID)
}

// Snapshot builds the state bundle for role. studentID is only consulted for
// students, to report whether they voted on the active poll.
func (c *Coordinator) Snapshot(ctx context.Context, role, studentID string) (*types.Snapshot, error) {
	active, err := c.polls.ActivePoll(ctx)
	if err != nil {
		return nil, err
	}

	messages, err := c.chat.ListRecentChatMessages(ctx, c.config.ChatHistoryLimit)
	if err != nil {
		slog.Error("Failed to load chat history", "error", err)
		return nil, types.Unavailable("load chat", err)
	}
	if messages == nil {
		messages = []*types.ChatMessage{}
	}

	snapshot := &types.Snapshot{
		Role:     role,
		Poll:     active,
		Messages: messages,
	}

	switch role {
	case types.RoleStudent:
		voted := false
		if active != nil && studentID != "" {
			voted, err = c.ledger.HasVoted(ctx, active.ID, studentID)
			if err != nil {
				return nil, err
			}
		}
		snapshot.HasVoted = &voted
	case types.RoleTeacher:
		snapshot.Participants = c.presence.List()
	}
	return snapshot, nil
}

func (c *Coordinator) sendSnapshot(ctx context.Context, connID, role, studentID string) error {
	snapshot, err := c.Snapshot(ctx, role, studentID)
	if err != nil {
		return err
	}
	c.publisher.Send(connID, types.NewEvent(types.EventStateSync, snapshot))
	return nil
}

// CreatePoll starts a poll. The poll:created broadcast is emitted by the
// PollCreated callback.
func (c *Coordinator) CreatePoll(ctx context.Context, draft types.PollDraft) (*types.Poll, error) {
	return c.polls.CreatePoll(ctx, draft)
}

// ClosePoll completes a poll ahead of its timer.
func (c *Coordinator) ClosePoll(ctx context.Context, pollID string) (*types.Poll, error) {
	return c.polls.CompletePoll(ctx, pollID)
}

// SubmitVote admits a vote, acknowledges it to connID and then broadcasts
// the refreshed tally. Rejections are returned to the caller and nothing is
// broadcast. connID may be empty for votes that arrive without a connection.
func (c *Coordinator) SubmitVote(ctx context.Context, connID string, req types.VoteRequest) (*types.Vote, error) {
	v, err := c.ledger.Admit(ctx, req.PollID, req.StudentID, req.OptionID)
	if err != nil {
		slog.Debug("Vote rejected", "poll_id", req.PollID, "student_id", req.StudentID, "error", err)
		return nil, err
	}

	c.fanout.Lock()
	defer c.fanout.Unlock()

	if connID != "" {
		c.publisher.Send(connID, types.NewEvent(types.EventVoteAccepted, v))
	}

	tally, err := c.ledger.Tally(ctx, v.PollID)
	if err != nil {
		// The vote is recorded; clients converge on the next tally or resync.
		slog.Warn("Failed to compute tally after vote", "poll_id", v.PollID, "error", err)
		return v, nil
	}
	c.publisher.Broadcast(types.NewEvent(types.EventTallyUpdated, tally))
	return v, nil
}

// Kick ejects a participant: the bound connection is notified and closed,
// then everyone receives the new presence list.
func (c *Coordinator) Kick(ctx context.Context, participantID string) (*types.Participant, error) {
	p, err := c.presence.Kick(ctx, participantID)
	if err != nil {
		return nil, err
	}
	if p.ConnectionID != "" {
		c.eject(p.ConnectionID)
	}
	c.broadcastPresence()
	return p, nil
}

func (c *Coordinator) eject(connID string) {
	c.publisher.Send(connID, types.NewEvent(types.EventKicked, struct{}{}))
	c.publisher.Disconnect(connID)
}

// SendChat validates, stores and broadcasts a chat message.
func (c *Coordinator) SendChat(ctx context.Context, req types.ChatRequest) (*types.ChatMessage, error) {
	sender := strings.TrimSpace(req.SenderName)
	text := strings.TrimSpace(req.Message)
	if sender == "" || text == "" {
		return nil, types.ErrEmptyChatMessage
	}
	if utf8.RuneCountInString(text) > c.config.MaxChatLength {
		return nil, types.ErrChatTooLong
	}

	msg := &types.ChatMessage{
		ID:         uuid.New().String(),
		SenderName: sender,
		Message:    text,
		CreatedAt:  types.NowMillis(time.Now()),
	}
	if err := c.chat.CreateChatMessage(ctx, msg); err != nil {
		slog.Error("Failed to store chat message", "error", err)
		return nil, types.Unavailable("store chat", err)
	}

	c.publisher.Broadcast(types.NewEvent(types.EventChatMessage, msg))
	return msg, nil
}

// Disconnect removes whoever was bound to connID and broadcasts presence if
// anyone left. It never cancels poll timers.
func (c *Coordinator) Disconnect(ctx context.Context, connID string) {
	p, err := c.presence.Leave(ctx, connID)
	if err != nil {
		slog.Error("Failed to remove participant on disconnect", "connection_id", connID, "error", err)
		return
	}
	if p != nil {
		c.broadcastPresence()
	}
}

func (c *Coordinator) broadcastPresence() {
	c.publisher.Broadcast(types.NewEvent(types.EventPresenceUpdated, c.presence.List()))
}

// PollCreated broadcasts a new poll with its full window and an empty tally.
func (c *Coordinator) PollCreated(p *types.Poll) {
	c.publisher.Broadcast(types.NewEvent(types.EventPollCreated, &types.ActivePoll{
		Poll:          p,
		RemainingTime: p.Duration,
		Results:       vote.BuildTally(p, nil),
	}))
}

// PollCompleted broadcasts the final tally.
func (c *Coordinator) PollCompleted(p *types.Poll, tally *types.Tally) {
	c.fanout.Lock()
	defer c.fanout.Unlock()
	c.publisher.Broadcast(types.NewEvent(types.EventPollCompleted, types.PollCompletedPayload{
		PollID:  p.ID,
		Results: tally,
	}))
}
