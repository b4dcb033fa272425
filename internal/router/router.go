package router

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"livepoll/pkg/interfaces"
	"livepoll/pkg/types"
)

// Coordinator is the session surface the router drives.
type Coordinator interface {
	Join(ctx context.Context, connID string, req types.JoinRequest) error
	Resync(ctx context.Context, connID string, req types.ResyncRequest) error
	CreatePoll(ctx context.Context, draft types.PollDraft) (*types.Poll, error)
	ClosePoll(ctx context.Context, pollID string) (*types.Poll, error)
	SubmitVote(ctx context.Context, connID string, req types.VoteRequest) (*types.Vote, error)
	Kick(ctx context.Context, participantID string) (*types.Participant, error)
	SendChat(ctx context.Context, req types.ChatRequest) (*types.ChatMessage, error)
	Disconnect(ctx context.Context, connID string)
}

// Sender delivers a unicast event. Errors go through the same ordered path
// as every other outbound event.
type Sender interface {
	Send(connID string, event *types.Event)
}

// Router decodes inbound events, enforces role permissions and rate limits,
// and hands the request to the coordinator.
type Router struct {
	coordinator Coordinator
	sender      Sender
	rateLimiter *RateLimiter
}

// NewRouter creates a router allowing eventsPerMinute events per connection.
func NewRouter(coordinator Coordinator, sender Sender, eventsPerMinute int) *Router {
	return &Router{
		coordinator: coordinator,
		sender:      sender,
		rateLimiter: NewRateLimiter(eventsPerMinute),
	}
}

// Dispatch routes msg and reports any failure back to the sender's
// connection: vote:rejected for votes, error for everything else. A kicked
// join already got its ejection notice and gets nothing more.
func (r *Router) Dispatch(ctx context.Context, conn interfaces.Connection, msg *types.Inbound) {
	if err := r.Route(ctx, conn, msg); err != nil {
		if errors.Is(err, types.ErrKicked) {
			return
		}
		eventType := types.EventError
		if msg.Type == types.EventSubmitVote {
			eventType = types.EventVoteRejected
		}
		slog.Debug("Event failed", "type", msg.Type, "connection_id", conn.ID(), "error", err)
		r.sender.Send(conn.ID(), types.NewErrorEvent(eventType, err))
	}
}

// Route handles one inbound event.
func (r *Router) Route(ctx context.Context, conn interfaces.Connection, msg *types.Inbound) error {
	if !r.rateLimiter.Allow(conn.ID()) {
		return ErrRateLimitExceeded
	}
	if err := ValidateEvent(conn.Role(), msg.Type); err != nil {
		return err
	}

	switch msg.Type {
	case types.EventJoin:
		var req types.JoinRequest
		if err := decode(msg, &req); err != nil {
			return err
		}
		if err := r.coordinator.Join(ctx, conn.ID(), req); err != nil {
			return err
		}
		conn.SetRole(req.Role)
		slog.Info("Client joined", "connection_id", conn.ID(), "role", req.Role, "name", req.Name)
		return nil

	case types.EventRequestResync:
		var req types.ResyncRequest
		if err := decode(msg, &req); err != nil {
			return err
		}
		// Read-only: only join binds a role to the connection.
		return r.coordinator.Resync(ctx, conn.ID(), req)

	case types.EventCreatePoll:
		var draft types.PollDraft
		if err := decode(msg, &draft); err != nil {
			return err
		}
		_, err := r.coordinator.CreatePoll(ctx, draft)
		return err

	case types.EventClosePoll:
		var req types.ClosePollRequest
		if err := decode(msg, &req); err != nil {
			return err
		}
		_, err := r.coordinator.ClosePoll(ctx, req.PollID)
		return err

	case types.EventSubmitVote:
		var req types.VoteRequest
		if err := decode(msg, &req); err != nil {
			return err
		}
		_, err := r.coordinator.SubmitVote(ctx, conn.ID(), req)
		return err

	case types.EventKickParticipant:
		var req types.KickRequest
		if err := decode(msg, &req); err != nil {
			return err
		}
		_, err := r.coordinator.Kick(ctx, req.ParticipantID)
		return err

	case types.EventSendChat:
		var req types.ChatRequest
		if err := decode(msg, &req); err != nil {
			return err
		}
		_, err := r.coordinator.SendChat(ctx, req)
		return err

	default:
		return ErrInvalidEventType
	}
}

// Reject answers a frame that never became an event.
func (r *Router) Reject(conn interfaces.Connection, err error) {
	slog.Debug("Rejected frame", "connection_id", conn.ID(), "error", err)
	r.sender.Send(conn.ID(), types.NewErrorEvent(types.EventError, err))
}

// Disconnect releases the connection's rate limit state and tells the
// coordinator the client is gone.
func (r *Router) Disconnect(ctx context.Context, conn interfaces.Connection) {
	r.rateLimiter.Forget(conn.ID())
	r.coordinator.Disconnect(ctx, conn.ID())
}

// RunCleanup prunes idle rate limit entries until ctx is done.
func (r *Router) RunCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.rateLimiter.Cleanup()
		case <-ctx.Done():
			return
		}
	}
}

// ValidateEvent checks eventType against the sender's role. An empty role
// means the connection has not joined yet.
func ValidateEvent(role, eventType string) error {
	if !isValidEventType(eventType) {
		return ErrInvalidEventType
	}

	switch eventType {
	case types.EventJoin, types.EventRequestResync:
		return nil
	}

	if role == "" {
		return ErrNotJoined
	}
	if !canSendEventType(role, eventType) {
		return ErrUnauthorizedEvent
	}
	return nil
}

func canSendEventType(role, eventType string) bool {
	switch eventType {
	case types.EventCreatePoll, types.EventClosePoll, types.EventKickParticipant:
		return role == types.RoleTeacher
	case types.EventSubmitVote:
		return role == types.RoleStudent
	default:
		return role == types.RoleTeacher || role == types.RoleStudent
	}
}

func isValidEventType(eventType string) bool {
	switch eventType {
	case types.EventJoin,
		types.EventCreatePoll,
		types.EventClosePoll,
		types.EventSubmitVote,
		types.EventKickParticipant,
		types.EventSendChat,
		types.EventRequestResync:
		return true
	}
	return false
}

func decode(msg *types.Inbound, v interface{}) error {
	if len(msg.Payload) == 0 || string(msg.Payload) == "null" {
		return ErrMalformedPayload
	}
	if err := json.Unmarshal(msg.Payload, v); err != nil {
		return ErrMalformedPayload
	}
	return nil
}
