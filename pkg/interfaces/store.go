package interfaces

import (
	"context"

	"livepoll/pkg/types"
)

// PollStore persists polls. It is the historical record, never the authority
// on which poll is live.
type PollStore interface {
	// CreatePoll inserts a new poll.
	CreatePoll(ctx context.Context, poll *types.Poll) error

	// FindPollByID returns ErrNotFound when no poll has that id.
	FindPollByID(ctx context.Context, pollID string) (*types.Poll, error)

	// FindActivePoll returns the most recently created active poll, or nil
	// without error when there is none.
	FindActivePoll(ctx context.Context) (*types.Poll, error)

	// SetPollStatus updates the status column. Returns ErrNotFound for unknown ids.
	SetPollStatus(ctx context.Context, pollID, status string) error

	// ListCompletedPolls returns completed polls, newest first.
	ListCompletedPolls(ctx context.Context) ([]*types.Poll, error)
}

// VoteStore persists admitted votes.
type VoteStore interface {
	// CreateVote inserts a vote. Returns ErrDuplicateVote when the
	// (poll, student) pair already exists.
	CreateVote(ctx context.Context, vote *types.Vote) error

	// FindVote returns ErrNotFound when the student has not voted on the poll.
	FindVote(ctx context.Context, pollID, studentID string) (*types.Vote, error)

	// ListVotes returns every vote of a poll in creation order.
	ListVotes(ctx context.Context, pollID string) ([]*types.Vote, error)

	// CountVotesByOption maps option id to vote count. Options without votes are absent.
	CountVotesByOption(ctx context.Context, pollID string) (map[string]int, error)

	// CountTotalVotes returns the number of votes for a poll.
	CountTotalVotes(ctx context.Context, pollID string) (int, error)
}

// ParticipantStore persists participant rows.
type ParticipantStore interface {
	CreateParticipant(ctx context.Context, participant *types.Participant) error

	// FindParticipantByID returns ErrNotFound for unknown ids.
	FindParticipantByID(ctx context.Context, participantID string) (*types.Participant, error)

	// FindParticipantByName matches case-insensitively and returns the most
	// recently joined row, or ErrNotFound.
	FindParticipantByName(ctx context.Context, name string) (*types.Participant, error)

	// FindParticipantByConnection returns ErrNotFound when no row holds the handle.
	FindParticipantByConnection(ctx context.Context, connectionID string) (*types.Participant, error)

	UpdateParticipantConnection(ctx context.Context, participantID, connectionID string) error

	SetKicked(ctx context.Context, participantID string, kicked bool) error

	DeleteParticipant(ctx context.Context, participantID string) error

	// ListActiveParticipants returns non-kicked rows ordered by join time ascending.
	ListActiveParticipants(ctx context.Context) ([]*types.Participant, error)

	// ListKickedParticipants returns kicked rows ordered by join time ascending.
	ListKickedParticipants(ctx context.Context) ([]*types.Participant, error)

	// RemoveDuplicateParticipants keeps only the most recently joined row per
	// case-insensitive name and returns the number of rows removed.
	RemoveDuplicateParticipants(ctx context.Context) (int, error)

	// DeleteDisconnectedParticipants removes every non-kicked row and returns
	// the number removed. Used at startup, when no connection is live.
	DeleteDisconnectedParticipants(ctx context.Context) (int, error)
}

// ChatStore persists chat history.
type ChatStore interface {
	CreateChatMessage(ctx context.Context, message *types.ChatMessage) error

	// ListRecentChatMessages returns at most limit messages in chronological order.
	ListRecentChatMessages(ctx context.Context, limit int) ([]*types.ChatMessage, error)
}

// Store is the full durable store contract.
type Store interface {
	PollStore
	VoteStore
	ParticipantStore
	ChatStore

	// HealthCheck verifies connectivity.
	HealthCheck(ctx context.Context) error

	// Close releases the underlying connections.
	Close() error
}
