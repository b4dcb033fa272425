package types

import (
	"encoding/json"
	"time"
)

// Inbound event types sent by clients.
const (
	EventJoin            = "join"
	EventCreatePoll      = "poll:create"
	EventClosePoll       = "poll:close"
	EventSubmitVote      = "vote:submit"
	EventKickParticipant = "participant:kick"
	EventSendChat        = "chat:send"
	EventRequestResync   = "state:request"
)

// Outbound event types sent by the server.
const (
	EventPresenceUpdated = "participants:updated"
	EventPollCreated     = "poll:created"
	EventTallyUpdated    = "poll:updated"
	EventPollCompleted   = "poll:completed"
	EventChatMessage     = "chat:message"
	EventStateSync       = "state:sync"
	EventVoteAccepted    = "vote:accepted"
	EventVoteRejected    = "vote:rejected"
	EventKicked          = "participant:kicked"
	EventError           = "error"
)

// Inbound is the envelope every client frame is decoded into. Payload is
// decoded lazily once the type is known.
type Inbound struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Event is the outbound envelope.
type Event struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
}

// NewEvent stamps an outbound event with the current time.
func NewEvent(eventType string, payload interface{}) *Event {
	return &Event{Type: eventType, Payload: payload, Timestamp: time.Now()}
}

// ErrorPayload is the body of error and vote:rejected events.
type ErrorPayload struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// NewErrorEvent builds an outbound error-class event from err.
func NewErrorEvent(eventType string, err error) *Event {
	return NewEvent(eventType, ErrorPayload{Kind: KindOf(err), Message: PublicMessage(err)})
}

// PollCompletedPayload is the body of poll:completed.
type PollCompletedPayload struct {
	PollID  string `json:"pollId"`
	Results *Tally `json:"results"`
}

// Inbound payloads.

type JoinRequest struct {
	Role      string `json:"role"`
	Name      string `json:"name"`
	StudentID string `json:"studentId,omitempty"`
}

type ClosePollRequest struct {
	PollID string `json:"pollId"`
}

type VoteRequest struct {
	PollID    string `json:"pollId"`
	StudentID string `json:"studentId"`
	OptionID  string `json:"optionId"`
}

type KickRequest struct {
	ParticipantID string `json:"participantId"`
}

type ChatRequest struct {
	SenderName string `json:"senderName"`
	Message    string `json:"message"`
}

type ResyncRequest struct {
	Role      string `json:"role"`
	StudentID string `json:"studentId,omitempty"`
}
