package types

import (
	"time"
)

// Poll status values. A poll moves from active to completed exactly once.
const (
	PollStatusActive    = "active"
	PollStatusCompleted = "completed"
)

// Client roles declared on join and resync.
const (
	RoleTeacher = "teacher"
	RoleStudent = "student"
)

// Poll is one timed multiple-choice question.
// StartTime is epoch milliseconds and is the only source for remaining-time math.
type Poll struct {
	ID        string   `json:"id"`
	Question  string   `json:"question"`
	Options   []Option `json:"options"`
	Duration  int      `json:"duration"`
	StartTime int64    `json:"startTime"`
	Status    string   `json:"status"`
	CreatedAt int64    `json:"createdAt"`
}

// Option is immutable once its poll is created. ID is unique within the poll.
type Option struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// Vote is a single admitted ballot. (PollID, StudentID) is unique.
type Vote struct {
	ID        string `json:"id"`
	PollID    string `json:"pollId"`
	StudentID string `json:"studentId"`
	OptionID  string `json:"optionId"`
	CreatedAt int64  `json:"createdAt"`
}

// Participant is a joined student. ConnectionID is the live handle and is
// never sent to clients.
type Participant struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	ConnectionID string `json:"-"`
	IsKicked     bool   `json:"isKicked"`
	JoinedAt     int64  `json:"joinedAt"`
}

// ChatMessage is an append-only chat entry.
type ChatMessage struct {
	ID         string `json:"id"`
	SenderName string `json:"senderName"`
	Message    string `json:"message"`
	CreatedAt  int64  `json:"createdAt"`
}

// OptionResult is one row of a tally, in poll option order.
type OptionResult struct {
	OptionID   string `json:"optionId"`
	OptionText string `json:"optionText"`
	Count      int    `json:"count"`
	Percentage int    `json:"percentage"`
}

// Tally is the aggregated result of a poll.
type Tally struct {
	PollID     string         `json:"pollId"`
	TotalVotes int            `json:"totalVotes"`
	Results    []OptionResult `json:"results"`
}

// ActivePoll is the view of the running poll handed to clients. RemainingTime
// is whole seconds and is computed at the moment the view is built.
type ActivePoll struct {
	*Poll
	RemainingTime int    `json:"remainingTime"`
	Results       *Tally `json:"results,omitempty"`
}

// PollWithResults pairs a historical poll with its final tally.
type PollWithResults struct {
	*Poll
	Results *Tally `json:"results"`
}

// Snapshot is the point-in-time state bundle sent on join and resync.
// HasVoted is only set for students; Participants only for teachers.
type Snapshot struct {
	Role         string         `json:"role"`
	Poll         *ActivePoll    `json:"poll"`
	HasVoted     *bool          `json:"hasVoted,omitempty"`
	Participants []*Participant `json:"participants,omitempty"`
	Messages     []*ChatMessage `json:"messages"`
}

// NowMillis converts t to epoch milliseconds.
func NowMillis(t time.Time) int64 {
	return t.UnixMilli()
}

// Elapsed returns how long the poll has been running at now.
func (p *Poll) Elapsed(now time.Time) time.Duration {
	return now.Sub(time.UnixMilli(p.StartTime))
}

// Expired reports whether the voting window has closed at now.
func (p *Poll) Expired(now time.Time) bool {
	return p.Elapsed(now) >= time.Duration(p.Duration)*time.Second
}

// Remaining returns the time left in the voting window, never negative.
func (p *Poll) Remaining(now time.Time) time.Duration {
	left := time.Duration(p.Duration)*time.Second - p.Elapsed(now)
	if left < 0 {
		return 0
	}
	return left
}

// RemainingSeconds is max(0, duration - floor(elapsed seconds)).
func (p *Poll) RemainingSeconds(now time.Time) int {
	elapsed := p.Elapsed(now)
	if elapsed < 0 {
		elapsed = 0
	}
	left := p.Duration - int(elapsed/time.Second)
	if left < 0 {
		return 0
	}
	return left
}

// HasOption reports whether optionID belongs to the poll.
func (p *Poll) HasOption(optionID string) bool {
	for _, opt := range p.Options {
		if opt.ID == optionID {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so callers never share option slices with
// in-memory authoritative state.
func (p *Poll) Clone() *Poll {
	if p == nil {
		return nil
	}
	cp := *p
	cp.Options = append([]Option(nil), p.Options...)
	return &cp
}
