// Package testutil holds in-memory fakes shared by package tests.
package testutil

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"livepoll/pkg/interfaces"
	"livepoll/pkg/types"
)

var _ interfaces.Store = (*MemStore)(nil)

// ErrInjected is returned by operations switched into failure mode.
var ErrInjected = errors.New("injected store failure")

// MemStore is an in-memory interfaces.Store. Operations can be made to fail
// by method name with FailOn.
type MemStore struct {
	mu           sync.Mutex
	polls        map[string]*types.Poll
	votes        map[string]*types.Vote
	participants map[string]*types.Participant
	messages     []*types.ChatMessage
	failures     map[string]error
	calls        map[string]int
}

// NewMemStore returns an empty store.
func NewMemStore() *MemStore {
	return &MemStore{
		polls:        make(map[string]*types.Poll),
		votes:        make(map[string]*types.Vote),
		participants: make(map[string]*types.Participant),
		failures:     make(map[string]error),
		calls:        make(map[string]int),
	}
}

// FailOn makes the named method return err until cleared with a nil err.
func (s *MemStore) FailOn(method string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failures, method)
		return
	}
	s.failures[method] = err
}

// Calls returns how many times method was invoked.
func (s *MemStore) Calls(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method]
}

// enter must be called with s.mu held.
func (s *MemStore) enter(method string) error {
	s.calls[method]++
	return s.failures[method]
}

func voteKey(pollID, studentID string) string {
	return pollID + "\x00" + studentID
}

func (s *MemStore) CreatePoll(ctx context.Context, poll *types.Poll) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("CreatePoll"); err != nil {
		return err
	}
	s.polls[poll.ID] = poll.Clone()
	return nil
}

func (s *MemStore) FindPollByID(ctx context.Context, pollID string) (*types.Poll, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("FindPollByID"); err != nil {
		return nil, err
	}
	poll, ok := s.polls[pollID]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	return poll.Clone(), nil
}

func (s *MemStore) FindActivePoll(ctx context.Context) (*types.Poll, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("FindActivePoll"); err != nil {
		return nil, err
	}
	var latest *types.Poll
	for _, poll := range s.polls {
		if poll.Status != types.PollStatusActive {
			continue
		}
		if latest == nil || poll.CreatedAt > latest.CreatedAt {
			latest = poll
		}
	}
	return latest.Clone(), nil
}

func (s *MemStore) SetPollStatus(ctx context.Context, pollID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("SetPollStatus"); err != nil {
		return err
	}
	poll, ok := s.polls[pollID]
	if !ok {
		return interfaces.ErrNotFound
	}
	poll.Status = status
	return nil
}

func (s *MemStore) ListCompletedPolls(ctx context.Context) ([]*types.Poll, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("ListCompletedPolls"); err != nil {
		return nil, err
	}
	var polls []*types.Poll
	for _, poll := range s.polls {
		if poll.Status == types.PollStatusCompleted {
			polls = append(polls, poll.Clone())
		}
	}
	sort.Slice(polls, func(i, j int) bool { return polls[i].CreatedAt > polls[j].CreatedAt })
	return polls, nil
}

func (s *MemStore) CreateVote(ctx context.Context, vote *types.Vote) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("CreateVote"); err != nil {
		return err
	}
	key := voteKey(vote.PollID, vote.StudentID)
	if _, exists := s.votes[key]; exists {
		return interfaces.ErrDuplicateVote
	}
	cp := *vote
	s.votes[key] = &cp
	return nil
}

func (s *MemStore) FindVote(ctx context.Context, pollID, studentID string) (*types.Vote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("FindVote"); err != nil {
		return nil, err
	}
	vote, ok := s.votes[voteKey(pollID, studentID)]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	cp := *vote
	return &cp, nil
}

func (s *MemStore) ListVotes(ctx context.Context, pollID string) ([]*types.Vote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("ListVotes"); err != nil {
		return nil, err
	}
	var votes []*types.Vote
	for _, vote := range s.votes {
		if vote.PollID == pollID {
			cp := *vote
			votes = append(votes, &cp)
		}
	}
	sort.Slice(votes, func(i, j int) bool { return votes[i].CreatedAt < votes[j].CreatedAt })
	return votes, nil
}

func (s *MemStore) CountVotesByOption(ctx context.Context, pollID string) (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("CountVotesByOption"); err != nil {
		return nil, err
	}
	counts := make(map[string]int)
	for _, vote := range s.votes {
		if vote.PollID == pollID {
			counts[vote.OptionID]++
		}
	}
	return counts, nil
}

func (s *MemStore) CountTotalVotes(ctx context.Context, pollID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("CountTotalVotes"); err != nil {
		return 0, err
	}
	total := 0
	for _, vote := range s.votes {
		if vote.PollID == pollID {
			total++
		}
	}
	return total, nil
}

func (s *MemStore) CreateParticipant(ctx context.Context, p *types.Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("CreateParticipant"); err != nil {
		return err
	}
	cp := *p
	s.participants[p.ID] = &cp
	return nil
}

func (s *MemStore) FindParticipantByID(ctx context.Context, participantID string) (*types.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("FindParticipantByID"); err != nil {
		return nil, err
	}
	p, ok := s.participants[participantID]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *MemStore) FindParticipantByName(ctx context.Context, name string) (*types.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("FindParticipantByName"); err != nil {
		return nil, err
	}
	var found *types.Participant
	for _, p := range s.participants {
		if strings.EqualFold(p.Name, name) && (found == nil || p.JoinedAt > found.JoinedAt) {
			found = p
		}
	}
	if found == nil {
		return nil, interfaces.ErrNotFound
	}
	cp := *found
	return &cp, nil
}

func (s *MemStore) FindParticipantByConnection(ctx context.Context, connectionID string) (*types.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("FindParticipantByConnection"); err != nil {
		return nil, err
	}
	for _, p := range s.participants {
		if p.ConnectionID == connectionID {
			cp := *p
			return &cp, nil
		}
	}
	return nil, interfaces.ErrNotFound
}

func (s *MemStore) UpdateParticipantConnection(ctx context.Context, participantID, connectionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("UpdateParticipantConnection"); err != nil {
		return err
	}
	p, ok := s.participants[participantID]
	if !ok {
		return interfaces.ErrNotFound
	}
	p.ConnectionID = connectionID
	return nil
}

func (s *MemStore) SetKicked(ctx context.Context, participantID string, kicked bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("SetKicked"); err != nil {
		return err
	}
	p, ok := s.participants[participantID]
	if !ok {
		return interfaces.ErrNotFound
	}
	p.IsKicked = kicked
	return nil
}

func (s *MemStore) DeleteParticipant(ctx context.Context, participantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("DeleteParticipant"); err != nil {
		return err
	}
	delete(s.participants, participantID)
	return nil
}

func (s *MemStore) listParticipants(kicked bool) []*types.Participant {
	var out []*types.Participant
	for _, p := range s.participants {
		if p.IsKicked == kicked {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JoinedAt < out[j].JoinedAt })
	return out
}

func (s *MemStore) ListActiveParticipants(ctx context.Context) ([]*types.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("ListActiveParticipants"); err != nil {
		return nil, err
	}
	return s.listParticipants(false), nil
}

func (s *MemStore) ListKickedParticipants(ctx context.Context) ([]*types.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("ListKickedParticipants"); err != nil {
		return nil, err
	}
	return s.listParticipants(true), nil
}

func (s *MemStore) RemoveDuplicateParticipants(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("RemoveDuplicateParticipants"); err != nil {
		return 0, err
	}
	keep := make(map[string]*types.Participant)
	for _, p := range s.participants {
		key := strings.ToLower(p.Name)
		cur, ok := keep[key]
		if !ok || p.JoinedAt > cur.JoinedAt || (p.JoinedAt == cur.JoinedAt && p.ID > cur.ID) {
			keep[key] = p
		}
	}
	removed := 0
	for id, p := range s.participants {
		if keep[strings.ToLower(p.Name)] != p {
			delete(s.participants, id)
			removed++
		}
	}
	return removed, nil
}

func (s *MemStore) DeleteDisconnectedParticipants(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("DeleteDisconnectedParticipants"); err != nil {
		return 0, err
	}
	removed := 0
	for id, p := range s.participants {
		if !p.IsKicked {
			delete(s.participants, id)
			removed++
		}
	}
	return removed, nil
}

func (s *MemStore) CreateChatMessage(ctx context.Context, msg *types.ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("CreateChatMessage"); err != nil {
		return err
	}
	cp := *msg
	s.messages = append(s.messages, &cp)
	return nil
}

func (s *MemStore) ListRecentChatMessages(ctx context.Context, limit int) ([]*types.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("ListRecentChatMessages"); err != nil {
		return nil, err
	}
	start := len(s.messages) - limit
	if start < 0 {
		start = 0
	}
	out := make([]*types.ChatMessage, 0, len(s.messages)-start)
	for _, msg := range s.messages[start:] {
		cp := *msg
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemStore) HealthCheck(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enter("HealthCheck")
}

func (s *MemStore) Close() error {
	return nil
}
