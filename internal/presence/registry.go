package presence

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"livepoll/pkg/interfaces"
	"livepoll/pkg/types"
)

// Registry tracks connected students. At most one non-kicked participant
// exists per case-insensitive name; kicked names stay barred.
type Registry struct {
	store         interfaces.ParticipantStore
	now           func() time.Time
	maxNameLength int
	reconcile     bool

	mu           sync.RWMutex
	participants map[string]*types.Participant // by id
	byName       map[string]string             // name key -> id
	byConn       map[string]string             // connection id -> id
	kicked       map[string]*types.Participant // name key -> kicked participant
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the time source for join timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// WithMaxNameLength overrides the display name limit.
func WithMaxNameLength(n int) Option {
	return func(r *Registry) {
		r.maxNameLength = n
	}
}

// WithStartupReconcile controls whether Restore collapses duplicate names.
func WithStartupReconcile(enabled bool) Option {
	return func(r *Registry) {
		r.reconcile = enabled
	}
}

// NewRegistry creates an empty registry backed by store.
func NewRegistry(store interfaces.ParticipantStore, opts ...Option) *Registry {
	r := &Registry{
		store:         store,
		now:           time.Now,
		maxNameLength: types.MaxNameLength,
		reconcile:     true,
		participants:  make(map[string]*types.Participant),
		byName:        make(map[string]string),
		byConn:        make(map[string]string),
		kicked:        make(map[string]*types.Participant),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Join binds name to connID. A name already present is rebound to the new
// connection; a kicked name is refused with types.ErrKicked.
func (r *Registry) Join(ctx context.Context, name, connID string) (*types.Participant, error) {
	name, err := types.ValidateDisplayName(name, r.maxNameLength)
	if err != nil {
		return nil, err
	}
	key := types.NameKey(name)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, barred := r.kicked[key]; barred {
		slog.Info("Refused join for kicked name", "name", name, "connection_id", connID)
		return nil, types.ErrKicked
	}

	if id, ok := r.byName[key]; ok {
		return r.rebindLocked(ctx, r.participants[id], connID)
	}

	// A row can outlive its memory entry when a delete failed earlier.
	existing, err := r.store.FindParticipantByName(ctx, name)
	switch {
	case err == nil && existing.IsKicked:
		r.kicked[key] = existing
		return nil, types.ErrKicked
	case err == nil:
		return r.rebindLocked(ctx, existing, connID)
	case !errors.Is(err, interfaces.ErrNotFound):
		slog.Error("Failed to look up participant", "name", name, "error", err)
		return nil, types.Unavailable("find participant", err)
	}

	p := &types.Participant{
		ID:           uuid.New().String(),
		Name:         name,
		ConnectionID: connID,
		JoinedAt:     types.NowMillis(r.now()),
	}
	if err := r.store.CreateParticipant(ctx, p); err != nil {
		slog.Error("Failed to create participant", "name", name, "error", err)
		return nil, types.Unavailable("create participant", err)
	}
	r.indexLocked(p)

	slog.Info("Participant joined", "participant_id", p.ID, "name", p.Name, "connection_id", connID)
	cp := *p
	return &cp, nil
}

func (r *Registry) rebindLocked(ctx context.Context, p *types.Participant, connID string) (*types.Participant, error) {
	if err := r.store.UpdateParticipantConnection(ctx, p.ID, connID); err != nil {
		slog.Error("Failed to rebind participant", "participant_id", p.ID, "error", err)
		return nil, types.Unavailable("update participant", err)
	}

	if old, ok := r.participants[p.ID]; ok {
		delete(r.byConn, old.ConnectionID)
	}
	p.ConnectionID = connID
	r.indexLocked(p)

	slog.Info("Participant rejoined", "participant_id", p.ID, "name", p.Name, "connection_id", connID)
	cp := *p
	return &cp, nil
}

func (r *Registry) indexLocked(p *types.Participant) {
	r.participants[p.ID] = p
	r.byName[types.NameKey(p.Name)] = p.ID
	if p.ConnectionID != "" {
		r.byConn[p.ConnectionID] = p.ID
	}
}

func (r *Registry) unindexLocked(p *types.Participant) {
	delete(r.participants, p.ID)
	if r.byName[types.NameKey(p.Name)] == p.ID {
		delete(r.byName, types.NameKey(p.Name))
	}
	if r.byConn[p.ConnectionID] == p.ID {
		delete(r.byConn, p.ConnectionID)
	}
}

// Leave removes the participant bound to connID. It returns nil, nil when
// nothing is bound to the connection.
func (r *Registry) Leave(ctx context.Context, connID string) (*types.Participant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.byConn[connID]
	if !ok {
		return nil, r.dropStrayLocked(ctx, connID)
	}
	p := r.participants[id]

	if err := r.store.DeleteParticipant(ctx, p.ID); err != nil {
		slog.Error("Failed to delete participant", "participant_id", p.ID, "error", err)
		return nil, types.Unavailable("delete participant", err)
	}
	r.unindexLocked(p)

	slog.Info("Participant left", "participant_id", p.ID, "name", p.Name, "connection_id", connID)
	cp := *p
	return &cp, nil
}

// dropStrayLocked deletes a store row still bound to connID that memory no
// longer tracks.
func (r *Registry) dropStrayLocked(ctx context.Context, connID string) error {
	stray, err := r.store.FindParticipantByConnection(ctx, connID)
	if errors.Is(err, interfaces.ErrNotFound) {
		return nil
	}
	if err != nil {
		return types.Unavailable("find participant", err)
	}
	if stray.IsKicked {
		return nil
	}
	if err := r.store.DeleteParticipant(ctx, stray.ID); err != nil {
		return types.Unavailable("delete participant", err)
	}
	slog.Debug("Removed stray participant row", "participant_id", stray.ID)
	return nil
}

// Kick marks participantID kicked and removes it from presence. The returned
// participant still carries the connection to notify and terminate. Kicking
// an already kicked participant returns it again.
func (r *Registry) Kick(ctx context.Context, participantID string) (*types.Participant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.participants[participantID]
	if !ok {
		for _, k := range r.kicked {
			if k.ID == participantID {
				cp := *k
				return &cp, nil
			}
		}
		return nil, types.ErrParticipantNotFound
	}

	if err := r.store.SetKicked(ctx, p.ID, true); err != nil {
		slog.Error("Failed to kick participant", "participant_id", p.ID, "error", err)
		return nil, types.Unavailable("kick participant", err)
	}

	r.unindexLocked(p)
	p.IsKicked = true
	r.kicked[types.NameKey(p.Name)] = p

	slog.Info("Participant kicked", "participant_id", p.ID, "name", p.Name)
	cp := *p
	return &cp, nil
}

// List returns non-kicked participants in join order.
func (r *Registry) List() []*types.Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := make([]*types.Participant, 0, len(r.participants))
	for _, p := range r.participants {
		cp := *p
		list = append(list, &cp)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].JoinedAt != list[j].JoinedAt {
			return list[i].JoinedAt < list[j].JoinedAt
		}
		return list[i].ID < list[j].ID
	})
	return list
}

// Get returns a participant by id, including kicked ones, falling back to
// the store.
func (r *Registry) Get(ctx context.Context, participantID string) (*types.Participant, error) {
	r.mu.RLock()
	p, ok := r.participants[participantID]
	if !ok {
		for _, k := range r.kicked {
			if k.ID == participantID {
				p, ok = k, true
				break
			}
		}
	}
	if ok {
		cp := *p
		r.mu.RUnlock()
		return &cp, nil
	}
	r.mu.RUnlock()

	p, err := r.store.FindParticipantByID(ctx, participantID)
	if errors.Is(err, interfaces.ErrNotFound) {
		return nil, types.ErrParticipantNotFound
	}
	if err != nil {
		return nil, types.Unavailable("find participant", err)
	}
	return p, nil
}

// ByConnection returns the participant bound to connID.
func (r *Registry) ByConnection(connID string) (*types.Participant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byConn[connID]
	if !ok {
		return nil, false
	}
	cp := *r.participants[id]
	return &cp, true
}

// ReconcileDuplicates collapses rows sharing a case-insensitive name into
// the most recently joined one, in the store and in memory.
func (r *Registry) ReconcileDuplicates(ctx context.Context) (int, error) {
	removed, err := r.store.RemoveDuplicateParticipants(ctx)
	if err != nil {
		slog.Error("Failed to remove duplicate participants", "error", err)
		return 0, types.Unavailable("remove duplicates", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	newest := make(map[string]*types.Participant)
	for _, p := range r.participants {
		key := types.NameKey(p.Name)
		cur, ok := newest[key]
		if !ok || p.JoinedAt > cur.JoinedAt || (p.JoinedAt == cur.JoinedAt && p.ID > cur.ID) {
			newest[key] = p
		}
	}
	for _, p := range r.participants {
		if newest[types.NameKey(p.Name)] != p {
			r.unindexLocked(p)
			removed++
		}
	}
	for _, p := range newest {
		r.indexLocked(p)
	}

	slog.Info("Reconciled duplicate participants", "removed", removed)
	return removed, nil
}

// Restore runs the startup sweep: duplicates are collapsed, rows left over
// from connections of a previous process are purged and kicked names are
// reloaded so they stay barred.
func (r *Registry) Restore(ctx context.Context) error {
	if r.reconcile {
		if _, err := r.ReconcileDuplicates(ctx); err != nil {
			return err
		}
	}

	purged, err := r.store.DeleteDisconnectedParticipants(ctx)
	if err != nil {
		slog.Error("Failed to purge disconnected participants", "error", err)
		return types.Unavailable("purge participants", err)
	}

	kicked, err := r.store.ListKickedParticipants(ctx)
	if err != nil {
		slog.Error("Failed to load kicked participants", "error", err)
		return types.Unavailable("list kicked participants", err)
	}

	r.mu.Lock()
	for _, p := range kicked {
		r.kicked[types.NameKey(p.Name)] = p
	}
	r.mu.Unlock()

	slog.Info("Restored presence", "purged", purged, "kicked", len(kicked))
	return nil
}

// Stats reports presence counts.
func (r *Registry) Stats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return map[string]int{
		"participants": len(r.participants),
		"kicked":       len(r.kicked),
	}
}
