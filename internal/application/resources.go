package application

import (
	"context"
	"fmt"
	"sync"

	"github.com/bnema/chatsync/internal/domain"
	"github.com/bnema/chatsync/internal/ports"
	"github.com/rs/zerolog"
)

// ResourceState is the client copy of one chat's memories or files plus the
// session selection.
type ResourceState struct {
	kind   domain.ResourceKind
	userID domain.UserID
	chatID domain.ChatID
	store  ports.ResourceStore
	log    zerolog.Logger

	mu       sync.RWMutex
	items    map[domain.ResourceID]domain.Resource
	selected domain.SelectionSet
}

// resourceSnapshot is the part of the state a single-resource mutation can
// change.
type resourceSnapshot struct {
	resource domain.Resource
	existed  bool
	selected bool
}

func NewResourceState(kind domain.ResourceKind, userID domain.UserID, chatID domain.ChatID, store ports.ResourceStore, log zerolog.Logger) *ResourceState {
	return &ResourceState{
		kind:     kind,
		userID:   userID,
		chatID:   chatID,
		store:    store,
		log:      log.With().Str("kind", string(kind)).Str("chat", string(chatID)).Logger(),
		items:    map[domain.ResourceID]domain.Resource{},
		selected: domain.NewSelectionSet(),
	}
}

func (s *ResourceState) Kind() domain.ResourceKind { return s.kind }

// Load replaces the local copy with the server's list. Selections of
// resources that no longer exist are dropped.
func (s *ResourceState) Load(ctx context.Context) error {
	resources, err := s.store.ListResources(ctx, s.kind, s.userID, s.chatID)
	if err != nil {
		return fmt.Errorf("load %s resources: %w", s.kind, err)
	}
	s.Set(resources)
	return nil
}

func (s *ResourceState) Set(resources []domain.Resource) {
	items := make(map[domain.ResourceID]domain.Resource, len(resources))
	for _, res := range resources {
		items[res.ID] = res
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = items
	for id := range s.selected {
		if _, ok := items[id]; !ok {
			s.selected.Remove(id)
		}
	}
}

func (s *ResourceState) List() []domain.Resource {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Resource, 0, len(s.items))
	for _, res := range s.items {
		out = append(out, res)
	}
	domain.SortResources(out)
	return out
}

func (s *ResourceState) Get(id domain.ResourceID) (domain.Resource, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res, ok := s.items[id]
	return res, ok
}

func (s *ResourceState) IsSelected(id domain.ResourceID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.selected.Has(id)
}

// Add creates the resource on the server first and inserts what the
// server returned.
func (s *ResourceState) Add(ctx context.Context, res domain.Resource) (domain.Resource, error) {
	res.Kind = s.kind
	created, err := s.store.AddResource(ctx, s.userID, s.chatID, res)
	if err != nil {
		return domain.Resource{}, fmt.Errorf("add %s: %w", s.kind, err)
	}

	s.mu.Lock()
	s.items[created.ID] = created
	s.mu.Unlock()
	return created, nil
}

func (s *ResourceState) Select(id domain.ResourceID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, ok := s.items[id]
	if !ok {
		return fmt.Errorf("select %s %s: %w", s.kind, id, domain.ErrResourceNotFound)
	}
	if err := res.CheckUsable(); err != nil {
		return fmt.Errorf("select %s: %w", s.kind, err)
	}
	s.selected.Add(id)
	return nil
}

// Deselect removes id from the selection. A persisted resource stays
// effective.
func (s *ResourceState) Deselect(id domain.ResourceID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selected.Remove(id)
}

func (s *ResourceState) SelectedIDs() []domain.ResourceID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.selected.IDs()
}

func (s *ResourceState) ClearSelection() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selected = domain.NewSelectionSet()
}

func (s *ResourceState) Effective() []domain.Resource {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]domain.Resource, 0, len(s.items))
	for _, res := range s.items {
		all = append(all, res)
	}
	return domain.Effective(all, s.selected)
}

func (s *ResourceState) Delete(ctx context.Context, id domain.ResourceID) domain.Result {
	return Reconcile(ctx, s.log, s.deleteMutation(id))
}

func (s *ResourceState) TogglePersist(ctx context.Context, id domain.ResourceID) domain.Result {
	return Reconcile(ctx, s.log, s.toggleMutation(id))
}

func (s *ResourceState) deleteMutation(id domain.ResourceID) Mutation[resourceSnapshot] {
	return Mutation[resourceSnapshot]{
		Name: fmt.Sprintf("delete %s %s", s.kind, id),
		Check: func() error {
			if _, ok := s.Get(id); !ok {
				return fmt.Errorf("delete %s %s: %w", s.kind, id, domain.ErrResourceNotFound)
			}
			return nil
		},
		Capture: func() resourceSnapshot { return s.capture(id) },
		Apply: func() {
			s.mu.Lock()
			delete(s.items, id)
			s.selected.Remove(id)
			s.mu.Unlock()
		},
		Commit: func(ctx context.Context) error {
			return s.store.DeleteResource(ctx, s.kind, s.userID, s.chatID, id)
		},
		Revert: s.restore,
	}
}

func (s *ResourceState) toggleMutation(id domain.ResourceID) Mutation[resourceSnapshot] {
	var persist bool
	return Mutation[resourceSnapshot]{
		Name: fmt.Sprintf("toggle persist on %s %s", s.kind, id),
		Check: func() error {
			res, ok := s.Get(id)
			if !ok {
				return fmt.Errorf("toggle %s %s: %w", s.kind, id, domain.ErrResourceNotFound)
			}
			if err := res.CheckUsable(); err != nil {
				return fmt.Errorf("toggle %s: %w", s.kind, err)
			}
			return nil
		},
		Capture: func() resourceSnapshot { return s.capture(id) },
		Apply: func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			res, ok := s.items[id]
			if !ok {
				return
			}
			res.Persist = !res.Persist
			persist = res.Persist
			s.items[id] = res
			s.selected.Remove(id)
		},
		Commit: func(ctx context.Context) error {
			return s.store.SetPersist(ctx, s.kind, s.userID, s.chatID, id, persist)
		},
		Revert: s.restore,
	}
}

func (s *ResourceState) capture(id domain.ResourceID) resourceSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res, ok := s.items[id]
	return resourceSnapshot{resource: res, existed: ok, selected: s.selected.Has(id)}
}

func (s *ResourceState) restore(snap resourceSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := snap.resource.ID
	if snap.existed {
		s.items[id] = snap.resource
	}
	if snap.selected {
		s.selected.Add(id)
	} else {
		s.selected.Remove(id)
	}
}

// ApplyStatus updates a file's processing status from a server frame.
func (s *ResourceState) ApplyStatus(id domain.ResourceID, status domain.ResourceStatus, reason string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, ok := s.items[id]
	if !ok {
		return false
	}
	res.Status = status
	res.Error = ""
	if status == domain.StatusFailed {
		res.Error = reason
		s.selected.Remove(id)
	}
	s.items[id] = res
	return true
}

func (s *ResourceState) Remove(id domain.ResourceID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.items[id]; !ok {
		return false
	}
	delete(s.items, id)
	s.selected.Remove(id)
	return true
}

// ResourceRegistry owns the ResourceStates of every chat the client has
// opened.
type ResourceRegistry struct {
	userID domain.UserID
	store  ports.ResourceStore
	log    zerolog.Logger

	mu     sync.Mutex
	states map[resourceKey]*ResourceState
}

type resourceKey struct {
	chatID domain.ChatID
	kind   domain.ResourceKind
}

var _ ResourceSink = (*ResourceRegistry)(nil)

func NewResourceRegistry(userID domain.UserID, store ports.ResourceStore, log zerolog.Logger) *ResourceRegistry {
	return &ResourceRegistry{userID: userID, store: store, log: log, states: map[resourceKey]*ResourceState{}}
}

func (r *ResourceRegistry) For(chatID domain.ChatID, kind domain.ResourceKind) *ResourceState {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := resourceKey{chatID: chatID, kind: kind}
	state, ok := r.states[key]
	if !ok {
		state = NewResourceState(kind, r.userID, chatID, r.store, r.log)
		r.states[key] = state
	}
	return state
}

func (r *ResourceRegistry) Forget(chatID domain.ChatID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.states, resourceKey{chatID: chatID, kind: domain.ResourceMemory})
	delete(r.states, resourceKey{chatID: chatID, kind: domain.ResourceFile})
}

func (r *ResourceRegistry) ApplyStatus(chatID domain.ChatID, id domain.ResourceID, status domain.ResourceStatus, reason string) bool {
	return r.For(chatID, domain.ResourceFile).ApplyStatus(id, status, reason)
}

func (r *ResourceRegistry) ApplyDeleted(chatID domain.ChatID, id domain.ResourceID) bool {
	return r.For(chatID, domain.ResourceFile).Remove(id)
}
