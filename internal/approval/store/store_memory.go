// Package store persists approval groups and invitee membership.
package store

import (
	"context"
	"sort"
	"sync"

	"spotkeeper/internal/approval/models"
	bookingmodels "spotkeeper/internal/booking/models"
	"spotkeeper/pkg/platform/sentinel"
)

// InMemoryStore keeps groups and invitees in maps. It implements
// tx.Snapshotter.
type InMemoryStore struct {
	mu       sync.RWMutex
	nextID   int64
	groups   map[int64]models.Group
	invitees map[string]*int64
}

func NewInMemory() *InMemoryStore {
	return &InMemoryStore{
		groups:   make(map[int64]models.Group),
		invitees: make(map[string]*int64),
	}
}

// UpsertGroup creates the group or updates the policy of the existing group
// with the same name.
func (s *InMemoryStore) UpsertGroup(_ context.Context, group *models.Group) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, g := range s.groups {
		if g.Name == group.Name {
			g.ApprovalType = group.ApprovalType
			s.groups[id] = g
			group.ID = id
			return nil
		}
	}
	s.nextID++
	group.ID = s.nextID
	s.groups[group.ID] = *group
	return nil
}

func (s *InMemoryStore) FindGroup(_ context.Context, id int64) (*models.Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g, ok := s.groups[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return &g, nil
}

// ListGroups returns groups ordered by id.
func (s *InMemoryStore) ListGroups(_ context.Context) ([]*models.Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.Group, 0, len(s.groups))
	for _, g := range s.groups {
		g := g
		out = append(out, &g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// DeleteGroup removes the group and detaches its invitees. Callers check
// attribution first; the memory store cannot see bookings.
func (s *InMemoryStore) DeleteGroup(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.groups[id]; !ok {
		return sentinel.ErrNotFound
	}
	delete(s.groups, id)
	for email, gid := range s.invitees {
		if gid != nil && *gid == id {
			s.invitees[email] = nil
		}
	}
	return nil
}

// UpsertInvitee assigns email to groupID, or detaches it when groupID is nil.
func (s *InMemoryStore) UpsertInvitee(_ context.Context, invitee models.Invitee) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	email := bookingmodels.NormalizeEmail(invitee.Email)
	if invitee.GroupID == nil {
		s.invitees[email] = nil
		return nil
	}
	if _, ok := s.groups[*invitee.GroupID]; !ok {
		return sentinel.ErrNotFound
	}
	gid := *invitee.GroupID
	s.invitees[email] = &gid
	return nil
}

func (s *InMemoryStore) FindInvitee(_ context.Context, email string) (*models.Invitee, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	email = bookingmodels.NormalizeEmail(email)
	gid, ok := s.invitees[email]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	inv := &models.Invitee{Email: email}
	if gid != nil {
		id := *gid
		inv.GroupID = &id
	}
	return inv, nil
}

// InviteeEmails returns the sorted emails of the group's members.
func (s *InMemoryStore) InviteeEmails(_ context.Context, groupID int64) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []string
	for email, gid := range s.invitees {
		if gid != nil && *gid == groupID {
			out = append(out, email)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Snapshot captures the store state for tx.MemoryRunner.
func (s *InMemoryStore) Snapshot() func() {
	s.mu.RLock()
	nextID := s.nextID
	groups := make(map[int64]models.Group, len(s.groups))
	for k, v := range s.groups {
		groups[k] = v
	}
	invitees := make(map[string]*int64, len(s.invitees))
	for k, v := range s.invitees {
		invitees[k] = v
	}
	s.mu.RUnlock()

	return func() {
		s.mu.Lock()
		s.nextID = nextID
		s.groups = groups
		s.invitees = invitees
		s.mu.Unlock()
	}
}
