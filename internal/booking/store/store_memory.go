package store

import (
	"context"
	"encoding/json"
	"slices"
	"sort"
	"sync"

	"spotkeeper/internal/booking/models"
	"spotkeeper/pkg/requestcontext"
)

// InMemoryStore is the map-backed twin of PostgresStore used by unit tests
// and local runs. It implements tx.Snapshotter.
type InMemoryStore struct {
	mu            sync.RWMutex
	nextID        int64
	bookings      map[int64]*models.Booking
	byCorrelation map[string]int64
}

func NewInMemory() *InMemoryStore {
	return &InMemoryStore{
		bookings:      make(map[int64]*models.Booking),
		byCorrelation: make(map[string]int64),
	}
}

// Create always inserts a NEW, unprotected booking.
func (s *InMemoryStore) Create(ctx context.Context, booking *models.Booking, attribution *models.Attribution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if attribution != nil {
		if _, exists := s.byCorrelation[attribution.CorrelationID]; exists {
			return ErrConflict
		}
	}

	now := requestcontext.Now(ctx)
	s.nextID++
	booking.ID = s.nextID
	booking.ApprovalStatus = models.StatusNew
	booking.ApprovalProtected = false
	booking.CreatedAt = now
	booking.UpdatedAt = now

	stored := booking.Clone()
	stored.Attribution = nil
	if attribution != nil {
		attribution.BookingID = booking.ID
		stored.Attribution = attribution.Clone()
		s.byCorrelation[attribution.CorrelationID] = booking.ID
		booking.Attribution = attribution.Clone()
	}
	s.bookings[booking.ID] = stored
	return nil
}

// SoftDelete cancels the active rows among ids and returns how many changed.
func (s *InMemoryStore) SoftDelete(ctx context.Context, ids ...int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := requestcontext.Now(ctx)
	count := 0
	for _, id := range ids {
		b, ok := s.bookings[id]
		if !ok || !b.IsActive() {
			continue
		}
		at := now
		b.CancelledAt = &at
		b.UpdatedAt = now
		count++
	}
	return count, nil
}

func (s *InMemoryStore) Restore(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.bookings[id]
	if !ok {
		return ErrNotFound
	}
	b.CancelledAt = nil
	b.UpdatedAt = requestcontext.Now(ctx)
	return nil
}

// HardDelete removes cancelled rows among ids. Active rows are left alone.
func (s *InMemoryStore) HardDelete(_ context.Context, ids ...int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, id := range ids {
		b, ok := s.bookings[id]
		if !ok || b.IsActive() {
			continue
		}
		if b.Attribution != nil {
			delete(s.byCorrelation, b.Attribution.CorrelationID)
		}
		delete(s.bookings, id)
		count++
	}
	return count, nil
}

// ActiveFor returns active bookings of eventTypeID owned by one of emails,
// ordered by booked_at then id.
func (s *InMemoryStore) ActiveFor(_ context.Context, eventTypeID string, emails []string) ([]*models.Booking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Booking
	for _, b := range s.bookings {
		if !b.IsActive() || b.EventTypeID != eventTypeID || !slices.Contains(emails, b.Email) {
			continue
		}
		out = append(out, b.Clone())
	}
	sortByBookedAt(out)
	return out, nil
}

func (s *InMemoryStore) FindByID(_ context.Context, id int64) (*models.Booking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.bookings[id]
	if !ok {
		return nil, ErrNotFound
	}
	return b.Clone(), nil
}

func (s *InMemoryStore) FindByCorrelationID(_ context.Context, correlationID string) (*models.Booking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byCorrelation[correlationID]
	if !ok {
		return nil, ErrNotFound
	}
	return s.bookings[id].Clone(), nil
}

func (s *InMemoryStore) List(_ context.Context, view models.View, filter models.Filter) ([]*models.Booking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Booking
	for _, b := range s.bookings {
		if view.Includes(b.CancelledAt) && filter.Matches(b) {
			out = append(out, b.Clone())
		}
	}
	sortByBookedAt(out)
	return out, nil
}

func (s *InMemoryStore) UpdatePayload(_ context.Context, id int64, payload json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.bookings[id]
	if !ok || b.Attribution == nil {
		return ErrNotFound
	}
	b.Attribution.Payload = append(json.RawMessage(nil), payload...)
	return nil
}

// LockByIDs re-reads the given bookings. Mutual exclusion comes from the
// memory transaction runner; missing ids are skipped.
func (s *InMemoryStore) LockByIDs(_ context.Context, ids []int64) ([]*models.Booking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sorted := slices.Clone(ids)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	out := make([]*models.Booking, 0, len(sorted))
	for _, id := range sorted {
		if b, ok := s.bookings[id]; ok {
			out = append(out, b.Clone())
		}
	}
	return out, nil
}

func (s *InMemoryStore) SetApproval(ctx context.Context, id int64, status models.ApprovalStatus, protected bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.bookings[id]
	if !ok {
		return ErrNotFound
	}
	b.ApprovalStatus = status
	b.ApprovalProtected = protected
	b.UpdatedAt = requestcontext.Now(ctx)
	return nil
}

// SetApprovalGroup stamps the attribution of every listed booking. A nil
// groupID clears the stamp.
func (s *InMemoryStore) SetApprovalGroup(_ context.Context, ids []int64, groupID *int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		b, ok := s.bookings[id]
		if !ok {
			return ErrNotFound
		}
		if b.Attribution == nil {
			continue
		}
		if groupID == nil {
			b.Attribution.ApprovalGroupID = nil
			continue
		}
		gid := *groupID
		b.Attribution.ApprovalGroupID = &gid
	}
	return nil
}

// LatestEventType returns the event type of the active booking with the
// latest spot start.
func (s *InMemoryStore) LatestEventType(_ context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *models.Booking
	for _, b := range s.bookings {
		if !b.IsActive() {
			continue
		}
		if latest == nil || b.SpotStart.After(latest.SpotStart) ||
			(b.SpotStart.Equal(latest.SpotStart) && b.ID > latest.ID) {
			latest = b
		}
	}
	if latest == nil {
		return "", ErrNotFound
	}
	return latest.EventTypeID, nil
}

// AttributedToGroup reports whether any booking, cancelled or not, is stamped
// with groupID.
func (s *InMemoryStore) AttributedToGroup(_ context.Context, groupID int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, b := range s.bookings {
		if gid := b.GroupID(); gid != nil && *gid == groupID {
			return true, nil
		}
	}
	return false, nil
}

// Count returns the number of stored rows across all views.
func (s *InMemoryStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.bookings)
}

// Snapshot captures the full store state for tx.MemoryRunner.
func (s *InMemoryStore) Snapshot() func() {
	s.mu.RLock()
	nextID := s.nextID
	bookings := make(map[int64]*models.Booking, len(s.bookings))
	for id, b := range s.bookings {
		bookings[id] = b.Clone()
	}
	byCorrelation := make(map[string]int64, len(s.byCorrelation))
	for k, v := range s.byCorrelation {
		byCorrelation[k] = v
	}
	s.mu.RUnlock()

	return func() {
		s.mu.Lock()
		s.nextID = nextID
		s.bookings = bookings
		s.byCorrelation = byCorrelation
		s.mu.Unlock()
	}
}

func sortByBookedAt(bookings []*models.Booking) {
	sort.Slice(bookings, func(i, j int) bool {
		if !bookings[i].BookedAt.Equal(bookings[j].BookedAt) {
			return bookings[i].BookedAt.Before(bookings[j].BookedAt)
		}
		return bookings[i].ID < bookings[j].ID
	})
}
