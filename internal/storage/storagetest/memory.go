// Package storagetest provides an in-memory storage.Store for tests.
package storagetest

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ascendore/ascendore-crm/internal/models"
	"github.com/ascendore/ascendore-crm/internal/storage"
)

type state struct {
	users       map[uuid.UUID]models.User
	tenants     map[uuid.UUID]models.Tenant
	memberships []models.Membership
	activities  []models.Activity
}

func newState() *state {
	return &state{
		users:   make(map[uuid.UUID]models.User),
		tenants: make(map[uuid.UUID]models.Tenant),
	}
}

func (st *state) clone() *state {
	c := newState()
	for k, v := range st.users {
		c.users[k] = v
	}
	for k, v := range st.tenants {
		c.tenants[k] = v
	}
	c.memberships = append(c.memberships, st.memberships...)
	c.activities = append(c.activities, st.activities...)
	return c
}

// MemoryStore is a storage.Store kept in process memory. Transactions work on
// a copy of the data that replaces the shared data on commit.
type MemoryStore struct {
	mu     *sync.Mutex
	shared **state
	local  *state // non-nil inside a transaction

	// Hooks let tests inject failures. They run before the write is applied.
	BeforeCreateUser       func(user *models.User) error
	BeforeCreateMembership func(m *models.Membership) error

	clock func() time.Time
}

// NewMemoryStore returns an empty store
func NewMemoryStore() *MemoryStore {
	st := newState()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var tick int64
	return &MemoryStore{
		mu:     &sync.Mutex{},
		shared: &st,
		clock: func() time.Time {
			tick++
			return base.Add(time.Duration(tick) * time.Second)
		},
	}
}

var _ storage.Store = (*MemoryStore)(nil)

func (s *MemoryStore) data() *state {
	if s.local != nil {
		return s.local
	}
	return *s.shared
}

func (s *MemoryStore) BeginTx(ctx context.Context) (storage.Store, error) {
	if s.local != nil {
		return nil, errors.New("nested transactions are not supported")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return &MemoryStore{
		mu:                     s.mu,
		shared:                 s.shared,
		local:                  (*s.shared).clone(),
		BeforeCreateUser:       s.BeforeCreateUser,
		BeforeCreateMembership: s.BeforeCreateMembership,
		clock:                  s.clock,
	}, nil
}

// Commit publishes the transaction's data. Concurrent writers are not
// merged; the last commit wins, which is enough for sequential tests.
func (s *MemoryStore) Commit() error {
	if s.local == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	*s.shared = s.local
	s.local = nil
	return nil
}

func (s *MemoryStore) Rollback() error {
	s.local = nil
	return nil
}

func (s *MemoryStore) CreateUser(ctx context.Context, user *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.BeforeCreateUser != nil {
		if err := s.BeforeCreateUser(user); err != nil {
			return err
		}
	}
	st := s.data()
	for _, u := range st.users {
		if strings.EqualFold(u.Email, user.Email) {
			return storage.ErrDuplicateKey
		}
	}
	now := s.clock()
	user.ID = uuid.New()
	user.IsActive = true
	user.CreatedAt = now
	user.UpdatedAt = now
	st.users[user.ID] = *user
	return nil
}

func (s *MemoryStore) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.data().users {
		if strings.EqualFold(u.Email, email) {
			u := u
			return &u, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (s *MemoryStore) GetActiveUser(ctx context.Context, id uuid.UUID) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.data().users[id]
	if !ok || !u.IsActive {
		return nil, storage.ErrNotFound
	}
	return &u, nil
}

func (s *MemoryStore) UpdateUserPassword(ctx context.Context, id uuid.UUID, passwordHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.data()
	u, ok := st.users[id]
	if !ok {
		return storage.ErrNotFound
	}
	u.PasswordHash = passwordHash
	u.UpdatedAt = s.clock()
	st.users[id] = u
	return nil
}

func (s *MemoryStore) CreateTenant(ctx context.Context, tenant *models.Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.data()
	for _, t := range st.tenants {
		if t.Slug == tenant.Slug {
			return storage.ErrDuplicateKey
		}
	}
	now := s.clock()
	tenant.ID = uuid.New()
	tenant.CreatedAt = now
	tenant.UpdatedAt = now
	st.tenants[tenant.ID] = *tenant
	return nil
}

func (s *MemoryStore) CreateMembership(ctx context.Context, m *models.Membership) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.BeforeCreateMembership != nil {
		if err := s.BeforeCreateMembership(m); err != nil {
			return err
		}
	}
	if !m.Role.Valid() {
		return storage.ErrInvalidData
	}
	st := s.data()
	if _, ok := st.users[m.UserID]; !ok {
		return storage.ErrInvalidData
	}
	if _, ok := st.tenants[m.TenantID]; !ok {
		return storage.ErrInvalidData
	}
	for _, existing := range st.memberships {
		if existing.UserID == m.UserID && existing.TenantID == m.TenantID {
			return storage.ErrDuplicateKey
		}
	}
	m.CreatedAt = s.clock()
	st.memberships = append(st.memberships, *m)
	return nil
}

func (s *MemoryStore) GetEarliestMembership(ctx context.Context, userID uuid.UUID) (*models.OrganizationMembership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.data()
	var candidates []models.Membership
	for _, m := range st.memberships {
		if m.UserID != userID {
			continue
		}
		if t, ok := st.tenants[m.TenantID]; ok && t.DeletedAt == nil {
			candidates = append(candidates, m)
		}
	}
	if len(candidates) == 0 {
		return nil, storage.ErrNotFound
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})
	return st.organization(candidates[0]), nil
}

func (s *MemoryStore) GetMembership(ctx context.Context, userID, tenantID uuid.UUID) (*models.OrganizationMembership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.data()
	for _, m := range st.memberships {
		if m.UserID != userID || m.TenantID != tenantID {
			continue
		}
		if t, ok := st.tenants[m.TenantID]; ok && t.DeletedAt == nil {
			return st.organization(m), nil
		}
	}
	return nil, storage.ErrNotFound
}

func (st *state) organization(m models.Membership) *models.OrganizationMembership {
	return &models.OrganizationMembership{
		TenantID:   m.TenantID,
		TenantName: st.tenants[m.TenantID].Name,
		Role:       m.Role,
		JoinedAt:   m.CreatedAt,
	}
}

func (s *MemoryStore) CreateActivity(ctx context.Context, activity *models.Activity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.data()
	if activity.ID == uuid.Nil {
		activity.ID = uuid.New()
	}
	activity.CreatedAt = s.clock()
	st.activities = append(st.activities, *activity)
	return nil
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

// Test helpers

// Counts returns the number of users, tenants and memberships committed
func (s *MemoryStore) Counts() (users, tenants, memberships int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := *s.shared
	return len(st.users), len(st.tenants), len(st.memberships)
}

// Activities returns the recorded activities
func (s *MemoryStore) Activities() []models.Activity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Activity(nil), (*s.shared).activities...)
}

// Tenant returns a committed tenant by ID
func (s *MemoryStore) Tenant(id uuid.UUID) (models.Tenant, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := (*s.shared).tenants[id]
	return t, ok
}

// User returns a committed user by ID regardless of status
func (s *MemoryStore) User(id uuid.UUID) (models.User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := (*s.shared).users[id]
	return u, ok
}

// SetUserActive flips the active flag of a committed user
func (s *MemoryStore) SetUserActive(id uuid.UUID, active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := *s.shared
	if u, ok := st.users[id]; ok {
		u.IsActive = active
		st.users[id] = u
	}
}

// SetUserPasswordHash overwrites a committed user's hash, "" clears it
func (s *MemoryStore) SetUserPasswordHash(id uuid.UUID, hash string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := *s.shared
	if u, ok := st.users[id]; ok {
		u.PasswordHash = hash
		st.users[id] = u
	}
}

// SoftDeleteTenant marks a committed tenant deleted
func (s *MemoryStore) SoftDeleteTenant(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := *s.shared
	if t, ok := st.tenants[id]; ok {
		now := s.clock()
		t.DeletedAt = &now
		st.tenants[id] = t
	}
}

// AddTenant inserts a committed tenant and a membership for userID
func (s *MemoryStore) AddTenant(userID uuid.UUID, name string, role models.Role) models.Tenant {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := *s.shared
	now := s.clock()
	t := models.Tenant{ID: uuid.New(), Name: name, Slug: models.Slugify(name), CreatedAt: now, UpdatedAt: now}
	st.tenants[t.ID] = t
	st.memberships = append(st.memberships, models.Membership{TenantID: t.ID, UserID: userID, Role: role, CreatedAt: s.clock()})
	return t
}
