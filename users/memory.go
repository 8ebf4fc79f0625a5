package users

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRepository keeps users in process memory
type MemoryRepository struct {
	mu     sync.RWMutex
	nextID int64
	byID   map[int64]*User
	now    func() time.Time
}

// NewMemoryRepository creates an empty repository
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		byID: make(map[int64]*User),
		now:  time.Now,
	}
}

func (r *MemoryRepository) Create(ctx context.Context, u *User) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.emailTakenLocked(u.Email, 0) {
		return ErrDuplicateEmail
	}

	r.nextID++
	now := r.now()
	u.ID = r.nextID
	u.CreatedAt = now
	u.UpdatedAt = now

	stored := *u
	r.byID[u.ID] = &stored
	return nil
}

func (r *MemoryRepository) FindByID(ctx context.Context, id int64) (*User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	u, ok := r.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	found := *u
	return &found, nil
}

func (r *MemoryRepository) FindByEmail(ctx context.Context, email string) (*User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, u := range r.byID {
		if u.Email == email {
			found := *u
			return &found, nil
		}
	}
	return nil, ErrNotFound
}

func (r *MemoryRepository) List(ctx context.Context, opts ListOptions) ([]*User, error) {
	opts = opts.normalized()

	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]int64, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]*User, 0, opts.Limit)
	for i := opts.Offset; i < len(ids) && len(out) < opts.Limit; i++ {
		u := *r.byID[ids[i]]
		out = append(out, &u)
	}
	return out, nil
}

func (r *MemoryRepository) Update(ctx context.Context, u *User) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.byID[u.ID]
	if !ok {
		return ErrNotFound
	}
	if r.emailTakenLocked(u.Email, u.ID) {
		return ErrDuplicateEmail
	}

	u.CreatedAt = existing.CreatedAt
	u.UpdatedAt = r.now()
	stored := *u
	r.byID[u.ID] = &stored
	return nil
}

func (r *MemoryRepository) Delete(ctx context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byID[id]; !ok {
		return ErrNotFound
	}
	delete(r.byID, id)
	return nil
}

func (r *MemoryRepository) emailTakenLocked(email string, exceptID int64) bool {
	for id, u := range r.byID {
		if id != exceptID && u.Email == email {
			return true
		}
	}
	return false
}
