package users

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when no user has the requested id or email
	ErrNotFound = errors.New("user not found")

	// ErrDuplicateEmail is returned when the email is already registered
	ErrDuplicateEmail = errors.New("email already registered")
)

// DefaultListLimit caps List when no limit is given
const DefaultListLimit = 50

// ListOptions pages through users ordered by id
type ListOptions struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

func (o ListOptions) normalized() ListOptions {
	if o.Limit <= 0 || o.Limit > DefaultListLimit {
		o.Limit = DefaultListLimit
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
	return o
}

// Repository stores users
type Repository interface {
	// Create inserts u and sets its id and timestamps
	Create(ctx context.Context, u *User) error
	FindByID(ctx context.Context, id int64) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
	List(ctx context.Context, opts ListOptions) ([]*User, error)
	// Update stores every field of u and refreshes UpdatedAt
	Update(ctx context.Context, u *User) error
	Delete(ctx context.Context, id int64) error
}
