package users

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newUser(email string) *User {
	return &User{Name: "Ana", Email: email, PasswordHash: "hash", CellPhone: "5511999999999"}
}

func TestMemoryRepository(t *testing.T) {
	ctx := context.Background()

	t.Run("create assigns ids and timestamps", func(t *testing.T) {
		repo := NewMemoryRepository()
		a, b := newUser("a@example.com"), newUser("b@example.com")

		require.NoError(t, repo.Create(ctx, a))
		require.NoError(t, repo.Create(ctx, b))

		assert.Equal(t, int64(1), a.ID)
		assert.Equal(t, int64(2), b.ID)
		assert.False(t, a.CreatedAt.IsZero())
		assert.Equal(t, a.CreatedAt, a.UpdatedAt)
	})

	t.Run("duplicate email is rejected", func(t *testing.T) {
		repo := NewMemoryRepository()
		require.NoError(t, repo.Create(ctx, newUser("a@example.com")))
		assert.ErrorIs(t, repo.Create(ctx, newUser("a@example.com")), ErrDuplicateEmail)
	})

	t.Run("find returns copies", func(t *testing.T) {
		repo := NewMemoryRepository()
		u := newUser("a@example.com")
		require.NoError(t, repo.Create(ctx, u))

		found, err := repo.FindByID(ctx, u.ID)
		require.NoError(t, err)
		found.Name = "changed"

		again, err := repo.FindByEmail(ctx, "a@example.com")
		require.NoError(t, err)
		assert.Equal(t, "Ana", again.Name)
	})

	t.Run("missing user", func(t *testing.T) {
		repo := NewMemoryRepository()
		_, err := repo.FindByID(ctx, 42)
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = repo.FindByEmail(ctx, "nobody@example.com")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, repo.Update(ctx, &User{ID: 42}), ErrNotFound)
		assert.ErrorIs(t, repo.Delete(ctx, 42), ErrNotFound)
	})

	t.Run("update keeps created at and checks email", func(t *testing.T) {
		repo := NewMemoryRepository()
		a, b := newUser("a@example.com"), newUser("b@example.com")
		require.NoError(t, repo.Create(ctx, a))
		require.NoError(t, repo.Create(ctx, b))

		created := a.CreatedAt
		a.Name = "Ana Maria"
		require.NoError(t, repo.Update(ctx, a))
		assert.Equal(t, created, a.CreatedAt)

		b.Email = "a@example.com"
		assert.ErrorIs(t, repo.Update(ctx, b), ErrDuplicateEmail)

		found, err := repo.FindByID(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, "Ana Maria", found.Name)
	})

	t.Run("list pages in id order", func(t *testing.T) {
		repo := NewMemoryRepository()
		for i := 0; i < 5; i++ {
			require.NoError(t, repo.Create(ctx, newUser(fmt.Sprintf("u%d@example.com", i))))
		}

		page, err := repo.List(ctx, ListOptions{Limit: 2, Offset: 1})
		require.NoError(t, err)
		require.Len(t, page, 2)
		assert.Equal(t, int64(2), page[0].ID)
		assert.Equal(t, int64(3), page[1].ID)

		all, err := repo.List(ctx, ListOptions{})
		require.NoError(t, err)
		assert.Len(t, all, 5)

		past, err := repo.List(ctx, ListOptions{Offset: 10})
		require.NoError(t, err)
		assert.Empty(t, past)
	})

	t.Run("delete", func(t *testing.T) {
		repo := NewMemoryRepository()
		u := newUser("a@example.com")
		require.NoError(t, repo.Create(ctx, u))
		require.NoError(t, repo.Delete(ctx, u.ID))
		_, err := repo.FindByID(ctx, u.ID)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}
