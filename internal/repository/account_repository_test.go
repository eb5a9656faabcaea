package repository

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAccount(email string) *Account {
	return &Account{Email: email, PasswordHash: "$2a$12$hash", FirstName: "Ada"}
}

func TestMemoryRepository_CreateNormalizesEmail(t *testing.T) {
	repo := NewMemoryAccountRepository()
	ctx := context.Background()

	a := newAccount("Ada@Example.COM")
	require.NoError(t, repo.Create(ctx, a))
	assert.NotEqual(t, uuid.Nil, a.ID)
	assert.Equal(t, RoleUser, a.Role)

	got, err := repo.GetByEmail(ctx, "ADA@example.com")
	require.NoError(t, err)
	assert.Equal(t, "ada@example.com", got.Email)

	err = repo.Create(ctx, newAccount("ada@EXAMPLE.com"))
	assert.ErrorIs(t, err, ErrEmailAlreadyExists)

	exists, err := repo.EmailExists(ctx, "nobody@example.com")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestMemoryRepository_UpdateIsAtomic(t *testing.T) {
	repo := NewMemoryAccountRepository()
	ctx := context.Background()
	a := newAccount("ada@example.com")
	require.NoError(t, repo.Create(ctx, a))

	boom := errors.New("abort")
	_, err := repo.Update(ctx, a.ID, func(acc *Account) error {
		acc.FailedLoginCount = 5
		return boom
	})
	assert.ErrorIs(t, err, boom)

	stored, err := repo.GetByID(ctx, a.ID)
	require.NoError(t, err)
	assert.Zero(t, stored.FailedLoginCount)

	_, err = repo.Update(ctx, uuid.New(), func(*Account) error { return nil })
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestMemoryRepository_UpdatesSerialize(t *testing.T) {
	repo := NewMemoryAccountRepository()
	ctx := context.Background()
	a := newAccount("ada@example.com")
	require.NoError(t, repo.Create(ctx, a))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = repo.Update(ctx, a.ID, func(acc *Account) error {
				acc.Sessions = append(acc.Sessions, Session{ID: uuid.NewString()})
				return nil
			})
		}()
	}
	wg.Wait()

	stored, err := repo.GetByID(ctx, a.ID)
	require.NoError(t, err)
	assert.Len(t, stored.Sessions, 20)
}

func TestMemoryRepository_LockHonoursContext(t *testing.T) {
	repo := NewMemoryAccountRepository()
	a := newAccount("ada@example.com")
	require.NoError(t, repo.Create(context.Background(), a))

	release := make(chan struct{})
	entered := make(chan struct{})
	go func() {
		_, _ = repo.Update(context.Background(), a.ID, func(*Account) error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := repo.GetByID(ctx, a.ID)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMemoryRepository_CancelledUpdateDoesNotCommit(t *testing.T) {
	repo := NewMemoryAccountRepository()
	a := newAccount("ada@example.com")
	require.NoError(t, repo.Create(context.Background(), a))

	ctx, cancel := context.WithCancel(context.Background())
	_, err := repo.Update(ctx, a.ID, func(acc *Account) error {
		acc.FailedLoginCount = 3
		cancel()
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)

	_, err = repo.Update(ctx, a.ID, func(*Account) error {
		t.Fatal("mutation ran with a cancelled context")
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)

	stored, err := repo.GetByID(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Zero(t, stored.FailedLoginCount)
}

func TestAccount_CloneIsDeep(t *testing.T) {
	lat := 52.52
	secret := "JBSWY3DPEHPK3PXP"
	locked := time.Now().Add(time.Minute)
	a := &Account{
		TwoFactorSecret: &secret,
		LockoutUntil:    &locked,
		BackupCodes:     []BackupCode{{Hash: "h1"}},
		Sessions:        []Session{{ID: "s1", Location: &Location{City: "Berlin", Latitude: &lat}}},
	}

	c := a.Clone()
	*c.TwoFactorSecret = "changed"
	*c.Sessions[0].Location.Latitude = 0
	c.BackupCodes[0].Hash = "h2"
	*c.LockoutUntil = time.Time{}

	assert.Equal(t, "JBSWY3DPEHPK3PXP", *a.TwoFactorSecret)
	assert.Equal(t, 52.52, *a.Sessions[0].Location.Latitude)
	assert.Equal(t, "h1", a.BackupCodes[0].Hash)
	assert.True(t, a.IsLocked(time.Now()))
}

func TestMarshalJSONB_NilIsEmptyArray(t *testing.T) {
	codes, sessions, history, err := marshalCollections(&Account{})
	require.NoError(t, err)
	assert.Equal(t, "[]", string(codes))
	assert.Equal(t, "[]", string(sessions))
	assert.Equal(t, "[]", string(history))

	var out []Session
	require.NoError(t, unmarshalJSONB([]byte(`[{"id":"s1","is_active":true}]`), &out))
	require.Len(t, out, 1)
	assert.True(t, out[0].IsActive)
}
