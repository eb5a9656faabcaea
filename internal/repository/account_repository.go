package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Common errors
var (
	ErrAccountNotFound    = errors.New("account not found")
	ErrEmailAlreadyExists = errors.New("email already exists")
)

// MutateFunc mutates an account inside an update transaction. Returning an
// error aborts the update and leaves the stored record unchanged.
type MutateFunc func(a *Account) error

// AccountRepository defines the interface for account data access
type AccountRepository interface {
	Create(ctx context.Context, account *Account) error
	GetByID(ctx context.Context, id uuid.UUID) (*Account, error)
	GetByEmail(ctx context.Context, email string) (*Account, error)
	EmailExists(ctx context.Context, email string) (bool, error)
	// Update loads the account under a row lock, applies fn and persists
	// the result atomically.
	Update(ctx context.Context, id uuid.UUID, fn MutateFunc) (*Account, error)
}

const accountColumns = `
	id, email, password_hash, first_name, last_name, role, email_verified,
	two_factor_enabled, two_factor_secret, backup_codes,
	failed_login_count, last_failed_login_at, lockout_until,
	sessions, login_history, last_login_at, created_at, updated_at`

// accountRepository implements AccountRepository using PostgreSQL
type accountRepository struct {
	pool *pgxpool.Pool
}

// NewAccountRepository creates a new AccountRepository instance
func NewAccountRepository(pool *pgxpool.Pool) AccountRepository {
	return &accountRepository{pool: pool}
}

// Create inserts a new account into the database
func (r *accountRepository) Create(ctx context.Context, account *Account) error {
	if account.Role == "" {
		account.Role = RoleUser
	}
	codes, sessions, history, err := marshalCollections(account)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO accounts (email, password_hash, first_name, last_name, role, email_verified,
			two_factor_enabled, two_factor_secret, backup_codes, sessions, login_history)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id, created_at, updated_at
	`

	err = r.pool.QueryRow(ctx, query,
		strings.ToLower(account.Email),
		account.PasswordHash,
		account.FirstName,
		account.LastName,
		account.Role,
		account.EmailVerified,
		account.TwoFactorEnabled,
		account.TwoFactorSecret,
		codes,
		sessions,
		history,
	).Scan(&account.ID, &account.CreatedAt, &account.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrEmailAlreadyExists
		}
		return err
	}

	account.Email = strings.ToLower(account.Email)
	return nil
}

// GetByID retrieves an account by its ID
func (r *accountRepository) GetByID(ctx context.Context, id uuid.UUID) (*Account, error) {
	query := `SELECT` + accountColumns + ` FROM accounts WHERE id = $1`
	return scanAccount(r.pool.QueryRow(ctx, query, id))
}

// GetByEmail retrieves an account by its email address (case-insensitive)
func (r *accountRepository) GetByEmail(ctx context.Context, email string) (*Account, error) {
	query := `SELECT` + accountColumns + ` FROM accounts WHERE LOWER(email) = LOWER($1)`
	return scanAccount(r.pool.QueryRow(ctx, query, email))
}

// EmailExists checks if an email address is already registered (case-insensitive)
func (r *accountRepository) EmailExists(ctx context.Context, email string) (bool, error) {
	query := `
		SELECT EXISTS(SELECT 1 FROM accounts WHERE LOWER(email) = LOWER($1))
	`

	var exists bool
	if err := r.pool.QueryRow(ctx, query, email).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

// Update applies fn to the account while holding a row lock
func (r *accountRepository) Update(ctx context.Context, id uuid.UUID, fn MutateFunc) (*Account, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `SELECT` + accountColumns + ` FROM accounts WHERE id = $1 FOR UPDATE`
	account, err := scanAccount(tx.QueryRow(ctx, query, id))
	if err != nil {
		return nil, err
	}

	if err := fn(account); err != nil {
		return nil, err
	}

	codes, sessions, history, err := marshalCollections(account)
	if err != nil {
		return nil, err
	}

	update := `
		UPDATE accounts SET
			email = $2, password_hash = $3, first_name = $4, last_name = $5, role = $6,
			email_verified = $7, two_factor_enabled = $8, two_factor_secret = $9,
			backup_codes = $10, failed_login_count = $11, last_failed_login_at = $12,
			lockout_until = $13, sessions = $14, login_history = $15, last_login_at = $16,
			updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at
	`
	err = tx.QueryRow(ctx, update,
		account.ID,
		strings.ToLower(account.Email),
		account.PasswordHash,
		account.FirstName,
		account.LastName,
		account.Role,
		account.EmailVerified,
		account.TwoFactorEnabled,
		account.TwoFactorSecret,
		codes,
		account.FailedLoginCount,
		account.LastFailedLoginAt,
		account.LockoutUntil,
		sessions,
		history,
		account.LastLoginAt,
	).Scan(&account.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrEmailAlreadyExists
		}
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return account, nil
}

func scanAccount(row pgx.Row) (*Account, error) {
	var (
		a                        Account
		codes, sessions, history []byte
	)
	err := row.Scan(
		&a.ID,
		&a.Email,
		&a.PasswordHash,
		&a.FirstName,
		&a.LastName,
		&a.Role,
		&a.EmailVerified,
		&a.TwoFactorEnabled,
		&a.TwoFactorSecret,
		&codes,
		&a.FailedLoginCount,
		&a.LastFailedLoginAt,
		&a.LockoutUntil,
		&sessions,
		&history,
		&a.LastLoginAt,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}

	if err := unmarshalJSONB(codes, &a.BackupCodes); err != nil {
		return nil, fmt.Errorf("decode backup codes: %w", err)
	}
	if err := unmarshalJSONB(sessions, &a.Sessions); err != nil {
		return nil, fmt.Errorf("decode sessions: %w", err)
	}
	if err := unmarshalJSONB(history, &a.LoginHistory); err != nil {
		return nil, fmt.Errorf("decode login history: %w", err)
	}
	return &a, nil
}

func marshalCollections(a *Account) (codes, sessions, history []byte, err error) {
	if codes, err = marshalJSONB(a.BackupCodes); err != nil {
		return nil, nil, nil, fmt.Errorf("encode backup codes: %w", err)
	}
	if sessions, err = marshalJSONB(a.Sessions); err != nil {
		return nil, nil, nil, fmt.Errorf("encode sessions: %w", err)
	}
	if history, err = marshalJSONB(a.LoginHistory); err != nil {
		return nil, nil, nil, fmt.Errorf("encode login history: %w", err)
	}
	return codes, sessions, history, nil
}

// marshalJSONB encodes a nil slice as an empty JSON array
func marshalJSONB[T any](v []T) ([]byte, error) {
	if v == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(v)
}

func unmarshalJSONB[T any](data []byte, dst *[]T) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, dst)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// MemoryAccountRepository is an in-process AccountRepository used by tests
// and single-node development setups.
type MemoryAccountRepository struct {
	mu       chanMutex
	accounts map[uuid.UUID]*Account
	now      func() time.Time
}

// NewMemoryAccountRepository creates an empty in-memory repository
func NewMemoryAccountRepository() *MemoryAccountRepository {
	return &MemoryAccountRepository{
		mu:       newChanMutex(),
		accounts: make(map[uuid.UUID]*Account),
		now:      time.Now,
	}
}

// Create stores a copy of account, assigning its ID and timestamps
func (m *MemoryAccountRepository) Create(ctx context.Context, account *Account) error {
	if err := m.mu.Lock(ctx); err != nil {
		return err
	}
	defer m.mu.Unlock()

	email := strings.ToLower(account.Email)
	for _, a := range m.accounts {
		if a.Email == email {
			return ErrEmailAlreadyExists
		}
	}

	now := m.now().UTC()
	if account.ID == uuid.Nil {
		account.ID = uuid.New()
	}
	if account.Role == "" {
		account.Role = RoleUser
	}
	account.Email = email
	account.CreatedAt = now
	account.UpdatedAt = now
	m.accounts[account.ID] = account.Clone()
	return nil
}

// GetByID returns a copy of the account with the given ID
func (m *MemoryAccountRepository) GetByID(ctx context.Context, id uuid.UUID) (*Account, error) {
	if err := m.mu.Lock(ctx); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()

	a, ok := m.accounts[id]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return a.Clone(), nil
}

// GetByEmail returns a copy of the account with the given email
func (m *MemoryAccountRepository) GetByEmail(ctx context.Context, email string) (*Account, error) {
	if err := m.mu.Lock(ctx); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()

	email = strings.ToLower(email)
	for _, a := range m.accounts {
		if a.Email == email {
			return a.Clone(), nil
		}
	}
	return nil, ErrAccountNotFound
}

// EmailExists reports whether an account uses email
func (m *MemoryAccountRepository) EmailExists(ctx context.Context, email string) (bool, error) {
	_, err := m.GetByEmail(ctx, email)
	if errors.Is(err, ErrAccountNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Update applies fn to a copy of the account and stores it only if fn succeeds
func (m *MemoryAccountRepository) Update(ctx context.Context, id uuid.UUID, fn MutateFunc) (*Account, error) {
	if err := m.mu.Lock(ctx); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()

	stored, ok := m.accounts[id]
	if !ok {
		return nil, ErrAccountNotFound
	}

	working := stored.Clone()
	if err := fn(working); err != nil {
		return nil, err
	}
	// a cancelled context aborts the commit, as it does for a transaction
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	working.Email = strings.ToLower(working.Email)
	working.UpdatedAt = m.now().UTC()
	m.accounts[id] = working
	return working.Clone(), nil
}

// chanMutex is a mutex whose Lock honours context cancellation
type chanMutex chan struct{}

func newChanMutex() chanMutex {
	return make(chanMutex, 1)
}

func (c chanMutex) Lock(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case c <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c chanMutex) Unlock() {
	<-c
}
