package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/calvora/cadence/internal/domain"
	"github.com/calvora/cadence/internal/platform/logger"
	"github.com/calvora/cadence/internal/store"
)

// PostgresAccountStore implements the store.AccountStore interface
// using a PostgreSQL database as the storage backend.
type PostgresAccountStore struct {
	db     store.DBTX
	logger *slog.Logger
}

// NewPostgresAccountStore creates a new PostgreSQL implementation of
// the AccountStore interface. The database connection or transaction
// is managed by the caller. If logger is nil, a default logger is used.
func NewPostgresAccountStore(db store.DBTX, logger *slog.Logger) *PostgresAccountStore {
	if db == nil {
		panic("db cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &PostgresAccountStore{
		db:     db,
		logger: logger.With(slog.String("component", "account_store")),
	}
}

// Ensure PostgresAccountStore implements store.AccountStore interface
var _ store.AccountStore = (*PostgresAccountStore)(nil)

// GetByID implements store.AccountStore.GetByID.
// Returns store.ErrAccountNotFound if the account does not exist.
func (s *PostgresAccountStore) GetByID(ctx context.Context, id int64) (*domain.Account, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	query := `
		SELECT id, handle, enabled, created_at, updated_at
		FROM accounts
		WHERE id = $1
	`

	var account domain.Account
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&account.ID,
		&account.Handle,
		&account.Enabled,
		&account.CreatedAt,
		&account.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			log.Debug("account not found", slog.Int64("account_id", id))
			return nil, store.ErrAccountNotFound
		}
		log.Error("failed to get account",
			slog.Int64("account_id", id),
			slog.String("error", err.Error()))
		return nil, fmt.Errorf("failed to get account: %w", MapError(err))
	}

	return &account, nil
}

// ListEnabledPage implements store.AccountStore.ListEnabledPage.
// It pages enabled accounts by ascending id strictly greater than
// afterID. One extra row is fetched to compute HasMore without a
// second query.
func (s *PostgresAccountStore) ListEnabledPage(ctx context.Context, afterID int64, limit int) (*store.AccountPage, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	query := `
		SELECT id, handle, enabled, created_at, updated_at
		FROM accounts
		WHERE enabled AND id > $1
		ORDER BY id ASC
		LIMIT $2
	`

	rows, err := s.db.QueryContext(ctx, query, afterID, limit+1)
	if err != nil {
		log.Error("failed to list enabled accounts",
			slog.Int64("after_id", afterID),
			slog.String("error", err.Error()))
		return nil, fmt.Errorf("failed to list enabled accounts: %w", MapError(err))
	}
	defer func() { _ = rows.Close() }()

	var accounts []*domain.Account
	for rows.Next() {
		var account domain.Account
		if err := rows.Scan(
			&account.ID,
			&account.Handle,
			&account.Enabled,
			&account.CreatedAt,
			&account.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan account row: %w", err)
		}
		accounts = append(accounts, &account)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate account rows: %w", err)
	}

	page := &store.AccountPage{NextCursorID: afterID}
	if len(accounts) > limit {
		page.HasMore = true
		accounts = accounts[:limit]
	}
	page.Accounts = accounts
	if len(accounts) > 0 {
		page.NextCursorID = accounts[len(accounts)-1].ID
	}

	return page, nil
}
