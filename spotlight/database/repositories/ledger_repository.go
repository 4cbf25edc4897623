package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/castboard/spotlight/spotlight/database/models"
	"github.com/uptrace/bun"
)

type LedgerRepository interface {
	GetAccount(ctx context.Context, contributorID string) (*models.LedgerAccount, error)
	CreateIfMissing(ctx context.Context, contributorID string) error
	Credit(ctx context.Context, contributorID string, amount int64, kind models.LedgerEntryKind, reference string) error
	ListTransactions(ctx context.Context, contributorID string, limit int) ([]*models.LedgerTransaction, error)
}

type ledgerRepository struct {
	db *bun.DB
}

func NewLedgerRepository(db *bun.DB) LedgerRepository {
	return &ledgerRepository{db: db}
}

func (r *ledgerRepository) GetAccount(ctx context.Context, contributorID string) (*models.LedgerAccount, error) {
	account := new(models.LedgerAccount)
	err := r.db.NewSelect().
		Model(account).
		Where("contributor_id = ?", contributorID).
		Scan(ctx)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get ledger account: %w", err)
	}
	return account, nil
}

func (r *ledgerRepository) CreateIfMissing(ctx context.Context, contributorID string) error {
	account := &models.LedgerAccount{
		ContributorID: contributorID,
		Balance:       0,
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	}

	_, err := r.db.NewInsert().
		Model(account).
		On("CONFLICT (contributor_id) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to create ledger account: %w", err)
	}
	return nil
}

func (r *ledgerRepository) Credit(ctx context.Context, contributorID string, amount int64, kind models.LedgerEntryKind, reference string) error {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	if err := creditAccountTx(ctx, tx, contributorID, amount, kind, reference); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (r *ledgerRepository) ListTransactions(ctx context.Context, contributorID string, limit int) ([]*models.LedgerTransaction, error) {
	var transactions []*models.LedgerTransaction
	query := r.db.NewSelect().
		Model(&transactions).
		Where("contributor_id = ?", contributorID).
		Order("created_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	if err := query.Scan(ctx); err != nil {
		return nil, fmt.Errorf("failed to list ledger transactions: %w", err)
	}
	return transactions, nil
}
