package index

import (
	"context"
	"fmt"
	"time"

	"github.com/urpmng/urpm"
)

// BeginTransaction opens a new history row in TxRunning status and
// returns its id.
func (s *Store) BeginTransaction(ctx context.Context, kind urpm.TransactionKind, commandLine, user string) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `INSERT INTO transactions (kind, status, command_line, "user")
		VALUES ($1, $2, $3, $4) RETURNING id`,
		string(kind), string(urpm.TxRunning), commandLine, user).Scan(&id)
	if err != nil {
		return 0, &urpm.Error{Op: "index.BeginTransaction", Kind: urpm.ErrIndex, Message: "opening history row", Inner: err}
	}
	return id, nil
}

// RecordTransactionPackage appends one affected-package row to an
// open transaction.
func (s *Store) RecordTransactionPackage(ctx context.Context, txID int64, beforeNEVRA, afterNEVRA string, reason urpm.InstallReason) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO transaction_packages (transaction_id, before_nevra, after_nevra, reason)
		VALUES ($1, $2, $3, $4)`, txID, beforeNEVRA, afterNEVRA, string(reason))
	return err
}

// CompleteTransaction closes a transaction with a final status and exit
// code.
func (s *Store) CompleteTransaction(ctx context.Context, txID int64, status urpm.TransactionStatus, exitCode int) error {
	_, err := s.pool.Exec(ctx, `UPDATE transactions SET status = $1, exit_code = $2, finished_at = now() WHERE id = $3`,
		string(status), exitCode, txID)
	return err
}

// MarkUndone back-points an older transaction to the undo/rollback
// transaction that reverted it.
func (s *Store) MarkUndone(ctx context.Context, originalTxID, undoTxID int64) error {
	_, err := s.pool.Exec(ctx, `UPDATE transactions SET undone_by = $1 WHERE id = $2`, undoTxID, originalTxID)
	return err
}

const transactionColumns = `id, kind, status, command_line, "user", exit_code, started_at, finished_at, undone_by`

func scanTransaction(row interface{ Scan(...any) error }) (urpm.Transaction, error) {
	var t urpm.Transaction
	var finishedAt *time.Time
	var undoneBy *int64
	err := row.Scan(&t.ID, &t.Kind, &t.Status, &t.CommandLine, &t.User, &t.ExitCode, &t.StartedAt, &finishedAt, &undoneBy)
	if finishedAt != nil {
		t.FinishedAt = *finishedAt
	}
	if undoneBy != nil {
		t.UndoneBy = *undoneBy
	}
	return t, err
}

// History lists the most recent transactions, newest first.
func (s *Store) History(ctx context.Context, limit int) ([]urpm.Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `SELECT `+transactionColumns+` FROM transactions ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("index: listing history: %w", err)
	}
	defer rows.Close()
	var out []urpm.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("index: scanning transaction row: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// TransactionPackages lists the affected-package rows of a single
// transaction, in insertion order.
func (s *Store) TransactionPackages(ctx context.Context, txID int64) ([]urpm.TransactionPackage, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, transaction_id, before_nevra, after_nevra, reason
		FROM transaction_packages WHERE transaction_id = $1 ORDER BY id`, txID)
	if err != nil {
		return nil, fmt.Errorf("index: listing transaction packages: %w", err)
	}
	defer rows.Close()
	var out []urpm.TransactionPackage
	for rows.Next() {
		var tp urpm.TransactionPackage
		if err := rows.Scan(&tp.ID, &tp.TransactionID, &tp.BeforeNEVRA, &tp.AfterNEVRA, &tp.Reason); err != nil {
			return nil, fmt.Errorf("index: scanning transaction package row: %w", err)
		}
		out = append(out, tp)
	}
	return out, rows.Err()
}
