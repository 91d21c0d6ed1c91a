package repo

import (
	"context"
	"database/sql"

	"saltdig/internal/domain"
)

func (r Repo) InsertUSDCRecordTx(ctx context.Context, tx *sql.Tx, u domain.USDCTransactionRecord) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO usdc_transaction_records(id,listing_id,bounty_hash,poster_id,worker_id,amount,worker_stake,status,last_tx_hash,submitted_at,completed_at,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		u.ID, u.ListingID, u.BountyHash, u.PosterID, nullableStringPtr(u.WorkerID), u.Amount, u.WorkerStake, u.Status,
		nullableStringPtr(u.LastTxHash), nullableStringPtr(u.SubmittedAt), nullableStringPtr(u.CompletedAt), u.CreatedAt, u.UpdatedAt)
	return err
}

const usdcSelect = `SELECT id,listing_id,bounty_hash,poster_id,worker_id,amount,worker_stake,status,last_tx_hash,submitted_at,completed_at,created_at,updated_at FROM usdc_transaction_records`

func (r Repo) GetUSDCRecordByListing(ctx context.Context, listingID string) (domain.USDCTransactionRecord, error) {
	return scanUSDCRecord(r.DB.QueryRowContext(ctx, usdcSelect+` WHERE listing_id=?`, listingID))
}

func (r Repo) GetUSDCRecordByListingTx(ctx context.Context, tx *sql.Tx, listingID string) (domain.USDCTransactionRecord, error) {
	return scanUSDCRecord(tx.QueryRowContext(ctx, usdcSelect+` WHERE listing_id=?`, listingID))
}

func (r Repo) GetUSDCRecordTx(ctx context.Context, tx *sql.Tx, id string) (domain.USDCTransactionRecord, error) {
	return scanUSDCRecord(tx.QueryRowContext(ctx, usdcSelect+` WHERE id=?`, id))
}

func scanUSDCRecord(row *sql.Row) (domain.USDCTransactionRecord, error) {
	var u domain.USDCTransactionRecord
	var worker, lastTx, submittedAt, completedAt sql.NullString
	err := row.Scan(&u.ID, &u.ListingID, &u.BountyHash, &u.PosterID, &worker, &u.Amount, &u.WorkerStake, &u.Status, &lastTx, &submittedAt, &completedAt, &u.CreatedAt, &u.UpdatedAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	if err != nil {
		return u, err
	}
	u.WorkerID = scanNullString(worker)
	u.LastTxHash = scanNullString(lastTx)
	u.SubmittedAt = scanNullString(submittedAt)
	u.CompletedAt = scanNullString(completedAt)
	return u, nil
}

func (r Repo) UpdateUSDCRecordTx(ctx context.Context, tx *sql.Tx, u domain.USDCTransactionRecord) error {
	res, err := tx.ExecContext(ctx, `UPDATE usdc_transaction_records SET worker_id=?, status=?, last_tx_hash=?, submitted_at=?, completed_at=?, updated_at=? WHERE id=?`,
		nullableStringPtr(u.WorkerID), u.Status, nullableStringPtr(u.LastTxHash), nullableStringPtr(u.SubmittedAt), nullableStringPtr(u.CompletedAt), u.UpdatedAt, u.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListUSDCRecordsByStatus supports the reconciler's periodic scan.
func (r Repo) ListUSDCRecordsByStatus(ctx context.Context, status string) ([]domain.USDCTransactionRecord, error) {
	rows, err := r.DB.QueryContext(ctx, usdcSelect+` WHERE status=? ORDER BY submitted_at ASC`, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.USDCTransactionRecord
	for rows.Next() {
		var u domain.USDCTransactionRecord
		var worker, lastTx, submittedAt, completedAt sql.NullString
		if err := rows.Scan(&u.ID, &u.ListingID, &u.BountyHash, &u.PosterID, &worker, &u.Amount, &u.WorkerStake, &u.Status, &lastTx, &submittedAt, &completedAt, &u.CreatedAt, &u.UpdatedAt); err != nil {
			return nil, err
		}
		u.WorkerID = scanNullString(worker)
		u.LastTxHash = scanNullString(lastTx)
		u.SubmittedAt = scanNullString(submittedAt)
		u.CompletedAt = scanNullString(completedAt)
		res = append(res, u)
	}
	return res, rows.Err()
}
