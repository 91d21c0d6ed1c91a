package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"saltdig/internal/domain"
)

func (r Repo) InsertSpecDepositTx(ctx context.Context, tx *sql.Tx, d domain.SpecDeposit) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO spec_deposits(id,listing_id,depositor_id,amount,currency,consumed,status,frozen_at,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		d.ID, d.ListingID, d.DepositorID, d.Amount, string(d.Currency), d.Consumed, d.Status, nullableStringPtr(d.FrozenAt), d.CreatedAt, d.UpdatedAt)
	return err
}

const specDepositSelect = `SELECT id,listing_id,depositor_id,amount,currency,consumed,status,frozen_at,created_at,updated_at FROM spec_deposits`

func (r Repo) ActiveSpecDepositForListingTx(ctx context.Context, tx *sql.Tx, listingID string) (domain.SpecDeposit, error) {
	row := tx.QueryRowContext(ctx, specDepositSelect+` WHERE listing_id=? AND status='active' LIMIT 1`, listingID)
	return scanSpecDeposit(row)
}

func (r Repo) GetSpecDepositTx(ctx context.Context, tx *sql.Tx, id string) (domain.SpecDeposit, error) {
	return scanSpecDeposit(tx.QueryRowContext(ctx, specDepositSelect+` WHERE id=?`, id))
}

func (r Repo) GetSpecDeposit(ctx context.Context, id string) (domain.SpecDeposit, error) {
	return scanSpecDeposit(r.DB.QueryRowContext(ctx, specDepositSelect+` WHERE id=?`, id))
}

func scanSpecDeposit(row *sql.Row) (domain.SpecDeposit, error) {
	var d domain.SpecDeposit
	var currency string
	var frozenAt sql.NullString
	err := row.Scan(&d.ID, &d.ListingID, &d.DepositorID, &d.Amount, &currency, &d.Consumed, &d.Status, &frozenAt, &d.CreatedAt, &d.UpdatedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	d.Currency = domain.Currency(currency)
	d.FrozenAt = scanNullString(frozenAt)
	return d, nil
}

func (r Repo) UpdateSpecDepositTx(ctx context.Context, tx *sql.Tx, d domain.SpecDeposit) error {
	res, err := tx.ExecContext(ctx, `UPDATE spec_deposits SET consumed=?, status=?, frozen_at=?, updated_at=? WHERE id=?`,
		d.Consumed, d.Status, nullableStringPtr(d.FrozenAt), d.UpdatedAt, d.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertChangeOrderTx(ctx context.Context, tx *sql.Tx, c domain.ChangeOrder) error {
	nodes, err := json.Marshal(c.AffectedNodes)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO change_orders(id,listing_id,requester_id,description,affected_nodes_json,delta_cost,delta_currency,status,escrow_id,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.ListingID, c.RequesterID, nullableString(c.Description), string(nodes), c.DeltaCost, string(c.DeltaCurrency), c.Status, nullableStringPtr(c.EscrowID), c.CreatedAt, c.UpdatedAt)
	return err
}

const changeOrderSelect = `SELECT id,listing_id,requester_id,description,affected_nodes_json,delta_cost,delta_currency,status,escrow_id,created_at,updated_at FROM change_orders`

func (r Repo) GetChangeOrder(ctx context.Context, id string) (domain.ChangeOrder, error) {
	return scanChangeOrder(r.DB.QueryRowContext(ctx, changeOrderSelect+` WHERE id=?`, id))
}

func (r Repo) GetChangeOrderTx(ctx context.Context, tx *sql.Tx, id string) (domain.ChangeOrder, error) {
	return scanChangeOrder(tx.QueryRowContext(ctx, changeOrderSelect+` WHERE id=?`, id))
}

func scanChangeOrder(row *sql.Row) (domain.ChangeOrder, error) {
	var c domain.ChangeOrder
	var desc, escrowID sql.NullString
	var nodes string
	var currency string
	err := row.Scan(&c.ID, &c.ListingID, &c.RequesterID, &desc, &nodes, &c.DeltaCost, &currency, &c.Status, &escrowID, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	c.Description = desc.String
	c.DeltaCurrency = domain.Currency(currency)
	c.EscrowID = scanNullString(escrowID)
	_ = json.Unmarshal([]byte(nodes), &c.AffectedNodes)
	return c, nil
}

func (r Repo) UpdateChangeOrderStatusTx(ctx context.Context, tx *sql.Tx, id, status, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE change_orders SET status=?, updated_at=? WHERE id=?`, status, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListChangeOrdersByListing(ctx context.Context, listingID string) ([]domain.ChangeOrder, error) {
	rows, err := r.DB.QueryContext(ctx, changeOrderSelect+` WHERE listing_id=? ORDER BY created_at DESC`, listingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ChangeOrder
	for rows.Next() {
		var c domain.ChangeOrder
		var desc, escrowID sql.NullString
		var nodes string
		var currency string
		if err := rows.Scan(&c.ID, &c.ListingID, &c.RequesterID, &desc, &nodes, &c.DeltaCost, &currency, &c.Status, &escrowID, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		c.Description = desc.String
		c.DeltaCurrency = domain.Currency(currency)
		c.EscrowID = scanNullString(escrowID)
		_ = json.Unmarshal([]byte(nodes), &c.AffectedNodes)
		res = append(res, c)
	}
	return res, rows.Err()
}
