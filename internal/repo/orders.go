package repo

import (
	"context"
	"database/sql"

	"saltdig/internal/domain"
)

func (r Repo) InsertServiceOrderTx(ctx context.Context, tx *sql.Tx, o domain.ServiceOrder) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO service_orders(id,listing_id,buyer_id,seller_id,price,status,response,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?)`,
		o.ID, o.ListingID, o.BuyerID, o.SellerID, o.Price, o.Status, nullableStringPtr(o.Response), o.CreatedAt, o.UpdatedAt)
	return err
}

const orderSelect = `SELECT id,listing_id,buyer_id,seller_id,price,status,response,created_at,updated_at FROM service_orders`

func (r Repo) GetServiceOrder(ctx context.Context, id string) (domain.ServiceOrder, error) {
	return scanServiceOrder(r.DB.QueryRowContext(ctx, orderSelect+` WHERE id=?`, id))
}

func (r Repo) GetServiceOrderTx(ctx context.Context, tx *sql.Tx, id string) (domain.ServiceOrder, error) {
	return scanServiceOrder(tx.QueryRowContext(ctx, orderSelect+` WHERE id=?`, id))
}

func scanServiceOrder(row *sql.Row) (domain.ServiceOrder, error) {
	var o domain.ServiceOrder
	var response sql.NullString
	err := row.Scan(&o.ID, &o.ListingID, &o.BuyerID, &o.SellerID, &o.Price, &o.Status, &response, &o.CreatedAt, &o.UpdatedAt)
	if err == sql.ErrNoRows {
		return o, ErrNotFound
	}
	if err != nil {
		return o, err
	}
	o.Response = scanNullString(response)
	return o, nil
}

// ActiveOrderForListingTx returns the single non-terminal order for a
// listing, if any, enforcing the "at most one active order per listing"
// invariant at the write site that calls it.
func (r Repo) ActiveOrderForListingTx(ctx context.Context, tx *sql.Tx, listingID string) (domain.ServiceOrder, error) {
	row := tx.QueryRowContext(ctx, orderSelect+` WHERE listing_id=? AND status IN ('pending','in_progress','delivered') LIMIT 1`, listingID)
	return scanServiceOrder(row)
}

func (r Repo) UpdateServiceOrderTx(ctx context.Context, tx *sql.Tx, o domain.ServiceOrder) error {
	res, err := tx.ExecContext(ctx, `UPDATE service_orders SET status=?, response=?, updated_at=? WHERE id=?`,
		o.Status, nullableStringPtr(o.Response), o.UpdatedAt, o.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListServiceOrdersByListing(ctx context.Context, listingID string) ([]domain.ServiceOrder, error) {
	rows, err := r.DB.QueryContext(ctx, orderSelect+` WHERE listing_id=? ORDER BY created_at ASC`, listingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ServiceOrder
	for rows.Next() {
		var o domain.ServiceOrder
		var response sql.NullString
		if err := rows.Scan(&o.ID, &o.ListingID, &o.BuyerID, &o.SellerID, &o.Price, &o.Status, &response, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, err
		}
		o.Response = scanNullString(response)
		res = append(res, o)
	}
	return res, rows.Err()
}
