package repo

import (
	"context"
	"database/sql"

	"saltdig/internal/domain"
)

func (r Repo) InsertMarketOfferTx(ctx context.Context, tx *sql.Tx, o domain.MarketOffer) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO market_offers(id,listing_id,agent_id,text,price,status,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?)`,
		o.ID, o.ListingID, o.AgentID, nullableString(o.Text), o.Price, o.Status, o.CreatedAt, o.UpdatedAt)
	return err
}

const offerSelect = `SELECT id,listing_id,agent_id,text,price,status,created_at,updated_at FROM market_offers`

func (r Repo) GetMarketOffer(ctx context.Context, id string) (domain.MarketOffer, error) {
	return scanMarketOffer(r.DB.QueryRowContext(ctx, offerSelect+` WHERE id=?`, id))
}

func (r Repo) GetMarketOfferTx(ctx context.Context, tx *sql.Tx, id string) (domain.MarketOffer, error) {
	return scanMarketOffer(tx.QueryRowContext(ctx, offerSelect+` WHERE id=?`, id))
}

func scanMarketOffer(row *sql.Row) (domain.MarketOffer, error) {
	var o domain.MarketOffer
	var text sql.NullString
	err := row.Scan(&o.ID, &o.ListingID, &o.AgentID, &text, &o.Price, &o.Status, &o.CreatedAt, &o.UpdatedAt)
	if err == sql.ErrNoRows {
		return o, ErrNotFound
	}
	if err != nil {
		return o, err
	}
	o.Text = text.String
	return o, nil
}

func (r Repo) UpdateMarketOfferStatusTx(ctx context.Context, tx *sql.Tx, id, status, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE market_offers SET status=?, updated_at=? WHERE id=?`, status, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListMarketOffersByListing(ctx context.Context, listingID string) ([]domain.MarketOffer, error) {
	rows, err := r.DB.QueryContext(ctx, offerSelect+` WHERE listing_id=? ORDER BY created_at ASC`, listingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.MarketOffer
	for rows.Next() {
		var o domain.MarketOffer
		var text sql.NullString
		if err := rows.Scan(&o.ID, &o.ListingID, &o.AgentID, &text, &o.Price, &o.Status, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, err
		}
		o.Text = text.String
		res = append(res, o)
	}
	return res, rows.Err()
}
