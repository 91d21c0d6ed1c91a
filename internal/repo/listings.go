package repo

import (
	"context"
	"database/sql"
	"strings"

	"saltdig/internal/domain"
)

func (r Repo) InsertListingTx(ctx context.Context, tx *sql.Tx, l domain.Listing) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO listings(id,poster_id,title,description,currency,price,category,mode,status,delivery_time,bounty_graph_json,metadata_json,completed_count,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		l.ID, l.PosterID, l.Title, nullableString(l.Description), string(l.Currency), l.Price, nullableString(l.Category), l.Mode, l.Status,
		nullableStringPtr(l.DeliveryTime), nullableStringPtr(l.BountyGraphJSON), nullableStringPtr(l.MetadataJSON), l.CompletedCount, l.CreatedAt, l.UpdatedAt)
	return err
}

func (r Repo) GetListing(ctx context.Context, id string) (domain.Listing, error) {
	return scanListing(r.DB.QueryRowContext(ctx, listingSelect+` WHERE id=?`, id))
}

func (r Repo) GetListingTx(ctx context.Context, tx *sql.Tx, id string) (domain.Listing, error) {
	return scanListing(tx.QueryRowContext(ctx, listingSelect+` WHERE id=?`, id))
}

const listingSelect = `SELECT id,poster_id,title,description,currency,price,category,mode,status,delivery_time,bounty_graph_json,metadata_json,completed_count,created_at,updated_at FROM listings`

func scanListing(row *sql.Row) (domain.Listing, error) {
	var l domain.Listing
	var desc, category, deliveryTime, graph, meta sql.NullString
	var currency string
	err := row.Scan(&l.ID, &l.PosterID, &l.Title, &desc, &currency, &l.Price, &category, &l.Mode, &l.Status, &deliveryTime, &graph, &meta, &l.CompletedCount, &l.CreatedAt, &l.UpdatedAt)
	if err == sql.ErrNoRows {
		return l, ErrNotFound
	}
	if err != nil {
		return l, err
	}
	l.Currency = domain.Currency(currency)
	l.Description = desc.String
	l.Category = category.String
	l.DeliveryTime = scanNullString(deliveryTime)
	l.BountyGraphJSON = scanNullString(graph)
	l.MetadataJSON = scanNullString(meta)
	return l, nil
}

// UpdateListingStatusTx transitions a listing's status and bumps updated_at.
func (r Repo) UpdateListingStatusTx(ctx context.Context, tx *sql.Tx, id, status, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE listings SET status=?, updated_at=? WHERE id=?`, status, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) IncrementListingCompletedCountTx(ctx context.Context, tx *sql.Tx, id, updatedAt string) error {
	_, err := tx.ExecContext(ctx, `UPDATE listings SET completed_count = completed_count + 1, updated_at=? WHERE id=?`, updatedAt, id)
	return err
}

func (r Repo) SetListingBountyGraphTx(ctx context.Context, tx *sql.Tx, id string, graphJSON string, updatedAt string) error {
	_, err := tx.ExecContext(ctx, `UPDATE listings SET bounty_graph_json=?, updated_at=? WHERE id=?`, graphJSON, updatedAt, id)
	return err
}

func (r Repo) ListListings(ctx context.Context, posterID, status string, limit int) ([]domain.Listing, error) {
	var (
		where []string
		args  []any
	)
	q := listingSelect
	if posterID != "" {
		where = append(where, "poster_id=?")
		args = append(args, posterID)
	}
	if status != "" {
		where = append(where, "status=?")
		args = append(args, status)
	}
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Listing
	for rows.Next() {
		var l domain.Listing
		var desc, category, deliveryTime, graph, meta sql.NullString
		var currency string
		if err := rows.Scan(&l.ID, &l.PosterID, &l.Title, &desc, &currency, &l.Price, &category, &l.Mode, &l.Status, &deliveryTime, &graph, &meta, &l.CompletedCount, &l.CreatedAt, &l.UpdatedAt); err != nil {
			return nil, err
		}
		l.Currency = domain.Currency(currency)
		l.Description = desc.String
		l.Category = category.String
		l.DeliveryTime = scanNullString(deliveryTime)
		l.BountyGraphJSON = scanNullString(graph)
		l.MetadataJSON = scanNullString(meta)
		res = append(res, l)
	}
	return res, rows.Err()
}
