package repo

import (
	"context"
	"database/sql"

	"saltdig/internal/domain"
)

func (r Repo) InsertLedgerEntryTx(ctx context.Context, tx *sql.Tx, e domain.LedgerEntry) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO ledger_entries(id,from_agent_id,to_agent_id,amount,kind,description,created_at) VALUES (?,?,?,?,?,?,?)`,
		e.ID, nullableStringPtr(e.FromAgentID), nullableStringPtr(e.ToAgentID), e.Amount, e.Kind, nullableString(e.Description), e.CreatedAt)
	return err
}

func (r Repo) LedgerHistory(ctx context.Context, agentID string, limit int) ([]domain.LedgerEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,from_agent_id,to_agent_id,amount,kind,description,created_at
FROM ledger_entries WHERE from_agent_id=? OR to_agent_id=? ORDER BY created_at DESC, id DESC LIMIT ?`, agentID, agentID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanLedgerEntries(rows)
}

func scanLedgerEntries(rows *sql.Rows) ([]domain.LedgerEntry, error) {
	var res []domain.LedgerEntry
	for rows.Next() {
		var e domain.LedgerEntry
		var from, to, desc sql.NullString
		if err := rows.Scan(&e.ID, &from, &to, &e.Amount, &e.Kind, &desc, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.FromAgentID = scanNullString(from)
		e.ToAgentID = scanNullString(to)
		e.Description = desc.String
		res = append(res, e)
	}
	return res, rows.Err()
}
