package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"saltdig/internal/domain"
)

func (r Repo) InsertCompetitionTx(ctx context.Context, tx *sql.Tx, c domain.Competition) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO competitions(id,listing_id,max_submissions_per_agent,evaluation_method,prize_distribution,prize_config_json,deadline,status,winner_id,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.ListingID, c.MaxSubmissionsPerAgent, c.EvaluationMethod, c.PrizeDistribution, nullableString(c.PrizeConfigJSON), nullableStringPtr(c.Deadline), c.Status, nullableStringPtr(c.WinnerID), c.CreatedAt, c.UpdatedAt)
	return err
}

const competitionSelect = `SELECT id,listing_id,max_submissions_per_agent,evaluation_method,prize_distribution,prize_config_json,deadline,status,winner_id,created_at,updated_at FROM competitions`

func (r Repo) GetCompetition(ctx context.Context, id string) (domain.Competition, error) {
	return scanCompetition(r.DB.QueryRowContext(ctx, competitionSelect+` WHERE id=?`, id))
}

func (r Repo) GetCompetitionTx(ctx context.Context, tx *sql.Tx, id string) (domain.Competition, error) {
	return scanCompetition(tx.QueryRowContext(ctx, competitionSelect+` WHERE id=?`, id))
}

func (r Repo) GetCompetitionByListingTx(ctx context.Context, tx *sql.Tx, listingID string) (domain.Competition, error) {
	return scanCompetition(tx.QueryRowContext(ctx, competitionSelect+` WHERE listing_id=?`, listingID))
}

func scanCompetition(row *sql.Row) (domain.Competition, error) {
	var c domain.Competition
	var prizeConfig, deadline, winner sql.NullString
	err := row.Scan(&c.ID, &c.ListingID, &c.MaxSubmissionsPerAgent, &c.EvaluationMethod, &c.PrizeDistribution, &prizeConfig, &deadline, &c.Status, &winner, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	c.PrizeConfigJSON = prizeConfig.String
	c.Deadline = scanNullString(deadline)
	c.WinnerID = scanNullString(winner)
	return c, nil
}

func (r Repo) UpdateCompetitionStatusTx(ctx context.Context, tx *sql.Tx, id, status string, winnerID *string, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE competitions SET status=?, winner_id=?, updated_at=? WHERE id=?`, status, nullableStringPtr(winnerID), updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertCompetitionEntryTx(ctx context.Context, tx *sql.Tx, e domain.CompetitionEntry) error {
	artifacts, err := json.Marshal(e.Artifacts)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO competition_entries(id,competition_id,agent_id,artifacts_json,score,rank,status,prize_amount,submitted_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.CompetitionID, e.AgentID, string(artifacts), e.Score, e.Rank, e.Status, nullableStringPtr(e.PrizeAmount), e.SubmittedAt, e.UpdatedAt)
	return err
}

const entrySelect = `SELECT id,competition_id,agent_id,artifacts_json,score,rank,status,prize_amount,submitted_at,updated_at FROM competition_entries`

func (r Repo) GetCompetitionEntry(ctx context.Context, id string) (domain.CompetitionEntry, error) {
	return scanEntry(r.DB.QueryRowContext(ctx, entrySelect+` WHERE id=?`, id))
}

func (r Repo) GetCompetitionEntryTx(ctx context.Context, tx *sql.Tx, id string) (domain.CompetitionEntry, error) {
	return scanEntry(tx.QueryRowContext(ctx, entrySelect+` WHERE id=?`, id))
}

func scanEntry(row *sql.Row) (domain.CompetitionEntry, error) {
	var e domain.CompetitionEntry
	var artifacts string
	var score sql.NullFloat64
	var rank sql.NullInt64
	var prize sql.NullString
	err := row.Scan(&e.ID, &e.CompetitionID, &e.AgentID, &artifacts, &score, &rank, &e.Status, &prize, &e.SubmittedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	_ = json.Unmarshal([]byte(artifacts), &e.Artifacts)
	e.Score = scanNullFloat(score)
	e.Rank = scanNullInt(rank)
	e.PrizeAmount = scanNullString(prize)
	return e, nil
}

func (r Repo) CountEntriesByAgentTx(ctx context.Context, tx *sql.Tx, competitionID, agentID string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM competition_entries WHERE competition_id=? AND agent_id=?`, competitionID, agentID).Scan(&n)
	return n, err
}

func (r Repo) ListEntriesByCompetitionTx(ctx context.Context, tx *sql.Tx, competitionID string) ([]domain.CompetitionEntry, error) {
	rows, err := tx.QueryContext(ctx, entrySelect+` WHERE competition_id=? ORDER BY submitted_at ASC`, competitionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

func (r Repo) ListEntriesByCompetition(ctx context.Context, competitionID string) ([]domain.CompetitionEntry, error) {
	rows, err := r.DB.QueryContext(ctx, entrySelect+` WHERE competition_id=? ORDER BY IFNULL(rank, 999999) ASC, submitted_at ASC`, competitionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

func scanEntries(rows *sql.Rows) ([]domain.CompetitionEntry, error) {
	var res []domain.CompetitionEntry
	for rows.Next() {
		var e domain.CompetitionEntry
		var artifacts string
		var score sql.NullFloat64
		var rank sql.NullInt64
		var prize sql.NullString
		if err := rows.Scan(&e.ID, &e.CompetitionID, &e.AgentID, &artifacts, &score, &rank, &e.Status, &prize, &e.SubmittedAt, &e.UpdatedAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(artifacts), &e.Artifacts)
		e.Score = scanNullFloat(score)
		e.Rank = scanNullInt(rank)
		e.PrizeAmount = scanNullString(prize)
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) UpdateCompetitionEntryTx(ctx context.Context, tx *sql.Tx, e domain.CompetitionEntry) error {
	res, err := tx.ExecContext(ctx, `UPDATE competition_entries SET score=?, rank=?, status=?, prize_amount=?, updated_at=? WHERE id=?`,
		e.Score, e.Rank, e.Status, nullableStringPtr(e.PrizeAmount), e.UpdatedAt, e.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
