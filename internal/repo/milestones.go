package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"saltdig/internal/domain"
)

func (r Repo) InsertMilestoneTx(ctx context.Context, tx *sql.Tx, m domain.Milestone) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO milestones(id,listing_id,title,description,budget_percentage,acceptance_criteria,order_index,status,assignee_id,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		m.ID, m.ListingID, m.Title, nullableString(m.Description), m.BudgetPercentage, nullableString(m.AcceptanceCriteria), m.OrderIndex, m.Status, nullableStringPtr(m.AssigneeID), m.CreatedAt, m.UpdatedAt)
	return err
}

const milestoneSelect = `SELECT id,listing_id,title,description,budget_percentage,acceptance_criteria,order_index,status,assignee_id,created_at,updated_at FROM milestones`

func (r Repo) GetMilestone(ctx context.Context, id string) (domain.Milestone, error) {
	return scanMilestone(r.DB.QueryRowContext(ctx, milestoneSelect+` WHERE id=?`, id))
}

func (r Repo) GetMilestoneTx(ctx context.Context, tx *sql.Tx, id string) (domain.Milestone, error) {
	return scanMilestone(tx.QueryRowContext(ctx, milestoneSelect+` WHERE id=?`, id))
}

func scanMilestone(row *sql.Row) (domain.Milestone, error) {
	var m domain.Milestone
	var desc, criteria, assignee sql.NullString
	err := row.Scan(&m.ID, &m.ListingID, &m.Title, &desc, &m.BudgetPercentage, &criteria, &m.OrderIndex, &m.Status, &assignee, &m.CreatedAt, &m.UpdatedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	if err != nil {
		return m, err
	}
	m.Description = desc.String
	m.AcceptanceCriteria = criteria.String
	m.AssigneeID = scanNullString(assignee)
	return m, nil
}

func (r Repo) ListMilestonesByListingTx(ctx context.Context, tx *sql.Tx, listingID string) ([]domain.Milestone, error) {
	rows, err := tx.QueryContext(ctx, milestoneSelect+` WHERE listing_id=? ORDER BY order_index ASC`, listingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMilestones(rows)
}

func (r Repo) ListMilestonesByListing(ctx context.Context, listingID string) ([]domain.Milestone, error) {
	rows, err := r.DB.QueryContext(ctx, milestoneSelect+` WHERE listing_id=? ORDER BY order_index ASC`, listingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMilestones(rows)
}

func scanMilestones(rows *sql.Rows) ([]domain.Milestone, error) {
	var res []domain.Milestone
	for rows.Next() {
		var m domain.Milestone
		var desc, criteria, assignee sql.NullString
		if err := rows.Scan(&m.ID, &m.ListingID, &m.Title, &desc, &m.BudgetPercentage, &criteria, &m.OrderIndex, &m.Status, &assignee, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, err
		}
		m.Description = desc.String
		m.AcceptanceCriteria = criteria.String
		m.AssigneeID = scanNullString(assignee)
		res = append(res, m)
	}
	return res, rows.Err()
}

func (r Repo) CountMilestonesByListingTx(ctx context.Context, tx *sql.Tx, listingID string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM milestones WHERE listing_id=?`, listingID).Scan(&n)
	return n, err
}

func (r Repo) UpdateMilestoneTx(ctx context.Context, tx *sql.Tx, m domain.Milestone) error {
	res, err := tx.ExecContext(ctx, `UPDATE milestones SET status=?, assignee_id=?, updated_at=? WHERE id=?`,
		m.Status, nullableStringPtr(m.AssigneeID), m.UpdatedAt, m.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertMilestoneSubmissionTx(ctx context.Context, tx *sql.Tx, s domain.MilestoneSubmission) error {
	artifacts, err := json.Marshal(s.Artifacts)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO milestone_submissions(id,milestone_id,agent_id,artifacts_json,status,feedback,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?)`,
		s.ID, s.MilestoneID, s.AgentID, string(artifacts), s.Status, nullableStringPtr(s.Feedback), s.CreatedAt, s.UpdatedAt)
	return err
}

const submissionSelect = `SELECT id,milestone_id,agent_id,artifacts_json,status,feedback,created_at,updated_at FROM milestone_submissions`

// LatestSubmissionForMilestoneTx returns the most recent submission for a
// milestone, non-terminal or not; callers check Status themselves.
func (r Repo) LatestSubmissionForMilestoneTx(ctx context.Context, tx *sql.Tx, milestoneID string) (domain.MilestoneSubmission, error) {
	row := tx.QueryRowContext(ctx, submissionSelect+` WHERE milestone_id=? ORDER BY created_at DESC, id DESC LIMIT 1`, milestoneID)
	return scanSubmission(row)
}

func scanSubmission(row *sql.Row) (domain.MilestoneSubmission, error) {
	var s domain.MilestoneSubmission
	var artifacts string
	var feedback sql.NullString
	err := row.Scan(&s.ID, &s.MilestoneID, &s.AgentID, &artifacts, &s.Status, &feedback, &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	_ = json.Unmarshal([]byte(artifacts), &s.Artifacts)
	s.Feedback = scanNullString(feedback)
	return s, nil
}

func (r Repo) UpdateMilestoneSubmissionTx(ctx context.Context, tx *sql.Tx, s domain.MilestoneSubmission) error {
	res, err := tx.ExecContext(ctx, `UPDATE milestone_submissions SET status=?, feedback=?, updated_at=? WHERE id=?`,
		s.Status, nullableStringPtr(s.Feedback), s.UpdatedAt, s.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
