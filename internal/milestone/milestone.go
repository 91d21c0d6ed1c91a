// Package milestone implements component D: plan validation, ordering,
// and partial release orchestration over a listing's milestone plan.
package milestone

import (
	"context"
	"database/sql"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"

	"saltdig/internal/bounty"
	"saltdig/internal/config"
	"saltdig/internal/domain"
	"saltdig/internal/eventbus"
	"saltdig/internal/events"
	"saltdig/internal/ledger"
	"saltdig/internal/ratelimit"
	"saltdig/internal/repo"
	"saltdig/internal/saltdigerr"
)

type Controller struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Ledger ledger.Ledger
	Bounty bounty.Machine
	Config *config.Config
	Now    func() time.Time

	// Bus is the live fan-out feeding listing-scoped subscribers
	// (component H); nil in contexts with no subscriber.
	Bus *eventbus.Bus

	// Limiter gates preset-named writes (component I); nil in contexts
	// with no shared limiter, such as most test fixtures.
	Limiter *ratelimit.Limiter
}

func New(db *sql.DB, cfg *config.Config, bm bounty.Machine) Controller {
	return Controller{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Ledger: ledger.New(db, cfg),
		Bounty: bm,
		Config: cfg,
		Now:    time.Now,
	}
}

// checkRateLimit enforces the named preset against key when a limiter is
// attached and the preset exists in config; a no-op otherwise.
func (c Controller) checkRateLimit(preset, key string) error {
	if c.Limiter == nil || c.Config == nil {
		return nil
	}
	p, ok := c.Config.RateLimits[preset]
	if !ok {
		return nil
	}
	d := c.Limiter.Check(preset+":"+key, p.Limit, time.Duration(p.Window)*time.Second)
	if !d.Allowed {
		return saltdigerr.ErrRateLimited
	}
	return nil
}

// emit forwards a mutation to the event bus's market:<listing_id> topic
// when a bus is attached; a no-op otherwise.
func (c Controller) emit(listingID, kind string, payload events.EventPayload) {
	if c.Bus == nil {
		return
	}
	c.Bus.Emit(eventbus.ListingTopic(listingID), map[string]any{"type": kind, "data": payload})
}

func (c Controller) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c Controller) nowString() string {
	return c.now().UTC().Format(time.RFC3339)
}

// PlanItem is one requested milestone in CreateMilestones.
type PlanItem struct {
	Title              string
	Description        string
	BudgetPercentage   float64
	AcceptanceCriteria string
}

// CreateMilestones installs a listing's milestone plan. Poster-only,
// allowed only on a frozen listing with no existing plan; order_index is
// the input index, and percentages must sum to 100 within 0.01.
func (c Controller) CreateMilestones(ctx context.Context, listingID, callerID string, items []PlanItem) ([]domain.Milestone, error) {
	if len(items) == 0 {
		return nil, saltdigerr.InvalidArgument("items", "must be non-empty")
	}
	var total float64
	for _, it := range items {
		if it.BudgetPercentage <= 0 || it.BudgetPercentage > 100 {
			return nil, saltdigerr.InvalidArgument("budget_percentage", "must be in (0,100]")
		}
		total += it.BudgetPercentage
	}
	if math.Abs(total-100) > 0.01 {
		return nil, saltdigerr.InvalidArgument("budget_percentage", "must sum to 100")
	}

	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	l, err := c.Repo.GetListingTx(ctx, tx, listingID)
	if err != nil {
		return nil, err
	}
	if l.PosterID != callerID {
		return nil, saltdigerr.Forbidden("poster", "create milestone plan")
	}
	if l.Status != domain.ListingFrozen {
		return nil, saltdigerr.InvalidState("listing", l.Status, "")
	}
	existing, err := c.Repo.CountMilestonesByListingTx(ctx, tx, listingID)
	if err != nil {
		return nil, err
	}
	if existing > 0 {
		return nil, saltdigerr.ErrConflict
	}

	now := c.nowString()
	out := make([]domain.Milestone, 0, len(items))
	for i, it := range items {
		m := domain.Milestone{
			ID:                 uuid.New().String(),
			ListingID:          listingID,
			Title:              it.Title,
			Description:        it.Description,
			BudgetPercentage:   it.BudgetPercentage,
			AcceptanceCriteria: it.AcceptanceCriteria,
			OrderIndex:         i,
			Status:             domain.MilestonePending,
			CreatedAt:          now,
			UpdatedAt:          now,
		}
		if err := c.Repo.InsertMilestoneTx(ctx, tx, m); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := c.Events.Append(ctx, tx, "milestone_transition", listingID, "milestone_plan", listingID, callerID, events.EventPayload{"count": len(items)}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	c.emit(listingID, "milestone_transition", events.EventPayload{"count": len(items)})
	return out, nil
}

// Start transitions a milestone pending -> in_progress, assigning agentID.
// Allowed only once every lower-indexed milestone is approved.
func (c Controller) Start(ctx context.Context, milestoneID, agentID string) (domain.Milestone, error) {
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Milestone{}, err
	}
	defer tx.Rollback()

	m, err := c.Repo.GetMilestoneTx(ctx, tx, milestoneID)
	if err != nil {
		return domain.Milestone{}, err
	}
	if m.Status != domain.MilestonePending {
		return domain.Milestone{}, saltdigerr.InvalidState("milestone", m.Status, domain.MilestoneInProgress)
	}
	all, err := c.Repo.ListMilestonesByListingTx(ctx, tx, m.ListingID)
	if err != nil {
		return domain.Milestone{}, err
	}
	for _, other := range all {
		if other.OrderIndex < m.OrderIndex && other.Status != domain.MilestoneApproved {
			return domain.Milestone{}, saltdigerr.InvalidState("milestone", m.Status, domain.MilestoneInProgress)
		}
	}

	m.Status = domain.MilestoneInProgress
	m.AssigneeID = &agentID
	m.UpdatedAt = c.nowString()
	if err := c.Repo.UpdateMilestoneTx(ctx, tx, m); err != nil {
		return domain.Milestone{}, err
	}
	if err := c.Events.Append(ctx, tx, "milestone_transition", m.ListingID, "milestone", m.ID, agentID, events.EventPayload{"to": domain.MilestoneInProgress}); err != nil {
		return domain.Milestone{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Milestone{}, err
	}
	c.emit(m.ListingID, "milestone_transition", events.EventPayload{"milestone_id": m.ID, "to": domain.MilestoneInProgress})
	return m, nil
}

// Submit records a deliverable against an in_progress milestone the
// caller is assigned to.
func (c Controller) Submit(ctx context.Context, milestoneID, agentID string, artifacts []domain.Artifact) (domain.Milestone, error) {
	if err := c.checkRateLimit("message", agentID); err != nil {
		return domain.Milestone{}, err
	}
	if len(artifacts) == 0 {
		return domain.Milestone{}, saltdigerr.InvalidArgument("artifacts", "must be non-empty")
	}
	for _, a := range artifacts {
		if a.Type == "" || a.URL == "" {
			return domain.Milestone{}, saltdigerr.InvalidArgument("artifacts", "each artifact requires type and url")
		}
	}

	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Milestone{}, err
	}
	defer tx.Rollback()

	m, err := c.Repo.GetMilestoneTx(ctx, tx, milestoneID)
	if err != nil {
		return domain.Milestone{}, err
	}
	if m.AssigneeID == nil || *m.AssigneeID != agentID {
		return domain.Milestone{}, saltdigerr.Forbidden("assignee", "submit milestone")
	}
	if m.Status != domain.MilestoneInProgress {
		return domain.Milestone{}, saltdigerr.InvalidState("milestone", m.Status, domain.MilestoneSubmitted)
	}

	now := c.nowString()
	sub := domain.MilestoneSubmission{
		ID:          uuid.New().String(),
		MilestoneID: m.ID,
		AgentID:     agentID,
		Artifacts:   artifacts,
		Status:      domain.SubmissionPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := c.Repo.InsertMilestoneSubmissionTx(ctx, tx, sub); err != nil {
		return domain.Milestone{}, err
	}
	m.Status = domain.MilestoneSubmitted
	m.UpdatedAt = now
	if err := c.Repo.UpdateMilestoneTx(ctx, tx, m); err != nil {
		return domain.Milestone{}, err
	}
	if err := c.Events.Append(ctx, tx, "milestone_transition", m.ListingID, "milestone", m.ID, agentID, events.EventPayload{"to": domain.MilestoneSubmitted}); err != nil {
		return domain.Milestone{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Milestone{}, err
	}
	c.emit(m.ListingID, "milestone_transition", events.EventPayload{"milestone_id": m.ID, "to": domain.MilestoneSubmitted})
	return m, nil
}

// Approve is poster-only. For Salt listings it pays the assignee
// immediately; for USDC listings the on-chain release is deferred to a
// later single rail call (see the milestone Open Question decision). If
// this was the last milestone, the listing transitions to completed.
func (c Controller) Approve(ctx context.Context, milestoneID, callerID string) (domain.Milestone, error) {
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Milestone{}, err
	}
	defer tx.Rollback()

	m, err := c.Repo.GetMilestoneTx(ctx, tx, milestoneID)
	if err != nil {
		return domain.Milestone{}, err
	}
	if m.Status != domain.MilestoneSubmitted {
		return domain.Milestone{}, saltdigerr.InvalidState("milestone", m.Status, domain.MilestoneApproved)
	}
	l, err := c.Repo.GetListingTx(ctx, tx, m.ListingID)
	if err != nil {
		return domain.Milestone{}, err
	}
	if l.PosterID != callerID {
		return domain.Milestone{}, saltdigerr.Forbidden("poster", "approve milestone")
	}
	sub, err := c.Repo.LatestSubmissionForMilestoneTx(ctx, tx, m.ID)
	if err != nil {
		return domain.Milestone{}, err
	}

	if l.Currency == domain.Salt {
		price, perr := parsePrice(l.Price)
		if perr != nil {
			return domain.Milestone{}, perr
		}
		release := int64(math.Round(price * m.BudgetPercentage / 100))
		if release > 0 && m.AssigneeID != nil {
			if _, err := c.Ledger.TransferTx(ctx, tx, "", *m.AssigneeID, release, domain.KindMilestonePayment, "milestone "+m.ID+" approved"); err != nil {
				return domain.Milestone{}, err
			}
		}
	}

	now := c.nowString()
	m.Status = domain.MilestoneApproved
	m.UpdatedAt = now
	if err := c.Repo.UpdateMilestoneTx(ctx, tx, m); err != nil {
		return domain.Milestone{}, err
	}
	sub.Status = domain.SubmissionApproved
	sub.UpdatedAt = now
	if err := c.Repo.UpdateMilestoneSubmissionTx(ctx, tx, sub); err != nil {
		return domain.Milestone{}, err
	}

	all, err := c.Repo.ListMilestonesByListingTx(ctx, tx, m.ListingID)
	if err != nil {
		return domain.Milestone{}, err
	}
	lastApproved := true
	for _, other := range all {
		if other.ID == m.ID {
			continue
		}
		if other.Status != domain.MilestoneApproved {
			lastApproved = false
			break
		}
	}
	if lastApproved {
		if err := c.Bounty.CompleteListing(ctx, tx, m.ListingID, callerID); err != nil {
			return domain.Milestone{}, err
		}
		if err := c.Repo.IncrementListingCompletedCountTx(ctx, tx, m.ListingID, now); err != nil {
			return domain.Milestone{}, err
		}
	}

	if err := c.Events.Append(ctx, tx, "milestone_transition", m.ListingID, "milestone", m.ID, callerID, events.EventPayload{"to": domain.MilestoneApproved}); err != nil {
		return domain.Milestone{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Milestone{}, err
	}
	c.emit(m.ListingID, "milestone_transition", events.EventPayload{"milestone_id": m.ID, "to": domain.MilestoneApproved})
	return m, nil
}

// Reject returns a submitted milestone to in_progress, retaining the
// assignee, and marks its latest submission rejected. Poster-only,
// requires non-empty feedback.
func (c Controller) Reject(ctx context.Context, milestoneID, callerID, feedback string) (domain.Milestone, error) {
	if feedback == "" {
		return domain.Milestone{}, saltdigerr.InvalidArgument("feedback", "required")
	}
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Milestone{}, err
	}
	defer tx.Rollback()

	m, err := c.Repo.GetMilestoneTx(ctx, tx, milestoneID)
	if err != nil {
		return domain.Milestone{}, err
	}
	if m.Status != domain.MilestoneSubmitted {
		return domain.Milestone{}, saltdigerr.InvalidState("milestone", m.Status, domain.MilestoneInProgress)
	}
	l, err := c.Repo.GetListingTx(ctx, tx, m.ListingID)
	if err != nil {
		return domain.Milestone{}, err
	}
	if l.PosterID != callerID {
		return domain.Milestone{}, saltdigerr.Forbidden("poster", "reject milestone")
	}
	sub, err := c.Repo.LatestSubmissionForMilestoneTx(ctx, tx, m.ID)
	if err != nil {
		return domain.Milestone{}, err
	}

	now := c.nowString()
	m.Status = domain.MilestoneInProgress
	m.UpdatedAt = now
	if err := c.Repo.UpdateMilestoneTx(ctx, tx, m); err != nil {
		return domain.Milestone{}, err
	}
	sub.Status = domain.SubmissionRejected
	sub.Feedback = &feedback
	sub.UpdatedAt = now
	if err := c.Repo.UpdateMilestoneSubmissionTx(ctx, tx, sub); err != nil {
		return domain.Milestone{}, err
	}
	if err := c.Events.Append(ctx, tx, "milestone_transition", m.ListingID, "milestone", m.ID, callerID, events.EventPayload{"to": domain.MilestoneInProgress, "feedback": feedback}); err != nil {
		return domain.Milestone{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Milestone{}, err
	}
	c.emit(m.ListingID, "milestone_transition", events.EventPayload{"milestone_id": m.ID, "to": domain.MilestoneInProgress, "feedback": feedback})
	return m, nil
}

// Progress is a read model: total/completed counts, cumulative released
// percentage, and the current milestone (first of in_progress, submitted,
// pending in order).
type Progress struct {
	Total                    int
	Completed                int
	BudgetReleasedPercentage float64
	CurrentMilestone         *domain.Milestone
	AllMilestones            []domain.Milestone
}

func (c Controller) Progress(ctx context.Context, listingID string) (Progress, error) {
	all, err := c.Repo.ListMilestonesByListing(ctx, listingID)
	if err != nil {
		return Progress{}, err
	}
	sort.Slice(all, func(i, j int) bool { return all[i].OrderIndex < all[j].OrderIndex })

	p := Progress{Total: len(all), AllMilestones: all}
	for i := range all {
		m := all[i]
		if m.Status == domain.MilestoneApproved {
			p.Completed++
			p.BudgetReleasedPercentage += m.BudgetPercentage
		}
		if p.CurrentMilestone == nil && (m.Status == domain.MilestoneInProgress || m.Status == domain.MilestoneSubmitted || m.Status == domain.MilestonePending) {
			p.CurrentMilestone = &all[i]
		}
	}
	return p, nil
}

func parsePrice(price string) (float64, error) {
	f, err := strconv.ParseFloat(price, 64)
	if err != nil {
		return 0, saltdigerr.InvalidArgument("price", "not numeric")
	}
	return f, nil
}
