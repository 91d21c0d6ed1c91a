// Package competition implements component F: entry admission, evaluation
// dispatch, ranking, and prize distribution for multi-entry listings.
package competition

import (
	"context"
	"database/sql"
	"encoding/json"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"

	"saltdig/internal/config"
	"saltdig/internal/domain"
	"saltdig/internal/eventbus"
	"saltdig/internal/events"
	"saltdig/internal/ledger"
	"saltdig/internal/ratelimit"
	"saltdig/internal/repo"
	"saltdig/internal/saltdigerr"
)

// PrizeConfig holds the distribution-specific parameters stored in a
// competition's prize_config_json.
type PrizeConfig struct {
	Top3Percentages []float64 `json:"top3_percentages,omitempty"`
	MinScore        *float64  `json:"min_score,omitempty"`
}

// EvalResult is the evaluator's verdict on one entry.
type EvalResult struct {
	Success  bool
	Score    float64
	Details  string
	Feedback string
}

// Evaluator is the external harness/manual-review/vote collaborator that
// scores one competition entry.
type Evaluator interface {
	Evaluate(ctx context.Context, method, listingID string, artifacts []domain.Artifact) (EvalResult, error)
}

type Controller struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Ledger ledger.Ledger
	Config *config.Config
	Now    func() time.Time

	// Bus is the live fan-out feeding listing-scoped subscribers
	// (component H); nil in contexts with no subscriber.
	Bus *eventbus.Bus

	// Limiter gates preset-named writes (component I); nil in contexts
	// with no shared limiter, such as most test fixtures.
	Limiter *ratelimit.Limiter
}

func New(db *sql.DB, cfg *config.Config) Controller {
	return Controller{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Ledger: ledger.New(db, cfg),
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

var defaultTop3 = []float64{50, 30, 20}

// CreateCompetition opens a single competition against a listing; at
// most one competition per listing. Unspecified top-3 percentages default
// to 50/30/20.
func (c Controller) CreateCompetition(ctx context.Context, listingID, evaluationMethod, prizeDistribution string, maxSubmissionsPerAgent int, cfg PrizeConfig, deadline *string) (domain.Competition, error) {
	if maxSubmissionsPerAgent <= 0 {
		maxSubmissionsPerAgent = 1
	}
	if prizeDistribution == domain.DistTop3 && len(cfg.Top3Percentages) == 0 {
		cfg.Top3Percentages = defaultTop3
	}

	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Competition{}, err
	}
	defer tx.Rollback()

	if _, err := c.Repo.GetCompetitionByListingTx(ctx, tx, listingID); err == nil {
		return domain.Competition{}, saltdigerr.ErrConflict
	} else if err != repo.ErrNotFound {
		return domain.Competition{}, err
	}

	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return domain.Competition{}, err
	}
	now := c.nowString()
	comp := domain.Competition{
		ID:                     uuid.New().String(),
		ListingID:              listingID,
		MaxSubmissionsPerAgent: maxSubmissionsPerAgent,
		EvaluationMethod:       evaluationMethod,
		PrizeDistribution:      prizeDistribution,
		PrizeConfigJSON:        string(cfgJSON),
		Deadline:               deadline,
		Status:                 domain.CompetitionActive,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	if err := c.Repo.InsertCompetitionTx(ctx, tx, comp); err != nil {
		return domain.Competition{}, err
	}
	if err := c.Events.Append(ctx, tx, "competition_transition", listingID, "competition", comp.ID, "", events.EventPayload{"to": domain.CompetitionActive}); err != nil {
		return domain.Competition{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Competition{}, err
	}
	c.emit(listingID, "competition_transition", events.EventPayload{"competition_id": comp.ID, "to": domain.CompetitionActive})
	return comp, nil
}

// Submit admits an entry to an active competition, rejecting once the
// agent has reached max_submissions_per_agent or the deadline has passed.
func (c Controller) Submit(ctx context.Context, competitionID, agentID string, artifacts []domain.Artifact) (domain.CompetitionEntry, error) {
	if err := c.checkRateLimit("message", agentID); err != nil {
		return domain.CompetitionEntry{}, err
	}
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.CompetitionEntry{}, err
	}
	defer tx.Rollback()

	comp, err := c.Repo.GetCompetitionTx(ctx, tx, competitionID)
	if err != nil {
		return domain.CompetitionEntry{}, err
	}
	if comp.Status != domain.CompetitionActive {
		return domain.CompetitionEntry{}, saltdigerr.InvalidState("competition", comp.Status, "")
	}
	if comp.Deadline != nil {
		deadline, perr := time.Parse(time.RFC3339, *comp.Deadline)
		if perr == nil && c.now().After(deadline) {
			return domain.CompetitionEntry{}, saltdigerr.InvalidState("competition", comp.Status, "")
		}
	}
	n, err := c.Repo.CountEntriesByAgentTx(ctx, tx, competitionID, agentID)
	if err != nil {
		return domain.CompetitionEntry{}, err
	}
	if n >= comp.MaxSubmissionsPerAgent {
		return domain.CompetitionEntry{}, saltdigerr.InvalidState("competition_entry", "", "")
	}

	now := c.nowString()
	e := domain.CompetitionEntry{
		ID:            uuid.New().String(),
		CompetitionID: competitionID,
		AgentID:       agentID,
		Artifacts:     artifacts,
		Status:        domain.EntryPending,
		SubmittedAt:   now,
		UpdatedAt:     now,
	}
	if err := c.Repo.InsertCompetitionEntryTx(ctx, tx, e); err != nil {
		return domain.CompetitionEntry{}, err
	}
	if err := c.Events.Append(ctx, tx, "competition_transition", comp.ListingID, "competition_entry", e.ID, agentID, events.EventPayload{"to": domain.EntryPending}); err != nil {
		return domain.CompetitionEntry{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.CompetitionEntry{}, err
	}
	c.emit(comp.ListingID, "competition_transition", events.EventPayload{"entry_id": e.ID, "to": domain.EntryPending})
	return e, nil
}

// Evaluate dispatches an entry to the evaluator; on success the entry is
// scored, on evaluator error it is disqualified.
func (c Controller) Evaluate(ctx context.Context, entryID, listingID string, evaluator Evaluator, method string) (domain.CompetitionEntry, error) {
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.CompetitionEntry{}, err
	}
	defer tx.Rollback()

	e, err := c.Repo.GetCompetitionEntryTx(ctx, tx, entryID)
	if err != nil {
		return domain.CompetitionEntry{}, err
	}
	if e.Status != domain.EntryPending {
		return domain.CompetitionEntry{}, saltdigerr.InvalidState("competition_entry", e.Status, domain.EntryEvaluating)
	}
	e.Status = domain.EntryEvaluating
	e.UpdatedAt = c.nowString()
	if err := c.Repo.UpdateCompetitionEntryTx(ctx, tx, e); err != nil {
		return domain.CompetitionEntry{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.CompetitionEntry{}, err
	}

	result, evalErr := evaluator.Evaluate(ctx, method, listingID, e.Artifacts)

	tx2, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.CompetitionEntry{}, err
	}
	defer tx2.Rollback()

	if evalErr != nil || !result.Success {
		e.Status = domain.EntryDisqualified
	} else {
		score := result.Score
		e.Score = &score
		e.Status = domain.EntryScored
	}
	e.UpdatedAt = c.nowString()
	if err := c.Repo.UpdateCompetitionEntryTx(ctx, tx2, e); err != nil {
		return domain.CompetitionEntry{}, err
	}
	if err := c.Events.Append(ctx, tx2, "competition_transition", listingID, "competition_entry", e.ID, "", events.EventPayload{"to": e.Status}); err != nil {
		return domain.CompetitionEntry{}, err
	}
	if err := tx2.Commit(); err != nil {
		return domain.CompetitionEntry{}, err
	}
	c.emit(listingID, "competition_transition", events.EventPayload{"entry_id": e.ID, "to": e.Status})
	return e, nil
}

// Finalize ranks scored entries, computes each entry's prize, and pays
// out Salt prizes directly through the Ledger; USDC prizes are recorded
// but deferred to the external payout rail.
func (c Controller) Finalize(ctx context.Context, competitionID string) (domain.Competition, error) {
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Competition{}, err
	}
	defer tx.Rollback()

	comp, err := c.Repo.GetCompetitionTx(ctx, tx, competitionID)
	if err != nil {
		return domain.Competition{}, err
	}
	if comp.Status == domain.CompetitionFinalized {
		return domain.Competition{}, saltdigerr.InvalidState("competition", comp.Status, domain.CompetitionFinalized)
	}
	l, err := c.Repo.GetListingTx(ctx, tx, comp.ListingID)
	if err != nil {
		return domain.Competition{}, err
	}
	entries, err := c.Repo.ListEntriesByCompetitionTx(ctx, tx, competitionID)
	if err != nil {
		return domain.Competition{}, err
	}

	var scored []domain.CompetitionEntry
	for _, e := range entries {
		if e.Status == domain.EntryScored && e.Score != nil {
			scored = append(scored, e)
		}
	}
	if len(scored) == 0 {
		return domain.Competition{}, saltdigerr.InvalidArgument("entries", "no scored entries to finalize")
	}
	sort.SliceStable(scored, func(i, j int) bool {
		if *scored[i].Score != *scored[j].Score {
			return *scored[i].Score > *scored[j].Score
		}
		return scored[i].SubmittedAt < scored[j].SubmittedAt
	})

	var cfg PrizeConfig
	_ = json.Unmarshal([]byte(comp.PrizeConfigJSON), &cfg)
	totalPrize, err := totalPrizeOf(l)
	if err != nil {
		return domain.Competition{}, err
	}
	prizes := distribute(comp.PrizeDistribution, scored, cfg, totalPrize)

	now := c.nowString()
	var winnerID *string
	for i, e := range scored {
		rank := i + 1
		e.Rank = &rank
		prize := prizes[i]
		if prize > 0 {
			ps := formatFloat(prize)
			e.PrizeAmount = &ps
		}
		if rank == 1 {
			e.Status = domain.EntryWinner
			winnerID = &e.AgentID
		}
		e.UpdatedAt = now
		if err := c.Repo.UpdateCompetitionEntryTx(ctx, tx, e); err != nil {
			return domain.Competition{}, err
		}
		if prize > 0 && l.Currency == domain.Salt {
			amount := int64(math.Round(prize))
			if amount > 0 {
				if _, err := c.Ledger.TransferTx(ctx, tx, "", e.AgentID, amount, domain.KindCompetitionPrize, "competition "+comp.ID+" prize"); err != nil {
					return domain.Competition{}, err
				}
			}
		}
	}

	if err := c.Repo.UpdateCompetitionStatusTx(ctx, tx, comp.ID, domain.CompetitionFinalized, winnerID, now); err != nil {
		return domain.Competition{}, err
	}
	comp.Status = domain.CompetitionFinalized
	comp.WinnerID = winnerID
	comp.UpdatedAt = now
	if err := c.Events.Append(ctx, tx, "competition_transition", comp.ListingID, "competition", comp.ID, "", events.EventPayload{"to": domain.CompetitionFinalized, "winner_id": winnerID}); err != nil {
		return domain.Competition{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Competition{}, err
	}
	c.emit(comp.ListingID, "competition_transition", events.EventPayload{"competition_id": comp.ID, "to": domain.CompetitionFinalized, "winner_id": winnerID})
	return comp, nil
}

func totalPrizeOf(l domain.Listing) (float64, error) {
	f, err := strconv.ParseFloat(l.Price, 64)
	if err != nil {
		return 0, saltdigerr.InvalidArgument("price", "not numeric")
	}
	return f, nil
}

// distribute computes each ranked entry's prize per the configured
// strategy; the returned slice is parallel to ranked.
func distribute(strategy string, ranked []domain.CompetitionEntry, cfg PrizeConfig, total float64) []float64 {
	out := make([]float64, len(ranked))
	switch strategy {
	case domain.DistWinnerTakeAll:
		if len(out) > 0 {
			out[0] = total
		}
	case domain.DistTop3:
		pcts := cfg.Top3Percentages
		if len(pcts) == 0 {
			pcts = defaultTop3
		}
		for i := 0; i < len(ranked) && i < 3 && i < len(pcts); i++ {
			out[i] = total * pcts[i] / 100
		}
	case domain.DistProportional:
		minScore := 0.0
		if cfg.MinScore != nil {
			minScore = *cfg.MinScore
		}
		var sum float64
		for _, e := range ranked {
			if *e.Score >= minScore {
				sum += *e.Score
			}
		}
		if sum > 0 {
			for i, e := range ranked {
				if *e.Score >= minScore {
					out[i] = total * *e.Score / sum
				}
			}
		}
	}
	return out
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
