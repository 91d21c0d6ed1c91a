// Package domain holds the entity shapes shared by the ledger, bounty,
// milestone, spec-loop, and competition components.
package domain

// Currency is a tagged variant distinguishing the two settlement rails.
type Currency string

const (
	Salt Currency = "salt"
	USDC Currency = "usdc"
)

// Agent is a principal with a Salt balance and, optionally, an on-chain wallet.
type Agent struct {
	ID              string  `json:"id"`
	DisplayName     string  `json:"display_name"`
	APIKeyHash      string  `json:"api_key_hash,omitempty"`
	SaltBalance     int64   `json:"salt_balance"`
	WalletAddress   *string `json:"wallet_address,omitempty"`
	EncryptedSigner *string `json:"encrypted_signer,omitempty"`
	Reputation      int64   `json:"reputation"`
	CreatedAt       string  `json:"created_at" format:"date-time"`
}

const (
	ListingActive     = "active"
	ListingClarifying = "clarifying"
	ListingFrozen     = "frozen"
	ListingCompleted  = "completed"
	ListingCancelled  = "cancelled"
)

const (
	ModeTrade   = "trade"
	ModeService = "service"
)

// Listing is a posted unit of work ("bounty").
type Listing struct {
	ID              string   `json:"id"`
	PosterID        string   `json:"poster_id"`
	Title           string   `json:"title"`
	Description     string   `json:"description,omitempty"`
	Currency        Currency `json:"currency" enum:"salt,usdc"`
	Price           string   `json:"price"`
	Category        string   `json:"category,omitempty"`
	Mode            string   `json:"mode" enum:"trade,service"`
	Status          string   `json:"status" enum:"active,clarifying,frozen,completed,cancelled"`
	DeliveryTime    *string  `json:"delivery_time,omitempty"`
	BountyGraphJSON *string  `json:"bounty_graph_json,omitempty"`
	MetadataJSON    *string  `json:"metadata_json,omitempty"`
	CompletedCount  int64    `json:"completed_count"`
	CreatedAt       string   `json:"created_at" format:"date-time"`
	UpdatedAt       string   `json:"updated_at" format:"date-time"`
}

const (
	OrderPending    = "pending"
	OrderInProgress = "in_progress"
	OrderDelivered  = "delivered"
	OrderAccepted   = "accepted"
	OrderDisputed   = "disputed"
	OrderCancelled  = "cancelled"
)

// ServiceOrder pairs a buyer and seller against a service-mode listing.
type ServiceOrder struct {
	ID        string  `json:"id"`
	ListingID string  `json:"listing_id"`
	BuyerID   string  `json:"buyer_id"`
	SellerID  string  `json:"seller_id"`
	Price     string  `json:"price"`
	Status    string  `json:"status" enum:"pending,in_progress,delivered,accepted,disputed,cancelled"`
	Response  *string `json:"response,omitempty"`
	CreatedAt string  `json:"created_at" format:"date-time"`
	UpdatedAt string  `json:"updated_at" format:"date-time"`
}

const (
	OfferPending   = "pending"
	OfferAccepted  = "accepted"
	OfferRejected  = "rejected"
	OfferCountered = "countered"
)

// MarketOffer is an advisory offer against a listing.
type MarketOffer struct {
	ID        string `json:"id"`
	ListingID string `json:"listing_id"`
	AgentID   string `json:"agent_id"`
	Text      string `json:"text,omitempty"`
	Price     string `json:"price"`
	Status    string `json:"status" enum:"pending,accepted,rejected,countered"`
	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

const (
	USDCCreated      = "created"
	USDCClaimed      = "claimed"
	USDCSubmitted    = "submitted"
	USDCApproved     = "approved"
	USDCAutoReleased = "auto_released"
	USDCDisputed     = "disputed"
	USDCCancelled    = "cancelled"
)

// USDCTransactionRecord mirrors the on-chain escrow bounty state.
type USDCTransactionRecord struct {
	ID          string  `json:"id"`
	ListingID   string  `json:"listing_id"`
	BountyHash  string  `json:"bounty_hash"`
	PosterID    string  `json:"poster_id"`
	WorkerID    *string `json:"worker_id,omitempty"`
	Amount      string  `json:"amount"`
	WorkerStake string  `json:"worker_stake"`
	Status      string  `json:"status" enum:"created,claimed,submitted,approved,auto_released,disputed,cancelled"`
	LastTxHash  *string `json:"last_tx_hash,omitempty"`
	SubmittedAt *string `json:"submitted_at,omitempty" format:"date-time"`
	CompletedAt *string `json:"completed_at,omitempty" format:"date-time"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	UpdatedAt   string  `json:"updated_at" format:"date-time"`
}

const (
	MilestonePending    = "pending"
	MilestoneInProgress = "in_progress"
	MilestoneSubmitted  = "submitted"
	MilestoneApproved   = "approved"
	MilestoneRejected   = "rejected"
)

// Milestone is a weighted deliverable within a listing.
type Milestone struct {
	ID                 string  `json:"id"`
	ListingID          string  `json:"listing_id"`
	Title              string  `json:"title"`
	Description        string  `json:"description,omitempty"`
	BudgetPercentage   float64 `json:"budget_percentage"`
	AcceptanceCriteria string  `json:"acceptance_criteria,omitempty"`
	OrderIndex         int     `json:"order_index"`
	Status             string  `json:"status" enum:"pending,in_progress,submitted,approved,rejected"`
	AssigneeID         *string `json:"assignee_id,omitempty"`
	CreatedAt          string  `json:"created_at" format:"date-time"`
	UpdatedAt          string  `json:"updated_at" format:"date-time"`
}

// Artifact is a submission attachment.
type Artifact struct {
	Type        string `json:"type"`
	URL         string `json:"url"`
	Description string `json:"description,omitempty"`
}

const (
	SubmissionPending  = "pending"
	SubmissionApproved = "approved"
	SubmissionRejected = "rejected"
)

// MilestoneSubmission records a deliverable submitted against a milestone.
type MilestoneSubmission struct {
	ID          string     `json:"id"`
	MilestoneID string     `json:"milestone_id"`
	AgentID     string     `json:"agent_id"`
	Artifacts   []Artifact `json:"artifacts"`
	Status      string     `json:"status" enum:"pending,approved,rejected"`
	Feedback    *string    `json:"feedback,omitempty"`
	CreatedAt   string     `json:"created_at" format:"date-time"`
	UpdatedAt   string     `json:"updated_at" format:"date-time"`
}

const (
	DepositActive    = "active"
	DepositFrozen    = "frozen"
	DepositConsumed  = "consumed"
	DepositConverted = "converted"
)

// SpecDeposit is a commitment deposit locked by the poster during clarify.
type SpecDeposit struct {
	ID          string   `json:"id"`
	ListingID   string   `json:"listing_id"`
	DepositorID string   `json:"depositor_id"`
	Amount      string   `json:"amount"`
	Currency    Currency `json:"currency" enum:"salt,usdc"`
	Consumed    string   `json:"consumed"`
	Status      string   `json:"status" enum:"active,frozen,consumed,converted"`
	FrozenAt    *string  `json:"frozen_at,omitempty" format:"date-time"`
	CreatedAt   string   `json:"created_at" format:"date-time"`
	UpdatedAt   string   `json:"updated_at" format:"date-time"`
}

const (
	ChangeOrderPending     = "pending"
	ChangeOrderApproved    = "approved"
	ChangeOrderRejected    = "rejected"
	ChangeOrderImplemented = "implemented"
)

// ChangeOrder is a post-freeze scope change priced over the bounty DAG.
type ChangeOrder struct {
	ID            string   `json:"id"`
	ListingID     string   `json:"listing_id"`
	RequesterID   string   `json:"requester_id"`
	Description   string   `json:"description,omitempty"`
	AffectedNodes []string `json:"affected_nodes"`
	DeltaCost     string   `json:"delta_cost"`
	DeltaCurrency Currency `json:"delta_currency" enum:"salt,usdc"`
	Status        string   `json:"status" enum:"pending,approved,rejected,implemented"`
	EscrowID      *string  `json:"escrow_id,omitempty"`
	CreatedAt     string   `json:"created_at" format:"date-time"`
	UpdatedAt     string   `json:"updated_at" format:"date-time"`
}

const (
	CompetitionActive     = "active"
	CompetitionEvaluating = "evaluating"
	CompetitionFinalized  = "finalized"
	CompetitionCancelled  = "cancelled"
)

const (
	EvalHarness = "harness"
	EvalManual  = "manual"
	EvalVote    = "vote"
)

const (
	DistWinnerTakeAll = "winner-take-all"
	DistTop3          = "top-3"
	DistProportional  = "proportional"
)

// Competition is a multi-entry contest against a listing.
type Competition struct {
	ID                     string  `json:"id"`
	ListingID              string  `json:"listing_id"`
	MaxSubmissionsPerAgent int     `json:"max_submissions_per_agent"`
	EvaluationMethod       string  `json:"evaluation_method" enum:"harness,manual,vote"`
	PrizeDistribution      string  `json:"prize_distribution" enum:"winner-take-all,top-3,proportional"`
	PrizeConfigJSON        string  `json:"prize_config_json,omitempty"`
	Deadline               *string `json:"deadline,omitempty" format:"date-time"`
	Status                 string  `json:"status" enum:"active,evaluating,finalized,cancelled"`
	WinnerID               *string `json:"winner_id,omitempty"`
	CreatedAt              string  `json:"created_at" format:"date-time"`
	UpdatedAt              string  `json:"updated_at" format:"date-time"`
}

const (
	EntryPending      = "pending"
	EntryEvaluating   = "evaluating"
	EntryScored       = "scored"
	EntryWinner       = "winner"
	EntryDisqualified = "disqualified"
)

// CompetitionEntry is a single agent's submission to a competition.
type CompetitionEntry struct {
	ID            string     `json:"id"`
	CompetitionID string     `json:"competition_id"`
	AgentID       string     `json:"agent_id"`
	Artifacts     []Artifact `json:"artifacts"`
	Score         *float64   `json:"score,omitempty"`
	Rank          *int       `json:"rank,omitempty"`
	Status        string     `json:"status" enum:"pending,evaluating,scored,winner,disqualified"`
	PrizeAmount   *string    `json:"prize_amount,omitempty"`
	SubmittedAt   string     `json:"submitted_at" format:"date-time"`
	UpdatedAt     string     `json:"updated_at" format:"date-time"`
}

// Ledger entry kinds used by the engine components.
const (
	KindTransfer          = "transfer"
	KindIssuance          = "issuance"
	KindBurn              = "burn"
	KindOrderEscrow       = "order_escrow"
	KindOrderPayout       = "order_payout"
	KindOfferAccept       = "offer_accept"
	KindMilestonePayment  = "milestone_payment"
	KindSpecReviewPayment = "spec_review_payment"
	KindSpecFreezeCredit  = "spec_freeze_credit"
	KindCompetitionPrize  = "competition_prize"
)

// LedgerEntry is one row of the Salt double-entry journal.
type LedgerEntry struct {
	ID          string  `json:"id"`
	FromAgentID *string `json:"from_agent_id,omitempty"` // nil = system
	ToAgentID   *string `json:"to_agent_id,omitempty"`   // nil = system
	Amount      int64   `json:"amount"`
	Kind        string  `json:"kind"`
	Description string  `json:"description,omitempty"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
}

// DAGNode is one node of a listing's bounty graph.
type DAGNode struct {
	ID      string   `json:"id"`
	Status  string   `json:"status"`
	Depends []string `json:"depends,omitempty"`
	Cost    float64  `json:"cost"`
}

// DAGEdge is a directed edge of a listing's bounty graph; informational only,
// dependency structure for impact analysis is carried on DAGNode.Depends.
type DAGEdge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// BountyGraph is the document stored per listing, opaque to the core except
// during impact analysis.
type BountyGraph struct {
	Nodes []DAGNode `json:"nodes"`
	Edges []DAGEdge `json:"edges"`
}

const (
	RiskLow    = "low"
	RiskMedium = "medium"
	RiskHigh   = "high"
)

// ChangeImpact is the result of calculateChangeImpact.
type ChangeImpact struct {
	Changed    []string `json:"changed"`
	Direct     []string `json:"direct"`
	Transitive []string `json:"transitive"`
	Total      int      `json:"total"`
	DeltaCost  float64  `json:"delta_cost"`
	Risk       string   `json:"risk"`
	Reasoning  string   `json:"reasoning"`
}
