package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"saltdig/internal/bounty"
	"saltdig/internal/competition"
	"saltdig/internal/config"
	"saltdig/internal/db"
	"saltdig/internal/domain"
	"saltdig/internal/escrow"
	"saltdig/internal/ledger"
	"saltdig/internal/migrate"
	"saltdig/internal/milestone"
	"saltdig/internal/ratelimit"
	"saltdig/internal/reconciler"
	"saltdig/internal/repo"
	"saltdig/internal/specloop"
)

// limiter backs component I across every command this process runs; one
// instance per invocation, since each saltdig command is its own process.
var limiter = ratelimit.New()

var rootCmd = &cobra.Command{
	Use:   "saltdig",
	Short: "Saltdig payment rails for agent-to-agent task work",
	Long: `Saltdig settles task-based work between agents over two rails:
- Salt: an internal double-entry ledger, instant and free.
- USDC: an on-chain escrow contract on an EVM L2, for trust-minimized payouts.
A listing is a posted unit of work; it settles either through a single order,
a weighted milestone plan, a spec-loop deposit, or a multi-entry competition.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("SALTDIG")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("agent-id", "", "calling agent id")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("agent-id", rootCmd.PersistentFlags().Lookup("agent-id"))
}

func registerCommands() {
	rootCmd.AddCommand(ledgerCmd())
	rootCmd.AddCommand(listingCmd())
	rootCmd.AddCommand(orderCmd())
	rootCmd.AddCommand(offerCmd())
	rootCmd.AddCommand(milestoneCmd())
	rootCmd.AddCommand(specloopCmd())
	rootCmd.AddCommand(competitionCmd())
	rootCmd.AddCommand(escrowCmd())
	rootCmd.AddCommand(reconcileCmd())
	rootCmd.AddCommand(configCmd())
}

// agentID resolves the calling agent, failing closed when neither the
// --agent-id flag nor SALTDIG_AGENT_ID is set.
func agentID() (string, error) {
	id := viper.GetString("agent-id")
	if id == "" {
		return "", fmt.Errorf("--agent-id is required (or set SALTDIG_AGENT_ID)")
	}
	return id, nil
}

// withConfig opens the workspace database and its config, migrating
// schema in place, for commands that only need the store and policy knobs.
func withConfig(ctx context.Context, fn func(context.Context, *config.Config, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	if cfg == nil {
		cfg = config.Default()
	}
	return fn(ctx, cfg, repo.Repo{DB: conn})
}

func withLedger(ctx context.Context, fn func(context.Context, ledger.Ledger) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	if cfg == nil {
		cfg = config.Default()
	}
	l := ledger.New(conn, cfg)
	l.Limiter = limiter
	return fn(ctx, l)
}

// escrowGateway builds the escrow.Gateway from config, over the one
// JSON-RPC client the escrow package exposes.
func escrowGateway(cfg *config.Config) escrow.Gateway {
	timeout := time.Duration(cfg.Escrow.CallTimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	client := escrow.NewHTTPChainClient(cfg.Escrow.RPCURL, timeout)
	return escrow.New(client, cfg.Escrow.ContractAddress, cfg.Escrow.USDCAddress, timeout)
}

func withBounty(ctx context.Context, fn func(context.Context, bounty.Machine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	if cfg == nil {
		cfg = config.Default()
	}
	m := bounty.New(conn, cfg, escrowGateway(cfg))
	m.Limiter = limiter
	return fn(ctx, m)
}

func withMilestone(ctx context.Context, fn func(context.Context, milestone.Controller) error) error {
	return withBounty(ctx, func(ctx context.Context, bm bounty.Machine) error {
		mc := milestone.New(bm.DB, bm.Config, bm)
		mc.Limiter = limiter
		return fn(ctx, mc)
	})
}

func withSpecloop(ctx context.Context, fn func(context.Context, specloop.Controller) error) error {
	return withBounty(ctx, func(ctx context.Context, bm bounty.Machine) error {
		return fn(ctx, specloop.New(bm.DB, bm.Config, bm))
	})
}

func withCompetition(ctx context.Context, fn func(context.Context, competition.Controller) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	if cfg == nil {
		cfg = config.Default()
	}
	cc := competition.New(conn, cfg)
	cc.Limiter = limiter
	return fn(ctx, cc)
}

// signerFromHexOrConfig builds a signer for an escrow-mutating command: the
// --signer-key flag when given, otherwise the reconciler's platform wallet
// key, otherwise a freshly generated one for a local devnet where custody
// does not matter. See LocalSigner's doc comment for what it is not.
func signerFromHexOrConfig(hexKey string, cfg *config.Config) (escrow.Signer, error) {
	if hexKey == "" {
		hexKey = cfg.Escrow.PlatformWalletKey
	}
	if hexKey == "" {
		s, err := escrow.GenerateLocalSigner()
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	s, err := escrow.NewLocalSigner(hexKey)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// --- ledger ---

func ledgerCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "ledger", Short: "Manage the Salt ledger"}
	cmd.AddCommand(ledgerRegisterCmd())
	cmd.AddCommand(ledgerBalanceCmd())
	cmd.AddCommand(ledgerTransferCmd())
	cmd.AddCommand(ledgerHistoryCmd())
	cmd.AddCommand(ledgerRichListCmd())
	return cmd
}

func ledgerRegisterCmd() *cobra.Command {
	var displayName string
	cmd := &cobra.Command{
		Use:   "register-agent <id>",
		Short: "Register an agent with a zero Salt balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(cmd.Context(), func(ctx context.Context, l ledger.Ledger) error {
				a, err := l.RegisterAgent(ctx, args[0], displayName)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&displayName, "display-name", "", "human-readable name")
	return cmd
}

func ledgerBalanceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "balance <agent-id>",
		Short: "Show an agent's Salt balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(cmd.Context(), func(ctx context.Context, l ledger.Ledger) error {
				bal, err := l.Balance(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"agent_id": args[0], "salt_balance": bal})
			})
		},
	}
	return cmd
}

func ledgerTransferCmd() *cobra.Command {
	var from, to, kind, description string
	var amount int64
	cmd := &cobra.Command{
		Use:   "transfer",
		Short: "Move Salt between two agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(cmd.Context(), func(ctx context.Context, l ledger.Ledger) error {
				e, err := l.Transfer(ctx, from, to, amount, kind, description)
				if err != nil {
					return err
				}
				return printJSONOrTable(e)
			})
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "sender agent id")
	cmd.Flags().StringVar(&to, "to", "", "recipient agent id")
	cmd.Flags().Int64Var(&amount, "amount", 0, "amount in Salt base units")
	cmd.Flags().StringVar(&kind, "kind", domain.KindTransfer, "ledger entry kind")
	cmd.Flags().StringVar(&description, "description", "", "memo")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func ledgerHistoryCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history <agent-id>",
		Short: "List an agent's ledger entries, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(cmd.Context(), func(ctx context.Context, l ledger.Ledger) error {
				entries, err := l.History(ctx, args[0], limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "From", "To", "Amount", "Kind", "Created"})
				for _, e := range entries {
					from, to := "system", "system"
					if e.FromAgentID != nil {
						from = *e.FromAgentID
					}
					if e.ToAgentID != nil {
						to = *e.ToAgentID
					}
					tw.AppendRow(table.Row{e.ID, from, to, e.Amount, e.Kind, e.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func ledgerRichListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "rich-list",
		Short: "List agents by Salt balance, descending",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(cmd.Context(), func(ctx context.Context, l ledger.Ledger) error {
				agents, err := l.RichList(ctx, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(agents)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Display name", "Salt balance", "Reputation"})
				for _, a := range agents {
					tw.AppendRow(table.Row{a.ID, a.DisplayName, a.SaltBalance, a.Reputation})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "max rows")
	return cmd
}

// --- listing ---

func listingCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "listing", Short: "Manage listings"}
	cmd.AddCommand(listingCreateCmd())
	cmd.AddCommand(listingListCmd())
	cmd.AddCommand(listingShowCmd())
	cmd.AddCommand(listingCancelCmd())
	return cmd
}

func listingCreateCmd() *cobra.Command {
	var title, description, currency, price, category, mode string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Post a new listing",
		RunE: func(cmd *cobra.Command, args []string) error {
			poster, err := agentID()
			if err != nil {
				return err
			}
			return withBounty(cmd.Context(), func(ctx context.Context, m bounty.Machine) error {
				l, err := m.CreateListing(ctx, poster, title, description, domain.Currency(currency), price, category, mode)
				if err != nil {
					return err
				}
				return printJSONOrTable(l)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "listing title")
	cmd.Flags().StringVar(&description, "description", "", "listing description")
	cmd.Flags().StringVar(&currency, "currency", string(domain.Salt), "salt or usdc")
	cmd.Flags().StringVar(&price, "price", "", "decimal price")
	cmd.Flags().StringVar(&category, "category", "", "category")
	cmd.Flags().StringVar(&mode, "mode", domain.ModeTrade, "trade or service")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("price")
	return cmd
}

func listingListCmd() *cobra.Command {
	var posterID, status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List listings",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withConfig(cmd.Context(), func(ctx context.Context, cfg *config.Config, r repo.Repo) error {
				items, err := r.ListListings(ctx, posterID, status, limit)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&posterID, "poster-id", "", "filter by poster")
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func listingShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <listing-id>",
		Short: "Show a listing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withConfig(cmd.Context(), func(ctx context.Context, cfg *config.Config, r repo.Repo) error {
				l, err := r.GetListing(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(l)
			})
		},
	}
	return cmd
}

func listingCancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <listing-id>",
		Short: "Cancel a listing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			caller, err := agentID()
			if err != nil {
				return err
			}
			return withBounty(cmd.Context(), func(ctx context.Context, m bounty.Machine) error {
				return m.CancelListing(ctx, args[0], caller)
			})
		},
	}
	return cmd
}

// --- order ---

func orderCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "order", Short: "Manage service orders"}
	cmd.AddCommand(orderCreateCmd())
	cmd.AddCommand(orderListCmd())
	cmd.AddCommand(orderStartCmd())
	cmd.AddCommand(orderDeliverCmd())
	cmd.AddCommand(orderAcceptCmd())
	cmd.AddCommand(orderDisputeCmd())
	cmd.AddCommand(orderCancelCmd())
	return cmd
}

func orderCreateCmd() *cobra.Command {
	var listingID string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Open a service order as buyer",
		RunE: func(cmd *cobra.Command, args []string) error {
			buyer, err := agentID()
			if err != nil {
				return err
			}
			return withBounty(cmd.Context(), func(ctx context.Context, m bounty.Machine) error {
				o, err := m.CreateOrder(ctx, listingID, buyer)
				if err != nil {
					return err
				}
				return printJSONOrTable(o)
			})
		},
	}
	cmd.Flags().StringVar(&listingID, "listing-id", "", "listing id")
	_ = cmd.MarkFlagRequired("listing-id")
	return cmd
}

func orderListCmd() *cobra.Command {
	var listingID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List service orders for a listing",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withConfig(cmd.Context(), func(ctx context.Context, cfg *config.Config, r repo.Repo) error {
				items, err := r.ListServiceOrdersByListing(ctx, listingID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&listingID, "listing-id", "", "listing id")
	_ = cmd.MarkFlagRequired("listing-id")
	return cmd
}

func orderStartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:  "start <order-id>",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			caller, err := agentID()
			if err != nil {
				return err
			}
			return withBounty(cmd.Context(), func(ctx context.Context, m bounty.Machine) error {
				o, err := m.StartOrder(ctx, args[0], caller)
				if err != nil {
					return err
				}
				return printJSONOrTable(o)
			})
		},
	}
	return cmd
}

func orderDeliverCmd() *cobra.Command {
	var response string
	cmd := &cobra.Command{
		Use:  "deliver <order-id>",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			caller, err := agentID()
			if err != nil {
				return err
			}
			return withBounty(cmd.Context(), func(ctx context.Context, m bounty.Machine) error {
				o, err := m.DeliverOrder(ctx, args[0], caller, response)
				if err != nil {
					return err
				}
				return printJSONOrTable(o)
			})
		},
	}
	cmd.Flags().StringVar(&response, "response", "", "delivery note")
	return cmd
}

func orderAcceptCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:  "accept <order-id>",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			caller, err := agentID()
			if err != nil {
				return err
			}
			return withBounty(cmd.Context(), func(ctx context.Context, m bounty.Machine) error {
				o, err := m.AcceptOrder(ctx, args[0], caller)
				if err != nil {
					return err
				}
				return printJSONOrTable(o)
			})
		},
	}
	return cmd
}

func orderDisputeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:  "dispute <order-id>",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			caller, err := agentID()
			if err != nil {
				return err
			}
			return withBounty(cmd.Context(), func(ctx context.Context, m bounty.Machine) error {
				o, err := m.DisputeOrder(ctx, args[0], caller)
				if err != nil {
					return err
				}
				return printJSONOrTable(o)
			})
		},
	}
	return cmd
}

func orderCancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:  "cancel <order-id>",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			caller, err := agentID()
			if err != nil {
				return err
			}
			return withBounty(cmd.Context(), func(ctx context.Context, m bounty.Machine) error {
				o, err := m.CancelOrder(ctx, args[0], caller)
				if err != nil {
					return err
				}
				return printJSONOrTable(o)
			})
		},
	}
	return cmd
}

// --- offer ---

func offerCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "offer", Short: "Manage advisory market offers"}
	cmd.AddCommand(offerCreateCmd())
	cmd.AddCommand(offerRespondCmd())
	cmd.AddCommand(offerListCmd())
	return cmd
}

func offerCreateCmd() *cobra.Command {
	var listingID, text, price string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Make an offer against a listing",
		RunE: func(cmd *cobra.Command, args []string) error {
			caller, err := agentID()
			if err != nil {
				return err
			}
			return withBounty(cmd.Context(), func(ctx context.Context, m bounty.Machine) error {
				o, err := m.CreateOffer(ctx, listingID, caller, text, price)
				if err != nil {
					return err
				}
				return printJSONOrTable(o)
			})
		},
	}
	cmd.Flags().StringVar(&listingID, "listing-id", "", "listing id")
	cmd.Flags().StringVar(&text, "text", "", "offer text")
	cmd.Flags().StringVar(&price, "price", "", "decimal price")
	_ = cmd.MarkFlagRequired("listing-id")
	_ = cmd.MarkFlagRequired("price")
	return cmd
}

func offerRespondCmd() *cobra.Command {
	var to string
	cmd := &cobra.Command{
		Use:   "respond <offer-id>",
		Short: "Accept, reject, or counter an offer (poster only)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			caller, err := agentID()
			if err != nil {
				return err
			}
			return withBounty(cmd.Context(), func(ctx context.Context, m bounty.Machine) error {
				o, err := m.RespondOffer(ctx, args[0], caller, to)
				if err != nil {
					return err
				}
				return printJSONOrTable(o)
			})
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "accepted, rejected, or countered")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func offerListCmd() *cobra.Command {
	var listingID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List offers against a listing",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withConfig(cmd.Context(), func(ctx context.Context, cfg *config.Config, r repo.Repo) error {
				items, err := r.ListMarketOffersByListing(ctx, listingID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&listingID, "listing-id", "", "listing id")
	_ = cmd.MarkFlagRequired("listing-id")
	return cmd
}

// --- milestone ---

func milestoneCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "milestone", Short: "Manage weighted milestone plans"}
	cmd.AddCommand(milestonePlanCmd())
	cmd.AddCommand(milestoneStartCmd())
	cmd.AddCommand(milestoneSubmitCmd())
	cmd.AddCommand(milestoneApproveCmd())
	cmd.AddCommand(milestoneRejectCmd())
	cmd.AddCommand(milestoneProgressCmd())
	return cmd
}

func milestonePlanCmd() *cobra.Command {
	var listingID string
	var titles, descriptions, criteria []string
	var budgets []float64
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Create a listing's milestone plan",
		RunE: func(cmd *cobra.Command, args []string) error {
			caller, err := agentID()
			if err != nil {
				return err
			}
			if len(titles) == 0 || len(titles) != len(budgets) {
				return fmt.Errorf("--title and --budget-percentage must repeat in matching counts")
			}
			items := make([]milestone.PlanItem, len(titles))
			for i, title := range titles {
				item := milestone.PlanItem{Title: title, BudgetPercentage: budgets[i]}
				if i < len(descriptions) {
					item.Description = descriptions[i]
				}
				if i < len(criteria) {
					item.AcceptanceCriteria = criteria[i]
				}
				items[i] = item
			}
			return withMilestone(cmd.Context(), func(ctx context.Context, c milestone.Controller) error {
				created, err := c.CreateMilestones(ctx, listingID, caller, items)
				if err != nil {
					return err
				}
				return printJSONOrTable(created)
			})
		},
	}
	cmd.Flags().StringVar(&listingID, "listing-id", "", "listing id")
	cmd.Flags().StringArrayVar(&titles, "title", nil, "milestone title (repeatable)")
	cmd.Flags().StringArrayVar(&descriptions, "description", nil, "milestone description (repeatable, aligned to --title)")
	cmd.Flags().StringArrayVar(&criteria, "acceptance-criteria", nil, "acceptance criteria (repeatable, aligned to --title)")
	cmd.Flags().Float64SliceVar(&budgets, "budget-percentage", nil, "budget percentage (repeatable, aligned to --title)")
	_ = cmd.MarkFlagRequired("listing-id")
	return cmd
}

func milestoneStartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:  "start <milestone-id>",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			caller, err := agentID()
			if err != nil {
				return err
			}
			return withMilestone(cmd.Context(), func(ctx context.Context, c milestone.Controller) error {
				m, err := c.Start(ctx, args[0], caller)
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	return cmd
}

func milestoneSubmitCmd() *cobra.Command {
	var artifactURLs []string
	cmd := &cobra.Command{
		Use:  "submit <milestone-id>",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			caller, err := agentID()
			if err != nil {
				return err
			}
			artifacts := make([]domain.Artifact, len(artifactURLs))
			for i, u := range artifactURLs {
				artifacts[i] = domain.Artifact{Type: "url", URL: u}
			}
			return withMilestone(cmd.Context(), func(ctx context.Context, c milestone.Controller) error {
				m, err := c.Submit(ctx, args[0], caller, artifacts)
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringArrayVar(&artifactURLs, "artifact", nil, "artifact URL (repeatable)")
	return cmd
}

func milestoneApproveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:  "approve <milestone-id>",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			caller, err := agentID()
			if err != nil {
				return err
			}
			return withMilestone(cmd.Context(), func(ctx context.Context, c milestone.Controller) error {
				m, err := c.Approve(ctx, args[0], caller)
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	return cmd
}

func milestoneRejectCmd() *cobra.Command {
	var feedback string
	cmd := &cobra.Command{
		Use:  "reject <milestone-id>",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			caller, err := agentID()
			if err != nil {
				return err
			}
			return withMilestone(cmd.Context(), func(ctx context.Context, c milestone.Controller) error {
				m, err := c.Reject(ctx, args[0], caller, feedback)
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&feedback, "feedback", "", "rejection feedback")
	return cmd
}

func milestoneProgressCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:  "progress <listing-id>",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMilestone(cmd.Context(), func(ctx context.Context, c milestone.Controller) error {
				p, err := c.Progress(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

// --- specloop ---

func specloopCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "specloop", Short: "Manage spec-deposit and change-order flow"}
	cmd.AddCommand(specloopDepositCmd())
	cmd.AddCommand(specloopConsumeCmd())
	cmd.AddCommand(specloopFreezeCmd())
	cmd.AddCommand(changeOrderCmd())
	return cmd
}

func changeOrderCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "change-order", Short: "Propose and approve scope changes"}
	cmd.AddCommand(changeOrderCreateCmd())
	cmd.AddCommand(changeOrderApproveCmd())
	return cmd
}

func specloopDepositCmd() *cobra.Command {
	var listingID, amount, currency string
	cmd := &cobra.Command{
		Use:   "deposit",
		Short: "Lock a commitment deposit against a listing",
		RunE: func(cmd *cobra.Command, args []string) error {
			depositor, err := agentID()
			if err != nil {
				return err
			}
			return withSpecloop(cmd.Context(), func(ctx context.Context, c specloop.Controller) error {
				d, err := c.CreateSpecDeposit(ctx, listingID, depositor, amount, domain.Currency(currency))
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().StringVar(&listingID, "listing-id", "", "listing id")
	cmd.Flags().StringVar(&amount, "amount", "", "decimal amount")
	cmd.Flags().StringVar(&currency, "currency", string(domain.Salt), "salt or usdc")
	_ = cmd.MarkFlagRequired("listing-id")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func specloopConsumeCmd() *cobra.Command {
	var payeeID, reason, amount string
	cmd := &cobra.Command{
		Use:  "consume <deposit-id>",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSpecloop(cmd.Context(), func(ctx context.Context, c specloop.Controller) error {
				d, err := c.Consume(ctx, args[0], payeeID, reason, amount)
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().StringVar(&payeeID, "payee-id", "", "recipient of the consumed amount")
	cmd.Flags().StringVar(&reason, "reason", "", "consumption reason")
	cmd.Flags().StringVar(&amount, "amount", "", "decimal amount to consume")
	_ = cmd.MarkFlagRequired("payee-id")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func specloopFreezeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:  "freeze <listing-id>",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			caller, err := agentID()
			if err != nil {
				return err
			}
			return withSpecloop(cmd.Context(), func(ctx context.Context, c specloop.Controller) error {
				d, err := c.Freeze(ctx, args[0], caller)
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	return cmd
}

func changeOrderCreateCmd() *cobra.Command {
	var listingID, description string
	var affected []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Propose a scope change priced against the bounty graph",
		RunE: func(cmd *cobra.Command, args []string) error {
			requester, err := agentID()
			if err != nil {
				return err
			}
			return withSpecloop(cmd.Context(), func(ctx context.Context, c specloop.Controller) error {
				co, err := c.CreateChangeOrder(ctx, listingID, requester, description, affected)
				if err != nil {
					return err
				}
				return printJSONOrTable(co)
			})
		},
	}
	cmd.Flags().StringVar(&listingID, "listing-id", "", "listing id")
	cmd.Flags().StringVar(&description, "description", "", "change description")
	cmd.Flags().StringArrayVar(&affected, "affected-node", nil, "affected bounty-graph node id (repeatable)")
	_ = cmd.MarkFlagRequired("listing-id")
	return cmd
}

func changeOrderApproveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:  "approve <change-order-id>",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			caller, err := agentID()
			if err != nil {
				return err
			}
			return withSpecloop(cmd.Context(), func(ctx context.Context, c specloop.Controller) error {
				co, err := c.ApproveChangeOrder(ctx, args[0], caller)
				if err != nil {
					return err
				}
				return printJSONOrTable(co)
			})
		},
	}
	return cmd
}

// --- competition ---

func competitionCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "competition", Short: "Manage multi-entry competitions"}
	cmd.AddCommand(competitionCreateCmd())
	cmd.AddCommand(competitionSubmitCmd())
	cmd.AddCommand(competitionEvaluateCmd())
	cmd.AddCommand(competitionFinalizeCmd())
	cmd.AddCommand(competitionStandingsCmd())
	return cmd
}

func competitionCreateCmd() *cobra.Command {
	var listingID, evalMethod, distribution, deadline string
	var maxPerAgent int
	var top3 []float64
	var minScore float64
	var hasMinScore bool
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Open a competition against a listing",
		RunE: func(cmd *cobra.Command, args []string) error {
			var deadlinePtr *string
			if deadline != "" {
				deadlinePtr = &deadline
			}
			prize := competition.PrizeConfig{Top3Percentages: top3}
			if hasMinScore {
				prize.MinScore = &minScore
			}
			return withCompetition(cmd.Context(), func(ctx context.Context, c competition.Controller) error {
				comp, err := c.CreateCompetition(ctx, listingID, evalMethod, distribution, maxPerAgent, prize, deadlinePtr)
				if err != nil {
					return err
				}
				return printJSONOrTable(comp)
			})
		},
	}
	cmd.Flags().StringVar(&listingID, "listing-id", "", "listing id")
	cmd.Flags().StringVar(&evalMethod, "evaluation-method", domain.EvalManual, "harness, manual, or vote")
	cmd.Flags().StringVar(&distribution, "prize-distribution", domain.DistWinnerTakeAll, "winner-take-all, top-3, or proportional")
	cmd.Flags().IntVar(&maxPerAgent, "max-submissions-per-agent", 1, "entry cap per agent")
	cmd.Flags().Float64SliceVar(&top3, "top3-percentage", nil, "top-3 split percentages, in place order")
	cmd.Flags().Float64Var(&minScore, "min-score", 0, "minimum qualifying score")
	cmd.Flags().BoolVar(&hasMinScore, "has-min-score", false, "apply --min-score")
	cmd.Flags().StringVar(&deadline, "deadline", "", "RFC3339 submission deadline")
	_ = cmd.MarkFlagRequired("listing-id")
	return cmd
}

func competitionSubmitCmd() *cobra.Command {
	var competitionID string
	var artifactURLs []string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit an entry to a competition",
		RunE: func(cmd *cobra.Command, args []string) error {
			agent, err := agentID()
			if err != nil {
				return err
			}
			artifacts := make([]domain.Artifact, len(artifactURLs))
			for i, u := range artifactURLs {
				artifacts[i] = domain.Artifact{Type: "url", URL: u}
			}
			return withCompetition(cmd.Context(), func(ctx context.Context, c competition.Controller) error {
				e, err := c.Submit(ctx, competitionID, agent, artifacts)
				if err != nil {
					return err
				}
				return printJSONOrTable(e)
			})
		},
	}
	cmd.Flags().StringVar(&competitionID, "competition-id", "", "competition id")
	cmd.Flags().StringArrayVar(&artifactURLs, "artifact", nil, "artifact URL (repeatable)")
	_ = cmd.MarkFlagRequired("competition-id")
	return cmd
}

// manualEvaluator scores a competition entry from operator-supplied flags.
// It is the "manual" leg of domain.EvalManual; a harness or vote evaluator
// is an external collaborator the CLI does not attempt to emulate.
type manualEvaluator struct {
	success bool
	score   float64
	details string
}

func (e manualEvaluator) Evaluate(ctx context.Context, method, listingID string, artifacts []domain.Artifact) (competition.EvalResult, error) {
	return competition.EvalResult{Success: e.success, Score: e.score, Details: e.details}, nil
}

func competitionEvaluateCmd() *cobra.Command {
	var listingID, method, details string
	var score float64
	var success bool
	cmd := &cobra.Command{
		Use:  "evaluate <entry-id>",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCompetition(cmd.Context(), func(ctx context.Context, c competition.Controller) error {
				e, err := c.Evaluate(ctx, args[0], listingID, manualEvaluator{success: success, score: score, details: details}, method)
				if err != nil {
					return err
				}
				return printJSONOrTable(e)
			})
		},
	}
	cmd.Flags().StringVar(&listingID, "listing-id", "", "listing id")
	cmd.Flags().StringVar(&method, "method", domain.EvalManual, "evaluation method label")
	cmd.Flags().Float64Var(&score, "score", 0, "entry score")
	cmd.Flags().BoolVar(&success, "success", true, "whether the entry qualifies")
	cmd.Flags().StringVar(&details, "details", "", "reviewer notes")
	_ = cmd.MarkFlagRequired("listing-id")
	return cmd
}

func competitionFinalizeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:  "finalize <competition-id>",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCompetition(cmd.Context(), func(ctx context.Context, c competition.Controller) error {
				comp, err := c.Finalize(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(comp)
			})
		},
	}
	return cmd
}

func competitionStandingsCmd() *cobra.Command {
	var competitionID string
	cmd := &cobra.Command{
		Use:   "standings",
		Short: "List entries for a competition, ranked",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withConfig(cmd.Context(), func(ctx context.Context, cfg *config.Config, r repo.Repo) error {
				entries, err := r.ListEntriesByCompetition(ctx, competitionID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Entry", "Agent", "Status", "Score", "Rank", "Prize"})
				for _, e := range entries {
					score, rank, prize := "", "", ""
					if e.Score != nil {
						score = strconv.FormatFloat(*e.Score, 'f', 2, 64)
					}
					if e.Rank != nil {
						rank = strconv.Itoa(*e.Rank)
					}
					if e.PrizeAmount != nil {
						prize = *e.PrizeAmount
					}
					tw.AppendRow(table.Row{e.ID, e.AgentID, e.Status, score, rank, prize})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&competitionID, "competition-id", "", "competition id")
	_ = cmd.MarkFlagRequired("competition-id")
	return cmd
}

// --- escrow ---

func escrowCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "escrow", Short: "Drive the on-chain USDC escrow rail"}
	var signerKey string
	addSigner := func(c *cobra.Command) {
		c.Flags().StringVar(&signerKey, "signer-key", "", "hex signing key (falls back to escrow.platform_wallet_key, then a generated devnet key)")
	}
	create := escrowCreateBountyCmd(&signerKey)
	addSigner(create)
	claim := escrowTransitionCmd("claim", "Claim a USDC bounty as worker", func(ctx context.Context, m bounty.Machine, listingID, caller string, signer escrow.Signer) (domain.USDCTransactionRecord, error) {
		return m.ClaimUSDCBounty(ctx, listingID, caller, signer)
	}, &signerKey)
	addSigner(claim)
	submit := escrowTransitionCmd("submit", "Submit work against a claimed USDC bounty", func(ctx context.Context, m bounty.Machine, listingID, caller string, signer escrow.Signer) (domain.USDCTransactionRecord, error) {
		return m.SubmitUSDCBounty(ctx, listingID, caller, signer)
	}, &signerKey)
	addSigner(submit)
	approve := escrowTransitionCmd("approve", "Approve a submitted USDC bounty as poster", func(ctx context.Context, m bounty.Machine, listingID, caller string, signer escrow.Signer) (domain.USDCTransactionRecord, error) {
		return m.ApproveUSDCBounty(ctx, listingID, caller, signer)
	}, &signerKey)
	addSigner(approve)
	dispute := escrowTransitionCmd("dispute", "Dispute a submitted USDC bounty", func(ctx context.Context, m bounty.Machine, listingID, caller string, signer escrow.Signer) (domain.USDCTransactionRecord, error) {
		return m.DisputeUSDCBounty(ctx, listingID, caller, signer)
	}, &signerKey)
	addSigner(dispute)
	cancel := escrowTransitionCmd("cancel", "Cancel an unclaimed USDC bounty as poster", func(ctx context.Context, m bounty.Machine, listingID, caller string, signer escrow.Signer) (domain.USDCTransactionRecord, error) {
		return m.CancelUSDCBounty(ctx, listingID, caller, signer)
	}, &signerKey)
	addSigner(cancel)
	cmd.AddCommand(create, claim, submit, approve, dispute, cancel, escrowGetCmd())
	return cmd
}

func escrowCreateBountyCmd(signerKey *string) *cobra.Command {
	var listingID, amount string
	var deadline int64
	cmd := &cobra.Command{
		Use:   "create-bounty",
		Short: "Lock USDC into escrow for a listing",
		RunE: func(cmd *cobra.Command, args []string) error {
			caller, err := agentID()
			if err != nil {
				return err
			}
			return withBounty(cmd.Context(), func(ctx context.Context, m bounty.Machine) error {
				signer, err := signerFromHexOrConfig(*signerKey, m.Config)
				if err != nil {
					return err
				}
				rec, err := m.CreateUSDCBounty(ctx, listingID, caller, signer, amount, deadline)
				if err != nil {
					return err
				}
				return printJSONOrTable(rec)
			})
		},
	}
	cmd.Flags().StringVar(&listingID, "listing-id", "", "listing id")
	cmd.Flags().StringVar(&amount, "amount", "", "decimal USDC amount")
	cmd.Flags().Int64Var(&deadline, "deadline", 0, "unix deadline")
	_ = cmd.MarkFlagRequired("listing-id")
	_ = cmd.MarkFlagRequired("amount")
	_ = cmd.MarkFlagRequired("deadline")
	return cmd
}

func escrowTransitionCmd(use, short string, call func(context.Context, bounty.Machine, string, string, escrow.Signer) (domain.USDCTransactionRecord, error), signerKey *string) *cobra.Command {
	var listingID string
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			caller, err := agentID()
			if err != nil {
				return err
			}
			return withBounty(cmd.Context(), func(ctx context.Context, m bounty.Machine) error {
				signer, err := signerFromHexOrConfig(*signerKey, m.Config)
				if err != nil {
					return err
				}
				rec, err := call(ctx, m, listingID, caller, signer)
				if err != nil {
					return err
				}
				return printJSONOrTable(rec)
			})
		},
	}
	cmd.Flags().StringVar(&listingID, "listing-id", "", "listing id")
	_ = cmd.MarkFlagRequired("listing-id")
	return cmd
}

func escrowGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:  "get <listing-id>",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withConfig(cmd.Context(), func(ctx context.Context, cfg *config.Config, r repo.Repo) error {
				rec, err := r.GetUSDCRecordByListing(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(rec)
			})
		},
	}
	return cmd
}

// --- reconcile ---

func reconcileCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "reconcile", Short: "Reconcile the internal shadow with on-chain escrow state"}
	cmd.AddCommand(reconcileRunCmd())
	return cmd
}

func reconcileRunCmd() *cobra.Command {
	var secret string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Release timed-out submissions and correct chain-state drift",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				os.Exit(1)
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				os.Exit(1)
				return err
			}
			cfg, err := config.Load(workspace)
			if err != nil {
				os.Exit(1)
				return err
			}
			if secret == "" {
				secret = os.Getenv("CRON_SECRET")
			}
			if !reconciler.Authorize(secret, cfg.Reconciler.CronSecret) {
				fmt.Fprintln(os.Stderr, "reconcile run: unauthorized")
				os.Exit(1)
				return nil
			}
			signer, err := signerFromHexOrConfig("", cfg)
			if err != nil {
				os.Exit(1)
				return err
			}
			gw := escrowGateway(cfg)
			bm := bounty.New(conn, cfg, gw)
			rc := reconciler.New(repo.Repo{DB: conn}, bm, gw, signer, cfg)
			result := rc.Run(cmd.Context())
			if err := printJSONOrTable(result); err != nil {
				return err
			}
			for _, f := range result.Failures {
				fmt.Fprintf(os.Stderr, "reconcile run: listing %s: %v\n", f.ListingID, f.Err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "secret", "", "reconciler authorization secret (falls back to CRON_SECRET env var)")
	return cmd
}

// --- config ---

func configCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Manage saltdig.yml"}
	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write the default saltdig.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			return os.WriteFile(path, []byte(config.GenerateDefault()), 0o644)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.LoadOptional(workspace)
			if err != nil {
				return err
			}
			if cfg == nil {
				cfg = config.Default()
			}
			return printJSONOrTable(cfg)
		},
	})
	return cmd
}
