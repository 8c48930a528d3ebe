package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"redress/internal/app"
	"redress/internal/config"
	"redress/internal/db"
	"redress/internal/domain"
	"redress/internal/engine"
	"redress/internal/escalation"
	"redress/internal/finance"
	"redress/internal/legal"
	"redress/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "rdx",
	Short: "Redress CLI",
	Long: `Redress runs consumer debt-relief agent pipelines with verifiable provenance.
- Workspace: the .redress directory holds the SQLite database; redress.yml holds config.
- Runs: 'rdx run --action "intake->diagnose->defend"' executes agents in order and
  halts on the first failed step.
- Provenance: every agent step is hashed and HMAC-signed into an append-only ledger.
- Escalation: outputs flagged by legal checks wait in a FIFO queue for human review.
- Events: 'rdx log tail' shows the append-only event diary.`,
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
	viper.SetEnvPrefix("REDRESS")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(runsCmd())
	rootCmd.AddCommand(legalCmd())
	rootCmd.AddCommand(financeCmd())
	rootCmd.AddCommand(provenanceCmd())
	rootCmd.AddCommand(escalationCmd())
	rootCmd.AddCommand(keysCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("config %s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(name)), 0o644); err != nil {
				return err
			}
			// Open runs the migrations so the workspace is usable right away.
			a, err := app.Open(app.Options{Workspace: workspace})
			if err != nil {
				return err
			}
			defer a.Close()
			fmt.Printf("Initialized workspace: %s (db at %s)\n", path, db.Path(workspace))
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "redress", "service name")
	return cmd
}

func runCmd() *cobra.Command {
	var runID, userID, action, payloadJSON, traceID string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute an agent pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID == "" || action == "" {
				return fmt.Errorf("--user and --action required")
			}
			payload, err := parseJSONFlag(payloadJSON)
			if err != nil {
				return fmt.Errorf("invalid --payload: %w", err)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				run, err := a.Engine.Run(ctx, engine.RunOptions{
					RunID:   runID,
					UserID:  userID,
					Action:  action,
					Payload: payload,
					TraceID: traceID,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(run)
			})
		},
	}
	cmd.Flags().StringVar(&runID, "id", "", "run id (optional, generated if omitted)")
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	cmd.Flags().StringVar(&action, "action", "", `pipeline action, e.g. "intake->diagnose->defend"`)
	cmd.Flags().StringVar(&payloadJSON, "payload", "", "payload JSON")
	cmd.Flags().StringVar(&traceID, "trace", "", "trace id")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("action")
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <run_id>",
		Short: "Run status (fast path)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				status, err := a.Engine.Status(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]string{"run_id": args[0], "status": status})
			})
		},
	}
	return cmd
}

func runsCmd() *cobra.Command {
	var userID string
	var limit int
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				runs, err := a.Engine.List(ctx, userID, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(runs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Run", "User", "Action", "Status", "Created"})
				for _, run := range runs {
					tw.AppendRow(table.Row{run.RunID, run.UserID, run.Action, run.Status, run.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "filter by user id")
	cmd.Flags().IntVar(&limit, "limit", 50, "max runs")
	return cmd
}

func legalCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "legal", Short: "Legal compliance checks"}
	cmd.AddCommand(legalCheckCmd())
	cmd.AddCommand(legalCitationCmd())
	return cmd
}

func legalCheckCmd() *cobra.Command {
	var state, actionType, accountDate, contextJSON, traceID string
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Run a legal compliance check",
		RunE: func(cmd *cobra.Command, args []string) error {
			checkCtx, err := parseJSONFlag(contextJSON)
			if err != nil {
				return fmt.Errorf("invalid --context: %w", err)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res := a.Legal.Check(ctx, legal.Input{
					ActionType:  actionType,
					State:       state,
					AccountDate: accountDate,
					Context:     checkCtx,
					TraceID:     traceID,
				})
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "two-letter state code")
	cmd.Flags().StringVar(&actionType, "action-type", "statute_check", "statute_check, debt_validation or credit_dispute")
	cmd.Flags().StringVar(&accountDate, "account-date", "", "account open date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&contextJSON, "context", "", "extra context JSON")
	cmd.Flags().StringVar(&traceID, "trace", "", "trace id")
	return cmd
}

func legalCitationCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "citation <id>",
		Short: "Look up a legal citation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				citation, ok := a.Legal.Rules.Citation(args[0])
				if !ok {
					return fmt.Errorf("citation %s not found", args[0])
				}
				return printJSONOrTable(citation)
			})
		},
	}
	return cmd
}

func financeCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "finance", Short: "Deterministic financial simulations"}
	cmd.AddCommand(financeSimulateCmd())
	cmd.AddCommand(financeVerifyCmd())
	return cmd
}

func financeSimulateCmd() *cobra.Command {
	var scenarioJSON string
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Simulate a financial scenario",
		RunE: func(cmd *cobra.Command, args []string) error {
			if scenarioJSON == "" {
				return fmt.Errorf("--scenario required")
			}
			var scenario domain.FinanceScenario
			if err := json.Unmarshal([]byte(scenarioJSON), &scenario); err != nil {
				return fmt.Errorf("invalid --scenario: %w", err)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				calc, checksum, assumptions, err := a.Finance.Simulate(scenario)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"calculations": calc,
					"checksum":     checksum,
					"assumptions":  assumptions,
				})
			})
		},
	}
	cmd.Flags().StringVar(&scenarioJSON, "scenario", "", "scenario JSON")
	_ = cmd.MarkFlagRequired("scenario")
	return cmd
}

func financeVerifyCmd() *cobra.Command {
	var calculationsJSON, checksum string
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify a calculation checksum",
		RunE: func(cmd *cobra.Command, args []string) error {
			calculations, err := parseJSONFlag(calculationsJSON)
			if err != nil {
				return fmt.Errorf("invalid --calculations: %w", err)
			}
			verified, err := finance.Verify(calculations, checksum)
			if err != nil {
				return err
			}
			message := "Calculations verified"
			if !verified {
				message = "Checksum mismatch - calculations may have been tampered with"
			}
			return printJSONOrTable(map[string]any{"verified": verified, "message": message})
		},
	}
	cmd.Flags().StringVar(&calculationsJSON, "calculations", "", "calculations JSON")
	cmd.Flags().StringVar(&checksum, "checksum", "", "expected checksum")
	_ = cmd.MarkFlagRequired("calculations")
	_ = cmd.MarkFlagRequired("checksum")
	return cmd
}

func provenanceCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "provenance", Short: "Provenance ledger"}
	cmd.AddCommand(provenanceGetCmd())
	cmd.AddCommand(provenanceVerifyCmd())
	cmd.AddCommand(provenanceRecentCmd())
	return cmd
}

func provenanceGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <provenance_id>",
		Short: "Get a provenance record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				rec, err := a.Ledger.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(rec)
			})
		},
	}
	return cmd
}

func provenanceVerifyCmd() *cobra.Command {
	var outputHash string
	cmd := &cobra.Command{
		Use:   "verify <provenance_id>",
		Short: "Verify an output hash against the ledger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if outputHash == "" {
				return fmt.Errorf("--output-hash required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				verified, message, err := a.Ledger.Verify(ctx, args[0], outputHash)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"verified": verified, "message": message})
			})
		},
	}
	cmd.Flags().StringVar(&outputHash, "output-hash", "", "claimed output hash")
	return cmd
}

func provenanceRecentCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "recent",
		Short: "Most recent provenance records",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				records, err := a.Ledger.Recent(ctx, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(records)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Agent", "Reviewed", "Timestamp"})
				for _, rec := range records {
					tw.AppendRow(table.Row{rec.ProvenanceID, rec.AgentID, rec.HumanReviewed, rec.TimestampUTC})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "max records")
	return cmd
}

func escalationCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "escalation", Short: "Human review queue"}
	cmd.AddCommand(escalationQueueCmd())
	cmd.AddCommand(escalationShowCmd())
	cmd.AddCommand(escalationReviewCmd())
	return cmd
}

func escalationQueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Pending review items, oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Queue.Pending(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Item", "Run", "Agent", "Reason", "Created"})
				for _, item := range items {
					tw.AppendRow(table.Row{item.ItemID, item.RunID, item.AgentID, item.FlaggedReason, item.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func escalationShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <item_id>",
		Short: "Review item with its provenance record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				item, prov, err := a.Queue.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"item": item, "provenance": prov})
			})
		},
	}
	return cmd
}

func escalationReviewCmd() *cobra.Command {
	var decision, notes, editedJSON string
	cmd := &cobra.Command{
		Use:   "review <item_id>",
		Short: "Record a human review decision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			edited, err := parseJSONFlag(editedJSON)
			if err != nil {
				return fmt.Errorf("invalid --edited-payload: %w", err)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				item, err := a.Queue.Review(ctx, escalation.ReviewOptions{
					ItemID:        args[0],
					ReviewerID:    viper.GetString("actor-id"),
					Decision:      decision,
					Notes:         notes,
					EditedPayload: edited,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(item)
			})
		},
	}
	cmd.Flags().StringVar(&decision, "decision", "", "approve, reject or edit")
	cmd.Flags().StringVar(&notes, "notes", "", "review notes")
	cmd.Flags().StringVar(&editedJSON, "edited-payload", "", "edited payload JSON (decision edit)")
	_ = cmd.MarkFlagRequired("decision")
	return cmd
}

func keysCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "keys", Short: "API key management"}
	cmd.AddCommand(keysListCmd())
	cmd.AddCommand(keysDeleteCmd())
	return cmd
}

func keysListCmd() *cobra.Command {
	var actorID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				keys, err := a.Repo.ListAPIKeys(ctx, actorID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created"})
				for _, key := range keys {
					tw.AppendRow(table.Row{key.ID, key.ActorID, key.Name, key.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "filter by actor id")
	return cmd
}

func keysDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a dev JWT for the configured secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				secret := a.Config.Auth.JWTSecret
				if secret == "" {
					secret = os.Getenv("REDRESS_JWT_SECRET")
				}
				token, err := server.SignDevToken(secret, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				fmt.Println(token)
				return nil
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Event log",
	}
	cmd.AddCommand(logTailCmd())
	return cmd
}

func logTailCmd() *cobra.Command {
	var n int
	var runID, evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				events, err := a.Repo.LatestEvents(ctx, n, runID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&runID, "run", "", "run id filter")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowAnonymous bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			a, err := app.Open(app.Options{
				Workspace:  workspace,
				SigningKey: os.Getenv("REDRESS_SIGNING_KEY"),
			})
			if err != nil {
				return err
			}
			defer a.Close()
			authCfg := server.AuthConfig{
				JWTSecret:      a.Config.Auth.JWTSecret,
				AllowAnonymous: a.Config.Auth.AllowAnonymous,
			}
			if secret := os.Getenv("REDRESS_JWT_SECRET"); secret != "" {
				authCfg.JWTSecret = secret
			}
			if cmd.Flags().Changed("allow-anonymous") {
				authCfg.AllowAnonymous = allowAnonymous
			}
			handler, err := server.New(server.Config{App: a, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Redress API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowAnonymous, "allow-anonymous", false, "allow unauthenticated requests")
	return cmd
}

// --- helpers ---

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := app.Open(app.Options{
		Workspace:  viper.GetString("workspace"),
		SigningKey: os.Getenv("REDRESS_SIGNING_KEY"),
	})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func parseJSONFlag(s string) (map[string]any, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
