package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"stageline/internal/app"
	"stageline/internal/config"
	"stageline/internal/db"
	"stageline/internal/domain"
	"stageline/internal/engine"
	"stageline/internal/events"
	"stageline/internal/migrate"
	"stageline/internal/repo"
	"stageline/internal/server"
	"stageline/internal/telemetry"
)

var (
	v        = config.NewViper()
	settings config.Settings
	logger   = slog.Default()
)

var rootCmd = &cobra.Command{
	Use:   "stageline",
	Short: "Stageline pipeline engine",
	Long: `Stageline tracks job applications through hiring pipelines.
Core concepts:
- Tenant: every catalog row and application belongs to exactly one tenant (--tenant).
- Pipeline: an ordered list of stages; applications attach at the first stage.
- Statuses and stage actions: the tenant catalog. Actions are gated by capabilities,
  required evaluations, signal conditions and interview feedback.
- Signals: typed facts about an application (background_check=true) that actions can require.
- Terminal status: once reached, the application never moves again.
- Event log: every change is written to an outbox, view it with 'stageline log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		s, err := config.Load(v, v.GetString("config"))
		if err != nil {
			return err
		}
		settings = s
		logger = newLogger(s.Log)
		slog.SetDefault(logger)
		return nil
	},
}

func main() {
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "config file (yaml)")
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.String("db-driver", "sqlite", "database driver: sqlite or postgres")
	flags.String("db-dsn", "", "database DSN (required for postgres)")
	flags.StringP("tenant", "t", "", "tenant id")
	flags.String("actor-id", "local-user", "actor identifier")
	flags.StringSlice("roles", nil, "act with these roles instead of as a trusted system actor")
	flags.Bool("json", false, "output JSON")
	flags.String("log-level", "info", "log level: debug, info, warn, error")
	flags.String("log-format", "text", "log format: text or json")
	bind := map[string]string{
		"config":     "config",
		"workspace":  "workspace",
		"db-driver":  "db.driver",
		"db-dsn":     "db.dsn",
		"tenant":     "tenant",
		"actor-id":   "actor_id",
		"roles":      "roles",
		"json":       "json",
		"log-level":  "log.level",
		"log-format": "log.format",
	}
	for flag, key := range bind {
		_ = v.BindPFlag(key, flags.Lookup(flag))
	}
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(catalogCmd())
	rootCmd.AddCommand(pipelineCmd())
	rootCmd.AddCommand(mirrorCmd())
	rootCmd.AddCommand(appCmd())
	rootCmd.AddCommand(boardCmd())
	rootCmd.AddCommand(signalCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(logCmd())
}

func newLogger(s config.LogSettings) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(s.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the event dispatcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := telemetry.Init(ctx, telemetry.Options{Enabled: settings.Telemetry.Enabled, Stdout: settings.Telemetry.Stdout}); err != nil {
				return err
			}
			defer func() {
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = telemetry.Shutdown(sctx)
			}()

			metrics := telemetry.NewMetrics()
			e, closeDB, err := openEngine(ctx, metrics)
			if err != nil {
				return err
			}
			defer closeDB()

			authCfg := server.AuthConfig{
				JWTSecret:       settings.Auth.JWTSecret,
				AllowDevHeaders: settings.Auth.AllowDevHeaders,
				Logger:          logger,
			}
			if settings.Auth.OIDCIssuer != "" {
				verifier, err := server.NewOIDCVerifier(ctx, settings.Auth.OIDCIssuer, settings.Auth.OIDCClientID)
				if err != nil {
					return fmt.Errorf("oidc provider: %w", err)
				}
				authCfg.OIDC = verifier
			}
			if authCfg.JWTSecret == "" && authCfg.OIDC == nil && !authCfg.AllowDevHeaders {
				logger.Warn("no bearer auth configured; only API keys will be accepted")
			}
			handler, err := server.New(server.Config{
				Engine:   e,
				BasePath: settings.HTTP.BasePath,
				Auth:     authCfg,
				Logger:   logger,
			})
			if err != nil {
				return err
			}

			dispatcher, closeSinks, err := newDispatcher(e.Repo)
			if err != nil {
				return err
			}
			defer closeSinks()

			srv := &http.Server{Addr: settings.HTTP.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				logger.Info("serving stageline api", "addr", settings.HTTP.Addr, "base_path", settings.HTTP.BasePath,
					"docs", "/docs", "metrics", "/metrics")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(sctx)
			})
			g.Go(func() error {
				return dispatcher.Run(gctx)
			})
			return g.Wait()
		},
	}
	cmd.Flags().String("addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().String("base-path", "/v1", "API base path")
	_ = v.BindPFlag("http.addr", cmd.Flags().Lookup("addr"))
	_ = v.BindPFlag("http.base_path", cmd.Flags().Lookup("base-path"))
	return cmd
}

// newDispatcher wires the configured webhook and NATS sinks.
func newDispatcher(r repo.Repo) (*events.Dispatcher, func(), error) {
	sinks := events.WebhookSinks(settings.Events.Webhooks)
	closer := func() {}
	if settings.Events.NATSURL != "" {
		nc, err := events.ConnectNATS(settings.Events.NATSURL)
		if err != nil {
			return nil, nil, fmt.Errorf("connect nats: %w", err)
		}
		sinks = append(sinks, events.NewNATSSink(nc, settings.Events.NATSSubject, nil))
		closer = func() {
			if err := nc.Drain(); err != nil {
				logger.Warn("nats drain failed", "err", err)
			}
		}
	}
	var interval time.Duration
	if settings.Events.Interval != "" {
		d, err := time.ParseDuration(settings.Events.Interval)
		if err != nil {
			closer()
			return nil, nil, fmt.Errorf("events.interval: %w", err)
		}
		interval = d
	}
	var settle time.Duration
	if settings.Events.Settle != "" {
		d, err := time.ParseDuration(settings.Events.Settle)
		if err != nil {
			closer()
			return nil, nil, fmt.Errorf("events.settle: %w", err)
		}
		settle = d
	}
	return &events.Dispatcher{Repo: r, Sinks: sinks, Interval: interval, Settle: settle, Logger: logger}, closer, nil
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, closeDB, err := openEngine(cmd.Context(), nil)
			if err != nil {
				return err
			}
			closeDB()
			cfg := db.Config{Driver: settings.DB.Driver, DSN: settings.DB.DSN, Workspace: settings.Workspace}
			if path, ok := cfg.WorkspacePath(); ok {
				fmt.Printf("database %s is up to date\n", path)
				return nil
			}
			fmt.Println("database is up to date")
			return nil
		},
	}
}

func catalogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Tenant catalog (statuses, roles, pipelines and stage actions)",
		Long:  "The catalog is kept in the database. 'catalog init' writes a starter stageline.yml and 'catalog import' applies one; imports are idempotent.",
	}
	cmd.AddCommand(catalogInitCmd())
	cmd.AddCommand(catalogImportCmd())
	cmd.AddCommand(catalogStatusesCmd())
	cmd.AddCommand(catalogActionsCmd())
	return cmd
}

func catalogInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter catalog file for the tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenantID, err := requireTenant()
			if err != nil {
				return err
			}
			if _, err := db.EnsureWorkspace(settings.Workspace); err != nil {
				return err
			}
			path := config.CatalogPath(settings.Workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefaultCatalog(tenantID)), 0o644); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func catalogImportCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Apply a catalog file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				file = config.CatalogPath(settings.Workspace)
			}
			cat, err := config.CatalogFromFile(file)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				results, err := app.SeedCatalog(ctx, e, cat, v.GetString("actor_id"))
				if err != nil {
					return err
				}
				if v.GetBool("json") {
					return printJSON(results)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Tenant", "Statuses", "Grants", "Pipelines", "Actions"})
				for _, r := range results {
					tw.AppendRow(table.Row{r.TenantID, r.StatusesCreated, r.GrantsApplied, r.PipelinesCreated, r.ActionsCreated})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "catalog file (default <workspace>/stageline.yml)")
	return cmd
}

func catalogStatusesCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "statuses",
		Short: "List the tenant's statuses",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTenantEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, tenantID string) error {
				items, err := e.ListStatuses(ctx, tenantID, all)
				if err != nil {
					return err
				}
				if v.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Code", "Name", "Action", "Outcome", "Terminal", "Active"})
				for _, s := range items {
					tw.AppendRow(table.Row{s.Code, s.DisplayName, s.ActionCode, s.OutcomeType, s.IsTerminal, s.IsActive})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include inactive statuses")
	return cmd
}

func catalogActionsCmd() *cobra.Command {
	var f repo.ActionFilters
	cmd := &cobra.Command{
		Use:   "actions",
		Short: "List stage actions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTenantEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, tenantID string) error {
				f.ActiveOnly = true
				items, err := e.ListActions(ctx, tenantID, f)
				if err != nil {
					return err
				}
				if v.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Stage", "Code", "Outcome", "Next", "Terminal", "Capability", "Conditions"})
				for _, a := range items {
					tw.AppendRow(table.Row{a.StageID, a.Code, a.OutcomeType, a.MovesToNextStage, a.IsTerminal, a.RequiredCapability, string(a.SignalConditions)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.StageID, "stage", "", "stage id filter")
	return cmd
}

func pipelineCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "pipeline", Short: "Inspect pipelines"}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List pipelines visible to the tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTenantEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, tenantID string) error {
				items, err := e.ListPipelines(ctx, tenantID)
				if err != nil {
					return err
				}
				if v.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Name", "Shared"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Name, p.TenantID == nil})
				}
				tw.Render()
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "show <id>",
		Short: "Show a pipeline's stages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTenantEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, tenantID string) error {
				p, err := e.GetPipeline(ctx, tenantID, args[0])
				if err != nil {
					return err
				}
				if v.GetBool("json") {
					return printJSON(p)
				}
				tw := newTable()
				tw.SetTitle(p.Name)
				tw.AppendHeader(table.Row{"#", "Stage ID", "Name", "Type", "Required evaluations"})
				for _, s := range p.Stages {
					var req []string
					for _, re := range s.RequiredEvaluations {
						req = append(req, re.TemplateID)
					}
					tw.AppendRow(table.Row{s.OrderIndex, s.ID, s.Name, s.Type, strings.Join(req, ",")})
				}
				tw.Render()
				return nil
			})
		},
	})
	return cmd
}

func mirrorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mirror",
		Short: "Register jobs and applications owned by the job service",
	}
	var title, pipelineID string
	job := &cobra.Command{
		Use:   "job <id>",
		Short: "Create or update a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTenantEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, tenantID string) error {
				j := domain.Job{ID: args[0], Title: title}
				if pipelineID != "" {
					j.PipelineID = &pipelineID
				}
				j, err := e.UpsertJob(ctx, tenantID, cliActor(), j)
				if err != nil {
					return err
				}
				return printJSON(j)
			})
		},
	}
	job.Flags().StringVar(&title, "title", "", "job title")
	job.Flags().StringVar(&pipelineID, "pipeline", "", "default pipeline id")

	var jobID, candidate string
	application := &cobra.Command{
		Use:   "application <id>",
		Short: "Create or update an application",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTenantEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, tenantID string) error {
				a, err := e.UpsertApplication(ctx, tenantID, cliActor(), domain.Application{ID: args[0], JobID: jobID, CandidateName: candidate})
				if err != nil {
					return err
				}
				return printJSON(a)
			})
		},
	}
	application.Flags().StringVar(&jobID, "job", "", "job id")
	application.Flags().StringVar(&candidate, "candidate", "", "candidate name")
	cmd.AddCommand(job, application)
	return cmd
}

func appCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "app",
		Aliases: []string{"application"},
		Short:   "Move applications through their pipeline",
	}
	cmd.AddCommand(appAttachCmd(), appStateCmd(), appActionsCmd(), appActCmd(), appMoveCmd(), appStatusCmd(), appHistoryCmd())
	return cmd
}

func appAttachCmd() *cobra.Command {
	var pipelineID string
	cmd := &cobra.Command{
		Use:   "attach <application-id>",
		Short: "Attach an application at the first stage of a pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTenantEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, tenantID string) error {
				view, err := e.Attach(ctx, engine.AttachRequest{TenantID: tenantID, ApplicationID: args[0], PipelineID: pipelineID, Actor: cliActor()})
				if err != nil {
					return err
				}
				return printState(view)
			})
		},
	}
	cmd.Flags().StringVar(&pipelineID, "pipeline", "", "pipeline id (default: the job's pipeline)")
	return cmd
}

func appStateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "state <application-id>",
		Short: "Show the current pipeline state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTenantEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, tenantID string) error {
				view, err := e.GetState(ctx, tenantID, args[0])
				if err != nil {
					return err
				}
				return printState(view)
			})
		},
	}
}

func appActionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "actions <application-id>",
		Short: "List the actions available at the current stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTenantEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, tenantID string) error {
				menu, err := e.AvailableActions(ctx, engine.AvailableActionsRequest{TenantID: tenantID, ApplicationID: args[0], Actor: cliActor()})
				if err != nil {
					return err
				}
				if v.GetBool("json") {
					return printJSON(menu)
				}
				tw := newTable()
				tw.SetTitle(fmt.Sprintf("%s at %s (%s)", menu.ApplicationID, menu.CurrentStageName, menu.Status))
				tw.AppendHeader(table.Row{"Action", "Name", "Outcome", "Terminal", "Signals met", "Notes", "Feedback"})
				for _, a := range menu.AvailableActions {
					feedback := ""
					if a.FeedbackSubmitted != nil {
						feedback = fmt.Sprint(*a.FeedbackSubmitted)
					}
					tw.AppendRow(table.Row{a.ActionCode, a.DisplayName, a.OutcomeType, a.IsTerminal, a.SignalsMet, a.RequiresNotes, feedback})
				}
				tw.AppendFooter(table.Row{"", "", "", "", "", "evaluations complete", menu.EvaluationsComplete})
				tw.Render()
				return nil
			})
		},
	}
}

func appActCmd() *cobra.Command {
	var req engine.ActRequest
	cmd := &cobra.Command{
		Use:   "act <application-id> <action>",
		Short: "Execute a stage action",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTenantEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, tenantID string) error {
				req.TenantID = tenantID
				req.ApplicationID = args[0]
				req.Action = args[1]
				req.Actor = cliActor()
				view, err := e.ExecuteAction(ctx, req)
				if err != nil {
					return err
				}
				return printState(view)
			})
		},
	}
	cmd.Flags().StringVar(&req.Notes, "notes", "", "decision notes")
	cmd.Flags().StringVar(&req.OverrideReason, "override-reason", "", "bypass evaluation, signal and feedback gates")
	cmd.Flags().StringVar(&req.ReviewedBy, "reviewed-by", "", "reviewer id")
	cmd.Flags().StringVar(&req.ApprovedBy, "approved-by", "", "approver id")
	return cmd
}

func appMoveCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "move <application-id> <stage-id>",
		Short: "Move to another stage of the same pipeline",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTenantEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, tenantID string) error {
				view, err := e.MoveStage(ctx, engine.MoveRequest{TenantID: tenantID, ApplicationID: args[0], ToStageID: args[1], Reason: reason, Actor: cliActor()})
				if err != nil {
					return err
				}
				return printState(view)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason")
	return cmd
}

func appStatusCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "set-status <application-id> <status>",
		Short: "Set the status directly",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTenantEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, tenantID string) error {
				view, err := e.SetStatus(ctx, engine.StatusRequest{TenantID: tenantID, ApplicationID: args[0], Status: args[1], Reason: reason, Actor: cliActor()})
				if err != nil {
					return err
				}
				return printState(view)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason")
	return cmd
}

func appHistoryCmd() *cobra.Command {
	var limit, offset int
	cmd := &cobra.Command{
		Use:   "history <application-id>",
		Short: "Show stage history, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTenantEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, tenantID string) error {
				page, err := e.History(ctx, tenantID, args[0], limit, offset)
				if err != nil {
					return err
				}
				if v.GetBool("json") {
					return printJSON(page)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"When", "Action", "From", "To", "By", "Reason"})
				for _, h := range page.Data {
					tw.AppendRow(table.Row{h.ChangedAt, h.Action, deref(h.FromStageName), deref(h.ToStageName), h.ChangedBy, h.Reason})
				}
				tw.AppendFooter(table.Row{"", "", "", "", "total", page.Pagination.Total})
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", engine.DefaultPageLimit, "page size")
	cmd.Flags().IntVar(&offset, "offset", 0, "offset")
	return cmd
}

func boardCmd() *cobra.Command {
	var f engine.BoardFilters
	cmd := &cobra.Command{
		Use:   "board <pipeline-id>",
		Short: "Applications grouped by stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTenantEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, tenantID string) error {
				board, err := e.Board(ctx, tenantID, args[0], f)
				if err != nil {
					return err
				}
				if v.GetBool("json") {
					return printJSON(board)
				}
				tw := newTable()
				tw.SetTitle(board.PipelineName)
				tw.AppendHeader(table.Row{"Stage", "Application", "Candidate", "Status", "Since"})
				for _, s := range board.Stages {
					if len(s.Applications) == 0 {
						tw.AppendRow(table.Row{s.StageName, "-", "", "", ""})
						continue
					}
					for _, a := range s.Applications {
						tw.AppendRow(table.Row{s.StageName, a.ApplicationID, a.CandidateName, a.Status, a.EnteredStageAt})
					}
				}
				tw.AppendFooter(table.Row{"", "", "", "total", board.TotalApplications})
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.JobID, "job", "", "job filter")
	return cmd
}

func signalCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "signal", Short: "Record and inspect application signals"}
	var in engine.SignalInput
	set := &cobra.Command{
		Use:   "set <application-id> <key> <json-value>",
		Short: "Set a signal, e.g. 'signal set app-1 background_check true'",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTenantEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, tenantID string) error {
				in.Key = args[1]
				in.Value = json.RawMessage(args[2])
				s, err := e.RecordSignal(ctx, tenantID, cliActor(), args[0], in)
				if err != nil {
					return err
				}
				return printJSON(s)
			})
		},
	}
	set.Flags().StringVar(&in.ValueType, "type", "", "value type: string, number, boolean, date or list")
	set.Flags().StringVar(&in.SourceType, "source", "", "source: MANUAL, SYSTEM or EVALUATION")
	set.Flags().StringVar(&in.SourceID, "source-id", "", "source reference")

	list := &cobra.Command{
		Use:   "list <application-id>",
		Short: "List current signals",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTenantEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, tenantID string) error {
				items, err := e.ListSignals(ctx, tenantID, args[0])
				if err != nil {
					return err
				}
				if v.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Key", "Value", "Type", "Source", "Set by", "Set at"})
				for _, s := range items {
					tw.AppendRow(table.Row{s.Key, string(s.Value), s.ValueType, s.SourceType, s.SetBy, s.SetAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.AddCommand(set, list)
	return cmd
}

func apiKeyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	var actorID, name string
	var roles []string
	create := &cobra.Command{
		Use:   "create",
		Short: "Issue an API key (printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actorID == "" {
				return fmt.Errorf("--actor required")
			}
			return withTenantEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, tenantID string) error {
				key, secret, err := e.CreateAPIKey(ctx, tenantID, cliActor(), actorID, name, roles)
				if err != nil {
					return err
				}
				if v.GetBool("json") {
					return printJSON(map[string]any{"api_key": key, "key": secret})
				}
				fmt.Printf("id:  %s\nkey: %s\n", key.ID, secret)
				return nil
			})
		},
	}
	create.Flags().StringVar(&actorID, "actor", "", "actor the key authenticates as")
	create.Flags().StringVar(&name, "name", "", "label")
	create.Flags().StringSliceVar(&roles, "role", nil, "role granted to the key (repeatable)")

	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTenantEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, tenantID string) error {
				keys, err := e.ListAPIKeys(ctx, tenantID, "")
				if err != nil {
					return err
				}
				if v.GetBool("json") {
					return printJSON(keys)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Roles", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, strings.Join(k.Roles, ","), k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	revoke := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTenantEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, tenantID string) error {
				return e.RevokeAPIKey(ctx, tenantID, cliActor(), args[0])
			})
		},
	}
	cmd.AddCommand(create, list, revoke)
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Every attach, transition, signal and catalog change, newest first.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var f repo.EventFilters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				f.TenantID = strings.TrimSpace(v.GetString("tenant"))
				items, err := e.Repo.LatestEvents(ctx, n, f)
				if err != nil {
					return err
				}
				if v.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Tenant", "Entity", "Actor"})
				for _, evt := range items {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.TenantID, evt.EntityKind + ":" + evt.EntityID, evt.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	return cmd
}

// --- helpers ---

func openEngine(ctx context.Context, metrics *telemetry.Metrics) (engine.Engine, func(), error) {
	conn, dialect, err := db.Open(db.Config{
		Driver:    settings.DB.Driver,
		DSN:       settings.DB.DSN,
		Workspace: settings.Workspace,
	})
	if err != nil {
		return engine.Engine{}, nil, err
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return engine.Engine{}, nil, err
	}
	if err := migrate.Migrate(conn, dialect); err != nil {
		conn.Close()
		return engine.Engine{}, nil, err
	}
	e := engine.New(conn, dialect, engine.Options{
		OverrideCapability: settings.Engine.OverrideCapability,
		Metrics:            metrics,
		Logger:             logger,
	})
	return e, func() { conn.Close() }, nil
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	e, closeDB, err := openEngine(ctx, nil)
	if err != nil {
		return err
	}
	defer closeDB()
	return fn(ctx, e)
}

func withTenantEngine(ctx context.Context, fn func(context.Context, engine.Engine, string) error) error {
	tenantID, err := requireTenant()
	if err != nil {
		return err
	}
	return withEngine(ctx, func(ctx context.Context, e engine.Engine) error {
		return fn(ctx, e, tenantID)
	})
}

func requireTenant() (string, error) {
	tenantID := strings.TrimSpace(v.GetString("tenant"))
	if tenantID == "" {
		return "", fmt.Errorf("tenant not specified; use --tenant or set STAGELINE_TENANT")
	}
	return tenantID, nil
}

// cliActor is a trusted system actor unless --roles asks to act as a regular caller.
func cliActor() engine.Actor {
	id := v.GetString("actor_id")
	roles := v.GetStringSlice("roles")
	if len(roles) == 0 {
		return engine.SystemActor(id)
	}
	return engine.Actor{ID: id, Roles: roles}
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	return tw
}

func printState(view engine.StateView) error {
	if v.GetBool("json") {
		return printJSON(view)
	}
	tw := newTable()
	tw.AppendRows([]table.Row{
		{"Application", view.ApplicationID},
		{"Pipeline", view.PipelineID},
		{"Stage", fmt.Sprintf("%s (#%d)", view.CurrentStageName, view.CurrentStageIndex)},
		{"Status", view.Status},
		{"Outcome", view.OutcomeType},
		{"Terminal", view.IsTerminal},
		{"Entered stage", view.EnteredStageAt},
	})
	tw.Render()
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
