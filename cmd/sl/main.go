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
	"github.com/spf13/viper"

	"surveyline/internal/app"
	"surveyline/internal/config"
	"surveyline/internal/db"
	"surveyline/internal/definition"
	"surveyline/internal/domain"
	"surveyline/internal/engine"
	"surveyline/internal/ingest"
	"surveyline/internal/migrate"
	"surveyline/internal/repo"
	"surveyline/internal/server"
	sdk "surveyline/sdk/go"
)

var rootCmd = &cobra.Command{
	Use:   "sl",
	Short: "Surveyline CLI",
	Long: `Surveyline runs the survey process of funded projects: information mails,
reminders, a response check and a final alert, each at its checkpoint.
- Workspace: a directory holding surveyline.yml and the .surveyline database.
- Project: a funded project with a start and an end.
- Process: the survey workflow of one project; ACTIVE, FINISHED or FAILED.
- Ledger: the activities a process has run. A step found in the ledger never runs again.
- Event log: audit trail of admissions, steps and alerts, view with 'sl log tail'.`,
	SilenceUsage:  true,
	SilenceErrors: true,
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
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("SURVEYLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "debug logging")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(recoverCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(processCmd())
	rootCmd.AddCommand(planCmd())
	rootCmd.AddCommand(logCmd())
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if viper.GetBool("verbose") {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create surveyline.yml and the database",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			fmt.Printf("Initialized workspace %s (config %s, database %s)\n", workspace, path, db.Path(workspace))
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var noAuth bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Recover processes, run timers and serve the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				if addr == "" {
					addr = a.Config.Server.Addr
				}
				if basePath == "" {
					basePath = a.Config.Server.BasePath
				}
				authCfg := server.AuthConfig{JWTSecret: viper.GetString("jwt-secret"), Disabled: noAuth, Logger: logger}
				if authCfg.JWTSecret == "" && !authCfg.Disabled {
					return fmt.Errorf("SURVEYLINE_JWT_SECRET is required for bearer auth (or pass --no-auth)")
				}

				e := a.Engine(logger)
				if err := e.Start(ctx); err != nil {
					logger.Error("recovery incomplete", "err", err)
				}
				go func() {
					if err := e.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
						logger.Error("timer loop stopped", "err", err)
					}
				}()
				server.StartWebhookDispatcher(ctx, e.Repo, a.Config.Webhooks, logger)

				handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg, Logger: logger})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving surveyline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from config)")
	cmd.Flags().String("jwt-secret", "", "HS256 secret for bearer tokens")
	cmd.Flags().BoolVar(&noAuth, "no-auth", false, "disable API authentication")
	_ = viper.BindPFlag("jwt-secret", cmd.Flags().Lookup("jwt-secret"))
	return cmd
}

func recoverCmd() *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Replay every active process, then run due timers until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				e := a.Engine(logger)
				recErr := e.Start(ctx)
				if recErr != nil {
					logger.Error("recovery incomplete", "err", recErr)
				}
				if once {
					return recErr
				}
				logger.Info("waiting for timers", "pending", e.Timers.Len())
				if err := e.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "exit after the recovery pass")
	return cmd
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectImportCmd())
	prj.AddCommand(projectListCmd())
	return prj
}

type importResult struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status"`
	Phase  string `json:"phase,omitempty"`
	Error  string `json:"error,omitempty"`
}

func projectImportCmd() *cobra.Command {
	var file, processStart, remote, token, tz string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Admit projects from a CSV file",
		Long:  "Columns: " + strings.Join(ingest.Columns, ",") + ". Categories are separated by ';'.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return fmt.Errorf("--file required")
			}
			loc, err := time.LoadLocation(tz)
			if err != nil {
				return fmt.Errorf("--tz: %w", err)
			}
			var start time.Time
			if processStart != "" {
				if start, err = ingest.ParseTime(processStart, loc); err != nil {
					return fmt.Errorf("--process-start: %w", err)
				}
			}
			f, err := os.Open(file)
			if err != nil {
				return err
			}
			defer f.Close()
			projects, parseErr := ingest.Parse(f, loc)
			if parseErr != nil && len(projects) == 0 {
				return parseErr
			}

			var admit func(context.Context, domain.Project) (string, error)
			if remote != "" {
				client := sdk.New(remote, token)
				admit = func(ctx context.Context, p domain.Project) (string, error) {
					detail, err := client.AdmitProject(ctx, sdkProject(p), start)
					if err != nil {
						var apiErr *sdk.APIError
						if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict {
							return "", engine.ErrAlreadyAdmitted
						}
						return "", err
					}
					if detail.Process == nil {
						return "", nil
					}
					return detail.Process.Phase, nil
				}
				return runImport(cmd.Context(), projects, parseErr, admit)
			}

			logger := newLogger()
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				e := a.Engine(logger)
				admit = func(ctx context.Context, p domain.Project) (string, error) {
					proc, err := e.Admit(ctx, p, start)
					return string(proc.Phase), err
				}
				if err := runImport(ctx, projects, parseErr, admit); err != nil {
					return err
				}
				if n := e.Timers.Len(); n > 0 {
					logger.Info("future steps run under 'sl serve' or 'sl recover'", "pending", n)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "CSV file")
	cmd.Flags().StringVar(&processStart, "process-start", "", "process start (RFC3339 or YYYY-MM-DD; default now)")
	cmd.Flags().StringVar(&remote, "remote", "", "admit through a running API at this URL instead of the local workspace")
	cmd.Flags().StringVar(&token, "token", os.Getenv("SURVEYLINE_TOKEN"), "bearer token for --remote")
	cmd.Flags().StringVar(&tz, "tz", "UTC", "time zone for plain dates")
	return cmd
}

func runImport(ctx context.Context, projects []domain.Project, parseErr error, admit func(context.Context, domain.Project) (string, error)) error {
	results := make([]importResult, 0, len(projects))
	var errs []error
	if parseErr != nil {
		errs = append(errs, parseErr)
	}
	for _, p := range projects {
		res := importResult{ID: p.ID, Name: p.Name, Status: "admitted"}
		phase, err := admit(ctx, p)
		res.Phase = phase
		switch {
		case errors.Is(err, engine.ErrAlreadyAdmitted):
			res.Status = "skipped"
		case err != nil && phase != "":
			// Admitted, but evaluation failed; recovery picks it up.
			res.Status = "admitted"
			res.Error = err.Error()
		case err != nil:
			res.Status = "failed"
			res.Error = err.Error()
			errs = append(errs, fmt.Errorf("%s: %w", p.ID, err))
		}
		results = append(results, res)
	}
	if viper.GetBool("json") {
		if err := printJSON(results); err != nil {
			return err
		}
	} else {
		tw := newTable()
		tw.AppendHeader(table.Row{"ID", "Name", "Status", "Phase", "Error"})
		for _, r := range results {
			tw.AppendRow(table.Row{r.ID, r.Name, r.Status, r.Phase, r.Error})
		}
		tw.Render()
	}
	return errors.Join(errs...)
}

func sdkProject(p domain.Project) sdk.Project {
	return sdk.Project{
		ID:           p.ID,
		Name:         p.Name,
		ContactName:  p.ContactName,
		ContactEmail: p.ContactEmail,
		Categories:   p.Categories,
		StartAt:      p.StartAt,
		EndAt:        p.EndAt,
	}
}

func projectListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListProjects(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				procs, err := r.ListProcesses(ctx, "")
				if err != nil {
					return err
				}
				phases := map[string]domain.Phase{}
				for _, p := range procs {
					phases[p.ProjectID] = p.Phase
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Name", "Start", "End", "Phase"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Name, formatTime(p.StartAt), formatTime(p.EndAt), phases[p.ID]})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func processCmd() *cobra.Command {
	proc := &cobra.Command{Use: "process", Short: "Inspect survey processes"}
	proc.AddCommand(processListCmd())
	proc.AddCommand(processShowCmd())
	return proc
}

func processListCmd() *cobra.Command {
	var phase string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List processes",
		RunE: func(cmd *cobra.Command, args []string) error {
			ph := domain.Phase(strings.ToUpper(strings.TrimSpace(phase)))
			if ph != "" && !ph.Valid() {
				return fmt.Errorf("unknown phase %q (want ACTIVE, FINISHED or FAILED)", phase)
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListProcesses(ctx, ph)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Project", "Phase", "Process start", "Updated"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ProjectID, p.Phase, formatTime(p.ProcessStart), formatTime(p.UpdatedAt)})
				}
				counts, err := r.CountProcessesByPhase(ctx)
				if err != nil {
					return err
				}
				tw.AppendFooter(table.Row{"", fmt.Sprintf("%d active", counts[domain.PhaseActive]), fmt.Sprintf("%d finished", counts[domain.PhaseFinished]), fmt.Sprintf("%d failed", counts[domain.PhaseFailed])})
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&phase, "phase", "", "ACTIVE, FINISHED or FAILED")
	return cmd
}

func processShowCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show a process and its ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				p, err := r.GetProject(ctx, id)
				if err != nil {
					return err
				}
				proc, err := r.GetProcess(ctx, id)
				if err != nil {
					return err
				}
				ledger, err := r.ListActivities(ctx, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"project": p, "process": proc, "ledger": ledger})
				}
				fmt.Printf("Project: %s (%s)\n", p.ID, p.Name)
				fmt.Printf("Runs: %s to %s\n", formatTime(p.StartAt), formatTime(p.EndAt))
				fmt.Printf("Process: %s since %s\n", proc.Phase, formatTime(proc.ProcessStart))
				tw := newTable()
				tw.AppendHeader(table.Row{"Step", "Outcome", "At"})
				for _, a := range ledger {
					outcome := a.Result
					if a.Failed() {
						outcome = "FAILED: " + a.Failure
					}
					tw.AppendRow(table.Row{a.Name, outcome, formatTime(a.CreatedAt)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "project id")
	return cmd
}

func planCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show the steps a process runs, with ledger state",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				e := a.Engine(newLogger())
				p, err := e.Repo.GetProject(ctx, id)
				if err != nil {
					return err
				}
				proc, err := e.Repo.GetProcess(ctx, id)
				if err != nil {
					return err
				}
				ledger, err := e.Repo.ListActivities(ctx, id)
				if err != nil {
					return err
				}
				steps := e.Plan(p, proc.ProcessStart)
				if viper.GetBool("json") {
					return printJSON(definition.Rows(steps))
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Step", "When", "Does", "Ledger"})
				for _, row := range definition.Rows(steps) {
					name := strings.Repeat("  ", row.Depth) + row.Name
					if row.Branch != "" {
						name = strings.Repeat("  ", row.Depth) + "[" + row.Branch + "] " + row.Name
					}
					when := "now"
					if row.At != nil {
						when = formatTime(*row.At)
					}
					state := ""
					if act, ok := ledger.Lookup(row.Name); ok {
						state = act.Result
						if act.Failed() {
							state = "FAILED: " + act.Failure
						}
						if state == "" {
							state = "done"
						}
					}
					tw.AppendRow(table.Row{name, when, row.Detail, state})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "project id")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The audit trail: admissions, step outcomes, phase changes and alerts.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, projectID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, n, projectID, evtType)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Project", "Actor", "Payload"})
				for _, evt := range events {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.ProjectID, evt.ActorID, evt.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&projectID, "project", "", "project id filter")
	return cmd
}

// --- helpers ---

func withApp(ctx context.Context, fn func(context.Context, *app.Context) error) error {
	a, err := app.Open(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	return withApp(ctx, func(ctx context.Context, a *app.Context) error {
		return fn(ctx, repo.Repo{DB: a.DB})
	})
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetStyle(table.StyleLight)
	return tw
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
