package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"stageline/internal/config"
	"stageline/internal/db"
	"stageline/internal/engine"
	"stageline/internal/llm"
	"stageline/internal/llm/anthropicclient"
	"stageline/internal/llm/openaiclient"
	"stageline/internal/migrate"
	"stageline/internal/registry"
	"stageline/internal/repo"
	"stageline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "sl",
	Short: "Stageline CLI",
	Long: `Stageline orchestrates agent executions across a staged delivery pipeline.
Core concepts:
- Project: a delivery effort moving through discover -> design -> build -> test -> deploy -> analyze.
- Agent: a catalog entry (prompt + metadata) that produces one artifact type.
- Execution: one queued run of an agent against a project; resolves to completed, failed, or cancelled.
- Artifact: versioned agent output; draft -> review -> locked, with old locked versions archived.
- Gate: a stage advances only when every agent of the current stage has a locked artifact.
- Event log: durable diary of lifecycle changes, view with 'sl log tail'.`,
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
	viper.SetEnvPrefix("STAGELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("project", "", "project id")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("project", rootCmd.PersistentFlags().Lookup("project"))
}

func registerCommands() {
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(execCmd())
	rootCmd.AddCommand(artifactCmd())
	rootCmd.AddCommand(gateCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectAdvanceCmd())
	return prj
}

func projectCreateCmd() *cobra.Command {
	var id, name, desc string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create project",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return fmt.Errorf("--name required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				p, err := e.CreateProject(ctx, id, name, desc)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "project id (random UUID if omitted)")
	cmd.Flags().StringVar(&name, "name", "", "project name")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func projectListCmd() *cobra.Command {
	cmd := &cobra.Command{
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
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Stage", "Created"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Name, p.Stage, p.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func projectShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				p, err := r.GetProject(ctx, requireProject())
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func projectAdvanceCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "advance",
		Short: "Advance project to the next stage",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				p, err := e.AdvanceStage(ctx, requireProject(), force)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "skip the stage gate")
	return cmd
}

func agentCmd() *cobra.Command {
	agent := &cobra.Command{Use: "agent", Short: "Agent catalog"}
	agent.AddCommand(agentListCmd())
	agent.AddCommand(agentShowCmd())
	return agent
}

func agentListCmd() *cobra.Command {
	var stage string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := loadRegistry()
			if err != nil {
				return err
			}
			items := reg.List()
			if stage != "" {
				items = reg.ByStage(stage)
			}
			if viper.GetBool("json") {
				return printJSON(items)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"ID", "Name", "Stage", "Artifact", "Depends on"})
			for _, a := range items {
				tw.AppendRow(table.Row{a.ID, a.Name, a.Stage, a.ArtifactType, intsToString(a.DependsOn)})
			}
			tw.Render()
			return nil
		},
	}
	cmd.Flags().StringVar(&stage, "stage", "", "filter by stage")
	return cmd
}

func agentShowCmd() *cobra.Command {
	var id int
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show an agent descriptor",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := loadRegistry()
			if err != nil {
				return err
			}
			a, err := reg.LoadAgent(id)
			if err != nil {
				return err
			}
			return printJSONOrTable(a)
		},
	}
	cmd.Flags().IntVar(&id, "id", 0, "agent id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func execCmd() *cobra.Command {
	exec := &cobra.Command{Use: "exec", Short: "Manage executions"}
	exec.AddCommand(execSubmitCmd())
	exec.AddCommand(execShowCmd())
	exec.AddCommand(execListCmd())
	exec.AddCommand(execCancelCmd())
	return exec
}

func execSubmitCmd() *cobra.Command {
	var agentID int
	var message string
	var override, wait bool
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit an agent execution",
		RunE: func(cmd *cobra.Command, args []string) error {
			if message == "" {
				return fmt.Errorf("--message required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				ex, err := e.Submit(ctx, engine.SubmitOptions{
					ProjectID: requireProject(),
					AgentID:   agentID,
					Message:   message,
					Override:  override,
				})
				if err != nil {
					return err
				}
				if !wait {
					return printJSONOrTable(ex)
				}
				// Run the worker pool inline until the execution finishes.
				runCtx, cancel := context.WithCancel(ctx)
				defer cancel()
				e.Start(runCtx, 1)
				for {
					cur, err := e.GetExecution(ctx, ex.ID)
					if err != nil {
						return err
					}
					if cur.Terminal() {
						cancel()
						e.Wait()
						return printJSONOrTable(cur)
					}
					select {
					case <-ctx.Done():
						return ctx.Err()
					case <-time.After(500 * time.Millisecond):
					}
				}
			})
		},
	}
	cmd.Flags().IntVar(&agentID, "agent", 0, "agent id")
	cmd.Flags().StringVar(&message, "message", "", "user message for the agent")
	cmd.Flags().BoolVar(&override, "override", false, "skip dependency and stage checks")
	cmd.Flags().BoolVar(&wait, "wait", false, "run inline and wait for the result")
	_ = cmd.MarkFlagRequired("agent")
	_ = cmd.MarkFlagRequired("message")
	return cmd
}

func execShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show an execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				ex, err := r.GetExecution(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(ex)
			})
		},
	}
	return cmd
}

func execListCmd() *cobra.Command {
	var status string
	var agentID, limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List executions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListExecutions(ctx, repo.ExecutionFilters{
					ProjectID: viper.GetString("project"),
					Status:    status,
					AgentID:   agentID,
					Limit:     limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Agent", "Status", "Attempts", "Created"})
				for _, ex := range items {
					tw.AppendRow(table.Row{ex.ID, ex.AgentID, ex.Status, ex.Attempts, ex.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().IntVar(&agentID, "agent", 0, "agent filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func execCancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel an execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				ex, err := e.Cancel(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(ex)
			})
		},
	}
	return cmd
}

func artifactCmd() *cobra.Command {
	art := &cobra.Command{Use: "artifact", Short: "Manage artifacts"}
	art.AddCommand(artifactListCmd())
	art.AddCommand(artifactShowCmd())
	art.AddCommand(artifactCurrentCmd())
	art.AddCommand(artifactReviewCmd())
	art.AddCommand(artifactLockCmd())
	return art
}

func artifactListCmd() *cobra.Command {
	var artifactType string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List artifacts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListArtifacts(ctx, requireProject(), artifactType)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "Version", "Status", "Agent", "Updated"})
				for _, a := range items {
					tw.AppendRow(table.Row{a.ID, a.Type, a.Version, a.Status, a.AgentID, a.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&artifactType, "type", "", "artifact type filter")
	return cmd
}

func artifactShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show an artifact with content",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				a, err := r.GetArtifact(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(a)
				}
				fmt.Printf("%s v%d (%s) by agent %d\n\n%s\n", a.Type, a.Version, a.Status, a.AgentID, a.Content)
				return nil
			})
		},
	}
	return cmd
}

func artifactCurrentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "current <type>",
		Short: "Show the current artifact for a type",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				a, err := r.CurrentArtifact(ctx, requireProject(), args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	return cmd
}

func artifactReviewCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "review <id>",
		Short: "Move an artifact to review",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				a, err := e.ReviewArtifact(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	return cmd
}

func artifactLockCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lock <id>",
		Short: "Lock an artifact as authoritative",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				a, err := e.LockArtifact(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	return cmd
}

func gateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gate",
		Short: "Show the stage gate status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				status, err := e.Gate(ctx, requireProject())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(status)
				}
				if status.Allowed {
					fmt.Printf("Gate open: %s -> %s\n", status.From, status.To)
					return nil
				}
				fmt.Printf("Gate blocked at %s:\n", status.From)
				for _, r := range status.Reasons {
					fmt.Printf("  - %s\n", r)
				}
				return nil
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{Use: "log", Short: "Event log"}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.LatestEventsFrom(ctx, n, 0, viper.GetString("project"), evtType)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var workers int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server and worker pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := slog.New(slog.NewTextHandler(os.Stderr, nil))
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if basePath != "" {
				cfg.Server.BasePath = basePath
			}
			if workers > 0 {
				cfg.Engine.Workers = workers
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			applied, err := migrate.Migrate(conn)
			if err != nil {
				return err
			}
			if applied > 0 {
				log.Info("applied schema migrations", "count", applied)
			}
			reg, err := registry.New(cfg.Catalog.Path)
			if err != nil {
				return err
			}
			client, err := buildClient(cfg)
			if err != nil {
				return err
			}
			e := engine.New(conn, reg, client, cfg, log)
			runCtx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			e.Start(runCtx, cfg.Engine.Workers)

			handler, err := server.New(server.Config{Engine: e, BasePath: cfg.Server.BasePath})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: cfg.Server.Addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancelShutdown()
				srv.Shutdown(ctx)
			}()
			log.Info("serving stageline api",
				"addr", cfg.Server.Addr, "base_path", cfg.Server.BasePath,
				"workers", cfg.Engine.Workers, "model", client.ModelName())
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			cancel()
			e.Wait()
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from stageline.yml)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path")
	cmd.Flags().IntVar(&workers, "workers", 0, "worker pool size")
	return cmd
}

// --- helpers ---

func buildClient(cfg *config.Config) (llm.Client, error) {
	pricing := llm.Pricing{InputPerMTok: cfg.LLM.InputPerMTok, OutputPerMTok: cfg.LLM.OutputPerMTok}
	switch cfg.LLM.Provider {
	case "anthropic":
		key := cfg.APIKey()
		if key == "" {
			return nil, fmt.Errorf("%s is not set", cfg.LLM.APIKeyEnv)
		}
		return anthropicclient.New(key, cfg.LLM.Model, pricing), nil
	case "openai":
		key := cfg.APIKey()
		if key == "" {
			return nil, fmt.Errorf("%s is not set", cfg.LLM.APIKeyEnv)
		}
		return openaiclient.New(key, cfg.LLM.Model, pricing), nil
	case "fake":
		return &llm.Fake{Model: cfg.LLM.Model}, nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.LLM.Provider)
	}
}

// lazyClient defers provider construction until something actually calls the
// model, so administrative commands (cancel, lock, advance) work without an
// API key in the environment.
type lazyClient struct {
	cfg  *config.Config
	once sync.Once
	c    llm.Client
	err  error
}

func (l *lazyClient) ModelName() string { return l.cfg.LLM.Model }

func (l *lazyClient) Complete(ctx context.Context, req llm.Request) (llm.Result, error) {
	l.once.Do(func() { l.c, l.err = buildClient(l.cfg) })
	if l.err != nil {
		return llm.Result{}, &llm.Error{Kind: llm.KindInvalid, Message: l.err.Error()}
	}
	return l.c.Complete(ctx, req)
}

func withEngine(ctx context.Context, fn func(context.Context, *engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if _, err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	reg, err := registry.New(cfg.Catalog.Path)
	if err != nil {
		return err
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	return fn(ctx, engine.New(conn, reg, &lazyClient{cfg: cfg}, cfg, log))
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if _, err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func loadRegistry() (*registry.Registry, error) {
	cfg, err := config.Load(viper.GetString("workspace"))
	if err != nil {
		return nil, err
	}
	return registry.New(cfg.Catalog.Path)
}

func requireProject() string {
	return strings.TrimSpace(viper.GetString("project"))
}

func intsToString(in []int) string {
	if len(in) == 0 {
		return "-"
	}
	parts := make([]string, 0, len(in))
	for _, v := range in {
		parts = append(parts, fmt.Sprintf("%d", v))
	}
	return strings.Join(parts, ",")
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
