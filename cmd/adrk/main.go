package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"adrkeeper/internal/app"
	"adrkeeper/internal/config"
	"adrkeeper/internal/db"
	"adrkeeper/internal/domain"
	"adrkeeper/internal/engine"
	"adrkeeper/internal/repo"
	"adrkeeper/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "adrk",
	Short: "adrkeeper CLI",
	Long: `adrkeeper keeps architecture decision records next to the code they shape.
- Decision records: a problem, the options weighed, the choice and its outcome. Every status change is kept in an append-only history.
- Statuses: proposed, accepted, rejected, deprecated, superseded, hypothesized, confirmed.
- Insights: quick notes that can later be linked to or promoted into a decision record.
- Projects: optional grouping for decision records.
- Views: 'adrk map' draws decisions, tags and code paths as a graph; 'adrk stats' summarises the workspace.
- Event log: every change is recorded, view it with 'adrk log tail'.`,
	SilenceUsage: true,
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
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("ADRK")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor recorded on events")
	rootCmd.PersistentFlags().String("config", "", "config file (default <workspace>/adrkeeper.yml)")
	rootCmd.PersistentFlags().String("log-level", "", "override log level (debug, info, warn, error)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(decisionCmd())
	rootCmd.AddCommand(insightCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(mapCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(serveCmd())
}

func mapCmd() *cobra.Command {
	var projectID string
	cmd := &cobra.Command{
		Use:   "map",
		Short: "Show the knowledge map",
		Long:  "The knowledge map links decision records to each other, to their tags and to the code paths they reference.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				km, err := e.KnowledgeMap(ctx, projectID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(km)
				}
				labels := make(map[string]string, len(km.Nodes))
				for _, n := range km.Nodes {
					labels[n.ID] = n.Label
				}
				tw := newTable(table.Row{"Kind", "From", "To"})
				for _, l := range km.Links {
					tw.AppendRow(table.Row{l.Kind, labels[l.Source], labels[l.Target]})
				}
				tw.AppendFooter(table.Row{"", fmt.Sprintf("%d nodes", len(km.Nodes)), fmt.Sprintf("%d dangling", km.Dangling)})
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "only decision records of this project")
	return cmd
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show workspace statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				st, err := e.Stats(ctx, time.Now())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(st)
				}
				fmt.Printf("Decision records: %d (%d this month)\n", st.TotalDecisions, st.CreatedThisMonth)
				fmt.Printf("Insights: %d (%d converted)\n", st.TotalInsights, st.ConvertedInsights)
				tw := newTable(table.Row{"Status", "Count"})
				for _, s := range domain.Statuses {
					tw.AppendRow(table.Row{s, st.ByStatus[s]})
				}
				tw.Render()
				if len(st.CommonTags) > 0 {
					tags := newTable(table.Row{"Tag", "Count"})
					for _, tc := range st.CommonTags {
						tags.AppendRow(table.Row{tc.Tag, tc.Count})
					}
					tags.Render()
				}
				if len(st.RecentActivity) > 0 {
					recent := newTable(table.Row{"When", "Kind", "Title"})
					for _, a := range st.RecentActivity {
						recent.AppendRow(table.Row{a.CreatedAt.Format(time.RFC3339), a.Kind, a.Title})
					}
					recent.Render()
				}
				return nil
			})
		},
	}
}

func logCmd() *cobra.Command {
	l := &cobra.Command{Use: "log", Short: "Inspect the event log"}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var n int
	var f repo.EventFilters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				f.Limit = n
				events, err := e.Repo.LatestEvents(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := newTable(table.Row{"ID", "TS", "Type", "Entity", "Actor"})
				for _, evt := range events {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.EntityKind + "/" + evt.EntityID, evt.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind (decision, insight, project)")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	return cmd
}

func apikeyCmd() *cobra.Command {
	k := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys",
		Long:  "API keys authenticate HTTP clients through the X-Api-Key header. The secret is printed once at creation; only its hash is stored.",
	}
	k.AddCommand(apikeyCreateCmd())
	k.AddCommand(apikeyListCmd())
	k.AddCommand(apikeyDeleteCmd())
	return k
}

func apikeyCreateCmd() *cobra.Command {
	var actor, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if actor == "" {
					actor = viper.GetString("actor-id")
				}
				issued, err := e.CreateAPIKey(ctx, actor, name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(issued)
				}
				fmt.Printf("API key %s for %s\n", issued.ID, issued.ActorID)
				fmt.Printf("Secret (shown once): %s\n", issued.Secret)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor the key authenticates as (default --actor-id)")
	cmd.Flags().StringVar(&name, "name", "", "label")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				keys, err := e.ListAPIKeys(ctx, actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := newTable(table.Row{"ID", "Actor", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt.Format("2006-01-02 15:04")})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor filter")
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Revoke API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.RevokeAPIKey(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("Revoked %s\n", args[0])
				return nil
			})
		},
	}
}

func configCmd() *cobra.Command {
	c := &cobra.Command{Use: "config", Short: "Inspect or create workspace config"}
	c.AddCommand(configShowCmd())
	c.AddCommand(configInitCmd())
	return c
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.LoadConfig(workspaceOptions())
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret != "" {
				cfg.Auth.JWTSecret = "********"
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func tokenCmd() *cobra.Command {
	var actor string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the HTTP API",
		Long:  "Signs an HS256 token with auth.jwt_secret (or ADRK_JWT_SECRET) for the given actor.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.LoadConfig(workspaceOptions())
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" {
				return errors.New("auth.jwt_secret or ADRK_JWT_SECRET is required")
			}
			if actor == "" {
				actor = viper.GetString("actor-id")
			}
			token, err := server.SignToken(cfg.Auth.JWTSecret, actor, ttl)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"token": token, "actor_id": actor, "expires_in": ttl.String()})
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "token subject (default --actor-id)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				cfg := ws.Config
				if addr != "" {
					cfg.Server.Addr = addr
				}
				if basePath != "" {
					cfg.Server.BasePath = basePath
				}
				if cfg.Auth.JWTSecret == "" && !cfg.Auth.AllowAnonymous && !cfg.Auth.AllowActorHeader {
					ws.Logger.Warn("no jwt secret configured; only API keys can authenticate")
				}
				handler, err := server.New(server.Config{
					Engine:   ws.Engine,
					BasePath: cfg.Server.BasePath,
					Logger:   ws.Logger,
					Auth: server.AuthConfig{
						JWTSecret:        cfg.Auth.JWTSecret,
						AllowAnonymous:   cfg.Auth.AllowAnonymous,
						AllowActorHeader: cfg.Auth.AllowActorHeader,
					},
				})
				if err != nil {
					return err
				}
				server.StartWebhookDispatcher(ctx, ws.Engine, cfg.Webhooks, ws.Logger)
				srv := &http.Server{Addr: cfg.Server.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
					defer cancel()
					if err := srv.Shutdown(shutdownCtx); err != nil {
						ws.Logger.Error("shutdown", "error", err)
					}
				}()
				ws.Logger.Info("serving adrkeeper API", "addr", cfg.Server.Addr, "base_path", cfg.Server.BasePath, "docs", "/docs", "metrics", "/metrics")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default server.base_path)")
	return cmd
}

// --- helpers ---

func workspaceOptions() app.Options {
	return app.Options{
		Workspace:  viper.GetString("workspace"),
		ConfigPath: viper.GetString("config"),
		Override: func(cfg *config.Config) {
			if lvl := viper.GetString("log-level"); lvl != "" {
				cfg.Log.Level = lvl
			}
			if secret := viper.GetString("jwt-secret"); secret != "" {
				cfg.Auth.JWTSecret = secret
			}
		},
	}
}

func withWorkspace(ctx context.Context, fn func(context.Context, *app.Workspace) error) error {
	ws, err := app.Open(ctx, workspaceOptions())
	if err != nil {
		return err
	}
	defer ws.Close()
	return fn(engine.WithActor(ctx, viper.GetString("actor-id")), ws)
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	return withWorkspace(ctx, func(ctx context.Context, ws *app.Workspace) error {
		return fn(ctx, ws.Engine)
	})
}

func newTable(header table.Row) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(header)
	return tw
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
