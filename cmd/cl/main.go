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

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"caseline/internal/app"
	"caseline/internal/config"
	"caseline/internal/db"
	"caseline/internal/domain"
	"caseline/internal/engine"
	"caseline/internal/engine/auth"
	"caseline/internal/migrate"
	"caseline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "cl",
	Short: "Caseline CLI",
	Long: `Caseline runs service cases from payment to completion.
Core concepts:
- Workspace: the .caseline directory holding the database and locally stored files; caseline.yml sits next to it.
- Case: one purchased service for one customer. Statuses go new -> in_progress -> completed, with cancelled as the exit. Completed cases can be reopened.
- Workflow template: ordered steps with checklist items and estimated hours. Assigning one to a case fixes its SLA deadline.
- SLA: on_time, at_risk inside the warning window, breached after the deadline. 'cl sla sweep' or the server's scheduler updates it.
- Documents: every upload is a new numbered version; only the newest is active and it is verified or rejected by staff.
- Timeline: everything that happened to a case. Customers see the public part, staff also see internal notes.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("CASELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-admin", "actor identifier")
	rootCmd.PersistentFlags().String("actor-name", "", "actor display name")
	rootCmd.PersistentFlags().String("role", string(domain.RoleAdmin), "actor role (user, employee, admin)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("actor-name", rootCmd.PersistentFlags().Lookup("actor-name"))
	_ = viper.BindPFlag("role", rootCmd.PersistentFlags().Lookup("role"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(caseCmd())
	rootCmd.AddCommand(templateCmd())
	rootCmd.AddCommand(docCmd())
	rootCmd.AddCommand(timelineCmd())
	rootCmd.AddCommand(slaCmd())
	rootCmd.AddCommand(serviceCmd())
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the workspace and a sample caseline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.Sample), 0o644); err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				v, err := migrate.Version(ctx, a.DB)
				if err != nil {
					return err
				}
				fmt.Printf("Initialized workspace %s (config %s, database %s, schema v%d)\n", workspace, path, db.Path(workspace), v)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing caseline.yml")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var noSweep bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server and the SLA scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := os.Getenv("CASELINE_JWT_SECRET")
			if secret == "" {
				return fmt.Errorf("CASELINE_JWT_SECRET is required for bearer auth")
			}
			a, err := app.Open(cmd.Context(), app.Options{
				Workspace:     viper.GetString("workspace"),
				WebhookSecret: os.Getenv("CASELINE_WEBHOOK_SECRET"),
			})
			if err != nil {
				return err
			}
			defer a.Close()
			handler, err := server.New(server.Config{
				Engine:   a.Engine,
				Catalog:  a,
				BasePath: basePath,
				Auth:     server.AuthConfig{JWTSecret: secret, AdminIDs: a.Config.Auth.AdminIDs, Logger: a.Logger},
				Logger:   a.Logger,
			})
			if err != nil {
				return err
			}
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			if !noSweep {
				sched := &engine.Scheduler{
					Tracker:  a.Engine.SLA,
					Interval: a.Config.SLA.SweepInterval,
					Logger:   a.Logger,
				}
				go sched.Run(ctx)
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			a.Logger.Info().Str("addr", addr).Str("base_path", basePath).Msg("serving caseline api")
			fmt.Printf("Serving Caseline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at %s/docs)\n", addr, basePath, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().BoolVar(&noSweep, "no-sweep", false, "do not run the periodic SLA sweep")
	return cmd
}

func slaCmd() *cobra.Command {
	sla := &cobra.Command{Use: "sla", Short: "SLA tracking"}
	sla.AddCommand(&cobra.Command{
		Use:   "sweep",
		Short: "Run one SLA sweep over open cases",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				if err := auth.RequireAdmin(currentActor(), "run sla sweep"); err != nil {
					return err
				}
				return printJSONOrTable(a.Engine.SLA.Sweep(ctx))
			})
		},
	})
	return sla
}

// --- helpers ---

func currentActor() domain.Actor {
	return domain.Actor{
		UserID: viper.GetString("actor-id"),
		Name:   viper.GetString("actor-name"),
		Role:   domain.Role(viper.GetString("role")),
	}
}

func withApp(ctx context.Context, fn func(context.Context, *app.Context) error) error {
	if role := domain.Role(viper.GetString("role")); !role.Valid() {
		return fmt.Errorf("unknown role %q", role)
	}
	a, err := app.Open(ctx, app.Options{
		Workspace:     viper.GetString("workspace"),
		LogWriter:     os.Stderr,
		WebhookSecret: os.Getenv("CASELINE_WEBHOOK_SECRET"),
	})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
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

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339)
}
