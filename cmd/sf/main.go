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

	"siteflow/internal/app"
	"siteflow/internal/config"
	"siteflow/internal/db"
	"siteflow/internal/engine"
	"siteflow/internal/mq"
	"siteflow/internal/repo"
	"siteflow/internal/server"
	"siteflow/internal/telemetry"
)

var rootCmd = &cobra.Command{
	Use:   "sf",
	Short: "siteflow CLI",
	Long: `siteflow runs versioned workflow templates as tracked instances.
- Template: a named workflow; each version is a DAG of steps with typed fields.
- Publish freezes a version; only published versions can be instantiated.
- Instance: one run of a version for a project; steps move pending -> ready -> in_progress -> completed.
- Approval steps complete only after an approval is granted.
- Every change lands in the events outbox; view it with 'sf log tail' or relay it with 'sf relay'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_, err := db.EnsureWorkspace(viper.GetString("workspace"))
		return err
	},
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("SITEFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.Bool("json", false, "output JSON")
	flags.String("actor-id", "local-user", "actor identifier")
	flags.String("tenant", "", "tenant id (overrides siteflow.yml)")
	for _, name := range []string{"workspace", "json", "actor-id", "tenant"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(tenantCmd())
	rootCmd.AddCommand(templateCmd())
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(instanceCmd())
	rootCmd.AddCommand(stepCmd())
	rootCmd.AddCommand(valueCmd())
	rootCmd.AddCommand(approvalCmd())
	rootCmd.AddCommand(reportCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(relayCmd())
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var devHeaders, devLogin bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, tenantID string) error {
				authCfg := server.AuthConfig{
					JWTSecret:       viper.GetString("jwt-secret"),
					AllowDevHeaders: devHeaders,
					DevLogin:        devLogin,
					Logger:          e.Logger,
				}
				if authCfg.JWTSecret == "" && !devHeaders {
					return fmt.Errorf("SITEFLOW_JWT_SECRET is required unless --dev-headers is set")
				}
				if addr == "" {
					addr = e.Config.Server.Addr
				}
				if basePath == "" {
					basePath = e.Config.Server.BasePath
				}
				handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg, Logger: e.Logger})
				if err != nil {
					return err
				}
				if d := server.NewWebhookDispatcher(ctx, e, tenantID, e.Logger); d != nil {
					go d.Run(ctx)
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				e.Logger.Info("serving siteflow API", "addr", addr, "base_path", basePath, "docs", "/docs", "metrics", "/metrics")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from config server.base_path)")
	cmd.Flags().BoolVar(&devHeaders, "dev-headers", false, "DEV ONLY: accept X-Actor-Id and X-Tenant-Id without credentials")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "DEV ONLY: expose POST /auth/dev/login")
	cmd.Flags().String("jwt-secret", "", "HS256 secret for bearer tokens")
	_ = viper.BindPFlag("jwt-secret", cmd.Flags().Lookup("jwt-secret"))
	return cmd
}

func relayCmd() *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Publish outbox events to RabbitMQ",
		Long:  "Relays every unpublished event, across tenants, to a topic exchange with the event type as routing key.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rc := e.Config.Relay
				url := viper.GetString("amqp-url")
				if url == "" {
					url = rc.AMQPURL
				}
				if url == "" {
					return fmt.Errorf("SITEFLOW_AMQP_URL or relay.amqp_url is required")
				}
				conn, err := mq.NewConnection(url, e.Logger)
				if err != nil {
					return err
				}
				defer conn.Close()
				if err := conn.DeclareExchange(ctx, rc.Exchange); err != nil {
					return err
				}
				relay := mq.Relay{
					Outbox:    e.Repo,
					Sender:    mq.NewPublisher(conn, e.Logger),
					Exchange:  rc.Exchange,
					BatchSize: rc.BatchSize,
					Interval:  time.Duration(rc.IntervalSeconds) * time.Second,
					Logger:    e.Logger,
				}
				if once {
					n, err := relay.RunOnce(ctx)
					if err != nil {
						return err
					}
					fmt.Printf("published %d events\n", n)
					return nil
				}
				return relay.Run(ctx)
			})
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "relay one batch and exit")
	cmd.Flags().String("amqp-url", "", "broker URL")
	_ = viper.BindPFlag("amqp-url", cmd.Flags().Lookup("amqp-url"))
	return cmd
}

// --- helpers ---

func openRepo(ctx context.Context) (repo.Repo, func(), error) {
	conn, err := app.OpenWorkspace(ctx, viper.GetString("workspace"))
	if err != nil {
		return repo.Repo{}, nil, err
	}
	return repo.Repo{DB: conn}, func() { conn.Close() }, nil
}

// withWorkspace builds an engine without resolving a tenant, for commands that
// span tenants or create the first one. Config comes from siteflow.yml.
func withWorkspace(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	r, closeFn, err := openRepo(ctx)
	if err != nil {
		return err
	}
	defer closeFn()
	cfg, err := config.LoadOptional(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	if cfg == nil {
		cfg = config.Default(viper.GetString("tenant"))
	}
	e := engine.New(r.DB, cfg)
	e.Logger = setupLogger(cfg)
	return fn(telemetry.WithLogger(ctx, e.Logger), e)
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine, string) error) error {
	r, closeFn, err := openRepo(ctx)
	if err != nil {
		return err
	}
	defer closeFn()
	tenantID, cfg, err := app.ResolveTenantAndConfig(ctx, viper.GetString("workspace"), viper.GetString("tenant"), r)
	if err != nil {
		return err
	}
	logger := setupLogger(cfg)
	e := engine.New(r.DB, cfg)
	e.Logger = logger.With("tenant_id", tenantID)
	return fn(telemetry.WithLogger(ctx, e.Logger), e, tenantID)
}

func setupLogger(cfg *config.Config) *slog.Logger {
	level, format := "info", "text"
	if cfg != nil {
		if cfg.Log.Level != "" {
			level = cfg.Log.Level
		}
		if cfg.Log.Format != "" {
			format = cfg.Log.Format
		}
	}
	if v := viper.GetString("log-level"); v != "" {
		level = v
	}
	return telemetry.SetupLogger(os.Stderr, level, format)
}

func actorID() string {
	return viper.GetString("actor-id")
}

// printJSONOrTable renders rows as a table unless --json is set, in which
// case v is printed instead.
func printJSONOrTable(v any, header table.Row, rows []table.Row) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(header)
	tw.AppendRows(rows)
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

// parseValue reads a CLI argument as JSON when it parses, else as a string.
func parseValue(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		return v
	}
	return raw
}
