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

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"wirline/internal/app"
	"wirline/internal/catalog"
	"wirline/internal/config"
	"wirline/internal/db"
	"wirline/internal/domain"
	"wirline/internal/engine"
	"wirline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "wir",
	Short: "Wirline CLI",
	Long: `Wirline runs Work Inspection Requests (WIRs) for construction sites.
- Workspace: a directory holding wir.yml and the .wirline database.
- WIR: a request to inspect a piece of work. It starts in Draft, is dispatched to an
  inspector (Submitted) and ends Approved or Rejected, or is Returned for rework.
- Checklists: reference checklists attached to a WIR; their items are copied onto
  the WIR and frozen there.
- Version: 1 plus the number of substantive changes recorded in the history.
- Roll forward: opens the next WIR of the same series carrying failed items.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if _, err := db.EnsureWorkspace(viper.GetString("workspace")); err != nil {
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
		fmt.Fprintln(os.Stderr, color.RedString("error:"), err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("WIRLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	pf := rootCmd.PersistentFlags()
	pf.StringP("workspace", "w", ".", "workspace directory")
	pf.Bool("json", false, "output JSON")
	pf.String("actor-id", "", "acting user id (empty records the system)")
	pf.String("actor-name", "", "acting user display name")
	pf.String("role", "", "role label handed to the policy")
	pf.Bool("force", false, "bypass the transition table where allowed")
	pf.String("log-level", "", "override logging.level")
	pf.String("redis-addr", "", "redis address for the code allocation lock")
	pf.String("jwt-secret", "", "HS256 secret for bearer tokens")
	for _, name := range []string{"workspace", "json", "actor-id", "actor-name", "role", "force", "log-level", "redis-addr", "jwt-secret"} {
		_ = viper.BindPFlag(name, pf.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(catalogCmd())
	rootCmd.AddCommand(wirCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(tokenCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage wir.yml"}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default wir.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !viper.GetBool("force") {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	}
}

func catalogCmd() *cobra.Command {
	cat := &cobra.Command{Use: "catalog", Short: "Reference checklists and activities"}
	cat.AddCommand(&cobra.Command{
		Use:   "import <file.yml>",
		Short: "Load reference checklists and activities from YAML",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			f, err := catalog.ParseFixture(data)
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				res, err := catalog.Import(ctx, rt.DB, f)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	})
	return cat
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowHeaderActor, allowAnonymous bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return withRuntime(ctx, func(ctx context.Context, rt *app.Runtime) error {
				authCfg := server.AuthConfig{
					JWTSecret:        viper.GetString("jwt-secret"),
					AllowHeaderActor: allowHeaderActor,
					AllowAnonymous:   allowAnonymous,
					Logger:           rt.Logger,
				}
				if authCfg.JWTSecret == "" && !allowHeaderActor && !allowAnonymous {
					return fmt.Errorf("WIRLINE_JWT_SECRET is required for bearer auth")
				}
				handler, err := server.New(server.Config{Engine: rt.Engine, BasePath: basePath, Auth: authCfg, Logger: rt.Logger})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(sctx)
				}()
				rt.Logger.WithField("addr", addr).WithField("base_path", basePath).Info("serving wirline api")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().BoolVar(&allowHeaderActor, "allow-header-actor", false, "trust X-Actor-Id/X-Actor-Name/X-Role headers")
	cmd.Flags().BoolVar(&allowAnonymous, "allow-anonymous", false, "serve unauthenticated requests as the system actor")
	return cmd
}

func tokenCmd() *cobra.Command {
	var sub, name string
	var roles []string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a development bearer token",
		RunE: func(cmd *cobra.Command, args []string) error {
			tok, err := server.SignToken(viper.GetString("jwt-secret"), sub, name, roles)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&sub, "sub", "", "user id")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "role labels")
	_ = cmd.MarkFlagRequired("sub")
	return cmd
}

func withRuntime(ctx context.Context, fn func(context.Context, *app.Runtime) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	rt, err := app.Open(ctx, app.Options{
		Workspace: viper.GetString("workspace"),
		RedisAddr: viper.GetString("redis-addr"),
		LogLevel:  viper.GetString("log-level"),
	})
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt)
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	return withRuntime(ctx, func(ctx context.Context, rt *app.Runtime) error {
		return fn(ctx, rt.Engine)
	})
}

// caller builds the acting identity from --actor-id, --actor-name and --role.
func caller() engine.Caller {
	var c engine.Caller
	if id := viper.GetString("actor-id"); id != "" {
		c.Actor.UserID = &id
	}
	if name := viper.GetString("actor-name"); name != "" {
		c.Actor.DisplayName = &name
	}
	c.Role = viper.GetString("role")
	return c
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

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetStyle(table.StyleLight)
	return tw
}

func statusColor(s domain.Status) string {
	switch s {
	case domain.StatusApproved:
		return color.New(color.FgHiGreen).Sprint(s)
	case domain.StatusRejected:
		return color.New(color.FgRed).Sprint(s)
	case domain.StatusReturned:
		return color.New(color.FgYellow).Sprint(s)
	case domain.StatusSubmitted, domain.StatusRecommended:
		return color.New(color.FgCyan).Sprint(s)
	default:
		return string(s)
	}
}

func itemStatusColor(s domain.ItemStatus) string {
	switch s {
	case domain.ItemOK:
		return color.GreenString(string(s))
	case domain.ItemNCR:
		return color.RedString(string(s))
	default:
		return string(s)
	}
}

func deref(s *string) string {
	if s == nil {
		return "-"
	}
	return *s
}
