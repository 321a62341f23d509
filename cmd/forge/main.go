package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/blackcoderx/forge/pkg/analytics"
	"github.com/blackcoderx/forge/pkg/config"
	"github.com/blackcoderx/forge/pkg/harness"
	"github.com/blackcoderx/forge/pkg/httpclient"
	"github.com/blackcoderx/forge/pkg/logging"
	"github.com/blackcoderx/forge/pkg/registry"
	"github.com/blackcoderx/forge/pkg/service"
	"github.com/blackcoderx/forge/pkg/storage"
	"github.com/blackcoderx/forge/pkg/validate"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var (
	cfgFile string
	v       = viper.New()

	rootCmd = &cobra.Command{
		Use:   "forge",
		Short: "forge - run saved API calls and generate code for them",
		Long: `forge keeps API calls as YAML definitions in a .forge workspace. It executes
them with layered environment variables and assertions, records latency and
success analytics, and generates equivalent curl, Python, JavaScript and Go
code that it can replay in a sandbox to prove it sends the same request.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// .env is optional; a malformed one is only a warning
			if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
				fmt.Fprintf(os.Stderr, "Warning: failed to load .env file: %v\n", err)
			}
			return config.Init(v, cfgFile)
		},
	}
)

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default is .forge/config.yaml)")
	pf.String("workspace", config.FolderName, "workspace directory")
	pf.StringP("env", "e", "", "local environment for variable substitution")
	pf.String("log-level", "", "log level (debug, info, warn, error)")
	pf.String("log-format", "", "log format (console or json)")
	pf.String("store", "", "store driver (memory, sqlite or redis)")
	pf.Bool("allow-system-env", false, "allow {{env:NAME}} placeholders")

	_ = v.BindPFlag("workspace", pf.Lookup("workspace"))
	_ = v.BindPFlag("environment", pf.Lookup("env"))
	_ = v.BindPFlag("log_level", pf.Lookup("log-level"))
	_ = v.BindPFlag("log_format", pf.Lookup("log-format"))
	_ = v.BindPFlag("store.driver", pf.Lookup("store"))
	_ = v.BindPFlag("allow_system_env", pf.Lookup("allow-system-env"))
}

// app holds the components built from configuration for one command run.
type app struct {
	cfg   *config.Config
	log   *zap.Logger
	ws    *storage.Workspace
	store storage.Store
	svc   *service.Service
}

// newApp loads configuration and wires the service. Callers must Close it.
func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(v)
	if err != nil {
		return nil, err
	}
	log, err := logging.New(logging.Config{Level: cfg.LogLevel, Format: logging.ParseFormat(cfg.LogFormat)})
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	if _, err := os.Stat(cfg.Workspace); errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("no workspace at %s (run `forge init` first)", cfg.Workspace)
	}
	ws := storage.NewWorkspace(cfg.Workspace)

	var src registry.Source = registry.EmbeddedSource{}
	if cfg.TemplatesDir != "" {
		src = registry.DirSource{Dir: cfg.TemplatesDir}
	}
	reg, err := registry.New(src, nil, log.Named("registry"))
	if err != nil {
		return nil, fmt.Errorf("failed to load templates: %w", err)
	}

	store, err := storage.Open(ctx, cfg.Store, log.Named("store"))
	if err != nil {
		return nil, err
	}

	svc, err := service.New(service.Config{
		Definitions:     ws,
		Environments:    ws,
		Implementations: store,
		Results:         store,
		Registry:        reg,
		Client: httpclient.New(httpclient.Options{
			DefaultTimeout: cfg.DefaultTimeout,
			MaxRedirects:   cfg.MaxRedirects,
			MaxBodyBytes:   cfg.MaxBodyBytes,
			UserAgent:      "forge/" + version,
			Logger:         log.Named("http"),
		}),
		Recorder: analytics.NewRecorder(analytics.Options{
			Window:    cfg.Analytics.Window,
			Retention: cfg.Analytics.Retention,
			Accuracy:  cfg.Analytics.Accuracy,
			Logger:    log.Named("analytics"),
		}),
		Validator:      validate.New(log.Named("validate")),
		Harness:        harness.New(reg, harness.Options{Logger: log.Named("harness")}),
		Environment:    cfg.Environment,
		AllowSystemEnv: cfg.AllowSystemEnv,
		Retention:      cfg.Analytics.Retention,
		Logger:         log,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return &app{cfg: cfg, log: log, ws: ws, store: store, svc: svc}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.log.Warn("failed to close store", zap.Error(err))
	}
	_ = a.log.Sync()
}

// withApp runs fn with a wired app and a context cancelled on SIGINT/SIGTERM.
func withApp(fn func(ctx context.Context, a *app) error) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

// exitError carries a non-zero exit status without printing anything more.
type exitError struct{ code int }

func (e exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

func main() {
	if err := rootCmd.Execute(); err != nil {
		var exit exitError
		if errors.As(err, &exit) {
			os.Exit(exit.code)
		}
		fmt.Fprintln(os.Stderr, errorStyle.Render("Error: ")+err.Error())
		os.Exit(1)
	}
}
