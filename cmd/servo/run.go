package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/opsani/servo/internal/agent"
	"github.com/opsani/servo/internal/api"
	"github.com/opsani/servo/internal/config"
	"github.com/opsani/servo/internal/driver"
	"github.com/opsani/servo/internal/token"
)

var (
	flagConfig      string
	flagInteractive bool
	flagDelay       int
	flagVerbose     bool
	flagAgent       string
	flagAccount     string
	flagURL         string
	flagAuthToken   string
	flagNoAuth      bool
)

func init() {
	f := rootCmd.Flags()
	f.StringVar(&flagConfig, "config", config.DefaultPath(), "Path to the config file")
	f.BoolVarP(&flagInteractive, "interactive", "i", false, "Prompt for confirmation between commands")
	f.IntVar(&flagDelay, "delay", 0, "Pause in seconds between commands")
	f.BoolVarP(&flagVerbose, "verbose", "v", false, "Enable debug logging")
	f.StringVar(&flagAgent, "agent", "", "Agent identifier reported to the service")
	f.StringVar(&flagAccount, "account", "", "Optimization service account name")
	f.StringVar(&flagURL, "url", "", "Service endpoint override")
	f.StringVar(&flagAuthToken, "auth-token", config.DefaultAuthTokenPath, "Path to the bearer token file")
	f.BoolVar(&flagNoAuth, "no-auth", false, "Disable bearer-token authentication")
}

func runServo(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, args)
	if err != nil {
		return err
	}

	level := slog.LevelInfo
	if cfg.Verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var tokenFn api.TokenFunc
	if !cfg.NoAuth {
		source, err := token.Open(cfg.AuthToken)
		if err != nil {
			return err
		}
		go func() {
			if err := source.Watch(ctx); err != nil {
				slog.Warn("token rotation watcher stopped", "error", err)
			}
		}()
		tokenFn = source.Token
	}

	client := api.NewClient(api.Config{
		Account:    cfg.Account,
		AppID:      cfg.AppID,
		BaseURL:    cfg.BaseURL,
		Token:      tokenFn,
		RetryDelay: cfg.RetryDelay,
		UserAgent:  cfg.Agent,
	})
	runner := driver.NewRunner(cfg.IOTimeout, driver.StderrMode(cfg.VerboseStderr))

	stop := &agent.StopFlag{}
	a := agent.New(cfg, client, runner, stop)
	a.InstallSignals()

	if err := a.Run(ctx); err != nil {
		return err
	}
	if stop.Get() == agent.StopRestart {
		slog.Info("restarting with original arguments")
		return agent.Restart()
	}
	return nil
}

// loadConfig layers the config file, the environment, and the command-line
// flags, most specific last.
func loadConfig(cmd *cobra.Command, args []string) (*config.Config, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}

	if len(args) == 1 {
		cfg.AppID = args[0]
	}
	flags := cmd.Flags()
	if flags.Changed("interactive") {
		cfg.Interactive = flagInteractive
	}
	if flags.Changed("delay") {
		cfg.Delay = flagDelay
	}
	if flags.Changed("agent") {
		cfg.Agent = flagAgent
	}
	if flags.Changed("account") {
		cfg.Account = flagAccount
	}
	if flags.Changed("url") {
		cfg.BaseURL = flagURL
	}
	if flags.Changed("auth-token") {
		cfg.AuthToken = flagAuthToken
	}
	if flags.Changed("no-auth") {
		cfg.NoAuth = flagNoAuth
	}
	cfg.Verbose = flagVerbose

	if cfg.Agent == "" {
		cfg.Agent = "github.com/opsani/servo " + version
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
