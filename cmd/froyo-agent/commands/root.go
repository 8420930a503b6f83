package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/froyo-agent/pkg/config"
)

// options holds the daemon command line.
type options struct {
	configPath  string
	advertise   bool
	debug       bool
	foreground  bool
	fencing     bool
	port        int
	user        string
	metricsAddr string
}

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	return newRootCommand(version, commit, buildDate).ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:   "froyo-agent",
		Short: "Node administration agent",
		Long: `froyo-agent accepts TLS console sessions, authenticates consoles by
client certificate or password, and runs submitted batches of module
requests through a durable on-disk queue.

Batches survive daemon restarts: queued work is resumed at startup.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			return runDaemon(cmd.Context(), cfg, version)
		},
	}

	flags := rootCmd.Flags()
	flags.BoolVarP(&opts.advertise, "advertise", "c", false, "disclose host identity to unauthenticated consoles")
	flags.BoolVarP(&opts.debug, "debug", "d", false, "enable debug logging")
	flags.BoolVarP(&opts.foreground, "foreground", "f", false, "stay in the foreground")
	flags.BoolVarP(&opts.fencing, "fencing", "F", false, "enable force_reboot and self_fence")
	flags.IntVarP(&opts.port, "port", "p", config.DefaultPort, "listen port")
	flags.StringVarP(&opts.user, "user", "u", "", "drop privileges to this user after startup")
	flags.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")

	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "YAML configuration file")

	rootCmd.AddCommand(newPasswdCommand(opts))
	rootCmd.AddCommand(newAuditCommand(opts))

	return rootCmd
}

// load reads the configuration file and applies the flags the user set.
func (o *options) load(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if o.advertise {
		cfg.Advertise = true
	}
	if o.debug {
		cfg.Debug = true
	}
	if o.foreground {
		cfg.Foreground = true
	}
	if o.fencing {
		cfg.Fencing = true
	}
	if flags.Changed("port") {
		cfg.Port = o.port
	}
	if flags.Changed("user") {
		cfg.User = o.user
	}
	if flags.Changed("metrics-addr") {
		cfg.Telemetry.MetricsAddress = o.metricsAddr
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
