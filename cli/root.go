// Package cli implements the sigtrust command line.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/digitorus/sigtrust/config"
)

const cliName = "sigtrust"

type globalOptions struct {
	configPath      string
	metricsTextfile string
}

// NewRootCommand returns the sigtrust command tree.
func NewRootCommand() *cobra.Command {
	opts := &globalOptions{}
	cmd := &cobra.Command{
		Use:   cliName,
		Short: "Certificate validation, HSM signing and signature compliance",
		Long: `sigtrust validates certificate chains, signs documents through hardware
security modules and cloud key services, and evaluates signatures against
legal frameworks such as ESIGN, eIDAS and 21 CFR Part 11.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Run: func(cmd *cobra.Command, args []string) {
			_ = cmd.Help()
		},
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "",
		fmt.Sprintf("TOML configuration file (default %s when present)", config.DefaultLocation))
	cmd.PersistentFlags().StringVar(&opts.metricsTextfile, "metrics-textfile", "",
		"write Prometheus metrics to this file on exit")

	cmd.AddCommand(
		newChainCommand(opts),
		newSignCommand(opts),
		newVerifyCommand(opts),
		newAuditCommand(opts),
		newProvidersCommand(opts),
	)
	return cmd
}

// Execute runs the command line and exits non-zero on failure.
func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", cliName, err)
		os.Exit(1)
	}
}

// run builds the environment, calls fn and tears everything down again.
func run(ctx context.Context, opts *globalOptions, configure func(*config.Config), fn func(context.Context, *environment) error) (err error) {
	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	if configure != nil {
		configure(cfg)
	}
	env, err := newEnvironment(cfg)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, env.writeMetrics(opts.metricsTextfile), env.Close())
	}()
	return fn(ctx, env)
}

func writeJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "%s\n", data)
	return err
}
