// Package cli implements the omegawire command line: a long running dispatch
// service, one-shot dispatch of an envelope file and chronicle verification.
package cli

import (
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/drblury/omegawire/internal/runtime/config"
	"github.com/drblury/omegawire/internal/runtime/logging"
)

// Version is stamped at build time with -ldflags.
var Version = "dev"

type rootOptions struct {
	configFile string
	logLevel   string
}

// NewRootCommand assembles the command tree.
func NewRootCommand() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "omegawire",
		Short: "OMEGA message dispatch orchestrator",
		Long: `omegawire validates incoming envelopes, applies policy and replay
protection, routes them to the handler registered for their module version
and records every step in a hash-linked chronicle.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configFile, "config", "", "config file (YAML, JSON or TOML); the environment is read either way")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "overrides log_level from the config")

	root.AddCommand(newServeCommand(opts))
	root.AddCommand(newDispatchCommand(opts))
	root.AddCommand(newVerifyCommand(opts))
	root.AddCommand(newHandlersCommand(opts))
	return root
}

// Execute runs the root command against os.Args.
func Execute() error {
	return NewRootCommand().Execute()
}

func (o *rootOptions) load() (*config.Config, error) {
	conf, err := config.Load(o.configFile)
	if err != nil {
		return nil, err
	}
	if o.logLevel != "" {
		conf.LogLevel = o.logLevel
	}
	return conf, nil
}

func (o *rootOptions) logger(conf *config.Config, w io.Writer) logging.ServiceLogger {
	if w == nil {
		w = os.Stderr
	}
	return logging.NewTextLogger(w, conf.LogLevel)
}
