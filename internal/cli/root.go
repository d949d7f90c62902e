// Package cli implements the replstore command line.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/devrev/replstore/internal/config"
)

// RootOptions holds flags shared by every command.
type RootOptions struct {
	ConfigPath string
	Format     string
	Verbose    bool
}

// NewRootCommand builds the replstore command tree.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "replstore",
		Short: "Replicated CRDT storage substrate",
		Long: `replstore stores versioned CRDT data behind storage keys.

It serves volatile, ramdisk, database and remote entries, and keeps hard
references cached by local databases consistent with their foreign owners.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.Format != FormatText && opts.Format != FormatJSON {
				return NewExitError(ExitCommandError, fmt.Sprintf("unknown output format %q", opts.Format))
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "Path to YAML configuration file")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", FormatText, "Output format (text|json)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "Enable verbose logging")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewParseKeyCommand(opts))
	cmd.AddCommand(NewReconcileCommand(opts))
	cmd.AddCommand(NewDeleteRefCommand(opts))

	return cmd
}

func (o *RootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(o.ConfigPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load configuration", err)
	}
	return cfg, nil
}

// logger returns the configured logger for long-running commands. One-shot
// commands log nothing unless --verbose is set.
func (o *RootOptions) logger(cfg *config.Config, oneShot bool) (*zap.Logger, error) {
	if oneShot && !o.Verbose {
		return zap.NewNop(), nil
	}
	lc := cfg.Logging
	if o.Verbose {
		lc.Level = "debug"
	}
	logger, err := config.NewLogger(lc)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to create logger", err)
	}
	return logger, nil
}
