package cli

import (
	"bufio"
	"context"
	stderrors "errors"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/devrev/replstore/internal/errors"
	"github.com/devrev/replstore/internal/node"
	"github.com/devrev/replstore/internal/reference"
	"github.com/devrev/replstore/internal/storagekey"
)

// NewReconcileCommand purges cached hard references to ids the foreign
// owner no longer holds.
func NewReconcileCommand(opts *RootOptions) *cobra.Command {
	var idsFile string

	cmd := &cobra.Command{
		Use:   "reconcile <namespace> [live-id]...",
		Short: "Remove entries referencing foreign ids that are no longer live",
		Long: `Reconcile compares the hard reference ids cached under foreign://<namespace>
in every local database with the authoritative live ids and removes the
entries that reference ids missing from the live set.

Live ids are taken from the arguments and, with --ids-file, from a file
holding one id per line ("-" reads standard input). An empty live set
removes every entry referencing the namespace.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			live := append([]string(nil), args[1:]...)
			if idsFile != "" {
				ids, err := readIDs(cmd.InOrStdin(), idsFile)
				if err != nil {
					return WrapExitError(ExitCommandError, "failed to read ids", err)
				}
				live = append(live, ids...)
			}
			return withNode(cmd.Context(), opts, func(ctx context.Context, n *node.Node) (reference.Result, error) {
				return n.References.Reconcile(ctx, storagekey.NewForeignKey(args[0]), live)
			}, printer{format: opts.Format, w: cmd.OutOrStdout()}, args[0])
		},
	}

	cmd.Flags().StringVar(&idsFile, "ids-file", "", "File of live ids, one per line (- for stdin)")
	return cmd
}

// NewDeleteRefCommand propagates the deletion of one foreign id.
func NewDeleteRefCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete-ref <namespace> <id>",
		Short: "Remove every entry holding a hard reference to a deleted foreign id",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNode(cmd.Context(), opts, func(ctx context.Context, n *node.Node) (reference.Result, error) {
				return n.References.TriggerDatabaseDeletion(ctx, storagekey.NewForeignKey(args[0]), args[1])
			}, printer{format: opts.Format, w: cmd.OutOrStdout()}, args[0])
		},
	}
}

// withNode opens a node over the configured and existing databases, runs
// op and prints its result. Per-database failures are printed alongside
// the partial result.
func withNode(ctx context.Context, opts *RootOptions, op func(context.Context, *node.Node) (reference.Result, error), p printer, namespace string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	logger, err := opts.logger(cfg, true)
	if err != nil {
		return err
	}
	defer logger.Sync()

	n, err := node.New(ctx, cfg, logger)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to create node", err)
	}
	defer func() {
		if err := n.Stop(context.Background()); err != nil {
			logger.Warn("Failed to stop node", zap.Error(err))
		}
	}()
	if err := n.OpenExisting(); err != nil {
		return WrapExitError(ExitCommandError, "failed to open databases", err)
	}

	res, opErr := op(ctx, n)
	if errors.GetCode(opErr) == errors.ErrCodeInvalidArgument {
		return WrapExitError(ExitCommandError, "invalid request", opErr)
	}

	var failed []string
	var cf *errors.CompositeFailure
	if stderrors.As(opErr, &cf) {
		failed = cf.Databases()
	} else if opErr != nil {
		return WrapExitError(ExitFailure, "operation failed", opErr)
	}

	if err := p.result(namespace, res, failed); err != nil {
		return err
	}
	if opErr != nil {
		return WrapExitError(ExitFailure, "operation failed on some databases", opErr)
	}
	return nil
}

func readIDs(stdin io.Reader, path string) ([]string, error) {
	r := stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}

	var ids []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if id := strings.TrimSpace(scanner.Text()); id != "" && !strings.HasPrefix(id, "#") {
			ids = append(ids, id)
		}
	}
	return ids, scanner.Err()
}
