package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/devrev/replstore/internal/storagekey"
)

type keyOutput struct {
	Key        string      `json:"key"`
	Protocol   string      `json:"protocol"`
	Body       string      `json:"body"`
	Components []keyOutput `json:"components,omitempty"`
}

func describeKey(key storagekey.StorageKey) keyOutput {
	out := keyOutput{
		Key:      key.String(),
		Protocol: string(key.Protocol()),
		Body:     key.KeyString(),
	}
	if join, ok := key.(storagekey.JoinKey); ok {
		for _, c := range join.Components() {
			out.Components = append(out.Components, describeKey(c))
		}
	}
	return out
}

// NewParseKeyCommand parses and prints storage keys.
func NewParseKeyCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "parse-key <key>...",
		Short: "Parse storage keys and print their canonical form",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			keys := storagekey.DefaultRegistry()
			p := printer{format: opts.Format, w: cmd.OutOrStdout()}

			outputs := make([]keyOutput, 0, len(args))
			for _, raw := range args {
				key, err := keys.Parse(raw)
				if err != nil {
					return WrapExitError(ExitCommandError, fmt.Sprintf("cannot parse %q", raw), err)
				}
				outputs = append(outputs, describeKey(key))
			}

			if opts.Format == FormatJSON {
				if len(outputs) == 1 {
					return p.json(outputs[0])
				}
				return p.json(outputs)
			}
			for _, o := range outputs {
				printKey(p, o, "")
			}
			return nil
		},
	}
}

func printKey(p printer, o keyOutput, indent string) {
	fmt.Fprintf(p.w, "%s%s\n", indent, o.Key)
	fmt.Fprintf(p.w, "%s  protocol: %s\n", indent, o.Protocol)
	fmt.Fprintf(p.w, "%s  body:     %s\n", indent, o.Body)
	for _, c := range o.Components {
		printKey(p, c, indent+"  ")
	}
}
