package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newHandlersCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "handlers",
		Short: "List the handlers declared in the config",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			conf, err := opts.load()
			if err != nil {
				return err
			}
			reg, err := buildRegistry(conf.Handlers)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "KEY\tSCHEMAS\tKINDS")
			for _, info := range reg.Describe() {
				fmt.Fprintf(w, "%s\t%s\t%s\n", info.Key, orAny(info.Schemas), orAny(info.Kinds))
			}
			return w.Flush()
		},
	}
}

func orAny(values []string) string {
	if len(values) == 0 {
		return "*"
	}
	return strings.Join(values, ",")
}
