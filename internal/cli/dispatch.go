package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/drblury/omegawire/internal/runtime/config"
	"github.com/drblury/omegawire/internal/runtime/jsoncodec"
	"github.com/drblury/omegawire/internal/runtime/logging"
)

// errDispatchFailed makes the process exit non-zero after the result was
// printed.
type errDispatchFailed struct {
	code string
}

func (e errDispatchFailed) Error() string {
	return "dispatch failed: " + e.code
}

func newDispatchCommand(opts *rootOptions) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Dispatch one envelope through the orchestrator and print the result",
		Long: `Reads a JSON envelope from --file (or stdin with "-"), dispatches it to the
echo handlers declared in the config and prints the DispatchResult as JSON.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			conf, err := opts.load()
			if err != nil {
				return err
			}
			raw, err := readInput(file, cmd.InOrStdin())
			if err != nil {
				return err
			}
			return dispatchOnce(cmd.Context(), conf, opts.logger(conf, cmd.ErrOrStderr()), raw, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "-", `envelope file, "-" reads stdin`)
	return cmd
}

func readInput(path string, stdin io.Reader) ([]byte, error) {
	if path == "" || path == "-" {
		return io.ReadAll(stdin)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read envelope: %w", err)
	}
	return data, nil
}

func dispatchOnce(ctx context.Context, conf *config.Config, logger logging.ServiceLogger, raw []byte, out io.Writer) error {
	a, err := buildApp(ctx, conf, logger, appOptions{})
	if err != nil {
		return err
	}
	defer a.close()

	res := a.orchestrator.Dispatch(ctx, raw)
	body, err := jsoncodec.MarshalIndent(res, "", "  ")
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintln(out, string(body)); err != nil {
		return err
	}
	if !res.Result.OK {
		return errDispatchFailed{code: res.Code()}
	}
	return nil
}
