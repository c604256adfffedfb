package cli

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/drblury/omegawire/internal/chronicle"
	"github.com/drblury/omegawire/internal/runtime/config"
)

func newVerifyCommand(opts *rootOptions) *cobra.Command {
	var (
		sqliteFile  string
		postgresURL string
	)
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify the hash chain of a persisted chronicle",
		Long: `Walks every record of a SQLite or PostgreSQL chronicle and checks the
parent links and hashes. Without flags the chronicle configured in
chronicle_backend is verified.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			conf, err := opts.load()
			if err != nil {
				return err
			}
			sqlConf, err := chronicleTarget(conf, sqliteFile, postgresURL)
			if err != nil {
				return err
			}
			return verifyChronicle(cmd.Context(), sqlConf, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&sqliteFile, "db", "", "SQLite chronicle file")
	cmd.Flags().StringVar(&postgresURL, "postgres", "", "PostgreSQL connection string")
	return cmd
}

func chronicleTarget(conf *config.Config, sqliteFile, postgresURL string) (chronicle.SQLConfig, error) {
	switch {
	case sqliteFile != "" && postgresURL != "":
		return chronicle.SQLConfig{}, fmt.Errorf("--db and --postgres are mutually exclusive")
	case sqliteFile != "":
		return chronicle.SQLConfig{Dialect: chronicle.DialectSQLite, DSN: sqliteFile}, nil
	case postgresURL != "":
		return chronicle.SQLConfig{Dialect: chronicle.DialectPostgres, DSN: postgresURL}, nil
	}
	switch strings.ToLower(conf.ChronicleBackend) {
	case "sqlite":
		return chronicle.SQLConfig{Dialect: chronicle.DialectSQLite, DSN: conf.SQLiteFile}, nil
	case "postgres":
		return chronicle.SQLConfig{Dialect: chronicle.DialectPostgres, DSN: conf.PostgresURL}, nil
	}
	return chronicle.SQLConfig{}, fmt.Errorf("chronicle backend %q is not persisted; pass --db or --postgres", conf.ChronicleBackend)
}

func verifyChronicle(ctx context.Context, sqlConf chronicle.SQLConfig, out io.Writer) error {
	c, err := chronicle.OpenSQL(ctx, sqlConf)
	if err != nil {
		return err
	}
	defer c.Close()

	size, err := c.Size(ctx)
	if err != nil {
		return err
	}
	if err := c.Verify(ctx); err != nil {
		return fmt.Errorf("chronicle of %d records is broken: %w", size, err)
	}
	_, err = fmt.Fprintf(out, "chronicle ok: %d records\n", size)
	return err
}
