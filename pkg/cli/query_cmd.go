package cli

import (
	"context"

	"github.com/spf13/cobra"

	"flydelta/pkg/client"
)

func newQueryCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:     "query SQL",
		Short:   "Execute a SQL query against a flydelta server",
		Example: `  flydelta query "SELECT * FROM users LIMIT 10"`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validateOutputFormat(output); err != nil {
				return err
			}
			location, err := serverLocation(cmd)
			if err != nil {
				return err
			}
			return runQuery(cmd, location, args[0], output)
		},
	}
	addServerFlags(cmd)
	cmd.Flags().StringVarP(&output, "output", "o", "table", "Output format (table, json, csv)")
	return cmd
}

func runQuery(cmd *cobra.Command, location, sql, output string) error {
	c, err := client.New(location)
	if err != nil {
		return err
	}
	defer c.Close() //nolint:errcheck

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	tbl, err := c.Query(ctx, sql)
	if err != nil {
		return err
	}
	defer tbl.Release()
	return writeResult(cmd.OutOrStdout(), output, tbl)
}
