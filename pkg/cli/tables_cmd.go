package cli

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"flydelta/pkg/client"
)

func newTablesCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "tables",
		Short: "List the tables a flydelta server serves",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if output != "table" && output != "json" {
				return fmt.Errorf("unknown output format %q: use table or json", output)
			}
			location, err := serverLocation(cmd)
			if err != nil {
				return err
			}

			c, err := client.New(location)
			if err != nil {
				return err
			}
			defer c.Close() //nolint:errcheck

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			tables, err := c.Tables(ctx)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if output == "json" {
				type column struct {
					Name string `json:"name"`
					Type string `json:"type"`
				}
				type table struct {
					Name    string   `json:"name"`
					Columns []column `json:"columns"`
				}
				out := make([]table, 0, len(tables))
				for _, t := range tables {
					tt := table{Name: t.Name, Columns: []column{}}
					if t.Schema != nil {
						for _, f := range t.Schema.Fields() {
							tt.Columns = append(tt.Columns, column{Name: f.Name, Type: f.Type.String()})
						}
					}
					out = append(out, tt)
				}
				enc := json.NewEncoder(w)
				enc.SetIndent("", "  ")
				return enc.Encode(out)
			}

			if len(tables) == 0 {
				printStatus(w, colorYellow, "No tables registered")
				return nil
			}
			for _, t := range tables {
				_, _ = fmt.Fprintf(w, "  %s\n", colorize(w, colorBlue, t.Name))
			}
			return nil
		},
	}
	addServerFlags(cmd)
	cmd.Flags().StringVarP(&output, "output", "o", "table", "Output format (table, json)")
	return cmd
}
