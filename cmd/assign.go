package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/floodwatch/floodwatch-cli/internal/geodata"
)

var assignCmd = &cobra.Command{
	Use:   "assign",
	Short: "Link each city to the watershed containing it (PostGIS only)",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("import"); err != nil {
			return err
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		n, err := geodata.AssignCities(ctx, st)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "%d cities assigned to watersheds.\n", n)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(assignCmd)
}
