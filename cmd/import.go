package main

import (
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/floodwatch/floodwatch-cli/internal/geodata"
)

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import reference data (cities, watersheds)",
}

var importCitiesCmd = &cobra.Command{
	Use:   "cities",
	Short: "Import African cities from an OpenWeatherMap city.list.json",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("import"); err != nil {
			return err
		}

		path, _ := cmd.Flags().GetString("file")
		if path == "" {
			path = cfg.Geodata.CityList
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		res, err := geodata.ImportCitiesFile(ctx, st, path)
		if err != nil {
			return eris.Wrap(err, "import cities")
		}
		fmt.Fprintf(os.Stdout, "%d African cities matched, %d new.\n", res.Matched, res.Inserted)
		return nil
	},
}

var importWatershedsCmd = &cobra.Command{
	Use:   "watersheds",
	Short: "Import BV_*.shp watershed boundaries",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("import"); err != nil {
			return err
		}

		dir, _ := cmd.Flags().GetString("dir")
		if dir == "" {
			dir = cfg.Geodata.WatershedDir
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		res, err := geodata.ImportWatersheds(ctx, st, dir)
		if err != nil {
			return eris.Wrap(err, "import watersheds")
		}
		fmt.Fprintf(os.Stdout, "%d shapefiles: %d imported, %d already present, %d failed.\n",
			res.Found, len(res.Imported), len(res.Skipped), len(res.Failed))

		if assign, _ := cmd.Flags().GetBool("assign"); assign && len(res.Imported) > 0 {
			n, err := geodata.AssignCities(ctx, st)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "%d cities assigned to watersheds.\n", n)
		}
		return nil
	},
}

func init() {
	importCitiesCmd.Flags().String("file", "", "path to city.list.json (default from geodata.city_list)")
	importWatershedsCmd.Flags().String("dir", "", "directory holding BV_*.shp files (default from geodata.watershed_dir)")
	importWatershedsCmd.Flags().Bool("assign", false, "assign cities to watersheds after importing")

	importCmd.AddCommand(importCitiesCmd)
	importCmd.AddCommand(importWatershedsCmd)
	rootCmd.AddCommand(importCmd)
}
