package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"replaydeck/export"
)

var (
	cassetteName  string
	outputFile    string
	inputFile     string
	mergeStrategy string
	clearAll      bool
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export an archived cassette to a cassette file",
	Long:  `Export an archived cassette to the cassette file format. A .gz output path is compressed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		db, err := openDatabase(cfg)
		if err != nil {
			return err
		}
		defer db.Close()

		n, err := export.NewExportManager(db, nil).ExportCassette(cassetteName, outputFile)
		if err != nil {
			return fmt.Errorf("failed to export cassette: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Cassette '%s' exported to '%s' (%d interactions)\n", cassetteName, outputFile, n)
		return nil
	},
}

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import a cassette file into the archive",
	Long:  `Import a cassette file into the archive database, appending to or replacing an archived cassette.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		db, err := openDatabase(cfg)
		if err != nil {
			return err
		}
		defer db.Close()

		n, err := export.NewExportManager(db, nil).ImportCassette(inputFile, cassetteName, mergeStrategy)
		if err != nil {
			return fmt.Errorf("failed to import cassette: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Imported %d interactions from '%s'\n", n, inputFile)
		return nil
	},
}

var listCassettesCmd = &cobra.Command{
	Use:   "list-cassettes",
	Short: "List archived cassettes",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		db, err := openDatabase(cfg)
		if err != nil {
			return err
		}
		defer db.Close()

		cassettes, err := db.ListCassettes()
		if err != nil {
			return fmt.Errorf("failed to list cassettes: %w", err)
		}

		out := cmd.OutOrStdout()
		if len(cassettes) == 0 {
			fmt.Fprintln(out, "No cassettes found.")
			return nil
		}
		fmt.Fprintf(out, "%-6s %-24s %-14s %-20s %s\n", "ID", "Name", "Interactions", "Created", "Description")
		fmt.Fprintln(out, strings.Repeat("-", 90))
		for _, c := range cassettes {
			fmt.Fprintf(out, "%-6d %-24s %-14d %-20s %s\n",
				c.ID,
				c.Name,
				c.Interactions,
				c.CreatedAt.Format("2006-01-02 15:04:05"),
				c.Description)
		}
		return nil
	},
}

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove an archived cassette",
	Long:  `Remove an archived cassette and its interactions, or every cassette with --all.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !clearAll && cassetteName == "" {
			return fmt.Errorf("either --cassette or --all is required")
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		db, err := openDatabase(cfg)
		if err != nil {
			return err
		}
		defer db.Close()

		if clearAll {
			if err := db.ClearAllCassettes(); err != nil {
				return fmt.Errorf("failed to clear cassettes: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "All cassettes cleared")
			return nil
		}
		if err := db.ClearCassette(cassetteName); err != nil {
			return fmt.Errorf("failed to clear cassette: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Cassette '%s' cleared successfully\n", cassetteName)
		return nil
	},
}

func init() {
	exportCmd.Flags().StringVar(&cassetteName, "cassette", "", "archived cassette to export")
	exportCmd.Flags().StringVar(&outputFile, "output", "", "output file path")
	exportCmd.MarkFlagRequired("cassette")
	exportCmd.MarkFlagRequired("output")

	importCmd.Flags().StringVar(&inputFile, "input", "", "cassette file to import")
	importCmd.Flags().StringVar(&cassetteName, "cassette", "", "archive name (default: input file name)")
	importCmd.Flags().StringVar(&mergeStrategy, "merge-strategy", export.MergeAppend, "merge strategy: append or replace")
	importCmd.MarkFlagRequired("input")

	clearCmd.Flags().StringVar(&cassetteName, "cassette", "", "archived cassette to clear")
	clearCmd.Flags().BoolVar(&clearAll, "all", false, "clear every archived cassette")

	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(listCassettesCmd)
	rootCmd.AddCommand(clearCmd)
}
