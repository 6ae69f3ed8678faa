package cmd

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"replaydeck/cassette"
	"replaydeck/export"
	"replaydeck/interaction"
	"replaydeck/transport"
	"replaydeck/verify"
)

var (
	verifyCassette    string
	verifyFile        string
	verifyBaseURL     string
	verifyStrategy    string
	verifyConcurrency int
	verifyFailFast    bool
	verifyJSON        bool
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Re-issue recorded interactions against a live service",
	Long: `Re-issue the requests of an archived cassette (--cassette) or a cassette file
(--file) and check that the live responses still match the recording.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runVerify(cmd)
	},
}

func init() {
	verifyCmd.Flags().StringVar(&verifyCassette, "cassette", "", "archived cassette to verify")
	verifyCmd.Flags().StringVar(&verifyFile, "file", "", "cassette file to verify")
	verifyCmd.Flags().StringVar(&verifyBaseURL, "base-url", "", "send requests to this base URL instead of the recorded host")
	verifyCmd.Flags().StringVar(&verifyStrategy, "strategy", "", "response comparison: exact, status_code or fuzzy (default from config)")
	verifyCmd.Flags().IntVar(&verifyConcurrency, "concurrency", 0, "concurrent requests (default from config)")
	verifyCmd.Flags().BoolVar(&verifyFailFast, "fail-fast", false, "stop at the first failure")
	verifyCmd.Flags().BoolVar(&verifyJSON, "json", false, "print the full report as JSON")
	verifyCmd.MarkFlagsMutuallyExclusive("cassette", "file")
	verifyCmd.MarkFlagsOneRequired("cassette", "file")

	rootCmd.AddCommand(verifyCmd)
}

func runVerify(cmd *cobra.Command) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	var name string
	var items []interaction.Interaction
	if verifyFile != "" {
		c, err := cassette.Open(verifyFile)
		if err != nil {
			return err
		}
		name, items = export.CassetteName(verifyFile), c.ReadAll()
	} else {
		db, err := openDatabase(cfg)
		if err != nil {
			return err
		}
		defer db.Close()
		if items, err = db.LoadInteractions(verifyCassette); err != nil {
			return fmt.Errorf("failed to load cassette: %w", err)
		}
		name = verifyCassette
	}

	opts := cfg.Verify
	if verifyStrategy != "" {
		opts.Strategy = verifyStrategy
	}
	if verifyConcurrency > 0 {
		opts.Concurrency = verifyConcurrency
	}
	if verifyBaseURL != "" {
		opts.BaseURL = verifyBaseURL
	}
	if cmd.Flags().Changed("fail-fast") {
		opts.FailFast = verifyFailFast
	}

	verifier, err := verify.New(verify.Options{
		Strategy:      verify.Strategy(opts.Strategy),
		Concurrency:   opts.Concurrency,
		FailFast:      opts.FailFast,
		BaseURL:       opts.BaseURL,
		IgnoreHeaders: opts.IgnoreHeaders,
		Transport:     transport.New(cfg.Transport.Options(logger)),
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()
	report, verifyErr := verifier.Verify(ctx, name, items)

	out := cmd.OutOrStdout()
	if verifyJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return err
		}
	} else {
		printReport(out, report)
	}

	if verifyErr != nil {
		return verifyErr
	}
	if report.FailureCount > 0 {
		return fmt.Errorf("%d of %d interactions failed verification", report.FailureCount, report.Total)
	}
	return nil
}

func printReport(out io.Writer, report *verify.Report) {
	for _, result := range report.Results {
		status := "PASS"
		reason := ""
		if !result.Success {
			status = "FAIL"
			reason = result.ValidationError
			if reason == "" {
				reason = result.Error
			}
		}
		fmt.Fprintf(out, "%-4s #%-4d %-7s %s %s\n", status, result.Index, result.Method, result.URL, reason)
	}
	fmt.Fprintf(out, "\nVerified '%s': %d/%d passed, %d failed, %d skipped in %v\n",
		report.Cassette, report.SuccessCount, report.Total, report.FailureCount, report.Skipped, report.Duration)
}
