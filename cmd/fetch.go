package cmd

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"replaydeck/interaction"
	"replaydeck/matcher"
	"replaydeck/session"
	"replaydeck/transport"
)

var (
	fetchCassette     string
	fetchMode         string
	fetchPolicy       string
	fetchStrategy     string
	fetchTruncate     bool
	fetchMethod       string
	fetchHeaders      []string
	fetchData         string
	fetchUser         string
	fetchNoGzip       bool
	fetchNoRedirects  bool
	fetchMaxRedirects int
	fetchTimeout      time.Duration
	fetchInclude      bool
)

var fetchCmd = &cobra.Command{
	Use:   "fetch <url>",
	Short: "Send one request through a cassette session",
	Long: `Send one request through a session on the given cassette. In record mode the
request goes to the network and is appended to the cassette; in replay mode
the recorded response is returned without network access.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runFetch(cmd.Context(), cmd.OutOrStdout(), args[0])
	},
}

func init() {
	fetchCmd.Flags().StringVar(&fetchCassette, "cassette", "", "cassette file (.json or .json.gz)")
	fetchCmd.Flags().StringVar(&fetchMode, "mode", "replay", "session mode: record or replay")
	fetchCmd.Flags().StringVar(&fetchPolicy, "policy", "panic", "replay mismatch policy: ignore, record or panic")
	fetchCmd.Flags().StringVar(&fetchStrategy, "strategy", "append", "record strategy for a promoted mismatch: append or replace")
	fetchCmd.Flags().BoolVar(&fetchTruncate, "truncate", false, "start a record session from an empty cassette")
	fetchCmd.Flags().StringVarP(&fetchMethod, "method", "X", http.MethodGet, "request method")
	fetchCmd.Flags().StringArrayVarP(&fetchHeaders, "header", "H", nil, "request header as 'Name: value' (repeatable)")
	fetchCmd.Flags().StringVarP(&fetchData, "data", "d", "", "request body")
	fetchCmd.Flags().StringVarP(&fetchUser, "user", "u", "", "basic auth credentials as user[:password]")
	fetchCmd.Flags().BoolVar(&fetchNoGzip, "no-gzip", false, "do not negotiate gzip")
	fetchCmd.Flags().BoolVar(&fetchNoRedirects, "no-redirects", false, "return redirect responses instead of following them")
	fetchCmd.Flags().IntVar(&fetchMaxRedirects, "max-redirects", 10, "maximum redirects to follow")
	fetchCmd.Flags().DurationVar(&fetchTimeout, "timeout", 0, "request timeout (0 for none)")
	fetchCmd.Flags().BoolVarP(&fetchInclude, "include", "i", false, "print the status line and response headers")
	fetchCmd.MarkFlagRequired("cassette")

	rootCmd.AddCommand(fetchCmd)
}

func runFetch(ctx context.Context, out io.Writer, rawURL string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	sessionMode, err := session.ParseMode(fetchMode)
	if err != nil {
		return err
	}
	policy, err := matcher.ParsePolicy(fetchPolicy)
	if err != nil {
		return err
	}
	strategy, err := matcher.ParseStrategy(fetchStrategy)
	if err != nil {
		return err
	}

	clientConfig := session.Config{Gzip: !fetchNoGzip, Timeout: fetchTimeout, Redirect: interaction.Limited(fetchMaxRedirects)}
	if fetchNoRedirects {
		clientConfig.Redirect = interaction.NoRedirects()
	}

	s, err := session.Open(fetchCassette, session.Options{
		Mode:      sessionMode,
		Policy:    policy,
		Strategy:  strategy,
		Truncate:  fetchTruncate,
		Config:    &clientConfig,
		Transport: transport.New(cfg.Transport.Options(logger)),
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	resp, sendErr := fetch(ctx, s, rawURL)
	if err := s.Close(); err != nil {
		return fmt.Errorf("failed to save cassette: %w", err)
	}
	if sendErr != nil {
		return sendErr
	}
	return writeResponse(out, resp, fetchInclude)
}

func fetch(ctx context.Context, c session.Client, rawURL string) (*interaction.Response, error) {
	b, err := c.NewRequest(strings.ToUpper(fetchMethod), rawURL)
	if err != nil {
		return nil, err
	}
	for _, h := range fetchHeaders {
		name, value, err := parseHeader(h)
		if err != nil {
			b.Discard()
			return nil, err
		}
		b.Header(name, value)
	}
	if fetchUser != "" {
		username, password := parseUser(fetchUser)
		b.BasicAuth(username, password)
	}
	if fetchData != "" {
		b.Body([]byte(fetchData))
	}
	return b.Send(ctx)
}

func parseHeader(s string) (string, string, error) {
	name, value, ok := strings.Cut(s, ":")
	name = strings.TrimSpace(name)
	if !ok || name == "" {
		return "", "", fmt.Errorf("invalid header %q (expected 'Name: value')", s)
	}
	return name, strings.TrimSpace(value), nil
}

// parseUser splits user[:password]; a missing password is nil, not empty.
func parseUser(s string) (string, *string) {
	username, password, ok := strings.Cut(s, ":")
	if !ok {
		return username, nil
	}
	return username, &password
}

func writeResponse(out io.Writer, resp *interaction.Response, include bool) error {
	if include {
		fmt.Fprintf(out, "HTTP %d %s\n", resp.Status, http.StatusText(resp.Status))
		for _, field := range resp.Headers.Fields() {
			fmt.Fprintf(out, "%s: %s\n", field.Name, field.Value)
		}
		fmt.Fprintln(out)
	}
	_, err := out.Write(resp.Body)
	return err
}
