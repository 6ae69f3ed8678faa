// Package verify re-issues recorded interactions against a live service and
// checks that it still answers the way the cassette says it did.
package verify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"replaydeck/interaction"
	"replaydeck/transport"
)

type Strategy string

const (
	StrategyExact      Strategy = "exact"
	StrategyStatusCode Strategy = "status_code"
	StrategyFuzzy      Strategy = "fuzzy"
)

func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case StrategyExact, "":
		return StrategyExact, nil
	case StrategyStatusCode:
		return StrategyStatusCode, nil
	case StrategyFuzzy:
		return StrategyFuzzy, nil
	default:
		return "", fmt.Errorf("unknown verify strategy %q (must be 'exact', 'status_code' or 'fuzzy')", s)
	}
}

// FailureError stops a fail-fast run.
type FailureError struct {
	Index  int
	Reason string
}

func (e *FailureError) Error() string {
	return fmt.Sprintf("verification failed at interaction %d: %s", e.Index, e.Reason)
}

// Result is the outcome of re-issuing one interaction.
type Result struct {
	Index           int           `json:"index"`
	Method          string        `json:"method"`
	URL             string        `json:"url"`
	Success         bool          `json:"success"`
	ExpectedStatus  int           `json:"expected_status"`
	ActualStatus    int           `json:"actual_status"`
	ResponseTime    time.Duration `json:"response_time"`
	Error           string        `json:"error,omitempty"`
	ValidationError string        `json:"validation_error,omitempty"`
}

// Report summarizes a verification run. Results are in cassette order and
// omit interactions skipped after a fail-fast stop.
type Report struct {
	Cassette     string        `json:"cassette"`
	Total        int           `json:"total"`
	SuccessCount int           `json:"success_count"`
	FailureCount int           `json:"failure_count"`
	Skipped      int           `json:"skipped"`
	Results      []*Result     `json:"results"`
	StartTime    time.Time     `json:"start_time"`
	EndTime      time.Time     `json:"end_time"`
	Duration     time.Duration `json:"duration"`
}

type Options struct {
	Strategy    Strategy
	Concurrency int
	FailFast    bool
	// BaseURL replaces the scheme and host of every recorded URL; its path
	// is prefixed to the recorded path.
	BaseURL string
	// IgnoreHeaders are left out of the exact header comparison.
	IgnoreHeaders []string
	Transport     transport.Transport
	Logger        *zap.Logger
}

type Verifier struct {
	strategy    Strategy
	concurrency int
	failFast    bool
	base        *url.URL
	ignore      map[string]bool
	transport   transport.Transport
	logger      *zap.Logger
}

func New(opts Options) (*Verifier, error) {
	strategy, err := ParseStrategy(string(opts.Strategy))
	if err != nil {
		return nil, err
	}
	v := &Verifier{
		strategy:    strategy,
		concurrency: opts.Concurrency,
		failFast:    opts.FailFast,
		ignore:      make(map[string]bool),
		transport:   opts.Transport,
		logger:      opts.Logger,
	}
	if v.concurrency < 1 {
		v.concurrency = 1
	}
	if opts.BaseURL != "" {
		base, err := url.Parse(opts.BaseURL)
		if err != nil || base.Scheme == "" || base.Host == "" {
			return nil, fmt.Errorf("base url must be absolute: %q", opts.BaseURL)
		}
		v.base = base
	}
	for _, name := range opts.IgnoreHeaders {
		v.ignore[http.CanonicalHeaderKey(name)] = true
	}
	if v.transport == nil {
		v.transport = transport.New(transport.Options{Logger: opts.Logger})
	}
	if v.logger == nil {
		v.logger = zap.NewNop()
	}
	return v, nil
}

// Verify re-issues items in order, or concurrently when Concurrency > 1.
// With FailFast the first failure stops the run and is returned as a
// *FailureError alongside the partial report.
func (v *Verifier) Verify(ctx context.Context, name string, items []interaction.Interaction) (*Report, error) {
	v.logger.Info("[VERIFY] starting",
		zap.String("cassette", name),
		zap.Int("interactions", len(items)),
		zap.String("strategy", string(v.strategy)),
		zap.Int("concurrency", v.concurrency))

	report := &Report{
		Cassette:  name,
		Total:     len(items),
		StartTime: time.Now(),
	}
	results := make([]*Result, len(items))

	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(v.concurrency)
	for i := range items {
		if ctx.Err() != nil {
			break
		}
		i := i
		eg.Go(noPanic(func() error {
			if ctx.Err() != nil {
				return nil
			}
			result := v.verifyOne(ctx, i, items[i])
			results[i] = result
			if !result.Success && v.failFast {
				reason := result.ValidationError
				if reason == "" {
					reason = result.Error
				}
				return &FailureError{Index: i, Reason: reason}
			}
			return nil
		}))
	}
	err := eg.Wait()

	for _, result := range results {
		if result == nil {
			report.Skipped++
			continue
		}
		report.Results = append(report.Results, result)
		if result.Success {
			report.SuccessCount++
		} else {
			report.FailureCount++
		}
	}
	report.EndTime = time.Now()
	report.Duration = report.EndTime.Sub(report.StartTime)

	v.logger.Info("[VERIFY] completed",
		zap.String("cassette", name),
		zap.Int("succeeded", report.SuccessCount),
		zap.Int("failed", report.FailureCount),
		zap.Int("skipped", report.Skipped),
		zap.Duration("duration", report.Duration))

	var failure *FailureError
	if err != nil && !errors.As(err, &failure) {
		return report, fmt.Errorf("verification aborted: %w", err)
	}
	return report, err
}

func (v *Verifier) verifyOne(ctx context.Context, index int, item interaction.Interaction) *Result {
	result := &Result{Index: index}
	if item.Request == nil || item.Request.Target == nil || item.Response == nil {
		result.Error = "interaction is incomplete"
		return result
	}

	req := item.Request.Clone()
	req.Target.URL = v.rebase(req.Target.URL)
	result.Method = req.Target.Method
	result.URL = req.Target.URL.String()
	result.ExpectedStatus = item.Response.Status

	start := time.Now()
	actual, err := v.transport.Execute(ctx, req)
	result.ResponseTime = time.Since(start)
	if err != nil {
		result.Error = err.Error()
		v.logger.Warn("[VERIFY] request failed", zap.Int("index", index), zap.String("url", result.URL), zap.Error(err))
		return result
	}
	result.ActualStatus = actual.Status

	result.ValidationError = v.compare(item.Response, actual)
	result.Success = result.ValidationError == ""
	if !result.Success {
		v.logger.Debug("[VERIFY] mismatch", zap.Int("index", index), zap.String("reason", result.ValidationError))
	}
	return result
}

func (v *Verifier) rebase(u *url.URL) *url.URL {
	if v.base == nil {
		return u
	}
	out := *u
	out.Scheme = v.base.Scheme
	out.Host = v.base.Host
	out.User = v.base.User
	if prefix := strings.TrimSuffix(v.base.Path, "/"); prefix != "" {
		out.Path = prefix + u.Path
		out.RawPath = ""
	}
	return &out
}

// compare returns an empty string when actual satisfies the strategy.
func (v *Verifier) compare(expected, actual *interaction.Response) string {
	if actual.Status != expected.Status {
		return fmt.Sprintf("status mismatch: expected %d, got %d", expected.Status, actual.Status)
	}
	switch v.strategy {
	case StrategyStatusCode:
		return ""
	case StrategyFuzzy:
		return fuzzyBody(expected.Body, actual.Body)
	}

	if !bytes.Equal(expected.Body, actual.Body) {
		return fmt.Sprintf("body mismatch: expected %d bytes, got %d bytes", len(expected.Body), len(actual.Body))
	}
	if name, ok := v.headerDifference(expected.Headers, actual.Headers); !ok {
		return fmt.Sprintf("header mismatch: %s", name)
	}
	return ""
}

func (v *Verifier) headerDifference(expected, actual interaction.Headers) (string, bool) {
	names := make(map[string]bool)
	for _, name := range expected.Names() {
		names[http.CanonicalHeaderKey(name)] = true
	}
	for _, name := range actual.Names() {
		names[http.CanonicalHeaderKey(name)] = true
	}
	sorted := make([]string, 0, len(names))
	for name := range names {
		if !v.ignore[name] {
			sorted = append(sorted, name)
		}
	}
	sort.Strings(sorted)

	for _, name := range sorted {
		want, got := expected.Values(name), actual.Values(name)
		if len(want) != len(got) {
			return name, false
		}
		for i := range want {
			if want[i] != got[i] {
				return name, false
			}
		}
	}
	return "", true
}

// fuzzyBody accepts any body when either side is not JSON. JSON bodies must
// have the same shape: the same top-level type and, for objects, the same
// keys.
func fuzzyBody(expected, actual []byte) string {
	var want, got interface{}
	if json.Unmarshal(expected, &want) != nil || json.Unmarshal(actual, &got) != nil {
		return ""
	}
	if fmt.Sprintf("%T", want) != fmt.Sprintf("%T", got) {
		return fmt.Sprintf("JSON structure mismatch: expected %T, got %T", want, got)
	}
	wantObj, ok := want.(map[string]interface{})
	if !ok {
		return ""
	}
	gotObj := got.(map[string]interface{})
	for key := range wantObj {
		if _, ok := gotObj[key]; !ok {
			return fmt.Sprintf("JSON structure mismatch: missing key %q", key)
		}
	}
	for key := range gotObj {
		if _, ok := wantObj[key]; !ok {
			return fmt.Sprintf("JSON structure mismatch: unexpected key %q", key)
		}
	}
	return ""
}
