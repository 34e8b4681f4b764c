// Package connector fetches raw recall notices from agency endpoints. Every
// agency is described by an agency.Config; the format selects the variant.
package connector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-shiori/go-readability"
	"golang.org/x/time/rate"

	"github.com/lysyi3m/recall-comb/internal/agency"
	"github.com/lysyi3m/recall-comb/internal/recall"
)

const (
	maxBodySize    = 32 << 20
	defaultTimeout = 30 * time.Second
)

// retryInitialInterval is the first backoff delay between fetch attempts.
var retryInitialInterval = 500 * time.Millisecond

// Connector is the capability shared by all agency sources. Fetch yields
// every record published since the given time (zero means everything). A
// failure to reach the agency is yielded once as *recall.ConnectorFetchError
// and ends the sequence. Fetch may be called again to restart.
type Connector interface {
	AgencyCode() string
	Category() recall.Category
	Fetch(ctx context.Context, since time.Time) iter.Seq2[recall.RawRecallRecord, error]
}

// New builds the connector variant matching cfg.Format.
func New(cfg *agency.Config, httpClient *http.Client, userAgent string) (Connector, error) {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	limit := rate.Inf
	if cfg.Settings.RateLimit > 0 {
		limit = rate.Limit(cfg.Settings.RateLimit)
	}
	base := &source{
		cfg:       cfg,
		client:    httpClient,
		userAgent: userAgent,
		limiter:   rate.NewLimiter(limit, 1),
	}

	switch cfg.Format {
	case agency.FormatJSON:
		return &JSONConnector{source: base}, nil
	case agency.FormatRSS:
		return NewRSSConnector(base), nil
	case agency.FormatHTML:
		return &HTMLConnector{source: base}, nil
	}
	return nil, fmt.Errorf("unsupported agency format: %s", cfg.Format)
}

// source carries what every variant needs to talk to its agency.
type source struct {
	cfg       *agency.Config
	client    *http.Client
	userAgent string
	limiter   *rate.Limiter
}

func (s *source) AgencyCode() string {
	return s.cfg.Code
}

func (s *source) Category() recall.Category {
	return s.cfg.Category
}

func (s *source) record(externalID string, payload []byte, fields map[string]string) recall.RawRecallRecord {
	return recall.RawRecallRecord{
		SourceAgency:  s.cfg.Code,
		AgencyCountry: s.cfg.Country,
		Category:      s.cfg.Category,
		ExternalID:    strings.TrimSpace(externalID),
		Payload:       payload,
		Fields:        fields,
		FetchedAt:     time.Now().UTC(),
	}
}

// listURL is the agency URL with the incremental cursor applied.
func (s *source) listURL(since time.Time) (string, error) {
	if s.cfg.SinceParam == "" || since.IsZero() {
		return s.cfg.URL, nil
	}
	u, err := url.Parse(s.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("failed to parse agency url: %w", err)
	}
	q := u.Query()
	q.Set(s.cfg.SinceParam, since.UTC().Format("2006-01-02"))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// fetchList downloads the agency listing, retrying transient failures with
// exponential backoff up to the configured number of attempts.
func (s *source) fetchList(ctx context.Context, since time.Time) ([]byte, error) {
	target, err := s.listURL(since)
	if err != nil {
		return nil, &recall.ConnectorFetchError{Agency: s.cfg.Code, Err: err}
	}

	attempts := 0
	operation := func() ([]byte, error) {
		attempts++
		return s.get(ctx, target)
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = retryInitialInterval

	data, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(exp),
		backoff.WithMaxTries(uint(max(s.cfg.Settings.MaxAttempts, 1))),
		backoff.WithNotify(func(err error, next time.Duration) {
			slog.Warn("Agency fetch attempt failed", "agency", s.cfg.Code, "attempt", attempts, "retry_in", next, "error", err)
		}),
	)
	if err != nil {
		return nil, &recall.ConnectorFetchError{Agency: s.cfg.Code, Attempts: attempts, Err: err}
	}
	return data, nil
}

type statusError struct {
	code   int
	status string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("HTTP error: %d %s", e.code, e.status)
}

// get performs one rate limited GET. Client errors other than 408 and 429
// are permanent and not retried.
func (s *source) get(ctx context.Context, target string) ([]byte, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, backoff.Permanent(err)
	}

	timeout := s.cfg.Settings.GetTimeout()
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(timeoutCtx, http.MethodGet, target, nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("User-Agent", s.userAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch URL: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		statusErr := &statusError{code: resp.StatusCode, status: resp.Status}
		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			if seconds, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil {
				return nil, backoff.RetryAfter(seconds)
			}
			return nil, statusErr
		case resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode >= 500:
			return nil, statusErr
		}
		return nil, backoff.Permanent(statusErr)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	return data, nil
}

// articleText fetches a detail page and returns its main text. Failures are
// logged and yield an empty string so the record is still emitted.
func (s *source) articleText(ctx context.Context, link string) string {
	pageURL, err := url.Parse(link)
	if err != nil || link == "" {
		return ""
	}
	data, err := s.get(ctx, link)
	if err != nil {
		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			err = permanent.Unwrap()
		}
		slog.Warn("Failed to fetch detail page", "agency", s.cfg.Code, "url", link, "error", err)
		return ""
	}

	article, err := readability.FromReader(strings.NewReader(string(data)), pageURL)
	if err != nil {
		slog.Warn("Failed to extract detail page content", "agency", s.cfg.Code, "url", link, "error", err)
		return ""
	}
	return strings.TrimSpace(article.TextContent)
}

// failed yields a single error and stops.
func failed(err error) iter.Seq2[recall.RawRecallRecord, error] {
	return func(yield func(recall.RawRecallRecord, error) bool) {
		yield(recall.RawRecallRecord{}, err)
	}
}
