// Package qrz retrieves the operator's logbook from the QRZ logbook API.
//
// A fetch issues the fixed set of request variants, decodes each reply, drops
// replies that are byte-identical to an earlier one and joins the rest into a
// single ADIF text for the parser.
package qrz

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/zeebo/xxh3"
	"golang.org/x/sync/errgroup"

	"pucs/adif"
	"pucs/config"
	"pucs/strutil"
)

// ErrFetchFailure is returned when no variant produced a usable payload.
var ErrFetchFailure = errors.New("qrz: fetch failure")

const (
	// payloadSeparator follows every unique payload in the combined text.
	payloadSeparator = "\n\n"
	maxResponseBytes = 32 << 20

	// The upstream sits behind caches that replay stale logbooks; these
	// headers are sent on every request.
	staleIfModifiedSince = "Wed, 21 Oct 2020 07:28:00 GMT"
)

// Variant outcome labels, also used as metric label values.
const (
	StatusOK        = "ok"
	StatusEmpty     = "empty"
	StatusFailed    = "failed"
	StatusDuplicate = "duplicate"
)

// Credentials authenticate one logbook.
type Credentials struct {
	Callsign string
	APIKey   string
}

// Masked returns the API key in its loggable form.
func (c Credentials) Masked() string {
	return strutil.MaskSecret(c.APIKey)
}

// VariantResult describes one request of a fetch.
type VariantResult struct {
	Name     string
	Option   string
	Status   string
	HTTPCode int
	Bytes    int
	Records  int
	Elapsed  time.Duration
	Err      error

	text string
}

// Result is the outcome of a whole fetch.
type Result struct {
	Text       string
	Variants   []VariantResult
	Succeeded  int
	Failed     int
	Duplicates int
	Demo       adif.DemoSignal
	Elapsed    time.Duration
}

// Client talks to the logbook API. It is safe for concurrent use.
type Client struct {
	endpoint    string
	userAgent   string
	timeout     time.Duration
	concurrency int
	cfg         config.QRZConfig
	http        *http.Client
	logger      *log.Logger
	now         func() time.Time
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the transport, mainly for tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithClock replaces the time source used for "today" and cache busters.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// Purpose: Construct a logbook client from the qrz config section.
// Key aspects: Per-request timeouts come from the config; the http.Client has
// no global timeout so each variant is bounded by its own context.
// Upstream: main startup, cmd/qrzcheck.
// Downstream: Fetch.
func New(cfg config.QRZConfig, logger *log.Logger, opts ...Option) *Client {
	c := &Client{
		endpoint:    strings.TrimSpace(cfg.Endpoint),
		userAgent:   cfg.UserAgent,
		timeout:     cfg.RequestTimeout(),
		concurrency: cfg.Concurrency,
		cfg:         cfg,
		http:        &http.Client{},
		logger:      logger,
		now:         time.Now,
	}
	if c.endpoint == "" {
		c.endpoint = config.DefaultConfig().QRZ.Endpoint
	}
	if c.timeout <= 0 {
		c.timeout = 30 * time.Second
	}
	if c.concurrency <= 0 {
		c.concurrency = 1
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Today returns the current calendar day in the configured location.
func (c *Client) Today() time.Time {
	return c.now().In(c.cfg.TimeLocation())
}

// Fetch runs all variants for the current day.
func (c *Client) Fetch(ctx context.Context, creds Credentials) (Result, error) {
	return c.FetchOn(ctx, creds, c.Today())
}

// Purpose: Retrieve and combine the logbook for one reconciliation cycle.
// Key aspects: Variants run under errgroup with a concurrency cap; one
// variant's failure never cancels the others. Replies are deduplicated by
// exact text in variant order.
// Upstream: reconcile.Reconciler.Cycle, cmd/qrzcheck fetch.
// Downstream: fetchVariant, combine.
func (c *Client) FetchOn(ctx context.Context, creds Credentials, today time.Time) (Result, error) {
	start := time.Now()
	creds.APIKey = strings.TrimSpace(creds.APIKey)
	if creds.APIKey == "" {
		return Result{}, fmt.Errorf("%w: empty api key", ErrFetchFailure)
	}
	variants := Variants(today, c.cfg.HistoryStartDate(today))
	c.logf("QRZ: fetching logbook for %s (key %s, %d variants)", strutil.NormalizeCallsign(creds.Callsign), creds.Masked(), len(variants))

	results := make([]VariantResult, len(variants))
	var g errgroup.Group
	g.SetLimit(c.concurrency)
	for i, v := range variants {
		i, v := i, v
		g.Go(func() error {
			results[i] = c.fetchVariant(ctx, creds, v, i, len(variants))
			return nil
		})
	}
	_ = g.Wait()

	res := combine(results)
	res.Elapsed = time.Since(start)
	if res.Succeeded == 0 {
		var errs []error
		for _, vr := range res.Variants {
			if vr.Err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", vr.Name, vr.Err))
			}
		}
		if len(errs) == 0 {
			errs = append(errs, errors.New("all variants returned an empty logbook"))
		}
		return res, fmt.Errorf("%w: %w", ErrFetchFailure, errors.Join(errs...))
	}

	c.logf("QRZ: %d/%d variants usable (%d failed, %d duplicate); combined %s in %s",
		res.Succeeded, len(variants), res.Failed, res.Duplicates, humanize.Bytes(uint64(len(res.Text))), res.Elapsed.Round(time.Millisecond))
	if res.Demo != adif.DemoNone {
		c.logf("QRZ: WARNING payload contains demo callsign %s (%s); check the API key belongs to the live logbook", adif.DemoCallsign, res.Demo)
	}
	return res, nil
}

func (c *Client) fetchVariant(ctx context.Context, creds Credentials, v Variant, idx, total int) (vr VariantResult) {
	vr = VariantResult{Name: v.Name, Option: v.Option, Status: StatusFailed}
	start := time.Now()
	defer func() { vr.Elapsed = time.Since(start) }()

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, code, err := c.get(reqCtx, v.params(creds.APIKey, c.now()))
	vr.HTTPCode = code
	if err != nil {
		vr.Err = redact(err, creds.APIKey)
		c.logf("QRZ: variant %d/%d %s failed: %v", idx+1, total, v.Name, vr.Err)
		return vr
	}
	vr.Bytes = len(body)

	resp, ok := adif.ExtractPayload(body)
	if ok && resp.Result != "" && !resp.OK() {
		reason := resp.Reason
		if reason == "" {
			reason = "RESULT=" + resp.Result
		}
		vr.Err = fmt.Errorf("upstream refused: %s", reason)
		c.logf("QRZ: variant %d/%d %s refused: %s", idx+1, total, v.Name, reason)
		return vr
	}
	text := strings.TrimSpace(adif.Unescape(resp.Payload))
	if !ok || text == "" {
		vr.Status = StatusEmpty
		c.logf("QRZ: variant %d/%d %s returned no payload (%s)", idx+1, total, v.Name, humanize.Bytes(uint64(len(body))))
		return vr
	}
	vr.Status = StatusOK
	vr.Records = len(adif.Parse(text))
	vr.text = text
	c.logf("QRZ: variant %d/%d %s ok: %s, %d records (COUNT=%d)", idx+1, total, v.Name, humanize.Bytes(uint64(len(body))), vr.Records, resp.Count)
	return vr
}

func (c *Client) get(ctx context.Context, params map[string]string) (string, int, error) {
	q := url.Values{}
	for k, v := range params {
		q.Set(k, v)
	}
	target := c.endpoint
	if strings.Contains(target, "?") {
		target += "&" + q.Encode()
	} else {
		target += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("Cache-Control", "no-cache, no-store, must-revalidate, private")
	req.Header.Set("Pragma", "no-cache")
	req.Header.Set("Expires", "0")
	req.Header.Set("If-Modified-Since", staleIfModifiedSince)
	req.Header.Set("If-None-Match", `"no-cache"`)
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return "", resp.StatusCode, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", resp.StatusCode, err
	}
	return string(body), resp.StatusCode, nil
}

// combine deduplicates usable payloads in variant order. Hash buckets only
// narrow the comparison; equality is decided on the full text.
func combine(results []VariantResult) Result {
	res := Result{Variants: results}
	seen := make(map[uint64][]string, len(results))
	var b strings.Builder
	for i := range res.Variants {
		vr := &res.Variants[i]
		switch vr.Status {
		case StatusFailed:
			res.Failed++
			continue
		case StatusEmpty:
			continue
		}
		h := xxh3.HashString(vr.text)
		duplicate := false
		for _, prev := range seen[h] {
			if prev == vr.text {
				duplicate = true
				break
			}
		}
		if duplicate {
			vr.Status = StatusDuplicate
			res.Duplicates++
			continue
		}
		seen[h] = append(seen[h], vr.text)
		b.WriteString(vr.text)
		b.WriteString(payloadSeparator)
		res.Succeeded++
	}
	for i := range res.Variants {
		res.Variants[i].text = ""
	}
	res.Text = b.String()
	res.Demo = adif.DetectDemo(res.Text)
	return res
}

// redactedError hides the API key that transport errors embed via the URL.
type redactedError struct {
	msg string
	err error
}

func (e *redactedError) Error() string { return e.msg }
func (e *redactedError) Unwrap() error { return e.err }

func redact(err error, key string) error {
	if err == nil || key == "" {
		return err
	}
	msg := err.Error()
	masked := strutil.MaskSecret(key)
	msg = strings.ReplaceAll(msg, url.QueryEscape(key), masked)
	msg = strings.ReplaceAll(msg, key, masked)
	return &redactedError{msg: msg, err: err}
}

func (c *Client) logf(format string, args ...any) {
	if c == nil || c.logger == nil {
		return
	}
	c.logger.Printf(format, args...)
}
