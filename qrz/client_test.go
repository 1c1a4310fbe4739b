package qrz

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"pucs/adif"
	"pucs/config"
)

const testKey = "ABCD-1234-EFGH-5678"

var fixedNow = time.Date(2025, 10, 19, 14, 0, 0, 0, time.UTC)

func encoded(adifText string) string {
	return "RESULT=OK&COUNT=1&ADIF=" + strings.NewReplacer("<", "&lt;", ">", "&gt;").Replace(adifText)
}

func variantOf(q url.Values) string {
	option := q.Get("OPTION")
	switch {
	case strings.HasPrefix(option, "BETWEEN:"):
		return "between"
	case strings.HasPrefix(option, "MODSINCE:"):
		return "modsince"
	case q.Get("MAX") == "500":
		return "recent"
	default:
		return "all"
	}
}

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *bytes.Buffer) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cfg := config.DefaultConfig().QRZ
	cfg.Endpoint = srv.URL
	cfg.HistoryStart = "2025-10-01"
	var buf bytes.Buffer
	logger := log.New(&buf, "", 0)
	return New(cfg, logger, WithClock(func() time.Time { return fixedNow })), &buf
}

func TestFetchCombinesDistinctVariantsAndSurvivesFailures(t *testing.T) {
	payloadBetween := "<call:4>PA3X<qso_date:8>20251019<time_on:4>1200<eor>"
	payloadRecent := "<call:4>ON4Y<qso_date:8>20251019<time_on:4>1300<eor>"

	client, logs := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch variantOf(r.URL.Query()) {
		case "all":
			http.Error(w, "busy", http.StatusServiceUnavailable)
		case "between":
			fmt.Fprint(w, encoded(payloadBetween))
		case "modsince":
			http.Error(w, "boom", http.StatusInternalServerError)
		case "recent":
			fmt.Fprint(w, encoded(payloadRecent))
		}
	})

	res, err := client.Fetch(context.Background(), Credentials{Callsign: "PA3EFR", APIKey: testKey})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	want := payloadBetween + payloadSeparator + payloadRecent + payloadSeparator
	if res.Text != want {
		t.Fatalf("unexpected combined text:\n%q\nwant\n%q", res.Text, want)
	}
	if res.Succeeded != 2 || res.Failed != 2 || res.Duplicates != 0 {
		t.Fatalf("unexpected counters %+v", res)
	}
	if got := strings.Count(logs.String(), " failed: "); got != 2 {
		t.Fatalf("expected 2 failure log lines, got %d:\n%s", got, logs.String())
	}
	if len(res.Variants) != 4 || res.Variants[0].HTTPCode != http.StatusServiceUnavailable {
		t.Fatalf("unexpected variant results %+v", res.Variants)
	}
	if recs := adif.Parse(res.Text); len(recs) != 2 {
		t.Fatalf("expected 2 records in combined text, got %d", len(recs))
	}
}

func TestFetchVariantTimeoutDoesNotAbortOthers(t *testing.T) {
	payload := "<call:4>PA3X<qso_date:8>20251019<time_on:4>1200<eor>"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if variantOf(r.URL.Query()) == "all" {
			select {
			case <-r.Context().Done():
			case <-time.After(1500 * time.Millisecond):
			}
			return
		}
		fmt.Fprint(w, encoded(payload))
	}))
	t.Cleanup(srv.Close)
	cfg := config.DefaultConfig().QRZ
	cfg.Endpoint = srv.URL
	cfg.HistoryStart = "2025-10-01"
	cfg.RequestTimeoutSeconds = 1
	var logs bytes.Buffer
	client := New(cfg, log.New(&logs, "", 0), WithClock(func() time.Time { return fixedNow }))

	res, err := client.Fetch(context.Background(), Credentials{APIKey: testKey})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if res.Succeeded != 1 || res.Failed != 1 || res.Duplicates != 2 {
		t.Fatalf("unexpected counters %+v", res)
	}
	if res.Variants[0].Status != StatusFailed || !errors.Is(res.Variants[0].Err, context.DeadlineExceeded) {
		t.Fatalf("expected the stalled variant to time out, got %+v", res.Variants[0])
	}
	if res.Text != payload+payloadSeparator {
		t.Fatalf("unexpected combined text %q", res.Text)
	}
	out := logs.String()
	if !strings.Contains(out, "all failed: ") || !strings.Contains(out, "deadline exceeded") {
		t.Fatalf("timeout not logged:\n%s", out)
	}
	if strings.Contains(out, testKey) {
		t.Fatalf("api key leaked into logs:\n%s", out)
	}
}

func TestFetchDeduplicatesIdenticalReplies(t *testing.T) {
	payload := "<call:4>PA3X<qso_date:8>20251019<eor>"
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, encoded(payload))
	})

	res, err := client.Fetch(context.Background(), Credentials{APIKey: testKey})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if res.Text != payload+payloadSeparator {
		t.Fatalf("duplicates not removed: %q", res.Text)
	}
	if res.Succeeded != 1 || res.Duplicates != 3 {
		t.Fatalf("unexpected counters %+v", res)
	}
	if res.Variants[3].Status != StatusDuplicate {
		t.Fatalf("expected last variant to be marked duplicate, got %s", res.Variants[3].Status)
	}
}

func TestFetchFailsWhenEveryVariantFails(t *testing.T) {
	client, logs := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	})

	res, err := client.Fetch(context.Background(), Credentials{APIKey: testKey})
	if !errors.Is(err, ErrFetchFailure) {
		t.Fatalf("expected ErrFetchFailure, got %v", err)
	}
	if res.Failed != 4 || res.Text != "" {
		t.Fatalf("unexpected result %+v", res)
	}
	if strings.Contains(err.Error(), testKey) || strings.Contains(logs.String(), testKey) {
		t.Fatalf("api key leaked into error or logs")
	}
}

func TestFetchFailsWhenEveryVariantIsEmpty(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "RESULT=OK&COUNT=0")
	})
	res, err := client.Fetch(context.Background(), Credentials{APIKey: testKey})
	if !errors.Is(err, ErrFetchFailure) {
		t.Fatalf("expected ErrFetchFailure, got %v", err)
	}
	if res.Failed != 0 || res.Variants[0].Status != StatusEmpty {
		t.Fatalf("empty replies must not count as failures: %+v", res)
	}
}

func TestFetchTreatsRefusalAsFailure(t *testing.T) {
	client, logs := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if variantOf(r.URL.Query()) == "recent" {
			fmt.Fprint(w, encoded("<call:4>PA3X<eor>"))
			return
		}
		fmt.Fprint(w, "RESULT=FAIL&REASON=invalid api key")
	})
	res, err := client.Fetch(context.Background(), Credentials{APIKey: testKey})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if res.Failed != 3 || res.Succeeded != 1 {
		t.Fatalf("unexpected counters %+v", res)
	}
	if !strings.Contains(logs.String(), "invalid api key") {
		t.Fatalf("refusal reason not logged:\n%s", logs.String())
	}
}

func TestFetchSendsParametersAndAntiCacheHeaders(t *testing.T) {
	var (
		mu      sync.Mutex
		options []string
	)
	client, logs := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("KEY") != testKey || q.Get("ACTION") != "FETCH" || q.Get("ADIF") != "1" {
			t.Errorf("unexpected query %v", q)
		}
		if q.Get("ts") != fmt.Sprint(fixedNow.UnixMilli()) {
			t.Errorf("unexpected cache buster %q", q.Get("ts"))
		}
		if r.Header.Get("Cache-Control") != "no-cache, no-store, must-revalidate, private" ||
			r.Header.Get("Pragma") != "no-cache" || r.Header.Get("Expires") != "0" ||
			r.Header.Get("If-None-Match") != `"no-cache"` || r.Header.Get("If-Modified-Since") == "" {
			t.Errorf("missing anti-cache headers: %v", r.Header)
		}
		if !strings.Contains(r.Header.Get("User-Agent"), "PUCS-QRZ-Checker") {
			t.Errorf("unexpected user agent %q", r.Header.Get("User-Agent"))
		}
		mu.Lock()
		options = append(options, q.Get("OPTION")+"/"+q.Get("MAX"))
		mu.Unlock()
		fmt.Fprint(w, encoded("<call:4>PA3X<eor>"))
	})

	if _, err := client.Fetch(context.Background(), Credentials{APIKey: testKey}); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	want := []string{"ALL/1000", "BETWEEN:2025-10-01+2025-10-19/1000", "MODSINCE:2025-10-01/1000", "ALL/500"}
	if strings.Join(options, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected variant order/options %v", options)
	}
	if strings.Contains(logs.String(), testKey) {
		t.Fatalf("api key leaked into logs")
	}
	if !strings.Contains(logs.String(), "ABCD-123...5678") {
		t.Fatalf("masked key missing from logs:\n%s", logs.String())
	}
}

func TestFetchFlagsDemoPayload(t *testing.T) {
	client, logs := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, encoded("<call:4>TE5T<comment:9>Test call<eor>"))
	})
	res, err := client.Fetch(context.Background(), Credentials{APIKey: testKey})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if res.Demo != adif.DemoConfirmed {
		t.Fatalf("expected confirmed demo signal, got %s", res.Demo)
	}
	if !strings.Contains(logs.String(), "demo callsign") {
		t.Fatalf("demo warning not logged")
	}
}

func TestFetchRejectsEmptyKey(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("no request expected")
	})
	if _, err := client.Fetch(context.Background(), Credentials{APIKey: "  "}); !errors.Is(err, ErrFetchFailure) {
		t.Fatalf("expected ErrFetchFailure, got %v", err)
	}
}

func TestVariantsUseRollingWindow(t *testing.T) {
	today := time.Date(2025, 10, 19, 0, 0, 0, 0, time.UTC)
	vs := Variants(today, today.AddDate(0, 0, -30))
	if len(vs) != 4 {
		t.Fatalf("expected 4 variants, got %d", len(vs))
	}
	if vs[1].Option != "BETWEEN:2025-09-19+2025-10-19" || vs[2].Option != "MODSINCE:2025-09-19" {
		t.Fatalf("unexpected window options %+v", vs)
	}
	if vs[3].Max != 500 || vs[0].Max != 1000 {
		t.Fatalf("unexpected caps %+v", vs)
	}
}
