package main

import (
	"bytes"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const testKey = "ABCD-1234-EFGH-5678"

func encoded(adifText string) string {
	return "RESULT=OK&COUNT=1&ADIF=" + strings.NewReplacer("<", "&lt;", ">", "&gt;").Replace(adifText)
}

// runApp executes the CLI with args and returns stdout.
func runApp(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	app := newCLIApp(&stdout, &stderr)
	err := app.Run(append([]string{"qrzcheck"}, args...))
	return stdout.String(), err
}

func mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, err := runApp(t, args...)
	if err != nil {
		t.Fatalf("qrzcheck %s: %v\n%s", strings.Join(args, " "), err, out)
	}
	return out
}

// fakeLogbook serves the same payload for every variant.
func fakeLogbook(t *testing.T, payload string) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, encoded(payload))
	}))
	t.Cleanup(srv.Close)
	dir := t.TempDir()
	yaml := fmt.Sprintf("qrz:\n  endpoint: %s\n  request_timeout_seconds: 5\n", srv.URL)
	if err := os.WriteFile(filepath.Join(dir, "qrz.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return dir
}

func TestParseCommandReportsLatestAndToday(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reply.txt")
	payload := encoded("<call:4>DL1A<qso_date:8>20251018<time_on:4>2330<eor>" +
		"<call:4>PA3X<qso_date:8>20251019<time_on:6>120000<mode:2>CW<eor>")
	if err := os.WriteFile(path, []byte(payload), 0o644); err != nil {
		t.Fatalf("write payload: %v", err)
	}

	out := mustRun(t, "parse", "--date", "2025-10-19", "--groups", path)
	for _, want := range []string{
		"Records: 2",
		"Latest: PA3X @ 2025-10-19 12:00:00",
		"On 2025-10-19: 1",
		"20251018: DL1A",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
}

func TestParseCommandRequiresFile(t *testing.T) {
	if _, err := runApp(t, "parse"); err == nil {
		t.Fatalf("expected an error without FILE")
	}
}

func TestCredentialsSetAndShow(t *testing.T) {
	db := filepath.Join(t.TempDir(), "queue.db")

	out := mustRun(t, "--db", db, "credentials", "show")
	if !strings.Contains(out, "No credentials configured") {
		t.Fatalf("unexpected output for empty table:\n%s", out)
	}

	mustRun(t, "--db", db, "credentials", "set", "--callsign", "pa0abc", "--key", testKey)
	out = mustRun(t, "--db", db, "creds", "show")
	if !strings.Contains(out, "Callsign: PA0ABC") || !strings.Contains(out, "ABCD-123...5678") {
		t.Fatalf("unexpected credentials output:\n%s", out)
	}
	if strings.Contains(out, testKey) {
		t.Fatalf("api key must be masked:\n%s", out)
	}
}

func TestQueueAddAndList(t *testing.T) {
	db := filepath.Join(t.TempDir(), "queue.db")
	mustRun(t, "--db", db, "queue", "add", "--location", "Utrecht", "pa3x")
	out := mustRun(t, "--db", db, "queue", "add", "dl1a")
	if !strings.Contains(out, "Queued DL1A at position 2") {
		t.Fatalf("unexpected add output:\n%s", out)
	}

	out = mustRun(t, "--db", db, "queue", "list")
	if strings.Index(out, "PA3X") < 0 || strings.Index(out, "PA3X") > strings.Index(out, "DL1A") || !strings.Contains(out, "Utrecht") {
		t.Fatalf("unexpected list output:\n%s", out)
	}

	out = mustRun(t, "--db", db, "queue", "list", "--date", "2001-01-01")
	if !strings.Contains(out, "Queue is empty") {
		t.Fatalf("expected an empty day:\n%s", out)
	}
}

func TestFetchCommandWithExplicitKey(t *testing.T) {
	cfgDir := fakeLogbook(t, "<call:4>PA3X<qso_date:8>20251019<time_on:4>1200<eor>")
	adifOut := filepath.Join(t.TempDir(), "combined.adi")

	out := mustRun(t, "--config", cfgDir, "fetch", "--key", testKey, "--date", "2025-10-19", "--out", adifOut)
	if !strings.Contains(out, "On 2025-10-19: 1") || !strings.Contains(out, "Usable:") {
		t.Fatalf("unexpected fetch output:\n%s", out)
	}
	data, err := os.ReadFile(adifOut)
	if err != nil || !strings.Contains(string(data), "PA3X") {
		t.Fatalf("combined payload not written: %v %q", err, data)
	}
}

func TestFetchCommandNeedsCredentials(t *testing.T) {
	cfgDir := fakeLogbook(t, "<call:4>PA3X<eor>")
	db := filepath.Join(t.TempDir(), "queue.db")
	_, err := runApp(t, "--config", cfgDir, "--db", db, "fetch")
	if err == nil || !strings.Contains(err.Error(), "no credentials stored") {
		t.Fatalf("expected missing credentials error, got %v", err)
	}
}

func TestRunCommandRemovesWorkedStation(t *testing.T) {
	now := time.Now().UTC()
	cfgDir := fakeLogbook(t, fmt.Sprintf("<call:4>PA3X<qso_date:8>%s<time_on:4>%s<eor>", now.Format("20060102"), now.Format("1504")))
	db := filepath.Join(t.TempDir(), "queue.db")

	mustRun(t, "--config", cfgDir, "--db", db, "credentials", "set", "--callsign", "PA0ABC", "--key", testKey)
	mustRun(t, "--config", cfgDir, "--db", db, "queue", "add", "PA3X")
	mustRun(t, "--config", cfgDir, "--db", db, "queue", "add", "DL1A")

	out := mustRun(t, "--config", cfgDir, "--db", db, "run")
	if !strings.Contains(out, "removed") || !strings.Contains(out, "Removed: PA3X") {
		t.Fatalf("unexpected run output:\n%s", out)
	}
	out = mustRun(t, "--config", cfgDir, "--db", db, "queue", "list")
	if strings.Contains(out, "PA3X") || !strings.Contains(out, "DL1A") {
		t.Fatalf("queue after run:\n%s", out)
	}
}

func TestRunCommandRejectsUnknownMode(t *testing.T) {
	if _, err := runApp(t, "run", "--mode", "weekly"); err == nil {
		t.Fatalf("expected an error for an unknown mode")
	}
}
