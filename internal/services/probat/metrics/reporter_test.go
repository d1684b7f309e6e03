package metrics

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

type received struct {
	path string
	body map[string]any
}

type collector struct {
	mu    sync.Mutex
	items []received
}

func (c *collector) handler(status int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		c.mu.Lock()
		c.items = append(c.items, received{path: r.URL.EscapedPath(), body: body})
		c.mu.Unlock()
		w.WriteHeader(status)
	}
}

func (c *collector) all() []received {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]received(nil), c.items...)
}

func flush(t *testing.T, r *Reporter) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
}

func TestReportPostsDefaults(t *testing.T) {
	c := &collector{}
	server := httptest.NewServer(c.handler(http.StatusCreated))
	defer server.Close()

	r := New(WithHTTPClient(server.Client()))
	r.Report(context.Background(), Event{BaseURL: server.URL, ExperimentID: "e 1", ID: "p1", Label: "b"})
	flush(t, r)

	items := c.all()
	if len(items) != 1 {
		t.Fatalf("requests = %d, want 1", len(items))
	}
	if items[0].path != "/experiments/e%201/metrics" {
		t.Fatalf("path = %s", items[0].path)
	}
	body := items[0].body
	if body["metric_name"] != "click" || body["metric_value"] != 1.0 || body["metric_unit"] != "count" || body["source"] != "go" {
		t.Fatalf("body = %v", body)
	}
	dims, _ := body["dimensions"].(map[string]any)
	if dims["variant_label"] != "b" || dims["proposal_id"] != "p1" {
		t.Fatalf("dimensions = %v", dims)
	}
	if stats := r.Stats(); stats.Delivered != 1 || stats.Failed != 0 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestReportCustomFields(t *testing.T) {
	c := &collector{}
	server := httptest.NewServer(c.handler(http.StatusOK))
	defer server.Close()

	value := 0.0
	r := New(WithHTTPClient(server.Client()), WithSource("demo"))
	r.Report(context.Background(), Event{
		BaseURL:      server.URL,
		ExperimentID: "e1",
		Label:        "a",
		Name:         "purchase",
		Value:        &value,
		Unit:         "usd",
		Dimensions:   map[string]any{"page": "home", "variant_label": "spoofed"},
	})
	flush(t, r)

	body := c.all()[0].body
	if body["metric_name"] != "purchase" || body["metric_value"] != 0.0 || body["metric_unit"] != "usd" || body["source"] != "demo" {
		t.Fatalf("body = %v", body)
	}
	dims, _ := body["dimensions"].(map[string]any)
	if dims["page"] != "home" || dims["variant_label"] != "a" {
		t.Fatalf("dimensions = %v", dims)
	}
	if _, ok := dims["proposal_id"]; ok {
		t.Fatalf("unexpected proposal_id: %v", dims)
	}
}

func TestReportFallsBackToProposalID(t *testing.T) {
	c := &collector{}
	server := httptest.NewServer(c.handler(http.StatusOK))
	defer server.Close()

	r := New(WithHTTPClient(server.Client()))
	r.Report(context.Background(), Event{BaseURL: server.URL, ID: "p1"})
	flush(t, r)

	items := c.all()
	if len(items) != 1 || items[0].path != "/experiments/p1/metrics" {
		t.Fatalf("items = %+v", items)
	}
	dims, _ := items[0].body["dimensions"].(map[string]any)
	if dims["variant_label"] != "control" {
		t.Fatalf("dimensions = %v", dims)
	}
}

func TestReportDoesNotBlockCaller(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer server.Close()
	defer close(release)

	r := New(WithHTTPClient(server.Client()))
	start := time.Now()
	r.Report(context.Background(), Event{BaseURL: server.URL, ExperimentID: "e1"})
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("report blocked for %v", elapsed)
	}
}

func TestReportOutlivesCallerContext(t *testing.T) {
	c := &collector{}
	server := httptest.NewServer(c.handler(http.StatusOK))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	r := New(WithHTTPClient(server.Client()))
	r.Report(ctx, Event{BaseURL: server.URL, ExperimentID: "e1"})
	cancel()
	flush(t, r)

	if len(c.all()) != 1 {
		t.Fatal("expected delivery after caller cancellation")
	}
}

func TestReportFailuresAreCounted(t *testing.T) {
	c := &collector{}
	server := httptest.NewServer(c.handler(http.StatusInternalServerError))
	r := New(WithHTTPClient(server.Client()))
	r.Report(context.Background(), Event{BaseURL: server.URL, ExperimentID: "e1"})
	flush(t, r)
	server.Close()

	r.Report(context.Background(), Event{BaseURL: server.URL, ExperimentID: "e1"})
	r.Report(context.Background(), Event{BaseURL: server.URL})
	flush(t, r)

	if stats := r.Stats(); stats.Failed != 3 || stats.Delivered != 0 {
		t.Fatalf("stats = %+v, want 3 failures", stats)
	}
}

func TestReportTimeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	r := New(WithHTTPClient(server.Client()), WithTimeout(50*time.Millisecond))
	r.Report(context.Background(), Event{BaseURL: server.URL, ExperimentID: "e1"})
	flush(t, r)
	if stats := r.Stats(); stats.Failed != 1 {
		t.Fatalf("stats = %+v, want timeout failure", stats)
	}
}

func TestFlushHonorsContext(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer server.Close()
	defer close(release)

	r := New(WithHTTPClient(server.Client()))
	r.Report(context.Background(), Event{BaseURL: server.URL, ExperimentID: "e1"})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := r.Flush(ctx); err == nil {
		t.Fatal("expected flush to time out")
	}
}
