package apiserver

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap"

	"github.com/slurmboard/slurmboard/internal/apiserver/handler"
	"github.com/slurmboard/slurmboard/internal/config"
	"github.com/slurmboard/slurmboard/internal/cursor"
	"github.com/slurmboard/slurmboard/internal/journal"
	"github.com/slurmboard/slurmboard/internal/layout"
	"github.com/slurmboard/slurmboard/internal/leaderboard"
	"github.com/slurmboard/slurmboard/internal/rollup"
	"github.com/slurmboard/slurmboard/internal/seenset"
	"github.com/slurmboard/slurmboard/pkg/jobstats"
)

// newTestRouter seeds a two-cluster artifact tree the way the poller would
// leave it after a few ticks and returns a router over it.
func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	tree := layout.New(t.TempDir())
	store := rollup.NewStore(tree, zap.NewNop())

	last := "2025-08"
	err := cursor.NewFile(tree.CursorPath("hammer"), zap.NewNop()).Save(cursor.State{
		BackfillStart:     "2025-07",
		LastCompleteMonth: &last,
	})
	if err != nil {
		t.Fatalf("seeding cursor: %v", err)
	}

	users := map[string]jobstats.Metrics{
		"alice": {TotalClockHours: 8, TotalElapsedHours: 4},
		"bob":   {TotalClockHours: 2, TotalElapsedHours: 2, CountFailedJobs: 1},
	}
	if err := store.SaveMonthly("hammer", "2025-08", users); err != nil {
		t.Fatalf("seeding rollup: %v", err)
	}
	if err := store.ApplyUserDeltas("hammer", users); err != nil {
		t.Fatalf("seeding user aggregates: %v", err)
	}
	// alice also ran on the anvil cluster; her document must merge both.
	err = store.ApplyUserDeltas("anvil", map[string]jobstats.Metrics{
		"alice": {TotalClockHours: 3},
	})
	if err != nil {
		t.Fatalf("seeding user aggregates: %v", err)
	}

	seen, _, err := seenset.LoadOrCreate(tree.SeenPath("hammer", "2025-08"), 1000, 0.01)
	if err != nil {
		t.Fatalf("seeding seen-set: %v", err)
	}
	seen.Add("12345|hammer")
	if err := seen.Save(tree.SeenPath("hammer", "2025-08")); err != nil {
		t.Fatalf("saving seen-set: %v", err)
	}

	if _, err := leaderboard.NewBuilder(store, zap.NewNop()).Build(); err != nil {
		t.Fatalf("building leaderboards: %v", err)
	}

	cfg := &config.Config{Clusters: []config.ClusterConfig{
		{Name: "hammer", BackfillStart: "2025-07-01"},
		{Name: "anvil", BackfillStart: "2025-08-01"},
	}}
	return NewRouter(cfg, tree, store, seedJournal(t))
}

func seedJournal(t *testing.T) *journal.Journal {
	t.Helper()
	path := filepath.Join(t.TempDir(), "slurmboard.db")
	j, err := journal.Open(journal.Config{Path: path}, zap.NewNop())
	if err != nil {
		t.Fatalf("opening journal: %v", err)
	}
	base := time.Date(2025, 10, 1, 0, 0, 0, 0, time.UTC)
	records := []journal.TickRecord{
		{Cluster: "hammer", Phase: "historical", Month: "2025-07", Status: "ok", Processed: 40, NewJobs: 40},
		{Cluster: "hammer", Phase: "historical", Month: "2025-08", Status: "ok", Processed: 25, NewJobs: 25},
		{Cluster: "anvil", Phase: "incremental", Month: "2025-10", Status: "sacct_failed", Error: "exit status 1"},
	}
	for i, rec := range records {
		rec.StartedAt = base.Add(time.Duration(i) * time.Hour)
		rec.FinishedAt = rec.StartedAt.Add(time.Minute)
		j.Record(rec)
	}
	// Close drains the async writer; reopen so the handler reads a settled
	// database.
	if err := j.Close(); err != nil {
		t.Fatalf("draining journal: %v", err)
	}
	j, err = journal.Open(journal.Config{Path: path}, zap.NewNop())
	if err != nil {
		t.Fatalf("reopening journal: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func get(t *testing.T, router http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decoding response %q: %v", rec.Body.String(), err)
	}
}

func errorBody(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	decode(t, rec, &body)
	return body["error"]
}

// ---

func TestHealthz(t *testing.T) {
	router := newTestRouter(t)

	rec := get(t, router, "/healthz")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /healthz = %d, want 200", rec.Code)
	}
	var body map[string]string
	decode(t, rec, &body)
	if body["status"] != "ok" {
		t.Errorf("status = %q, want ok", body["status"])
	}
}

func TestMetricsEndpoint(t *testing.T) {
	router := newTestRouter(t)

	rec := get(t, router, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /metrics = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "slurmboard_") {
		t.Error("exposition is missing the slurmboard_ collectors")
	}
}

func TestListClusters(t *testing.T) {
	router := newTestRouter(t)

	rec := get(t, router, "/api/v1/clusters")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /clusters = %d, want 200", rec.Code)
	}
	var clusters []handler.ClusterSummary
	decode(t, rec, &clusters)

	last := "2025-08"
	want := []handler.ClusterSummary{
		{Name: "hammer", BackfillStart: "2025-07", LastCompleteMonth: &last, Months: 1},
		{Name: "anvil"},
	}
	if diff := cmp.Diff(want, clusters); diff != "" {
		t.Errorf("cluster list mismatch (-want +got):\n%s", diff)
	}
}

func TestGetCursor(t *testing.T) {
	router := newTestRouter(t)

	rec := get(t, router, "/api/v1/clusters/hammer/cursor")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET cursor = %d, want 200", rec.Code)
	}
	var st cursor.State
	decode(t, rec, &st)
	if st.BackfillStart != "2025-07" {
		t.Errorf("backfill_start = %q, want 2025-07", st.BackfillStart)
	}
	if st.InProgress != nil {
		t.Errorf("in_progress = %v, want nil", *st.InProgress)
	}
	if st.LastCompleteMonth == nil || *st.LastCompleteMonth != "2025-08" {
		t.Errorf("last_complete_month = %v, want 2025-08", st.LastCompleteMonth)
	}

	// anvil is configured but has never ticked.
	rec = get(t, router, "/api/v1/clusters/anvil/cursor")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("GET fresh cursor = %d, want 404", rec.Code)
	}
	if msg := errorBody(t, rec); !strings.Contains(msg, "not initialized") {
		t.Errorf("error = %q, want not-initialized message", msg)
	}

	rec = get(t, router, "/api/v1/clusters/quartz/cursor")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("GET unknown cluster = %d, want 404", rec.Code)
	}
	if msg := errorBody(t, rec); !strings.Contains(msg, "unknown cluster") {
		t.Errorf("error = %q, want unknown-cluster message", msg)
	}
}

func TestListMonths(t *testing.T) {
	router := newTestRouter(t)

	rec := get(t, router, "/api/v1/clusters/hammer/months")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET months = %d, want 200", rec.Code)
	}
	var list handler.MonthList
	decode(t, rec, &list)
	want := handler.MonthList{Cluster: "hammer", Months: []string{"2025-08"}}
	if diff := cmp.Diff(want, list); diff != "" {
		t.Errorf("month list mismatch (-want +got):\n%s", diff)
	}

	// A cluster without rollups answers an empty array, not null.
	rec = get(t, router, "/api/v1/clusters/anvil/months")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET empty months = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"months":[]`) {
		t.Errorf("body = %s, want empty months array", rec.Body.String())
	}
}

func TestGetMonth(t *testing.T) {
	router := newTestRouter(t)

	rec := get(t, router, "/api/v1/clusters/hammer/months/2025-08")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET month = %d, want 200", rec.Code)
	}
	var doc rollup.MonthlyDoc
	decode(t, rec, &doc)
	if doc.Cluster != "hammer" || doc.Month != "2025-08" {
		t.Errorf("doc is for %s/%s, want hammer/2025-08", doc.Cluster, doc.Month)
	}
	if len(doc.Users) != 2 {
		t.Fatalf("doc has %d users, want 2", len(doc.Users))
	}
	if doc.Users[0].Username != "alice" || doc.Users[0].TotalClockHours != 8 {
		t.Errorf("first row = %s/%v, want alice with 8 clock hours",
			doc.Users[0].Username, doc.Users[0].TotalClockHours)
	}

	rec = get(t, router, "/api/v1/clusters/hammer/months/August")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("GET bad month key = %d, want 404", rec.Code)
	}
	if msg := errorBody(t, rec); !strings.Contains(msg, "invalid month key") {
		t.Errorf("error = %q, want invalid-month message", msg)
	}

	rec = get(t, router, "/api/v1/clusters/hammer/months/2025-09")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("GET missing month = %d, want 404", rec.Code)
	}
}

func TestGetSeenStats(t *testing.T) {
	router := newTestRouter(t)

	rec := get(t, router, "/api/v1/clusters/hammer/seen/2025-08")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET seen stats = %d, want 200", rec.Code)
	}
	var stats handler.SeenStats
	decode(t, rec, &stats)
	if stats.Cluster != "hammer" || stats.Month != "2025-08" {
		t.Errorf("stats are for %s/%s, want hammer/2025-08", stats.Cluster, stats.Month)
	}
	if stats.Stats.N != 1 {
		t.Errorf("n = %d, want 1", stats.Stats.N)
	}
	if stats.Stats.Bytes == 0 {
		t.Error("bytes = 0, want sized filter")
	}

	rec = get(t, router, "/api/v1/clusters/hammer/seen/2024-01")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("GET missing seen-set = %d, want 404", rec.Code)
	}
}

func TestGetUser(t *testing.T) {
	router := newTestRouter(t)

	rec := get(t, router, "/api/v1/users/alice")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET user = %d, want 200", rec.Code)
	}
	var doc rollup.UserAggregate
	decode(t, rec, &doc)
	if doc.Username != "alice" {
		t.Errorf("username = %q, want alice", doc.Username)
	}
	if len(doc.Clusters) != 2 {
		t.Fatalf("clusters = %d, want aggregates from both clusters", len(doc.Clusters))
	}
	if got := doc.Clusters["hammer"].TotalClockHours; got != 8 {
		t.Errorf("hammer clock hours = %v, want 8", got)
	}
	if got := doc.Clusters["anvil"].TotalClockHours; got != 3 {
		t.Errorf("anvil clock hours = %v, want 3", got)
	}

	// Lookups fold to the pipeline's lowercase form.
	rec = get(t, router, "/api/v1/users/ALICE")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET uppercase user = %d, want 200", rec.Code)
	}

	rec = get(t, router, "/api/v1/users/mallory")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("GET unknown user = %d, want 404", rec.Code)
	}
}

func TestListLeaderboards(t *testing.T) {
	router := newTestRouter(t)

	rec := get(t, router, "/api/v1/leaderboards")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET leaderboards = %d, want 200", rec.Code)
	}
	var boards []handler.BoardInfo
	decode(t, rec, &boards)
	if want := len(leaderboard.Windows) * len(leaderboard.MetricNames); len(boards) != want {
		t.Fatalf("index has %d boards, want %d", len(boards), want)
	}
	for _, board := range boards {
		if board.Asof == "" {
			t.Errorf("board %s/%s has no asof", board.Window, board.Metric)
		}
	}
}

func TestGetLeaderboard(t *testing.T) {
	router := newTestRouter(t)

	rec := get(t, router, "/api/v1/leaderboards/alltime/clock_hours")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET leaderboard = %d, want 200", rec.Code)
	}
	var doc leaderboard.Document
	decode(t, rec, &doc)
	if doc.Window != "alltime" || doc.Metric != "clock_hours" {
		t.Errorf("doc is %s/%s, want alltime/clock_hours", doc.Window, doc.Metric)
	}
	wantRows := []leaderboard.Row{
		{Rank: 1, User: "alice", Value: 8},
		{Rank: 2, User: "bob", Value: 2},
	}
	if diff := cmp.Diff(wantRows, doc.Rows); diff != "" {
		t.Errorf("rows mismatch (-want +got):\n%s", diff)
	}

	rec = get(t, router, "/api/v1/leaderboards/weekly/clock_hours")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("GET unknown window = %d, want 404", rec.Code)
	}
	rec = get(t, router, "/api/v1/leaderboards/alltime/luck")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("GET unknown metric = %d, want 404", rec.Code)
	}
}

func TestListTicks(t *testing.T) {
	router := newTestRouter(t)

	rec := get(t, router, "/api/v1/ticks")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET ticks = %d, want 200", rec.Code)
	}
	var ticks []journal.TickRecord
	decode(t, rec, &ticks)
	if len(ticks) != 3 {
		t.Fatalf("ticks = %d, want 3", len(ticks))
	}
	// Newest first.
	if ticks[0].Cluster != "anvil" || ticks[0].Status != "sacct_failed" {
		t.Errorf("ticks[0] = %s/%s, want the latest anvil failure", ticks[0].Cluster, ticks[0].Status)
	}

	rec = get(t, router, "/api/v1/ticks?cluster=hammer")
	decode(t, rec, &ticks)
	if len(ticks) != 2 {
		t.Fatalf("hammer ticks = %d, want 2", len(ticks))
	}
	if ticks[0].Month != "2025-08" || ticks[1].Month != "2025-07" {
		t.Errorf("hammer ticks ordered %s, %s; want 2025-08 then 2025-07", ticks[0].Month, ticks[1].Month)
	}

	rec = get(t, router, "/api/v1/ticks?limit=1")
	decode(t, rec, &ticks)
	if len(ticks) != 1 {
		t.Fatalf("limited ticks = %d, want 1", len(ticks))
	}

	rec = get(t, router, "/api/v1/ticks?limit=zero")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("GET bad limit = %d, want 400", rec.Code)
	}
	rec = get(t, router, "/api/v1/ticks?limit=-1")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("GET negative limit = %d, want 400", rec.Code)
	}
}

func TestFreshTreeResponses(t *testing.T) {
	tree := layout.New(t.TempDir())
	store := rollup.NewStore(tree, zap.NewNop())
	cfg := &config.Config{Clusters: []config.ClusterConfig{{Name: "quartz"}}}
	router := NewRouter(cfg, tree, store, nil)

	rec := get(t, router, "/api/v1/clusters")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET clusters = %d, want 200", rec.Code)
	}
	var clusters []handler.ClusterSummary
	decode(t, rec, &clusters)
	want := []handler.ClusterSummary{{Name: "quartz"}}
	if diff := cmp.Diff(want, clusters); diff != "" {
		t.Errorf("cluster list mismatch (-want +got):\n%s", diff)
	}

	rec = get(t, router, "/api/v1/leaderboards")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET leaderboards = %d, want 200", rec.Code)
	}
	if !strings.HasPrefix(strings.TrimSpace(rec.Body.String()), "[]") {
		t.Errorf("body = %s, want empty array", rec.Body.String())
	}

	rec = get(t, router, "/api/v1/leaderboards/alltime/clock_hours")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("GET unbuilt leaderboard = %d, want 404", rec.Code)
	}
	if msg := errorBody(t, rec); !strings.Contains(msg, "not built") {
		t.Errorf("error = %q, want not-built message", msg)
	}

	// No journal configured: the endpoint degrades, the rest still serves.
	rec = get(t, router, "/api/v1/ticks")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("GET ticks without journal = %d, want 503", rec.Code)
	}
}
