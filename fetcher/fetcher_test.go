package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/soporte-collab/informes-sub003/upstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSearch serves a fixed id list per node, paged by the requested page
// and page size.
type fakeSearch struct {
	mu       sync.Mutex
	ids      map[string][]string
	calls    map[string]int
	pageBase int
	// overlap repeats the last record of the previous page at the start of
	// each page, as unstable upstream pagination does.
	overlap bool
	// fullForever ignores the id list and always answers a full page.
	fullForever bool
	failNode    string
}

func (f *fakeSearch) Do(_ context.Context, req upstream.Request, out any) error {
	body := req.Body.(searchRequest)

	f.mu.Lock()
	if f.calls == nil {
		f.calls = map[string]int{}
	}
	f.calls[body.Node]++
	n := f.calls[body.Node]
	f.mu.Unlock()

	if body.Node == f.failNode {
		return &upstream.Error{Kind: upstream.KindClient, Op: "call", Status: 400}
	}

	var items []string
	if f.fullForever {
		for i := 0; i < body.PageSize; i++ {
			items = append(items, fmt.Sprintf(`{"id":%d}`, n*1000+i))
		}
	} else {
		ids := f.ids[body.Node]
		start := (body.Page - f.pageBase) * body.PageSize
		if f.overlap && start > 0 {
			start--
		}
		for i := start; i < start+body.PageSize && i < len(ids); i++ {
			items = append(items, `{"id":`+ids[i]+`,"node":"`+body.Node+`"}`)
		}
	}
	return json.Unmarshal([]byte(`{"data":[`+strings.Join(items, ",")+`]}`), out)
}

func (f *fakeSearch) FormatTimestamp(t time.Time) string {
	return upstream.FormatTimestamp(t, time.UTC)
}

func seqIDs(prefix string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("%s%d", prefix, i+1)
	}
	return out
}

func testRange() DateRange {
	to := time.Date(2024, 3, 31, 23, 59, 59, 0, time.UTC)
	return DateRange{From: to.AddDate(0, 0, -30), To: to}
}

func TestFetchAll_ShortPageTerminates(t *testing.T) {
	src := &fakeSearch{ids: map[string][]string{"central": seqIDs("1", 25)}, pageBase: 1}
	f := New(src, Options{PageSize: 10, PageBase: 1, MaxPages: 50, ShortPageEnds: true})

	recs, stats, err := f.FetchAll(context.Background(), testRange(), []string{"central"})
	require.NoError(t, err)
	assert.Len(t, recs, 25)
	// ceil(25/10) = 3 pages, the third is short.
	assert.Equal(t, 3, src.calls["central"])
	assert.Equal(t, 3, stats.Nodes[0].Pages)
	assert.Equal(t, 25, stats.Total)
}

func TestFetchAll_ExactMultipleNeedsOneEmptyPage(t *testing.T) {
	src := &fakeSearch{ids: map[string][]string{"central": seqIDs("1", 30)}}
	f := New(src, Options{PageSize: 10, PageBase: 0, MaxPages: 50, ShortPageEnds: true})

	recs, _, err := f.FetchAll(context.Background(), testRange(), []string{"central"})
	require.NoError(t, err)
	assert.Len(t, recs, 30)
	// ceil(30/10)+1 calls at most.
	assert.Equal(t, 4, src.calls["central"])
}

func TestFetchAll_PageCap(t *testing.T) {
	src := &fakeSearch{fullForever: true}
	f := New(src, Options{PageSize: 5, PageBase: 1, MaxPages: 7, ShortPageEnds: true})

	recs, stats, err := f.FetchAll(context.Background(), testRange(), []string{"loop"})
	require.NoError(t, err)
	assert.Equal(t, 7, src.calls["loop"])
	assert.Len(t, recs, 35)
	assert.True(t, stats.Nodes[0].Capped)
}

func TestFetchAll_DedupesAcrossPages(t *testing.T) {
	src := &fakeSearch{ids: map[string][]string{"central": seqIDs("1", 12)}, pageBase: 1, overlap: true}
	f := New(src, Options{PageSize: 5, PageBase: 1, MaxPages: 10, ShortPageEnds: true})

	recs, stats, err := f.FetchAll(context.Background(), testRange(), []string{"central"})
	require.NoError(t, err)
	assert.Len(t, recs, 12)
	assert.Positive(t, stats.Nodes[0].Duplicates)

	seen := map[RecordID]bool{}
	for _, r := range recs {
		assert.False(t, seen[r.ID], "duplicate %s", r.ID)
		seen[r.ID] = true
	}
}

func TestFetchAll_WithoutShortPageRule(t *testing.T) {
	src := &fakeSearch{ids: map[string][]string{"central": seqIDs("1", 12)}, pageBase: 1}
	f := New(src, Options{PageSize: 5, PageBase: 1, MaxPages: 10, ShortPageEnds: false})

	recs, _, err := f.FetchAll(context.Background(), testRange(), []string{"central"})
	require.NoError(t, err)
	assert.Len(t, recs, 12)
	// Only the empty fourth page stops it.
	assert.Equal(t, 4, src.calls["central"])
}

func TestFetchAll_TagsNodesInOrder(t *testing.T) {
	src := &fakeSearch{ids: map[string][]string{
		"norte": {"1", "2"},
		"sur":   {"1", "3", "4"},
	}, pageBase: 1}
	f := New(src, Options{PageSize: 10, PageBase: 1, MaxPages: 5, ShortPageEnds: true, NodeConcurrency: 2})

	recs, _, err := f.FetchAll(context.Background(), testRange(), []string{"norte", "sur"})
	require.NoError(t, err)
	require.Len(t, recs, 5)
	assert.Equal(t, "norte", recs[0].Node)
	assert.Equal(t, "norte", recs[1].Node)
	for _, r := range recs[2:] {
		assert.Equal(t, "sur", r.Node)
	}
}

func TestFetchAll_NodeFailureFailsFetch(t *testing.T) {
	src := &fakeSearch{ids: map[string][]string{"ok": {"1"}}, failNode: "bad"}
	f := New(src, Options{PageSize: 10, MaxPages: 5, ShortPageEnds: true, NodeConcurrency: 2})

	_, _, err := f.FetchAll(context.Background(), testRange(), []string{"ok", "bad"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, upstream.ErrClient))
}

func TestFetchAll_RejectsInvertedRange(t *testing.T) {
	f := New(&fakeSearch{}, Options{})
	r := testRange()
	r.From, r.To = r.To, r.From
	_, _, err := f.FetchAll(context.Background(), r, nil)
	assert.Error(t, err)
}

func TestRecordID_KeepsLargeIntegersExact(t *testing.T) {
	var rec struct {
		ID RecordID `json:"id"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"id": 9007199254740993123}`), &rec))
	assert.Equal(t, RecordID("9007199254740993123"), rec.ID)

	require.NoError(t, json.Unmarshal([]byte(`{"id":" 42 "}`), &rec))
	assert.Equal(t, RecordID("42"), rec.ID)

	b, err := json.Marshal(rec)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"42"}`, string(b))

	assert.Error(t, json.Unmarshal([]byte(`{"id": tru}`), &rec))
}

func TestFetchAll_ThroughUpstreamClient(t *testing.T) {
	var bodies []searchRequest
	var mu sync.Mutex
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"access_token":"tok","expires_in":3600}`))
	})
	mux.HandleFunc("/v1/transactions/search", func(w http.ResponseWriter, r *http.Request) {
		var body searchRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		mu.Lock()
		bodies = append(bodies, body)
		mu.Unlock()
		if body.Page == 1 {
			_, _ = w.Write([]byte(`{"items":[{"id":123456789012345678901},{"id":123456789012345678902}]}`))
			return
		}
		_, _ = w.Write([]byte(`{"items":[]}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, err := upstream.NewClient(upstream.Options{
		BaseURL:      srv.URL,
		ClientID:     "id",
		ClientSecret: "secret",
		Location:     time.FixedZone("-03:00", -3*3600),
		HTTPClient:   srv.Client(),
	})
	require.NoError(t, err)

	f := New(client, Options{PageSize: 2, PageBase: 1, MaxPages: 5, ShortPageEnds: true})
	recs, _, err := f.FetchAll(context.Background(), testRange(), []string{"central"})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, RecordID("123456789012345678901"), recs[0].ID)
	assert.Equal(t, RecordID("123456789012345678902"), recs[1].ID)

	require.Len(t, bodies, 2)
	assert.Equal(t, "2024-03-31T20:59:59-03:00", bodies[0].DateTo)
	assert.Equal(t, "central", bodies[0].Node)
	assert.Equal(t, 2, bodies[0].PageSize)
}
