package possync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/soporte-collab/informes-sub003/config"
	"github.com/soporte-collab/informes-sub003/fetcher"
	"github.com/soporte-collab/informes-sub003/mapper"
	"github.com/soporte-collab/informes-sub003/mergestore"
	"github.com/soporte-collab/informes-sub003/models"
	"github.com/soporte-collab/informes-sub003/testutil"
	"github.com/soporte-collab/informes-sub003/upstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// fakePOS pages a per-node list of transactions; tests move the window
// to simulate successive syncs.
type fakePOS struct {
	mu     sync.Mutex
	window map[string][]string
}

func transaction(i int) string {
	return fmt.Sprintf(`{
		"id": 1%020d,
		"invoiceNumber": "0001-%08d",
		"documentType": "Factura B",
		"date": "2024-03-05T10:%02d:00-03:00",
		"branch": "Central",
		"insurancePlan": "OSDE",
		"items": [{"productName": "Producto %d", "barcode": "779%06d", "quantity": 1, "unitPrice": %d}],
		"payments": [{"type": "card", "name": "Visa", "amount": %d}]
	}`, i, i, i%60, i, i, 100+i, 100+i)
}

func transactions(from, to int) []string {
	var out []string
	for i := from; i < to; i++ {
		out = append(out, transaction(i))
	}
	return out
}

func (f *fakePOS) set(node string, txs []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.window == nil {
		f.window = map[string][]string{}
	}
	f.window[node] = txs
}

func (f *fakePOS) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"tok","token_type":"Bearer","expires_in":3600}`))
	})
	mux.HandleFunc("/v1/transactions/search", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var body struct {
			Page     int    `json:"page"`
			PageSize int    `json:"pageSize"`
			Node     string `json:"node"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		txs := f.window[body.Node]
		f.mu.Unlock()

		start := (body.Page - 1) * body.PageSize
		page := []json.RawMessage{}
		for i := start; i >= 0 && i < start+body.PageSize && i < len(txs); i++ {
			page = append(page, json.RawMessage(txs[i]))
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"data": page})
	})
	return mux
}

func testSettings(baseURL string) config.Settings {
	return config.Settings{
		Upstream: config.UpstreamSettings{
			BaseURL:         baseURL,
			ClientID:        "id",
			ClientSecret:    "secret",
			AuthPath:        "/oauth/token",
			SearchPath:      "/v1/transactions/search",
			Nodes:           []string{"central"},
			PageSize:        10,
			PageBase:        1,
			MaxPages:        20,
			ShortPageEnds:   true,
			UTCOffset:       "-03:00",
			NodeConcurrency: 2,
			HTTPTimeout:     5 * time.Second,
		},
		SyncLookback: 30 * 24 * time.Hour,
	}
}

type harness struct {
	pos     *fakePOS
	service *Service
	storage *mergestore.MemoryStorage
	db      *gorm.DB
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	pos := &fakePOS{}
	srv := httptest.NewServer(pos.handler())
	t.Cleanup(srv.Close)

	settings := testSettings(srv.URL)
	client, err := upstream.NewClient(upstream.OptionsFromSettings(settings.Upstream))
	require.NoError(t, err)

	storage := mergestore.NewMemoryStorage()
	db := testutil.NewSQLiteDB(t)
	s := New(client, mergestore.NewMerger(storage, nil), db, settings)
	return &harness{pos: pos, service: s, storage: storage, db: db}
}

var marchRange = SyncSalesPayload{DateFrom: "2024-03-01", DateTo: "2024-03-31"}

func TestSyncSales_OverlappingSyncsKeepDistinctRecords(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.pos.set("central", transactions(0, 30))
	first, err := h.service.SyncSales(ctx, marchRange, models.SyncTriggeredBackfill)
	require.NoError(t, err)
	assert.Equal(t, models.SyncRunStatusSuccess, first.Status)
	assert.Equal(t, 30, first.Fetch.Total)
	assert.Equal(t, 30, first.LineItems.Inserted)
	assert.Equal(t, 30, first.Headers.Inserted)
	require.Len(t, first.Fetch.Nodes, 1)
	assert.Equal(t, 4, first.Fetch.Nodes[0].Pages)

	h.pos.set("central", transactions(20, 45))
	second, err := h.service.SyncSales(ctx, marchRange, models.SyncTriggeredBackfill)
	require.NoError(t, err)
	assert.Equal(t, 15, second.LineItems.Inserted)
	assert.Equal(t, 10, second.LineItems.Unchanged)
	assert.Equal(t, 45, second.LineItems.Total)

	again, err := h.service.SyncSales(ctx, marchRange, models.SyncTriggeredBackfill)
	require.NoError(t, err)
	assert.Equal(t, 0, again.LineItems.Inserted)
	assert.Equal(t, 25, again.LineItems.Unchanged)

	items, err := mergestore.Load[mapper.LineItemRecord](ctx, h.storage, mergestore.CollectionSales)
	require.NoError(t, err)
	ids := map[string]bool{}
	for _, it := range items {
		ids[it.ID] = true
	}
	assert.Len(t, ids, 45)
	assert.Equal(t, "0001-00000000|779000000|100.00", items[0].ID)
	assert.Equal(t, "100000000000000000000", items[0].TransactionID)

	runs, err := models.ListSyncRuns(ctx, h.db, 10)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, models.SyncRunStatusSuccess, runs[0].Status)
	assert.Equal(t, 25, runs[0].RecordsFetched)
	assert.NotNil(t, runs[0].FinishedAt)
}

func TestSyncSales_MappingErrorsMakePartialRun(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	txs := transactions(0, 3)
	txs = append(txs, `{"id": 77, "invoiceNumber": "0001-9", "date": "not a date"}`)
	h.pos.set("central", txs)

	res, err := h.service.SyncSales(ctx, marchRange, models.SyncTriggeredTunnel)
	require.NoError(t, err)
	assert.Equal(t, models.SyncRunStatusPartial, res.Status)
	require.Len(t, res.MappingErrors, 1)
	assert.Equal(t, "77", res.MappingErrors[0].RecordID)
	assert.Equal(t, 3, res.LineItems.Inserted)

	errs, err := models.ListSyncRunErrors(ctx, h.db, res.RunID)
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, "77", errs[0].ExternalId)
	assert.Equal(t, "central", errs[0].Node)
}

func TestSyncSales_DefaultRangeAndValidation(t *testing.T) {
	h := newHarness(t)
	now := time.Date(2024, 4, 10, 15, 0, 0, 0, time.UTC)
	h.service.now = func() time.Time { return now }

	r, err := h.service.syncRange(SyncSalesPayload{})
	require.NoError(t, err)
	assert.True(t, now.Equal(r.To))
	assert.True(t, now.Add(-30*24*time.Hour).Equal(r.From))

	r, err = h.service.syncRange(marchRange)
	require.NoError(t, err)
	assert.Equal(t, "2024-03-31T23:59:59-03:00", r.To.Format(time.RFC3339))

	_, err = h.service.syncRange(SyncSalesPayload{DateFrom: "2024-04-01", DateTo: "2024-03-01"})
	assert.Error(t, err)
	_, err = h.service.syncRange(SyncSalesPayload{DateFrom: "yesterday"})
	assert.Error(t, err)
}

func TestSyncSales_UpstreamFailureFailsRun(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	settings := testSettings("http://127.0.0.1:1")
	client, err := upstream.NewClient(upstream.OptionsFromSettings(settings.Upstream))
	require.NoError(t, err)
	h.service.Fetcher = fetcher.New(client, fetcher.OptionsFromSettings(settings.Upstream))

	_, err = h.service.SyncSales(ctx, marchRange, models.SyncTriggeredTunnel)
	require.Error(t, err)

	runs, err := models.ListSyncRuns(ctx, h.db, 1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, models.SyncRunStatusFailed, runs[0].Status)
	assert.NotEmpty(t, runs[0].Message)
}

func TestEnrichSales_JoinsStoredCollections(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.pos.set("central", transactions(0, 5))
	_, err := h.service.SyncSales(ctx, marchRange, models.SyncTriggeredBackfill)
	require.NoError(t, err)

	res, err := h.service.EnrichSales(ctx, EnrichSalesPayload{})
	require.NoError(t, err)
	require.Len(t, res.Records, 5)
	assert.Equal(t, 5, res.Summary.Matched)
	for _, r := range res.Records {
		assert.Equal(t, mapper.PaymentCard, r.PaymentType)
		assert.Equal(t, "OSDE", r.Entity)
	}

	res, err = h.service.EnrichSales(ctx, EnrichSalesPayload{Branch: "norte"})
	require.NoError(t, err)
	assert.Empty(t, res.Records)
	assert.NotNil(t, res.Records)

	res, err = h.service.EnrichSales(ctx, EnrichSalesPayload{Branch: "CENTRAL", DateFrom: "2024-03-05", DateTo: "2024-03-05"})
	require.NoError(t, err)
	assert.Len(t, res.Records, 5)

	res, err = h.service.EnrichSales(ctx, EnrichSalesPayload{DateFrom: "2024-03-06"})
	require.NoError(t, err)
	assert.Empty(t, res.Records)
}

func TestMergeCollection_RecomputesIds(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	rows := `[
		{"id": "caller-made", "invoiceNumber": "0002-00000001", "productName": "Gasa", "quantity": "1", "unitPrice": "10", "totalAmount": "10"},
		{"id": "other", "invoiceNumber": "0002-00000001", "productName": "Gasa", "quantity": "1", "unitPrice": "10", "totalAmount": "10"}
	]`
	res, err := h.service.MergeCollection(ctx, CollectionMergePayload{Name: mergestore.CollectionSales, Records: json.RawMessage(rows)})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)
	assert.Equal(t, 1, res.Total)

	loaded, err := h.service.LoadCollection(ctx, CollectionLoadPayload{Name: mergestore.CollectionSales})
	require.NoError(t, err)
	require.Len(t, loaded.Records, 1)
	assert.Contains(t, string(loaded.Records[0]), `"id":"0002-00000001|gasa|10.00"`)

	times := `[{"invoiceNumber": "0002-00000001", "date": "2024-03-05T18:45:03-03:00"}]`
	res, err = h.service.MergeCollection(ctx, CollectionMergePayload{Name: mergestore.CollectionInvoiceTimes, Records: json.RawMessage(times)})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)

	headers := `[{"invoiceNumber": "0002-1", "entity": "PAMI", "paymentType": "cash"}]`
	res, err = h.service.MergeCollection(ctx, CollectionMergePayload{Name: mergestore.CollectionInvoices, Records: json.RawMessage(headers)})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)

	_, err = h.service.MergeCollection(ctx, CollectionMergePayload{Name: "customers", Records: json.RawMessage(`[]`)})
	assert.ErrorIs(t, err, mergestore.ErrUnknownCollection)
	_, err = h.service.MergeCollection(ctx, CollectionMergePayload{Records: json.RawMessage(`[]`)})
	assert.Error(t, err)
}

func TestLoadCollection_EmptyIsNotNull(t *testing.T) {
	h := newHarness(t)
	res, err := h.service.LoadCollection(context.Background(), CollectionLoadPayload{Name: mergestore.CollectionInvoices})
	require.NoError(t, err)
	b, err := json.Marshal(res)
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"invoices","records":[]}`, string(b))
}
