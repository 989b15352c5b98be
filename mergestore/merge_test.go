package mergestore

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/soporte-collab/informes-sub003/fetcher"
	"github.com/soporte-collab/informes-sub003/mapper"
	"github.com/soporte-collab/informes-sub003/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type row struct {
	Key   string `json:"key"`
	Value int    `json:"value"`
}

func (r row) MergeKey() string { return r.Key }

func backends(t *testing.T) map[string]Storage {
	return map[string]Storage{
		"memory": NewMemoryStorage(),
		"file":   NewFileStorage(t.TempDir()),
		"gorm":   NewGormStorage(testutil.NewSQLiteDB(t)),
	}
}

func TestMerge_Idempotent(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			x := []row{{"a", 1}, {"b", 2}, {"c", 3}}

			_, err := Merge(ctx, s, "sales", x)
			require.NoError(t, err)
			once, err := s.Load(ctx, "sales")
			require.NoError(t, err)

			res, err := Merge(ctx, s, "sales", x)
			require.NoError(t, err)
			twice, err := s.Load(ctx, "sales")
			require.NoError(t, err)

			assert.Equal(t, 0, res.Inserted)
			assert.Equal(t, 3, res.Updated)
			assert.Equal(t, 3, res.Unchanged)
			require.Len(t, twice, len(once))
			for i := range once {
				assert.JSONEq(t, string(once[i]), string(twice[i]))
			}
		})
	}
}

func TestMerge_NewWinsAndOrderIsKept(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := Merge(ctx, s, "invoices", []row{{"a", 1}, {"b", 2}})
			require.NoError(t, err)

			res, err := Merge(ctx, s, "invoices", []row{{"c", 30}, {"a", 10}, {"", 99}})
			require.NoError(t, err)
			assert.Equal(t, MergeResult{Collection: "invoices", Before: 2, Inserted: 1, Updated: 1, Skipped: 1, Total: 3}, res)

			got, err := Load[row](ctx, s, "invoices")
			require.NoError(t, err)
			assert.Equal(t, []row{{"a", 10}, {"b", 2}, {"c", 30}}, got)
		})
	}
}

func TestLoad_MissingCollectionIsEmpty(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			got, err := Load[row](ctx, s, "invoice_times")
			require.NoError(t, err)
			assert.Empty(t, got)
		})
	}
}

func TestStorage_RejectsUnsafeNames(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Load(ctx, "../etc/passwd")
			assert.Error(t, err)
			assert.Error(t, s.Save(ctx, "Sales Data", nil))
		})
	}
}

func TestKnownCollection(t *testing.T) {
	assert.NoError(t, KnownCollection(CollectionSales))
	assert.ErrorIs(t, KnownCollection("customers"), ErrUnknownCollection)
}

const roundTripTx = `{
	"id": 123456789012345678901,
	"invoiceNumber": "0002-00000042",
	"documentType": "Factura A",
	"date": "2024-02-10T16:20:05-03:00",
	"groupingEntity": "Acme Insurance",
	"items": [{"productName": "Amoxicilina 500", "barcode": "779123", "quantity": "3", "unitPrice": "1999.99"}],
	"payments": [{"name": "Mercado Pago"}]
}`

func TestMerge_RoundTripPreservesCanonicalFields(t *testing.T) {
	ctx := context.Background()
	m := mapper.New(time.FixedZone("-03:00", -3*3600))
	batch := m.MapAll([]fetcher.RawRecord{{ID: "123456789012345678901", Node: "central", Body: json.RawMessage(roundTripTx)}})
	require.Empty(t, batch.Errors)
	require.Len(t, batch.LineItems, 1)

	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := Merge(ctx, s, CollectionSales, batch.LineItems)
			require.NoError(t, err)
			_, err = Merge(ctx, s, CollectionInvoices, batch.Headers)
			require.NoError(t, err)

			items, err := Load[mapper.LineItemRecord](ctx, s, CollectionSales)
			require.NoError(t, err)
			require.Len(t, items, 1)
			want, _ := json.Marshal(batch.LineItems[0])
			got, _ := json.Marshal(items[0])
			assert.JSONEq(t, string(want), string(got))
			assert.Equal(t, "123456789012345678901", items[0].TransactionID)
			assert.True(t, decimal.RequireFromString("5999.97").Equal(items[0].TotalAmount))
			assert.True(t, batch.LineItems[0].Date.Equal(items[0].Date))

			headers, err := Load[mapper.InvoiceHeaderRecord](ctx, s, CollectionInvoices)
			require.NoError(t, err)
			require.Len(t, headers, 1)
			assert.Equal(t, batch.Headers[0].ID, headers[0].MergeKey())
			assert.Equal(t, mapper.PaymentWallet, headers[0].PaymentType)
		})
	}
}

func TestMergeLocked_SerializesConcurrentWriters(t *testing.T) {
	ctx := context.Background()
	m := NewMerger(NewMemoryStorage(), NewLocalLocker())

	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := MergeLocked(ctx, m, "sales", []row{{Key: string(rune('A' + i)), Value: i}})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	got, err := Load[row](ctx, m.Storage, "sales")
	require.NoError(t, err)
	assert.Len(t, got, 25)
}

func TestLocalLocker_HonorsContext(t *testing.T) {
	l := NewLocalLocker()
	unlock, err := l.Lock(context.Background(), "sales")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "sales")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock()
	unlock2, err := l.Lock(context.Background(), "sales")
	require.NoError(t, err)
	unlock2()
}

// reformattingStorage stores every record re-encoded the way a MySQL json
// column hands it back: keys reordered and spaced out.
type reformattingStorage struct {
	*MemoryStorage
}

func (r reformattingStorage) Save(ctx context.Context, name string, records []json.RawMessage) error {
	out := make([]json.RawMessage, 0, len(records))
	for _, raw := range records {
		var v map[string]any
		if err := json.Unmarshal(raw, &v); err != nil {
			return err
		}
		b, err := json.MarshalIndent(v, "", " ")
		if err != nil {
			return err
		}
		out = append(out, b)
	}
	return r.MemoryStorage.Save(ctx, name, out)
}

func TestMerge_UnchangedSurvivesReformattedStorage(t *testing.T) {
	ctx := context.Background()
	s := reformattingStorage{NewMemoryStorage()}

	x := []row{{"a", 1}, {"b", 2}}
	_, err := Merge(ctx, s, "sales", x)
	require.NoError(t, err)
	stored, err := s.Load(ctx, "sales")
	require.NoError(t, err)
	require.NotEqual(t, `{"key":"a","value":1}`, string(stored[0]))

	res, err := Merge(ctx, s, "sales", []row{{"a", 1}, {"b", 20}})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Updated)
	assert.Equal(t, 1, res.Unchanged)
}
