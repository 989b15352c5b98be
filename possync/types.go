package possync

import (
	"encoding/json"
	"time"

	"github.com/soporte-collab/informes-sub003/fetcher"
	"github.com/soporte-collab/informes-sub003/mapper"
	"github.com/soporte-collab/informes-sub003/mergestore"
	"github.com/soporte-collab/informes-sub003/reconcile"
)

// Request kinds served by the worker.
const (
	KindPing            = "upstream.ping"
	KindSyncSales       = "sync.sales"
	KindEnrichSales     = "enrich.sales"
	KindCollectionMerge = "collection.merge"
	KindCollectionLoad  = "collection.load"
)

type PingResult struct {
	OK         bool      `json:"ok"`
	ObtainedAt time.Time `json:"obtainedAt"`
}

// SyncSalesPayload bounds a sync. Missing dates default to the lookback
// window ending now; missing nodes default to the configured ones.
type SyncSalesPayload struct {
	DateFrom string   `json:"dateFrom,omitempty"`
	DateTo   string   `json:"dateTo,omitempty"`
	Nodes    []string `json:"nodes,omitempty" validate:"dive,required"`
}

type SyncSalesResult struct {
	RunID         uint                   `json:"runId,omitempty"`
	Status        string                 `json:"status"`
	DateFrom      time.Time              `json:"dateFrom"`
	DateTo        time.Time              `json:"dateTo"`
	Fetch         fetcher.Stats          `json:"fetch"`
	LineItems     mergestore.MergeResult `json:"lineItems"`
	Headers       mergestore.MergeResult `json:"headers"`
	MappingErrors []mapper.MappingError  `json:"mappingErrors,omitempty"`
}

type EnrichSalesPayload struct {
	DateFrom string `json:"dateFrom,omitempty"`
	DateTo   string `json:"dateTo,omitempty"`
	Branch   string `json:"branch,omitempty"`
}

type EnrichSalesResult struct {
	Records []reconcile.EnrichedSaleRecord `json:"records"`
	Summary reconcile.Summary              `json:"summary"`
}

// CollectionMergePayload carries normalized rows from an import adapter.
// Ids in records are recomputed from their fields.
type CollectionMergePayload struct {
	Name    string          `json:"name" validate:"required"`
	Records json.RawMessage `json:"records" validate:"required"`
}

type CollectionLoadPayload struct {
	Name string `json:"name" validate:"required"`
}

type CollectionLoadResult struct {
	Name    string            `json:"name"`
	Records []json.RawMessage `json:"records"`
}

// CallRequest is the body of POST /api/tunnel/call.
type CallRequest struct {
	Kind    string          `json:"kind" validate:"required"`
	Payload json.RawMessage `json:"payload"`
	Target  string          `json:"target"`
}
