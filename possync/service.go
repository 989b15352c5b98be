package possync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/soporte-collab/informes-sub003/config"
	"github.com/soporte-collab/informes-sub003/fetcher"
	"github.com/soporte-collab/informes-sub003/mapper"
	"github.com/soporte-collab/informes-sub003/mergestore"
	"github.com/soporte-collab/informes-sub003/models"
	"github.com/soporte-collab/informes-sub003/reconcile"
	"github.com/soporte-collab/informes-sub003/upstream"
	"github.com/soporte-collab/informes-sub003/utils"
	"gorm.io/gorm"
)

// Authenticator is the part of the upstream client the ping check needs.
type Authenticator interface {
	Authenticate(ctx context.Context) (upstream.Lease, error)
}

// Service runs the sync pipeline: fetch, map, merge, and the read-side
// reconciliation. DB is optional; without it no run log is kept.
type Service struct {
	Upstream Authenticator
	Fetcher  *fetcher.Fetcher
	Mapper   *mapper.Mapper
	Merger   *mergestore.Merger
	DB       *gorm.DB
	Nodes    []string
	Lookback time.Duration
	Logger   *logrus.Logger

	now func() time.Time
}

func New(client *upstream.Client, merger *mergestore.Merger, db *gorm.DB, settings config.Settings) *Service {
	lookback := settings.SyncLookback
	if lookback <= 0 {
		lookback = 30 * 24 * time.Hour
	}
	return &Service{
		Upstream: client,
		Fetcher:  fetcher.New(client, fetcher.OptionsFromSettings(settings.Upstream)),
		Mapper:   mapper.New(settings.Upstream.Location()),
		Merger:   merger,
		DB:       db,
		Nodes:    settings.Upstream.Nodes,
		Lookback: lookback,
		Logger:   config.GetLogger(),
		now:      time.Now,
	}
}

func (s *Service) logger() *logrus.Logger {
	if s.Logger == nil {
		return config.GetLogger()
	}
	return s.Logger
}

func (s *Service) clock() time.Time {
	if s.now == nil {
		return time.Now()
	}
	return s.now()
}

func (s *Service) Ping(ctx context.Context) (PingResult, error) {
	lease, err := s.Upstream.Authenticate(ctx)
	if err != nil {
		return PingResult{}, err
	}
	return PingResult{OK: true, ObtainedAt: lease.ObtainedAt}, nil
}

// parseBound reads a payload date. A bare date as an upper bound means the
// end of that day.
func (s *Service) parseBound(value string, upper bool) (time.Time, error) {
	t, err := s.Mapper.ParseTime(value)
	if err != nil || t.IsZero() {
		return t, err
	}
	if upper && len(strings.TrimSpace(value)) == len("2006-01-02") {
		t = t.Add(24*time.Hour - time.Second)
	}
	return t, nil
}

func (s *Service) syncRange(p SyncSalesPayload) (fetcher.DateRange, error) {
	to, err := s.parseBound(p.DateTo, true)
	if err != nil {
		return fetcher.DateRange{}, fmt.Errorf("dateTo: %w", err)
	}
	if to.IsZero() {
		to = s.clock()
	}
	from, err := s.parseBound(p.DateFrom, false)
	if err != nil {
		return fetcher.DateRange{}, fmt.Errorf("dateFrom: %w", err)
	}
	if from.IsZero() {
		from = to.Add(-s.Lookback)
	}
	r := fetcher.DateRange{From: from, To: to}
	return r, r.Validate()
}

// SyncSales fetches every node for the range, maps the records and merges
// line items and invoice headers into their collections. Records that fail
// to map are reported and the run ends as partial.
func (s *Service) SyncSales(ctx context.Context, p SyncSalesPayload, triggeredBy string) (SyncSalesResult, error) {
	r, err := s.syncRange(p)
	if err != nil {
		return SyncSalesResult{}, err
	}
	nodes := p.Nodes
	if len(nodes) == 0 {
		nodes = s.Nodes
	}

	correlationId, _ := utils.GetCorrelationIdFromContext(ctx)
	log := s.logger().WithFields(utils.LogFields(ctx, "possync")).WithFields(logrus.Fields{
		"date_from": r.From,
		"date_to":   r.To,
	})
	res := SyncSalesResult{DateFrom: r.From, DateTo: r.To, Status: models.SyncRunStatusRunning}

	var run *models.SyncRun
	if s.DB != nil {
		nodesJSON, _ := utils.MarshalToJSON(nodes)
		run = &models.SyncRun{
			CorrelationId: correlationId,
			TriggeredBy:   triggeredBy,
			DateFrom:      r.From,
			DateTo:        r.To,
			NodesJSON:     []byte(nodesJSON),
		}
		if err := models.StartSyncRun(ctx, s.DB, run); err != nil {
			return res, fmt.Errorf("start sync run: %w", err)
		}
		res.RunID = run.ID
	}

	fail := func(err error) (SyncSalesResult, error) {
		res.Status = models.SyncRunStatusFailed
		config.LogError(s.logger(), "possync", "SyncSales", correlationId, nodes, err)
		if run != nil {
			if ferr := models.FinishSyncRun(context.WithoutCancel(ctx), s.DB, run, res.Status, res, err.Error()); ferr != nil {
				log.Warn("finish sync run: " + ferr.Error())
			}
		}
		return res, err
	}

	raws, stats, err := s.Fetcher.FetchAll(ctx, r, nodes)
	res.Fetch = stats
	if err != nil {
		return fail(fmt.Errorf("fetch: %w", err))
	}

	batch := s.Mapper.MapAll(raws)
	res.MappingErrors = batch.Errors

	res.LineItems, err = mergestore.MergeLocked(ctx, s.Merger, mergestore.CollectionSales, batch.LineItems)
	if err != nil {
		return fail(fmt.Errorf("merge %s: %w", mergestore.CollectionSales, err))
	}
	res.Headers, err = mergestore.MergeLocked(ctx, s.Merger, mergestore.CollectionInvoices, batch.Headers)
	if err != nil {
		return fail(fmt.Errorf("merge %s: %w", mergestore.CollectionInvoices, err))
	}

	res.Status = models.SyncRunStatusSuccess
	message := ""
	if len(batch.Errors) > 0 {
		res.Status = models.SyncRunStatusPartial
		message = fmt.Sprintf("%d records could not be mapped", len(batch.Errors))
	}

	if run != nil {
		run.RecordsFetched = len(raws)
		run.LineItems = len(batch.LineItems)
		run.Headers = len(batch.Headers)
		run.ErrorCount = len(batch.Errors)
		if err := models.CreateSyncRunErrors(ctx, s.DB, syncRunErrors(run.ID, batch.Errors)); err != nil {
			log.Warn("record mapping errors: " + err.Error())
		}
		if err := models.FinishSyncRun(ctx, s.DB, run, res.Status, res.Fetch, message); err != nil {
			log.Warn("finish sync run: " + err.Error())
		}
	}

	log.WithFields(logrus.Fields{
		"status":         res.Status,
		"records":        len(raws),
		"line_items":     res.LineItems.Total,
		"headers":        res.Headers.Total,
		"mapping_errors": len(batch.Errors),
	}).Info("sales sync finished")
	return res, nil
}

func syncRunErrors(runId uint, errs []mapper.MappingError) []models.SyncRunError {
	out := make([]models.SyncRunError, 0, len(errs))
	for _, e := range errs {
		out = append(out, models.SyncRunError{
			SyncRunId:  runId,
			Node:       e.Node,
			ExternalId: e.RecordID,
			ErrorCode:  "mapping",
			Message:    e.Message,
		})
	}
	return out
}

// EnrichSales joins the stored line items against the stored invoice
// headers and time corrections. The range and branch filter line items on
// their own date and branch; headers are never filtered.
func (s *Service) EnrichSales(ctx context.Context, p EnrichSalesPayload) (EnrichSalesResult, error) {
	from, err := s.parseBound(p.DateFrom, false)
	if err != nil {
		return EnrichSalesResult{}, fmt.Errorf("dateFrom: %w", err)
	}
	to, err := s.parseBound(p.DateTo, true)
	if err != nil {
		return EnrichSalesResult{}, fmt.Errorf("dateTo: %w", err)
	}

	items, err := mergestore.Load[mapper.LineItemRecord](ctx, s.Merger.Storage, mergestore.CollectionSales)
	if err != nil {
		return EnrichSalesResult{}, err
	}
	headers, err := mergestore.Load[mapper.InvoiceHeaderRecord](ctx, s.Merger.Storage, mergestore.CollectionInvoices)
	if err != nil {
		return EnrichSalesResult{}, err
	}
	corrections, err := mergestore.Load[mapper.TimeCorrection](ctx, s.Merger.Storage, mergestore.CollectionInvoiceTimes)
	if err != nil {
		return EnrichSalesResult{}, err
	}

	branch := mapper.Fold(p.Branch)
	selected := items[:0:0]
	for _, it := range items {
		if branch != "" && mapper.Fold(it.Branch) != branch {
			continue
		}
		if !from.IsZero() && (it.Date.IsZero() || it.Date.Before(from)) {
			continue
		}
		if !to.IsZero() && (it.Date.IsZero() || it.Date.After(to)) {
			continue
		}
		selected = append(selected, it)
	}

	records, summary := reconcile.Enrich(selected, headers, corrections)
	if records == nil {
		records = []reconcile.EnrichedSaleRecord{}
	}
	return EnrichSalesResult{Records: records, Summary: summary}, nil
}

// MergeCollection merges adapter rows into a named collection. Row ids are
// recomputed from their fields.
func (s *Service) MergeCollection(ctx context.Context, p CollectionMergePayload) (mergestore.MergeResult, error) {
	if err := utils.ValidateStruct(p); err != nil {
		return mergestore.MergeResult{}, fmt.Errorf("invalid payload: %v", utils.ProcessValidationErrors(err))
	}
	if err := mergestore.KnownCollection(p.Name); err != nil {
		return mergestore.MergeResult{}, err
	}

	switch p.Name {
	case mergestore.CollectionSales:
		var rows []mapper.LineItemRecord
		if err := utils.UnmarshalFromJSON(p.Records, &rows); err != nil {
			return mergestore.MergeResult{}, fmt.Errorf("decode %s rows: %w", p.Name, err)
		}
		mapper.Rekey(rows)
		return mergestore.MergeLocked(ctx, s.Merger, p.Name, rows)
	case mergestore.CollectionInvoices:
		var rows []mapper.InvoiceHeaderRecord
		if err := utils.UnmarshalFromJSON(p.Records, &rows); err != nil {
			return mergestore.MergeResult{}, fmt.Errorf("decode %s rows: %w", p.Name, err)
		}
		mapper.RekeyHeaders(rows)
		return mergestore.MergeLocked(ctx, s.Merger, p.Name, rows)
	case mergestore.CollectionInvoiceTimes:
		var rows []mapper.TimeCorrection
		if err := utils.UnmarshalFromJSON(p.Records, &rows); err != nil {
			return mergestore.MergeResult{}, fmt.Errorf("decode %s rows: %w", p.Name, err)
		}
		return mergestore.MergeLocked(ctx, s.Merger, p.Name, rows)
	}
	return mergestore.MergeResult{}, errors.New("unreachable collection " + p.Name)
}

func (s *Service) LoadCollection(ctx context.Context, p CollectionLoadPayload) (CollectionLoadResult, error) {
	if err := utils.ValidateStruct(p); err != nil {
		return CollectionLoadResult{}, fmt.Errorf("invalid payload: %v", utils.ProcessValidationErrors(err))
	}
	if err := mergestore.KnownCollection(p.Name); err != nil {
		return CollectionLoadResult{}, err
	}
	records, err := s.Merger.Storage.Load(ctx, p.Name)
	if err != nil {
		return CollectionLoadResult{}, err
	}
	if records == nil {
		records = []json.RawMessage{}
	}
	return CollectionLoadResult{Name: p.Name, Records: records}, nil
}
