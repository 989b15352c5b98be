package tunnel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/soporte-collab/informes-sub003/config"
	"github.com/soporte-collab/informes-sub003/utils"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
)

var tracer = otel.Tracer("informes/tunnel")

// Handler answers one request kind. The returned value is marshalled into
// the SUCCESS response; an error becomes an ERROR response.
type Handler func(ctx context.Context, req Request) (any, error)

type Worker struct {
	store       Store
	concurrency int64
	logger      *logrus.Logger
	now         func() time.Time

	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewWorker(store Store, concurrency int, logger *logrus.Logger) *Worker {
	if concurrency <= 0 {
		concurrency = 4
	}
	if logger == nil {
		logger = config.GetLogger()
	}
	return &Worker{
		store:       store,
		concurrency: int64(concurrency),
		logger:      logger,
		now:         time.Now,
		handlers:    make(map[string]Handler),
	}
}

func (w *Worker) Handle(kind string, h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[kind] = h
}

// Kinds lists the registered request kinds.
func (w *Worker) Kinds() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	kinds := make([]string, 0, len(w.handlers))
	for k := range w.handlers {
		kinds = append(kinds, k)
	}
	return kinds
}

func (w *Worker) handler(kind string) (Handler, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	h, ok := w.handlers[kind]
	return h, ok
}

// Run processes requests from the store until ctx ends, at most
// concurrency at a time. It waits for in-flight requests before returning.
func (w *Worker) Run(ctx context.Context) error {
	requests, err := w.store.WatchRequests(ctx)
	if err != nil {
		return fmt.Errorf("watch requests: %w", err)
	}
	sem := semaphore.NewWeighted(w.concurrency)
	w.logger.WithFields(logrus.Fields{"field": "tunnel", "concurrency": w.concurrency}).Info("tunnel worker started")

	for req := range requests {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		go func(req Request) {
			defer sem.Release(1)
			if err := w.Process(ctx, req); err != nil {
				config.LogError(w.logger, "tunnel", "Run", req.ID, req.Kind, err)
			}
		}(req)
	}

	// Drain in-flight work.
	_ = sem.Acquire(context.Background(), w.concurrency)
	w.logger.WithField("field", "tunnel").Info("tunnel worker stopped")
	return ctx.Err()
}

// Process handles a single request if this worker wins the claim. The
// returned error only concerns the store; handler failures are written as
// ERROR responses.
func (w *Worker) Process(ctx context.Context, req Request) error {
	claimed, err := w.store.ClaimRequest(ctx, req.ID)
	if errors.Is(err, ErrNotFound) {
		// The caller already gave up.
		return nil
	}
	if err != nil {
		return fmt.Errorf("claim %s: %w", req.ID, err)
	}
	if !claimed {
		return nil
	}

	ctx = utils.SetCorrelationIdInContext(ctx, req.ID)
	ctx = utils.SetRequestKindInContext(ctx, req.Kind)
	if req.Target != "" {
		ctx = utils.SetTargetInContext(ctx, req.Target)
	}
	ctx, span := tracer.Start(ctx, "tunnel.Process", trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()
	span.SetAttributes(attribute.String("tunnel.kind", req.Kind), attribute.String("tunnel.id", req.ID))

	log := w.logger.WithFields(logrus.Fields{"field": "tunnel", "correlation_id": req.ID, "kind": req.Kind})
	started := w.now()

	resp := w.dispatch(ctx, req)
	resp.ID = req.ID
	resp.ProducedAt = w.now().UTC()

	if resp.Status == StatusError {
		span.SetStatus(codes.Error, resp.Message)
		log.WithField("duration_ms", time.Since(started).Milliseconds()).Warn("request failed: " + resp.Message)
	} else {
		log.WithField("duration_ms", time.Since(started).Milliseconds()).Info("request handled")
	}

	written, err := w.store.WriteResponse(context.WithoutCancel(ctx), resp)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("write response %s: %w", req.ID, err)
	}
	if !written {
		log.Warn("response already written")
	}
	return nil
}

func (w *Worker) dispatch(ctx context.Context, req Request) (resp Response) {
	h, ok := w.handler(req.Kind)
	if !ok {
		return Response{Status: StatusError, Message: fmt.Sprintf("unknown request kind %q", req.Kind)}
	}

	defer func() {
		if r := recover(); r != nil {
			w.logger.WithFields(logrus.Fields{
				"field":          "tunnel",
				"correlation_id": req.ID,
				"stack":          string(debug.Stack()),
			}).Error(fmt.Sprintf("handler panic: %v", r))
			resp = Response{Status: StatusError, Message: fmt.Sprintf("internal error: %v", r)}
		}
	}()

	out, err := h(ctx, req)
	if err != nil {
		return Response{Status: StatusError, Message: err.Error()}
	}
	if raw, ok := out.(json.RawMessage); ok {
		return Response{Status: StatusSuccess, Data: raw}
	}
	data, err := json.Marshal(out)
	if err != nil {
		return Response{Status: StatusError, Message: "encode result: " + err.Error()}
	}
	return Response{Status: StatusSuccess, Data: data}
}
