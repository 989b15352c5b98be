package possync

import (
	"context"
	"fmt"

	"github.com/soporte-collab/informes-sub003/models"
	"github.com/soporte-collab/informes-sub003/tunnel"
	"github.com/soporte-collab/informes-sub003/utils"
)

// Register binds every request kind to w.
func (s *Service) Register(w *tunnel.Worker) {
	w.Handle(KindPing, func(ctx context.Context, _ tunnel.Request) (any, error) {
		return s.Ping(ctx)
	})
	w.Handle(KindSyncSales, func(ctx context.Context, req tunnel.Request) (any, error) {
		var p SyncSalesPayload
		if err := decode(req, &p); err != nil {
			return nil, err
		}
		return s.SyncSales(ctx, p, models.SyncTriggeredTunnel)
	})
	w.Handle(KindEnrichSales, func(ctx context.Context, req tunnel.Request) (any, error) {
		var p EnrichSalesPayload
		if err := decode(req, &p); err != nil {
			return nil, err
		}
		return s.EnrichSales(ctx, p)
	})
	w.Handle(KindCollectionMerge, func(ctx context.Context, req tunnel.Request) (any, error) {
		var p CollectionMergePayload
		if err := decode(req, &p); err != nil {
			return nil, err
		}
		return s.MergeCollection(ctx, p)
	})
	w.Handle(KindCollectionLoad, func(ctx context.Context, req tunnel.Request) (any, error) {
		var p CollectionLoadPayload
		if err := decode(req, &p); err != nil {
			return nil, err
		}
		return s.LoadCollection(ctx, p)
	})
}

func decode[T any](req tunnel.Request, out *T) error {
	if err := utils.DecodePayload(req.Payload, out); err != nil {
		return fmt.Errorf("%s payload: %w", req.Kind, err)
	}
	if err := utils.ValidateStruct(out); err != nil {
		return fmt.Errorf("%s payload: %v", req.Kind, utils.ProcessValidationErrors(err))
	}
	return nil
}
