package mergestore

import (
	"context"

	"github.com/sirupsen/logrus"
	"github.com/soporte-collab/informes-sub003/config"
	"github.com/soporte-collab/informes-sub003/utils"
)

// Merger pairs a Storage with the Locker that serializes its writers. All
// pipeline writes go through it.
type Merger struct {
	Storage Storage
	Locker  Locker
	Logger  *logrus.Logger
}

func NewMerger(s Storage, l Locker) *Merger {
	if l == nil {
		l = NewLocalLocker()
	}
	return &Merger{Storage: s, Locker: l, Logger: config.GetLogger()}
}

// MergeLocked runs Merge while holding the collection lock.
func MergeLocked[T Record](ctx context.Context, m *Merger, name string, records []T) (MergeResult, error) {
	unlock, err := m.Locker.Lock(ctx, name)
	if err != nil {
		return MergeResult{Collection: name}, err
	}
	defer unlock()

	res, err := Merge(ctx, m.Storage, name, records)
	if err != nil {
		return res, err
	}
	if m.Logger != nil {
		correlationId, _ := utils.GetCorrelationIdFromContext(ctx)
		m.Logger.WithFields(logrus.Fields{
			"field":          "mergestore",
			"collection":     name,
			"correlation_id": correlationId,
			"inserted":       res.Inserted,
			"updated":        res.Updated,
			"total":          res.Total,
		}).Info("collection merged")
	}
	return res, nil
}
