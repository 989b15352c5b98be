package mergestore

import (
	"context"
	"encoding/json"

	"github.com/soporte-collab/informes-sub003/models"
	"gorm.io/gorm"
)

// GormStorage stores each collection element as a row of collection_records.
// Save replaces the rows of one collection in a single transaction.
type GormStorage struct {
	db *gorm.DB
}

func NewGormStorage(db *gorm.DB) *GormStorage {
	return &GormStorage{db: db}
}

func (g *GormStorage) Load(ctx context.Context, name string) ([]json.RawMessage, error) {
	if err := checkName(name); err != nil {
		return nil, err
	}
	var rows []models.CollectionRecord
	if err := g.db.WithContext(ctx).
		Where("collection = ?", name).
		Order("position").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	out := make([]json.RawMessage, len(rows))
	for i, row := range rows {
		out[i] = json.RawMessage(row.Payload)
	}
	return out, nil
}

func (g *GormStorage) Save(ctx context.Context, name string, records []json.RawMessage) error {
	if err := checkName(name); err != nil {
		return err
	}
	rows := make([]models.CollectionRecord, len(records))
	for i, r := range records {
		rows[i] = models.CollectionRecord{Collection: name, Position: i, Payload: []byte(r)}
	}
	return g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("collection = ?", name).Delete(&models.CollectionRecord{}).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		return tx.CreateInBatches(rows, 500).Error
	})
}
