package models

import "time"

// CollectionRecord is one element of a named collection stored in SQL.
// Position keeps the collection order.
type CollectionRecord struct {
	ID         uint      `gorm:"primary_key" json:"id"`
	Collection string    `gorm:"index:idx_collection_position,priority:1;size:100;not null" json:"collection"`
	Position   int       `gorm:"index:idx_collection_position,priority:2;not null" json:"position"`
	Payload    []byte    `gorm:"type:json;not null" json:"payload"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
}
