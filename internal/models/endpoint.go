package models

import "time"

// Endpoint is a path under a collection that may override the collection's simulation settings.
//
// A nil override inherits the collection default. A non-nil zero is an explicit override.
type Endpoint struct {
	ID string `gorm:"type:varchar(36);primaryKey"` // UUID primary key.

	CollectionID string `gorm:"type:varchar(36);not null;index"` // Owning collection, immutable after creation.

	Path string `gorm:"type:text;not null"` // Path appended to the collection base URL.

	LatencyMs *int     // Optional latency override in milliseconds.
	FailRate  *float64 // Optional failure percentage override.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
