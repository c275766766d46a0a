package models

import (
	"time"

	"gorm.io/datatypes"
)

// Collection groups endpoints that share an upstream base URL and default simulation settings.
type Collection struct {
	ID string `gorm:"type:varchar(36);primaryKey"` // UUID primary key.

	OwnerID uint64 `gorm:"not null;index"`     // Owning user ID.
	Owner   *User  `gorm:"foreignKey:OwnerID"` // Associated user record.

	Name    string `gorm:"type:text;not null"` // Display name.
	BaseURL string `gorm:"type:text;not null"` // Absolute upstream URL prefix.

	DefaultLatencyMs int     `gorm:"not null;default:0"` // Latency applied when an endpoint does not override it.
	DefaultFailRate  float64 `gorm:"not null;default:0"` // Failure percentage (0-100) applied by default.

	PassthroughHeaders datatypes.JSON `gorm:"type:jsonb"` // Owned auth headers forwarded upstream anyway, as a JSON array.

	Endpoints []Endpoint `gorm:"foreignKey:CollectionID;constraint:OnDelete:CASCADE"` // Owned endpoints.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
