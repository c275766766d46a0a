package db

import (
	"fmt"

	"github.com/latencypoison/latencypoison/internal/models"
	"gorm.io/gorm"
)

// Migrate creates or updates the schema for users, collections and endpoints.
func Migrate(conn *gorm.DB) error {
	if conn == nil {
		return fmt.Errorf("db: nil connection")
	}
	if errMigrate := conn.AutoMigrate(
		&models.User{},
		&models.Collection{},
		&models.Endpoint{},
	); errMigrate != nil {
		return fmt.Errorf("db: migrate: %w", errMigrate)
	}
	return nil
}
