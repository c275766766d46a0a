package store

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/latencypoison/latencypoison/internal/models"
	"gorm.io/gorm"
)

// UserStore persists user accounts.
type UserStore struct {
	db *gorm.DB
}

// NewUserStore constructs a UserStore.
func NewUserStore(db *gorm.DB) *UserStore {
	return &UserStore{db: db}
}

// CreateUser inserts a user with an already hashed password.
func (s *UserStore) CreateUser(ctx context.Context, username, email, passwordHash string) (*models.User, error) {
	username = strings.TrimSpace(username)
	email = strings.ToLower(strings.TrimSpace(email))
	if username == "" {
		return nil, fmt.Errorf("%w: username is required", ErrValidation)
	}
	if _, errParse := mail.ParseAddress(email); errParse != nil {
		return nil, fmt.Errorf("%w: invalid email", ErrValidation)
	}

	var count int64
	if errCount := s.db.WithContext(ctx).Model(&models.User{}).Where("email = ?", email).Count(&count).Error; errCount != nil {
		return nil, errCount
	}
	if count > 0 {
		return nil, fmt.Errorf("%w: email already registered", ErrConflict)
	}

	now := time.Now().UTC()
	row := models.User{
		Username:  username,
		Email:     email,
		Password:  passwordHash,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if errCreate := s.db.WithContext(ctx).Create(&row).Error; errCreate != nil {
		return nil, errCreate
	}
	return &row, nil
}

// FindByEmail returns the user registered with email.
func (s *UserStore) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	var row models.User
	email = strings.ToLower(strings.TrimSpace(email))
	if errFind := s.db.WithContext(ctx).Where("email = ?", email).First(&row).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, errFind
	}
	return &row, nil
}

// GetUser returns a user by ID.
func (s *UserStore) GetUser(ctx context.Context, id uint64) (*models.User, error) {
	var row models.User
	if errFind := s.db.WithContext(ctx).First(&row, id).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, errFind
	}
	return &row, nil
}
