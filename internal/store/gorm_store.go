package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	dbutil "github.com/latencypoison/latencypoison/internal/db"
	"github.com/latencypoison/latencypoison/internal/models"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ChangeHook runs after every committed collection or endpoint write.
type ChangeHook func(ctx context.Context)

// GormStore persists collections and endpoints through GORM.
type GormStore struct {
	db    *gorm.DB
	hooks []ChangeHook
}

// NewGormStore constructs a GormStore; hooks are called after each successful write.
func NewGormStore(db *gorm.DB, hooks ...ChangeHook) *GormStore {
	return &GormStore{db: db, hooks: hooks}
}

// AddHook registers another change hook.
func (s *GormStore) AddHook(hook ChangeHook) {
	if hook != nil {
		s.hooks = append(s.hooks, hook)
	}
}

// CollectionInput holds the fields for creating a collection.
type CollectionInput struct {
	Name               string
	BaseURL            string
	DefaultLatencyMs   int
	DefaultFailRate    float64
	PassthroughHeaders []string
}

// CollectionPatch holds optional collection updates; nil fields are left unchanged.
type CollectionPatch struct {
	Name               *string
	BaseURL            *string
	DefaultLatencyMs   *int
	DefaultFailRate    *float64
	PassthroughHeaders *[]string
}

// EndpointInput holds the fields for creating an endpoint.
type EndpointInput struct {
	Path      string
	LatencyMs *int
	FailRate  *float64
}

// EndpointPatch holds endpoint updates. A set-but-null override clears it back to inherit.
type EndpointPatch struct {
	Path      *string
	LatencyMs Nullable[int]
	FailRate  Nullable[float64]
}

// CreateCollection validates and inserts a collection owned by ownerID.
func (s *GormStore) CreateCollection(ctx context.Context, ownerID uint64, in CollectionInput) (*models.Collection, error) {
	name, errName := ValidateName(in.Name)
	if errName != nil {
		return nil, errName
	}
	baseURL, errURL := NormalizeBaseURL(in.BaseURL)
	if errURL != nil {
		return nil, errURL
	}
	if err := ValidateLatency("default_latency_ms", in.DefaultLatencyMs); err != nil {
		return nil, err
	}
	if err := ValidateFailRate("default_fail_rate", in.DefaultFailRate); err != nil {
		return nil, err
	}
	headers, errHeaders := EncodeHeaderNames(in.PassthroughHeaders)
	if errHeaders != nil {
		return nil, errHeaders
	}

	now := time.Now().UTC()
	row := models.Collection{
		ID:                 uuid.NewString(),
		OwnerID:            ownerID,
		Name:               name,
		BaseURL:            baseURL,
		DefaultLatencyMs:   in.DefaultLatencyMs,
		DefaultFailRate:    in.DefaultFailRate,
		PassthroughHeaders: headers,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if errCreate := s.db.WithContext(ctx).Create(&row).Error; errCreate != nil {
		return nil, errCreate
	}
	s.changed(ctx)
	return &row, nil
}

// GetCollection returns a collection by ID.
func (s *GormStore) GetCollection(ctx context.Context, id string) (*models.Collection, error) {
	var row models.Collection
	if errFind := s.db.WithContext(ctx).First(&row, "id = ?", strings.TrimSpace(id)).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, errFind
	}
	return &row, nil
}

// ListCollections returns the owner's collections, optionally filtered by a name keyword.
func (s *GormStore) ListCollections(ctx context.Context, ownerID uint64, keyword string) ([]models.Collection, error) {
	q := s.db.WithContext(ctx).Model(&models.Collection{}).Where("owner_id = ?", ownerID)
	if clause, pattern := dbutil.ContainsFold(s.db, "name", keyword); clause != "" {
		q = q.Where(clause, pattern)
	}
	var rows []models.Collection
	if errFind := q.Order("created_at DESC").Find(&rows).Error; errFind != nil {
		return nil, errFind
	}
	return rows, nil
}

// UpdateCollection applies a patch to a collection.
func (s *GormStore) UpdateCollection(ctx context.Context, id string, patch CollectionPatch) (*models.Collection, error) {
	row, errGet := s.GetCollection(ctx, id)
	if errGet != nil {
		return nil, errGet
	}

	if patch.Name != nil {
		name, errName := ValidateName(*patch.Name)
		if errName != nil {
			return nil, errName
		}
		row.Name = name
	}
	if patch.BaseURL != nil {
		baseURL, errURL := NormalizeBaseURL(*patch.BaseURL)
		if errURL != nil {
			return nil, errURL
		}
		row.BaseURL = baseURL
	}
	if patch.DefaultLatencyMs != nil {
		if err := ValidateLatency("default_latency_ms", *patch.DefaultLatencyMs); err != nil {
			return nil, err
		}
		row.DefaultLatencyMs = *patch.DefaultLatencyMs
	}
	if patch.DefaultFailRate != nil {
		if err := ValidateFailRate("default_fail_rate", *patch.DefaultFailRate); err != nil {
			return nil, err
		}
		row.DefaultFailRate = *patch.DefaultFailRate
	}
	if patch.PassthroughHeaders != nil {
		headers, errHeaders := EncodeHeaderNames(*patch.PassthroughHeaders)
		if errHeaders != nil {
			return nil, errHeaders
		}
		row.PassthroughHeaders = headers
	}

	row.UpdatedAt = time.Now().UTC()
	if errSave := s.db.WithContext(ctx).Save(row).Error; errSave != nil {
		return nil, errSave
	}
	s.changed(ctx)
	return row, nil
}

// DeleteCollection removes a collection and, in the same transaction, all of its endpoints.
func (s *GormStore) DeleteCollection(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	errTx := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if errEndpoints := tx.Where("collection_id = ?", id).Delete(&models.Endpoint{}).Error; errEndpoints != nil {
			return errEndpoints
		}
		res := tx.Delete(&models.Collection{}, "id = ?", id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
	if errTx != nil {
		return errTx
	}
	s.changed(ctx)
	return nil
}

// CreateEndpoint validates and inserts an endpoint under an existing collection.
func (s *GormStore) CreateEndpoint(ctx context.Context, collectionID string, in EndpointInput) (*models.Endpoint, error) {
	if _, errGet := s.GetCollection(ctx, collectionID); errGet != nil {
		return nil, errGet
	}
	endpointPath, errPath := ValidateEndpointPath(in.Path)
	if errPath != nil {
		return nil, errPath
	}
	if in.LatencyMs != nil {
		if err := ValidateLatency("latency_ms", *in.LatencyMs); err != nil {
			return nil, err
		}
	}
	if in.FailRate != nil {
		if err := ValidateFailRate("fail_rate", *in.FailRate); err != nil {
			return nil, err
		}
	}

	now := time.Now().UTC()
	row := models.Endpoint{
		ID:           uuid.NewString(),
		CollectionID: strings.TrimSpace(collectionID),
		Path:         endpointPath,
		LatencyMs:    copyInt(in.LatencyMs),
		FailRate:     copyFloat(in.FailRate),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if errCreate := s.db.WithContext(ctx).Create(&row).Error; errCreate != nil {
		return nil, errCreate
	}
	s.changed(ctx)
	return &row, nil
}

// GetEndpoint returns an endpoint by ID.
func (s *GormStore) GetEndpoint(ctx context.Context, id string) (*models.Endpoint, error) {
	var row models.Endpoint
	if errFind := s.db.WithContext(ctx).First(&row, "id = ?", strings.TrimSpace(id)).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, errFind
	}
	return &row, nil
}

// ListEndpoints returns a collection's endpoints in match tie-break order.
func (s *GormStore) ListEndpoints(ctx context.Context, collectionID string) ([]models.Endpoint, error) {
	var rows []models.Endpoint
	if errFind := s.db.WithContext(ctx).
		Where("collection_id = ?", strings.TrimSpace(collectionID)).
		Order("created_at ASC").Order("id ASC").
		Find(&rows).Error; errFind != nil {
		return nil, errFind
	}
	return rows, nil
}

// UpdateEndpoint applies a patch. The owning collection never changes.
func (s *GormStore) UpdateEndpoint(ctx context.Context, id string, patch EndpointPatch) (*models.Endpoint, error) {
	row, errGet := s.GetEndpoint(ctx, id)
	if errGet != nil {
		return nil, errGet
	}

	if patch.Path != nil {
		endpointPath, errPath := ValidateEndpointPath(*patch.Path)
		if errPath != nil {
			return nil, errPath
		}
		row.Path = endpointPath
	}
	if patch.LatencyMs.Set {
		if patch.LatencyMs.Value != nil {
			if err := ValidateLatency("latency_ms", *patch.LatencyMs.Value); err != nil {
				return nil, err
			}
		}
		row.LatencyMs = copyInt(patch.LatencyMs.Value)
	}
	if patch.FailRate.Set {
		if patch.FailRate.Value != nil {
			if err := ValidateFailRate("fail_rate", *patch.FailRate.Value); err != nil {
				return nil, err
			}
		}
		row.FailRate = copyFloat(patch.FailRate.Value)
	}

	row.UpdatedAt = time.Now().UTC()
	// Save writes every column, so a cleared override is stored as NULL.
	if errSave := s.db.WithContext(ctx).Save(row).Error; errSave != nil {
		return nil, errSave
	}
	s.changed(ctx)
	return row, nil
}

// DeleteEndpoint removes an endpoint by ID.
func (s *GormStore) DeleteEndpoint(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Delete(&models.Endpoint{}, "id = ?", strings.TrimSpace(id))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	s.changed(ctx)
	return nil
}

func (s *GormStore) changed(ctx context.Context) {
	for _, hook := range s.hooks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.WithField("panic", r).Error("store: change hook panicked")
				}
			}()
			hook(ctx)
		}()
	}
}

func copyInt(v *int) *int {
	if v == nil {
		return nil
	}
	value := *v
	return &value
}

func copyFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	value := *v
	return &value
}
