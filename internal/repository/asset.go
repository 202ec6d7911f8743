package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"
	"github.com/templui/downloadgroups/internal/model"
)

var (
	ErrAssetNotFound = errors.New("asset not found")
)

// AssetRepository is a read view over the asset catalog.
type AssetRepository interface {
	ByID(ctx context.Context, id string) (*model.Asset, error)
	Create(ctx context.Context, asset *model.Asset) error
}

type assetRepository struct {
	db *sqlx.DB
}

func NewAssetRepository(db *sqlx.DB) AssetRepository {
	return &assetRepository{db: db}
}

func (r *assetRepository) ByID(ctx context.Context, id string) (*model.Asset, error) {
	asset := &model.Asset{}
	query := `SELECT * FROM assets WHERE id = $1`

	err := r.db.GetContext(ctx, asset, query, id)
	if err == sql.ErrNoRows {
		return nil, ErrAssetNotFound
	}
	if err != nil {
		return nil, err
	}

	return asset, nil
}

// Create is used by seeding and tests; the catalog owns this table in production.
func (r *assetRepository) Create(ctx context.Context, asset *model.Asset) error {
	query := `INSERT INTO assets (id, tenant_id, storage_key, filename, size_bytes, created_at)
	          VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := r.db.ExecContext(ctx, query,
		asset.ID,
		asset.TenantID,
		asset.StorageKey,
		asset.Filename,
		asset.SizeBytes,
		asset.CreatedAt,
	)

	return err
}
