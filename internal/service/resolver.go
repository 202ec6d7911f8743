package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/templui/downloadgroups/internal/model"
	"github.com/templui/downloadgroups/internal/repository"
)

// AssetResolver maps asset ids to the storage key and display filename the
// archive builder needs. It never writes to the catalog.
type AssetResolver struct {
	repo repository.AssetRepository
}

func NewAssetResolver(repo repository.AssetRepository) *AssetResolver {
	return &AssetResolver{repo: repo}
}

// Resolve returns the asset if it exists and belongs to tenantID. Assets of
// other tenants are reported as not found.
func (r *AssetResolver) Resolve(ctx context.Context, tenantID, assetID string) (*model.Asset, error) {
	asset, err := r.repo.ByID(ctx, assetID)
	if errors.Is(err, repository.ErrAssetNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrAssetNotFound, assetID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve asset: %w", err)
	}
	if asset.TenantID != tenantID {
		return nil, fmt.Errorf("%w: %s", ErrAssetNotFound, assetID)
	}
	return asset, nil
}

// ResolveAll resolves every id or fails on the first unknown one.
func (r *AssetResolver) ResolveAll(ctx context.Context, tenantID string, assetIDs []string) ([]*model.Asset, error) {
	assets := make([]*model.Asset, 0, len(assetIDs))
	for _, id := range assetIDs {
		asset, err := r.Resolve(ctx, tenantID, id)
		if err != nil {
			return nil, err
		}
		assets = append(assets, asset)
	}
	return assets, nil
}
