package model

import (
	"time"
)

// Asset is the read-only view of an asset catalog row.
type Asset struct {
	ID         string    `db:"id"`
	TenantID   string    `db:"tenant_id"`
	StorageKey string    `db:"storage_key"`
	Filename   string    `db:"filename"`
	SizeBytes  int64     `db:"size_bytes"`
	CreatedAt  time.Time `db:"created_at"`
}

type AssetLink struct {
	GroupID   string    `db:"group_id" json:"group_id"`
	AssetID   string    `db:"asset_id" json:"asset_id"`
	IsPrimary bool      `db:"is_primary" json:"is_primary"`
	Position  int       `db:"position" json:"position"` // attach order within the group
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}
