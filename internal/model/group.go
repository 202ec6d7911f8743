package model

import (
	"time"
)

type GroupKind string

const (
	GroupKindSnapshot GroupKind = "snapshot"
	GroupKindLiving   GroupKind = "living"
)

func (k GroupKind) Valid() bool {
	return k == GroupKindSnapshot || k == GroupKindLiving
}

// GroupStatus is the group-level lifecycle state. It is independent of the
// archive artifact state tracked in ArchiveStatus.
type GroupStatus string

const (
	GroupStatusPending     GroupStatus = "pending"
	GroupStatusReady       GroupStatus = "ready"
	GroupStatusInvalidated GroupStatus = "invalidated"
	GroupStatusFailed      GroupStatus = "failed"
)

type ArchiveStatus string

const (
	ArchiveStatusNone        ArchiveStatus = "none"
	ArchiveStatusBuilding    ArchiveStatus = "building"
	ArchiveStatusReady       ArchiveStatus = "ready"
	ArchiveStatusInvalidated ArchiveStatus = "invalidated"
	ArchiveStatusFailed      ArchiveStatus = "failed"
)

type AccessMode string

const (
	AccessModePublic     AccessMode = "public"
	AccessModeTeam       AccessMode = "team"
	AccessModeRestricted AccessMode = "restricted"
)

func (m AccessMode) Valid() bool {
	switch m {
	case AccessModePublic, AccessModeTeam, AccessModeRestricted:
		return true
	}
	return false
}

type Group struct {
	ID               string        `db:"id" json:"id"`
	TenantID         string        `db:"tenant_id" json:"tenant_id"`
	Slug             string        `db:"slug" json:"slug"`
	Kind             GroupKind     `db:"kind" json:"kind"`
	Source           string        `db:"source" json:"source"` // triggering surface, opaque label
	Status           GroupStatus   `db:"status" json:"status"`
	ArchiveStatus    ArchiveStatus `db:"archive_status" json:"archive_status"`
	ArchiveKey       *string       `db:"archive_key" json:"-"`
	ArchiveSizeBytes *int64        `db:"archive_size_bytes" json:"archive_size_bytes,omitempty"`
	Version          int           `db:"version" json:"version"`
	AccessMode       AccessMode    `db:"access_mode" json:"access_mode"`
	AllowReshare     bool          `db:"allow_reshare" json:"allow_reshare"`
	CreatedBy        *string       `db:"created_by" json:"created_by,omitempty"` // nil for system-initiated groups
	ExpiresAt        *time.Time    `db:"expires_at" json:"expires_at,omitempty"`
	HardDeleteAt     *time.Time    `db:"hard_delete_at" json:"hard_delete_at,omitempty"`
	SoftDeletedAt    *time.Time    `db:"soft_deleted_at" json:"soft_deleted_at,omitempty"`
	CreatedAt        time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time     `db:"updated_at" json:"updated_at"`
}

func (g *Group) IsSoftDeleted() bool {
	return g.SoftDeletedAt != nil
}

// ArchiveFilename is the attachment name offered to clients downloading the archive.
func (g *Group) ArchiveFilename() string {
	return g.Slug + ".zip"
}
