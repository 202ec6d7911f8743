package service

import "errors"

var (
	ErrCrossTenant       = errors.New("download group belongs to another tenant")
	ErrGroupDeleted      = errors.New("download group is deleted")
	ErrImmutableGroup    = errors.New("snapshot group can no longer change its assets")
	ErrNoAssets          = errors.New("download group has no assets")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrArchiveImmutable  = errors.New("snapshot archive is already built")
	ErrAssetNotFound     = errors.New("asset not found")
	ErrAssetNotLinked    = errors.New("asset is not linked to the group")
	ErrInvalidExpiry     = errors.New("new expiry must be later than the current expiry")
	ErrInvalidKind       = errors.New("invalid download kind")
	ErrInvalidAccessMode = errors.New("invalid access mode")
	ErrInvalidSource     = errors.New("invalid source label")
)
