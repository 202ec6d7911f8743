package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/templui/downloadgroups/internal/events"
	"github.com/templui/downloadgroups/internal/model"
	"github.com/templui/downloadgroups/internal/policy"
	"github.com/templui/downloadgroups/internal/repository"
	"github.com/templui/downloadgroups/internal/storage"
)

type DeliveryReason string

const (
	ReasonNotFound        DeliveryReason = "not_found"
	ReasonAccessDenied    DeliveryReason = "access_denied"
	ReasonNotReady        DeliveryReason = "not_ready"
	ReasonArchiveNotReady DeliveryReason = "archive_not_ready"
	ReasonExpired         DeliveryReason = "expired"
)

var deliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "downloads_deliveries_total",
	Help: "Delivery requests, by outcome.",
}, []string{"outcome"})

// DeliveryError is a blocked delivery. Detail carries the group or archive
// status for the not-ready reasons.
type DeliveryError struct {
	Reason  DeliveryReason
	Status  int
	Detail  string
	Message string
}

func (e *DeliveryError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("delivery blocked: %s (%s)", e.Reason, e.Detail)
	}
	return fmt.Sprintf("delivery blocked: %s", e.Reason)
}

// AsDeliveryError unwraps a *DeliveryError from err.
func AsDeliveryError(err error) (*DeliveryError, bool) {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}

var (
	groupStatusMessages = map[model.GroupStatus]string{
		model.GroupStatusPending:     "This download is still being prepared.",
		model.GroupStatusInvalidated: "This download is being updated.",
		model.GroupStatusFailed:      "This download could not be prepared.",
	}
	archiveStatusMessages = map[model.ArchiveStatus]string{
		model.ArchiveStatusNone:        "The archive for this download has not been built yet.",
		model.ArchiveStatusBuilding:    "The archive is still being built. Try again in a few minutes.",
		model.ArchiveStatusInvalidated: "The files changed and the archive is being rebuilt.",
		model.ArchiveStatusFailed:      "The archive could not be built.",
	}
)

// Delivery is a signed, short-lived retrieval link.
type Delivery struct {
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
	Filename  string    `json:"filename"`
	SizeBytes *int64    `json:"size_bytes,omitempty"`
}

type DeliveryService struct {
	repo    repository.GroupRepository
	storage storage.Storage
	events  *events.Emitter
	urlTTL  time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

func NewDeliveryService(
	repo repository.GroupRepository,
	store storage.Storage,
	emitter *events.Emitter,
	urlTTL time.Duration,
	logger *slog.Logger,
) *DeliveryService {
	return &DeliveryService{
		repo:    repo,
		storage: store,
		events:  emitter,
		urlTTL:  urlTTL,
		logger:  logger.With(slog.String("component", "delivery")),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// RequestDelivery validates the group for the principal and signs a URL.
// principal may be nil for anonymous callers.
func (s *DeliveryService) RequestDelivery(ctx context.Context, groupID string, principal *model.Principal) (*Delivery, error) {
	group, err := s.repo.ByID(ctx, groupID)
	if err != nil && !errors.Is(err, repository.ErrGroupNotFound) {
		deliveriesTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to get group: %w", err)
	}

	if derr := s.validate(group, principal); derr != nil {
		deliveriesTotal.WithLabelValues(string(derr.Reason)).Inc()
		s.logger.Debug("delivery blocked", "group_id", groupID, "reason", derr.Reason, "detail", derr.Detail)
		return nil, derr
	}

	url, err := s.storage.PresignGet(ctx, *group.ArchiveKey, s.urlTTL, group.ArchiveFilename())
	if err != nil {
		deliveriesTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to sign archive url: %w", err)
	}

	deliveriesTotal.WithLabelValues("granted").Inc()
	attrs := map[string]any{"version": group.Version}
	if principal != nil {
		attrs["principal_id"] = principal.ID
	}
	s.events.Emit(events.New(events.DeliveryRequested, group.ID, group.TenantID, attrs))

	return &Delivery{
		URL:       url,
		ExpiresAt: s.now().Add(s.urlTTL),
		Filename:  group.ArchiveFilename(),
		SizeBytes: group.ArchiveSizeBytes,
	}, nil
}

// validate checks existence, access, readiness and expiry in that order.
// Access comes before readiness so outsiders learn nothing about state.
func (s *DeliveryService) validate(g *model.Group, principal *model.Principal) *DeliveryError {
	if g == nil || g.IsSoftDeleted() {
		return &DeliveryError{
			Reason:  ReasonNotFound,
			Status:  http.StatusNotFound,
			Message: "This download does not exist.",
		}
	}

	if !canAccess(g, principal) {
		return &DeliveryError{
			Reason:  ReasonAccessDenied,
			Status:  http.StatusForbidden,
			Message: "You do not have access to this download.",
		}
	}

	if g.Status != model.GroupStatusReady {
		return &DeliveryError{
			Reason:  ReasonNotReady,
			Status:  http.StatusConflict,
			Detail:  string(g.Status),
			Message: groupStatusMessages[g.Status],
		}
	}

	if g.ArchiveStatus != model.ArchiveStatusReady || g.ArchiveKey == nil {
		return &DeliveryError{
			Reason:  ReasonArchiveNotReady,
			Status:  http.StatusConflict,
			Detail:  string(g.ArchiveStatus),
			Message: archiveStatusMessages[g.ArchiveStatus],
		}
	}

	if policy.IsExpired(g, s.now()) {
		return &DeliveryError{
			Reason:  ReasonExpired,
			Status:  http.StatusGone,
			Message: "This download has expired.",
		}
	}

	return nil
}

// canAccess treats restricted like team until finer grained rules exist.
func canAccess(g *model.Group, principal *model.Principal) bool {
	switch g.AccessMode {
	case model.AccessModePublic:
		return true
	case model.AccessModeTeam, model.AccessModeRestricted:
		return principal.MemberOf(g.TenantID)
	}
	return false
}
