package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/templui/downloadgroups/internal/policy"
	"github.com/templui/downloadgroups/internal/repository"
	"github.com/templui/downloadgroups/internal/service"
)

const maxBodyBytes = 1 << 20

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Detail  string `json:"detail,omitempty"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	err := json.NewEncoder(w).Encode(v)
	if err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: message}})
}

// decodeJSON reads a JSON request body into v, rejecting unknown fields.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	err := dec.Decode(v)
	if err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

type errorMapping struct {
	err    error
	status int
	code   string
}

var errorMappings = []errorMapping{
	{repository.ErrGroupNotFound, http.StatusNotFound, "not_found"},
	{service.ErrCrossTenant, http.StatusForbidden, "cross_tenant"},
	{service.ErrAssetNotFound, http.StatusUnprocessableEntity, "asset_not_found"},
	{service.ErrAssetNotLinked, http.StatusUnprocessableEntity, "asset_not_linked"},
	{service.ErrGroupDeleted, http.StatusConflict, "group_deleted"},
	{service.ErrImmutableGroup, http.StatusConflict, "immutable_group"},
	{service.ErrArchiveImmutable, http.StatusConflict, "archive_immutable"},
	{service.ErrNoAssets, http.StatusConflict, "no_assets"},
	{service.ErrInvalidTransition, http.StatusConflict, "invalid_transition"},
	{service.ErrInvalidExpiry, http.StatusBadRequest, "invalid_expiry"},
	{service.ErrInvalidKind, http.StatusBadRequest, "invalid_kind"},
	{service.ErrInvalidAccessMode, http.StatusBadRequest, "invalid_access_mode"},
	{service.ErrInvalidSource, http.StatusBadRequest, "invalid_source"},
}

// writeServiceError maps a service error to an HTTP response. Unknown errors,
// including a missing retention rule, are logged and reported as 500.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	for _, m := range errorMappings {
		if errors.Is(err, m.err) {
			writeError(w, m.status, m.code, err.Error())
			return
		}
	}
	if errors.Is(err, policy.ErrUnknownPlan) {
		slog.Error("retention policy misconfigured", "error", err, "path", r.URL.Path)
		writeError(w, http.StatusInternalServerError, "policy_error", "retention policy has no rule for this plan")
		return
	}
	slog.Error("request failed", "error", err, "method", r.Method, "path", r.URL.Path)
	writeError(w, http.StatusInternalServerError, "internal", "internal server error")
}
