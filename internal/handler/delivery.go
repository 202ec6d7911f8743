package handler

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/templui/downloadgroups/internal/ctxkeys"
	"github.com/templui/downloadgroups/internal/service"
)

type DeliveryHandler struct {
	deliveryService *service.DeliveryService
}

func NewDeliveryHandler(deliveryService *service.DeliveryService) *DeliveryHandler {
	return &DeliveryHandler{
		deliveryService: deliveryService,
	}
}

// Retrieve redirects to a signed archive URL. Clients asking for JSON get
// the link in the body instead. Blocked deliveries answer with the reason.
func (h *DeliveryHandler) Retrieve(w http.ResponseWriter, r *http.Request) {
	principal := ctxkeys.Principal(r.Context())
	groupID := r.PathValue("groupId")

	delivery, err := h.deliveryService.RequestDelivery(r.Context(), groupID, principal)
	if err != nil {
		if de, ok := service.AsDeliveryError(err); ok {
			writeJSON(w, de.Status, errorBody{Error: errorDetail{
				Reason:  string(de.Reason),
				Detail:  de.Detail,
				Message: de.Message,
			}})
			return
		}
		slog.Error("delivery failed", "error", err, "group_id", groupID)
		writeError(w, http.StatusInternalServerError, "internal", "internal server error")
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	if wantsJSON(r) {
		writeJSON(w, http.StatusOK, delivery)
		return
	}
	http.Redirect(w, r, delivery.URL, http.StatusFound)
}

func wantsJSON(r *http.Request) bool {
	return r.URL.Query().Get("format") == "json" ||
		strings.Contains(r.Header.Get("Accept"), "application/json")
}
