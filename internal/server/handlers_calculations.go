package server

import (
	"net/http"

	"github.com/qcrbox/qcrbox/internal/model"
	"github.com/qcrbox/qcrbox/internal/storage"
)

// HandleInvokeCommand handles POST /commands/invoke.
func (h *Handlers) HandleInvokeCommand(w http.ResponseWriter, r *http.Request) {
	var req model.InvocationRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	id, err := h.registry.InvokeCommand(r.Context(), req)
	if err != nil {
		h.writeRegistryError(w, r, err)
		return
	}
	href := "/calculations/" + id
	w.Header().Set("Location", href)
	writeJSON(w, r, http.StatusCreated, "command invoked", model.InvokeCommandResponse{
		CalculationID: id,
		Href:          href,
	})
}

// HandleListCalculations handles GET /calculations.
func (h *Handlers) HandleListCalculations(w http.ResponseWriter, r *http.Request) {
	limit, offset := storage.ClampPage(queryInt(r, "limit", 50), queryOffset(r))
	calcs, total, err := h.registry.ListCalculations(r.Context(), limit, offset)
	if err != nil {
		h.writeRegistryError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, "", model.ListPayload{
		Items:   calcs,
		Total:   total,
		HasMore: offset+len(calcs) < total,
		Limit:   limit,
		Offset:  offset,
	})
}

// HandleGetCalculation handles GET /calculations/{calculation_id}.
func (h *Handlers) HandleGetCalculation(w http.ResponseWriter, r *http.Request) {
	view, err := h.registry.GetCalculationStatus(r.Context(), r.PathValue("calculation_id"))
	if err != nil {
		h.writeRegistryError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, "", view)
}

// HandleFinaliseCalculation handles POST /calculations/{calculation_id}/finalise.
func (h *Handlers) HandleFinaliseCalculation(w http.ResponseWriter, r *http.Request) {
	d, err := h.registry.FinaliseCalculation(r.Context(), r.PathValue("calculation_id"))
	if err != nil {
		h.writeRegistryError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusAccepted, "finalising", d)
}

// HandleCancelCalculation handles POST /calculations/{calculation_id}/cancel.
func (h *Handlers) HandleCancelCalculation(w http.ResponseWriter, r *http.Request) {
	d, err := h.registry.CancelCalculation(r.Context(), r.PathValue("calculation_id"))
	if err != nil {
		h.writeRegistryError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusAccepted, "cancellation requested", d)
}
