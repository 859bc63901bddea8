// Package web serves read-only diagnostics: the run ledger and the
// serialization slot table.
package web

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/Kayzwer/codeflash/internal/concurrency"
	"github.com/Kayzwer/codeflash/internal/taskstore"
)

// SlotSource is the coordinator's diagnostic view.
type SlotSource interface {
	Snapshot() []concurrency.SlotStatus
	Status(subject string) (concurrency.SlotStatus, bool)
}

// Handler handles diagnostics requests
type Handler struct {
	runs  *taskstore.Store
	slots SlotSource
}

// NewHandler creates a new diagnostics handler
func NewHandler(runs *taskstore.Store, slots SlotSource) *Handler {
	return &Handler{runs: runs, slots: slots}
}

// RegisterRoutes registers diagnostics routes
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/runs", h.handleRunList).Methods(http.MethodGet)
	r.HandleFunc("/runs/{id}", h.handleRunDetail).Methods(http.MethodGet)
	r.HandleFunc("/slots", h.handleSlots).Methods(http.MethodGet)
}

// handleRunList lists runs, newest first. ?subject=owner/repo%23N filters.
func (h *Handler) handleRunList(w http.ResponseWriter, r *http.Request) {
	runs := h.runs.List(r.URL.Query().Get("subject"))
	writeJSON(w, http.StatusOK, map[string]any{
		"count": len(runs),
		"runs":  runs,
	})
}

func (h *Handler) handleRunDetail(w http.ResponseWriter, r *http.Request) {
	run, ok := h.runs.Get(mux.Vars(r)["id"])
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "run not found"})
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// handleSlots lists live slots, or one slot when ?subject= is given. A
// subject without a live slot is reported idle with its last generation.
func (h *Handler) handleSlots(w http.ResponseWriter, r *http.Request) {
	if subject := r.URL.Query().Get("subject"); subject != "" {
		status, live := h.slots.Status(subject)
		writeJSON(w, http.StatusOK, map[string]any{
			"live": live,
			"slot": status,
		})
		return
	}
	slots := h.slots.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"count": len(slots),
		"slots": slots,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[Web] encode response: %v", err)
	}
}
