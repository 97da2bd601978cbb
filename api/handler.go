package api

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/pkg/errors"

	"github.com/NFTcolumn/pony-referral-worker/db"
)

type HealthResponse struct {
	Status string `json:"status"`
}

type StatusResponse struct {
	LastProcessedBlock uint64 `json:"lastProcessedBlock"`
}

type Handler struct {
	store *db.PebbleStore
}

func NewHandler(store *db.PebbleStore) *Handler {
	return &Handler{store: store}
}

func (h *Handler) GetHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	err := json.NewEncoder(w).Encode(HealthResponse{Status: "UP"})
	if err != nil {
		log.Printf("[ERROR] writing health response: %v", err)
	}
}

func (h *Handler) GetStatus(w http.ResponseWriter, _ *http.Request) {
	lastProcessed, err := h.store.GetLastProcessedBlock()
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		http.Error(w, "getting last processed block", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	err = json.NewEncoder(w).Encode(StatusResponse{LastProcessedBlock: lastProcessed})
	if err != nil {
		log.Printf("[ERROR] writing status response: %v", err)
	}
}
