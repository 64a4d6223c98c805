package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/devrev/ringdb/internal/hashring"
	"github.com/devrev/ringdb/internal/server"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

const defaultHistoryLimit = 20

// transferBody is the JSON body of POST /transfer.
type transferBody struct {
	Donor    string `json:"donor"`
	Receiver string `json:"receiver"`
	Start    string `json:"start"`
	End      string `json:"end"`
}

// RegisterRoutes mounts the coordinator's admin routes.
func (c *Coordinator) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/ring", c.handleRing).Methods(http.MethodGet)
	r.HandleFunc("/ring/history", c.handleHistory).Methods(http.MethodGet)
	r.HandleFunc("/members", c.handleMembers).Methods(http.MethodGet)
	r.HandleFunc("/transfer", c.handleTransfer).Methods(http.MethodPost)
}

func (c *Coordinator) handleRing(w http.ResponseWriter, _ *http.Request) {
	server.WriteJSON(w, http.StatusOK, c.View())
}

func (c *Coordinator) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	snaps, err := c.journal.History(r.Context(), limit)
	if err != nil {
		server.LoggerFrom(r.Context(), c.logger).Error("Failed to read ring history", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read ring history")
		return
	}
	server.WriteJSON(w, http.StatusOK, map[string]interface{}{"snapshots": snaps})
}

func (c *Coordinator) handleMembers(w http.ResponseWriter, _ *http.Request) {
	if c.gossip == nil {
		writeError(w, http.StatusNotFound, "gossip is disabled")
		return
	}
	server.WriteJSON(w, http.StatusOK, map[string]interface{}{"members": c.gossip.Members()})
}

func (c *Coordinator) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var body transferBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.Donor == "" || body.Receiver == "" {
		writeError(w, http.StatusBadRequest, "donor and receiver are required")
		return
	}
	start, err := hashring.ParseHash(body.Start)
	if err != nil {
		writeError(w, http.StatusBadRequest, "start: "+err.Error())
		return
	}
	end, err := hashring.ParseHash(body.End)
	if err != nil {
		writeError(w, http.StatusBadRequest, "end: "+err.Error())
		return
	}
	rng := hashring.Range{Start: start, End: end}

	err = c.RequestTransfer(r.Context(), TransferRequest{Donor: body.Donor, Receiver: body.Receiver, Range: rng})
	switch {
	case err == nil:
		server.WriteJSON(w, http.StatusOK, c.View())
	case errors.Is(err, ErrBadTransfer):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, err.Error())
	default:
		writeError(w, http.StatusBadGateway, err.Error())
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	server.WriteJSON(w, status, map[string]string{"status": "error", "message": message})
}
