package handler

import (
	"encoding/json"
	"net/http"

	"github.com/groenwerk/fieldsync/internal/netmon"
)

// NetHandler accepts connectivity events pushed by the host, for platforms
// that surface their own network signal instead of relying on the prober.
type NetHandler struct {
	mon *netmon.Monitor
}

func NewNetHandler(mon *netmon.Monitor) *NetHandler {
	return &NetHandler{mon: mon}
}

// Push handles POST /api/v1/connectivity
func (h *NetHandler) Push(w http.ResponseWriter, r *http.Request) {
	var ev netmon.Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	h.mon.Handle(ev)
	respondJSON(w, http.StatusOK, map[string]bool{"online": h.mon.Online()})
}

// Status handles GET /api/v1/connectivity
func (h *NetHandler) Status(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]bool{"online": h.mon.Online()})
}
