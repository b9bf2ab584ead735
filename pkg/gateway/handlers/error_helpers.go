package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/aborov/guestrix-portfolio-archive-sub004/pkg/core"
)

type errorEnvelope struct {
	Error *core.Error `json:"error"`
}

func writeCoreErrorJSON(w http.ResponseWriter, coreErr *core.Error, status int) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorEnvelope{Error: coreErr})
}

type NotFoundHandler struct{}

func (h NotFoundHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	writeCoreErrorJSON(w, core.NewError(core.ErrNotFound, "not found"), http.StatusNotFound)
}
