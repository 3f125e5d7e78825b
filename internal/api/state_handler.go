package api

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/JakeFAU/mapharvest/internal/state"
)

// StateLoader reads the execution state without side effects. *state.Store
// satisfies it.
type StateLoader interface {
	Peek() (*state.ExecutionState, error)
}

// StateHandler serves the resumption state as a progress summary.
type StateHandler struct {
	loader     StateLoader
	targets    []state.Target
	categories []string
	logger     *zap.Logger
}

// NewStateHandler builds a StateHandler for the configured locations and
// categories.
func NewStateHandler(loader StateLoader, targets []state.Target, categories []string, logger *zap.Logger) *StateHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StateHandler{loader: loader, targets: targets, categories: categories, logger: logger}
}

// GetState handles GET /v1/state.
func (h *StateHandler) GetState(w http.ResponseWriter, _ *http.Request) {
	if h.loader == nil {
		writeError(w, http.StatusServiceUnavailable, "state store unavailable")
		return
	}
	st, err := h.loader.Peek()
	if err != nil {
		h.logger.Error("load state failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load state")
		return
	}
	writeJSON(w, http.StatusOK, state.Summarize(st, h.targets, h.categories))
}
