package transport

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/nteguem/armelle-manager-sub002/internal/definition"
	"github.com/nteguem/armelle-manager-sub002/internal/session"
	"github.com/nteguem/armelle-manager-sub002/internal/workflow"
	"github.com/nteguem/armelle-manager-sub002/model"
)

// Pagination bounds for session listings.
const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// workflowSummary is the admin API view of a registered definition.
type workflowSummary struct {
	ID       string   `json:"id"`
	Kind     string   `json:"kind"`
	Label    string   `json:"label"`
	Commands []string `json:"commands,omitempty"`
	Keywords []string `json:"keywords,omitempty"`
	Steps    int      `json:"steps"`
}

// handleWorkflowList returns the registered workflow catalog with its
// checksum, so operators can confirm which definitions a deployment runs.
func handleWorkflowList(registry *definition.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defs := registry.All()
		summaries := make([]workflowSummary, 0, len(defs))
		for _, def := range defs {
			summaries = append(summaries, workflowSummary{
				ID:       def.ID,
				Kind:     def.Kind,
				Label:    def.Label.Key,
				Commands: def.Commands,
				Keywords: def.Keywords,
				Steps:    len(def.Steps),
			})
		}

		WriteJSON(w, http.StatusOK, map[string]any{
			"count":     registry.Count(),
			"checksum":  registry.Checksum(),
			"workflows": summaries,
		})
	}
}

// handleSessionList returns sessions matching the query filters, most
// recently seen first.
func handleSessionList(store session.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filters, err := parseListFilters(r)
		if err != nil {
			WriteFault(w, err)
			return
		}

		sessions, err := store.List(r.Context(), filters)
		if err != nil {
			WriteFault(w, err)
			return
		}

		WriteJSON(w, http.StatusOK, map[string]any{
			"count":    len(sessions),
			"sessions": sessions,
		})
	}
}

// handleSessionGet returns a single session by ID.
func handleSessionGet(store session.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, err := store.Get(r.Context(), chi.URLParam(r, "sessionID"))
		if err != nil {
			WriteFault(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"session": sess})
	}
}

// handleSessionDelete removes a session entirely. The user starts over as
// unverified on their next message.
func handleSessionDelete(store session.Store, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "sessionID")
		if err := store.Delete(r.Context(), id); err != nil {
			WriteFault(w, err)
			return
		}
		logger.Info("session deleted by operator",
			zap.String("session_id", id),
			zap.String("correlation_id", CorrelationIDFrom(r.Context())),
		)
		w.WriteHeader(http.StatusNoContent)
	}
}

// handleWorkflowCancel force-aborts a session's in-flight workflow. The
// expiry path is used so cancellation succeeds even for workflows that
// block user interruption.
func handleWorkflowCancel(store session.Store, engine *workflow.Engine, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, err := store.Get(r.Context(), chi.URLParam(r, "sessionID"))
		if err != nil {
			WriteFault(w, err)
			return
		}
		if sess.Workflow == nil {
			WriteFault(w, model.NewConflictFault("session has no active workflow"))
			return
		}
		workflowID := sess.Workflow.WorkflowID

		if _, err := engine.Cancel(r.Context(), sess, workflow.CancelExpired); err != nil {
			WriteFault(w, err)
			return
		}
		if sess.State.InWorkflow() {
			if terr := sess.TransitionTo(sess.RestingState()); terr != nil {
				logger.Error("post-cancel transition refused",
					zap.String("session_id", sess.ID),
					zap.Error(terr),
				)
			}
		}
		if err := store.Save(r.Context(), sess); err != nil {
			WriteFault(w, err)
			return
		}

		logger.Info("workflow cancelled by operator",
			zap.String("session_id", sess.ID),
			zap.String("workflow_id", workflowID),
			zap.String("correlation_id", CorrelationIDFrom(r.Context())),
		)
		WriteJSON(w, http.StatusOK, map[string]any{"session": sess})
	}
}

// parseListFilters extracts and bounds the listing query parameters.
func parseListFilters(r *http.Request) (session.Filters, error) {
	filters := session.Filters{
		Channel: r.URL.Query().Get("channel"),
		State:   r.URL.Query().Get("state"),
		Limit:   defaultListLimit,
	}

	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return filters, model.NewBadRequestFault("limit must be a positive integer")
		}
		filters.Limit = n
	}
	if filters.Limit > maxListLimit {
		filters.Limit = maxListLimit
	}

	if raw := r.URL.Query().Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return filters, model.NewBadRequestFault("offset must be a non-negative integer")
		}
		filters.Offset = n
	}

	return filters, nil
}
