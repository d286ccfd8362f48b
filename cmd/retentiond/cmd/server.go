package cmd

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/evermind-ai/retention"
	"github.com/evermind-ai/retention/errors"
)

type proposeRequest struct {
	OwnerID string `json:"owner_id"`
	Content string `json:"content"`
}

func newServerHandler(service *retention.Service, logger *slog.Logger) http.Handler {
	router := mux.NewRouter()

	router.HandleFunc("/records", func(w http.ResponseWriter, r *http.Request) {
		var req proposeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		id, err := service.ProposeRecord(r.Context(), req.OwnerID, req.Content)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]any{"id": id})
	}).Methods("POST")

	router.HandleFunc("/records/{id}", func(w http.ResponseWriter, r *http.Request) {
		rec, err := service.GetRecord(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, rec)
	}).Methods("GET")

	router.HandleFunc("/records/{id}/access", func(w http.ResponseWriter, r *http.Request) {
		if err := service.RecordAccess(r.Context(), mux.Vars(r)["id"]); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}).Methods("POST")

	router.HandleFunc("/records/{id}/reevaluate", func(w http.ResponseWriter, r *http.Request) {
		outcome, err := service.ForceReevaluate(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]any{
			"status":    outcome.Decision.Status,
			"score":     outcome.Decision.Score,
			"agreement": outcome.Decision.Agreement,
			"reason":    outcome.Decision.Reason,
			"attached":  outcome.Attached,
		})
	}).Methods("POST")

	router.HandleFunc("/records/{id}/reinstate", func(w http.ResponseWriter, r *http.Request) {
		rec, err := service.Reinstate(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, rec)
	}).Methods("POST")

	router.HandleFunc("/owners/{owner}/sweep", func(w http.ResponseWriter, r *http.Request) {
		result, err := service.TriggerConsolidationSweep(r.Context(), mux.Vars(r)["owner"])
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, result)
	}).Methods("POST")

	cors := handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{"GET", "POST", "OPTIONS"}),
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization"}),
	)
	recovery := handlers.RecoveryHandler(
		handlers.PrintRecoveryStack(true),
		handlers.RecoveryLogger(slog.NewLogLogger(logger.Handler(), slog.LevelError)),
	)

	return cors(recovery(router))
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errors.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, errors.ErrValidation):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, errors.ErrConflict):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, errors.ErrEvaluatorUnavailable), errors.Is(err, errors.ErrQuorumFailure):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
