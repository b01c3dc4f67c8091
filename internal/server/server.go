// Package server exposes the vector store and formation pipeline over a JSON
// HTTP surface.
package server

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/CanopyHQ/xylem/internal/pipeline"
	"github.com/CanopyHQ/xylem/internal/store"
)

// Server handles the POST JSON endpoints. The pipeline is optional; without
// one, /turn is not served.
type Server struct {
	store    store.Store
	pipeline *pipeline.Pipeline
}

func New(st store.Store, pl *pipeline.Pipeline) *Server {
	return &Server{store: st, pipeline: pl}
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/insert", post(s.handleInsert))
	mux.HandleFunc("/upsert", post(s.handleUpsert))
	mux.HandleFunc("/query", post(s.handleQuery))
	mux.HandleFunc("/getByIds", post(s.handleGetByIDs))
	mux.HandleFunc("/deleteByIds", post(s.handleDeleteByIDs))
	mux.HandleFunc("/delete-memory", post(s.handleDeleteMemory))
	if s.pipeline != nil {
		mux.HandleFunc("/turn", post(s.handleTurn))
	}
	mux.HandleFunc("/healthz", s.handleHealth)
	return mux
}

func post(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
			return
		}
		h(w, r)
	}
}

type vectorsRequest struct {
	Vectors []store.Record `json:"vectors"`
	UserID  string         `json:"userId"`
}

type countResponse struct {
	Count int      `json:"count"`
	IDs   []string `json:"ids"`
}

func (s *Server) handleInsert(w http.ResponseWriter, r *http.Request) {
	var req vectorsRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := validateVectors(req.Vectors); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	ids, err := s.store.Insert(r.Context(), req.Vectors, req.UserID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, countResponse{Count: len(ids), IDs: emptyIfNil(ids)})
}

func (s *Server) handleUpsert(w http.ResponseWriter, r *http.Request) {
	var req vectorsRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := validateVectors(req.Vectors); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	ids, err := s.store.Upsert(r.Context(), req.Vectors, req.UserID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, countResponse{Count: len(ids), IDs: emptyIfNil(ids)})
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Vector         []float32 `json:"vector"`
		TopK           int       `json:"topK"`
		ReturnValues   bool      `json:"returnValues"`
		ReturnMetadata bool      `json:"returnMetadata"`
		UserID         string    `json:"userId"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if len(req.Vector) == 0 {
		writeError(w, http.StatusBadRequest, errors.New("vector is required"))
		return
	}

	matches, err := s.store.Query(r.Context(), req.Vector, store.QueryOptions{
		UserID:         req.UserID,
		TopK:           req.TopK,
		ReturnValues:   req.ReturnValues,
		ReturnMetadata: req.ReturnMetadata,
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if matches == nil {
		matches = []store.Match{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"matches": matches})
}

func (s *Server) handleGetByIDs(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IDs []string `json:"ids"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	records, err := s.store.GetByIDs(r.Context(), req.IDs)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if records == nil {
		records = []store.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleDeleteByIDs(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IDs []string `json:"ids"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	ids, err := s.store.DeleteByIDs(r.Context(), req.IDs)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, countResponse{Count: len(ids), IDs: emptyIfNil(ids)})
}

func (s *Server) handleDeleteMemory(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID   string `json:"userId"`
		VectorID string `json:"vectorId"`
		Reason   string `json:"reason"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.UserID == "" || req.VectorID == "" {
		writeError(w, http.StatusBadRequest, errors.New("userId and vectorId are required"))
		return
	}

	deleted, err := s.store.DeleteMemory(r.Context(), req.UserID, req.VectorID, req.Reason)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "deleted": deleted})
}

func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID       string `json:"userId"`
		Text         string `json:"text"`
		ConvContext  string `json:"convContext"`
		SaveMemories *bool  `json:"saveMemories"`
		Anonymous    bool   `json:"anonymous"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if !req.Anonymous && (req.UserID == "" || req.Text == "") {
		writeError(w, http.StatusBadRequest, errors.New("userId and text are required"))
		return
	}

	opts := pipeline.TurnOptions{
		SaveMemories: req.SaveMemories == nil || *req.SaveMemories,
		Anonymous:    req.Anonymous,
		ConvContext:  req.ConvContext,
	}
	s.pipeline.Dispatch(req.UserID, req.Text, opts)
	writeJSON(w, http.StatusAccepted, map[string]any{"accepted": true})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	count, err := s.store.Count(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "records": count})
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return errors.New("invalid JSON body")
	}
	return nil
}

func validateVectors(vectors []store.Record) error {
	if len(vectors) == 0 {
		return errors.New("vectors is required")
	}
	for _, v := range vectors {
		if v.ID == "" {
			return errors.New("every vector needs an id")
		}
		if len(v.Values) == 0 {
			return errors.New("every vector needs values")
		}
	}
	return nil
}

// writeStoreError maps invalid input to 400 and everything else to 500.
func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrInvalidInput) {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeError(w, http.StatusInternalServerError, err)
}

func writeError(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		log.Printf("[HTTP] %d: %v", status, err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[HTTP] failed to encode response: %v", err)
	}
}

func emptyIfNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}
