package record

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/shopspring/decimal"
)

// maxUploadSize bounds screenshot uploads
const maxUploadSize = int64(50 << 20)

// corsError writes an error response with CORS headers set
func corsError(w http.ResponseWriter, message string, code int) {
	setCORSHeaders(w)
	http.Error(w, message, code)
}

// jsonError writes a JSON error body with CORS headers set
func jsonError(w http.ResponseWriter, message string, code int) {
	setCORSHeaders(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}

// writeJSON encodes v as the response body
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

// setCORSHeaders sets CORS headers on a response
func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	w.Header().Set("Access-Control-Max-Age", "3600")
}

// statusFor maps service errors onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrSeriesNotFound), errors.Is(err, ErrBlobNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConfirmed), errors.Is(err, ErrNotFailed), errors.Is(err, ErrDefaultSeries):
		return http.StatusConflict
	case errors.Is(err, ErrEmptyImage), errors.Is(err, ErrNameRequired):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// serviceError logs err and writes the matching JSON error response
func serviceError(w http.ResponseWriter, msg string, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		slog.Error(msg, "error", err)
		jsonError(w, "Internal server error", code)
		return
	}
	jsonError(w, err.Error(), code)
}

// contentTypeFor guesses an upload's content type from its extension
func contentTypeFor(filename string) string {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	case ".bmp":
		return "image/bmp"
	case ".pdf":
		return "application/pdf"
	case ".heic":
		return "image/heic"
	case ".heif":
		return "image/heif"
	default:
		return "application/octet-stream"
	}
}

// handleListRecords returns a list of all records
func (s *Server) handleListRecords(w http.ResponseWriter, r *http.Request) {
	records, err := s.service.ListRecords()
	if err != nil {
		slog.Error("Error listing records", "error", err)
		corsError(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []*Record{}
	}

	writeJSON(w, http.StatusOK, records)
}

// handleImportRecord handles a screenshot upload
func (s *Server) handleImportRecord(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		slog.Error("Error parsing multipart form", "error", err)
		errorMsg := "Error parsing form"
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			errorMsg = "File is too large. Maximum size is 50MB."
		}
		jsonError(w, errorMsg, http.StatusBadRequest)
		return
	}

	f, header, err := r.FormFile("file")
	if err != nil {
		slog.Error("Error getting file from form", "error", err)
		errorMsg := "No file provided"
		if errors.Is(err, http.ErrMissingFile) {
			errorMsg = "No file was selected. Please choose a screenshot to upload."
		}
		jsonError(w, errorMsg, http.StatusBadRequest)
		return
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		slog.Error("Error reading file data", "error", err, "filename", header.Filename)
		jsonError(w, "Error reading file. Please try again.", http.StatusInternalServerError)
		return
	}

	contentType := strings.ToLower(strings.TrimSpace(header.Header.Get("Content-Type")))
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = contentTypeFor(header.Filename)
	}

	record, err := s.service.Import(header.Filename, data, contentType)
	if err != nil {
		slog.Error("Error importing screenshot", "filename", header.Filename, "error", err)
		serviceError(w, "Error importing screenshot", err)
		return
	}

	s.notifyPasses()
	writeJSON(w, http.StatusCreated, record)
}

// handleGetRecord returns a single record
func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		corsError(w, "Record ID required", http.StatusBadRequest)
		return
	}
	record, err := s.service.GetRecord(id)
	if err != nil {
		corsError(w, "Record not found", http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, record)
}

// handleGetRecordImage returns the screenshot for a record
func (s *Server) handleGetRecordImage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		corsError(w, "Record ID required", http.StatusBadRequest)
		return
	}
	data, contentType, err := s.service.GetRecordImage(id)
	if err != nil {
		corsError(w, "Image not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Write(data)
}

// handleDeleteRecord deletes a record and its image
func (s *Server) handleDeleteRecord(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		corsError(w, "Record ID required", http.StatusBadRequest)
		return
	}
	if err := s.service.DeleteRecord(id); err != nil {
		if errors.Is(err, ErrNotFound) {
			corsError(w, "Record not found", http.StatusNotFound)
			return
		}
		slog.Error("Error deleting record", "id", id, "error", err)
		corsError(w, "Error deleting record", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleSetValue stores a value entered by a person
func (s *Server) handleSetValue(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Value *decimal.Decimal `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Value == nil {
		corsError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	record, err := s.service.SetValue(r.PathValue("id"), *req.Value)
	if err != nil {
		serviceError(w, "Error setting value", err)
		return
	}

	writeJSON(w, http.StatusOK, record)
}

// handleAssignSeries moves a record into a series chosen by a person
func (s *Server) handleAssignSeries(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SeriesID string `json:"series_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		corsError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	record, err := s.service.AssignSeries(r.PathValue("id"), req.SeriesID)
	if err != nil {
		serviceError(w, "Error assigning series", err)
		return
	}

	writeJSON(w, http.StatusOK, record)
}

// handleResetAnalysis queues a failed record for another extraction attempt
func (s *Server) handleResetAnalysis(w http.ResponseWriter, r *http.Request) {
	record, err := s.service.ResetAnalysis(r.PathValue("id"))
	if err != nil {
		serviceError(w, "Error resetting analysis", err)
		return
	}

	s.notifyPasses()
	writeJSON(w, http.StatusOK, record)
}

// handleListSeries returns all series
func (s *Server) handleListSeries(w http.ResponseWriter, r *http.Request) {
	series, err := s.service.ListSeries()
	if err != nil {
		slog.Error("Error listing series", "error", err)
		corsError(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if series == nil {
		series = []*Series{}
	}

	writeJSON(w, http.StatusOK, series)
}

// handleCreateSeries handles series creation
func (s *Server) handleCreateSeries(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name  string `json:"name"`
		Color string `json:"color"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		corsError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	series, err := s.service.CreateSeries(req.Name, req.Color)
	if err != nil {
		serviceError(w, "Error creating series", err)
		return
	}

	writeJSON(w, http.StatusCreated, series)
}

// handleGetSeries returns a single series
func (s *Server) handleGetSeries(w http.ResponseWriter, r *http.Request) {
	series, err := s.service.GetSeries(r.PathValue("id"))
	if err != nil {
		corsError(w, "Series not found", http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, series)
}

// handleDeleteSeries deletes a series
func (s *Server) handleDeleteSeries(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeleteSeries(r.PathValue("id")); err != nil {
		serviceError(w, "Error deleting series", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleRunPasses schedules the pipeline passes
func (s *Server) handleRunPasses(w http.ResponseWriter, r *http.Request) {
	s.notifyPasses()
	w.WriteHeader(http.StatusAccepted)
}
