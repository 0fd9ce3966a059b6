package handlers

import (
	"errors"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gorilla/mux"

	"media-converter/internal/conversion"
	"media-converter/internal/database"
	"media-converter/internal/logging"
	"media-converter/internal/metrics"
	"media-converter/internal/middleware"
	"media-converter/internal/storage"
)

// multipartMemory is how much of a multipart body is buffered in memory
// before spilling to temporary files.
const multipartMemory = 32 << 20

const downloadPath = "/api/conversions/files/"

// ConversionResponse is returned once an upload is staged and its
// conversion has started.
type ConversionResponse struct {
	FileName        string `json:"fileName"`
	FileID          string `json:"fileId"`
	FileDownloadURI string `json:"fileDownloadUri"`
	FileType        string `json:"fileType"`
	Size            int64  `json:"size"`
	Topic           string `json:"topic"`
}

// CreateConversion accepts a multipart upload, stages it and starts the
// conversion in the background.
// POST /api/conversions
func (h *Handlers) CreateConversion(w http.ResponseWriter, r *http.Request) {
	if h.memory != nil && h.memory.UnderPressure() {
		metrics.UploadsRejected.WithLabelValues("memory").Inc()
		w.Header().Set("Retry-After", "30")
		writeJSONError(w, "Server is low on memory, try again later", http.StatusServiceUnavailable)
		return
	}

	tooLarge := "Upload exceeds the size limit of " + strconv.FormatInt(h.maxUpload, 10) + " bytes"
	if r.ContentLength > h.maxUpload {
		metrics.UploadsRejected.WithLabelValues("too_large").Inc()
		writeJSONError(w, tooLarge, http.StatusRequestEntityTooLarge)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)

	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			metrics.UploadsRejected.WithLabelValues("too_large").Inc()
			writeJSONError(w, tooLarge, http.StatusRequestEntityTooLarge)
			return
		}
		writeJSONError(w, "Invalid multipart form", http.StatusBadRequest)
		return
	}
	defer func() {
		if err := r.MultipartForm.RemoveAll(); err != nil {
			logging.Warn("failed to remove multipart temp files: %v", err)
		}
	}()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSONError(w, "Missing file", http.StatusBadRequest)
		return
	}
	defer file.Close()

	jobID, err := conversion.ResolveJobID(strings.TrimSpace(r.FormValue("fileId")))
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if h.orch.IsActive(jobID) {
		writeJSONError(w, "Conversion "+jobID+" is already running", http.StatusConflict)
		return
	}

	if err := h.db.RegisterJob(r.Context(), jobID, header.Filename, header.Size); err != nil {
		logging.Error("Failed to register job %s: %v", jobID, err)
		writeJSONError(w, "Failed to register conversion", http.StatusInternalServerError)
		return
	}

	job, err := h.orch.Start(r.Context(), file, header.Filename, jobID)
	if errors.Is(err, conversion.ErrJobActive) {
		writeJSONError(w, "Conversion "+jobID+" is already running", http.StatusConflict)
		return
	}
	if err != nil {
		logging.Error("Failed to start conversion %s: %v", jobID, err)
		writeJSONError(w, "Failed to stage upload", http.StatusInternalServerError)
		return
	}
	metrics.UploadBytes.Observe(float64(job.Size))

	name := storage.OutputName(job.ID)
	logging.ForJob(job.ID).With("request", middleware.RequestIDFrom(r.Context())).
		Info("Accepted %s (%d bytes)", header.Filename, job.Size)

	writeJSONStatusCode(w, http.StatusAccepted, ConversionResponse{
		FileName:        name,
		FileID:          job.ID,
		FileDownloadURI: requestBaseURL(r) + downloadPath + name,
		FileType:        "video/webm",
		Size:            job.Size,
		Topic:           job.Topic(),
	})
}

// GetConversion returns the latest recorded state of a job.
// GET /api/conversions/{id}
func (h *Handlers) GetConversion(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	record, err := h.db.GetJob(r.Context(), id)
	if errors.Is(err, database.ErrJobNotFound) {
		writeJSONError(w, "Conversion not found", http.StatusNotFound)
		return
	}
	if err != nil {
		logging.Error("Failed to load job %s: %v", id, err)
		writeJSONError(w, "Failed to load conversion", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	writeJSON(w, record)
}

// ListConversions returns the most recently updated jobs.
// GET /api/conversions?limit=N
func (h *Handlers) ListConversions(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			writeJSONError(w, "limit must be between 1 and 1000", http.StatusBadRequest)
			return
		}
		limit = n
	}

	jobs, err := h.db.ListJobs(r.Context(), limit)
	if err != nil {
		logging.Error("Failed to list jobs: %v", err)
		writeJSONError(w, "Failed to list conversions", http.StatusInternalServerError)
		return
	}
	if jobs == nil {
		jobs = []database.JobRecord{}
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	writeJSON(w, jobs)
}

// DownloadConversion serves a converted file as an attachment.
// GET /api/conversions/files/{name}
func (h *Handlers) DownloadConversion(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	path, err := h.store.ResolveOutput(name)
	if err != nil {
		http.Error(w, "Invalid file name", http.StatusBadRequest)
		return
	}

	f, err := h.store.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			http.Error(w, "File not found", http.StatusNotFound)
			return
		}
		logging.Error("Failed to open %s: %v", path, err)
		http.Error(w, "Failed to access file", http.StatusInternalServerError)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || info.IsDir() {
		http.Error(w, "File not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", contentTypeFor(path))
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
	http.ServeContent(w, r, name, info.ModTime(), f)
}

// contentTypeFor reports video/webm for converted files and sniffs
// anything else from its content.
func contentTypeFor(path string) string {
	if strings.EqualFold(filepath.Ext(path), storage.OutputExt) {
		return "video/webm"
	}
	mt, err := mimetype.DetectFile(path)
	if err != nil {
		return "application/octet-stream"
	}
	return mt.String()
}

// ClearConversions removes every converted file and the records of
// finished jobs.
// POST /api/conversions/clear
func (h *Handlers) ClearConversions(w http.ResponseWriter, r *http.Request) {
	freedBytes, err := h.store.ClearOutputs()
	if err != nil {
		logging.Error("Failed to clear converted files: %v", err)
		writeJSONError(w, "Failed to clear converted files", http.StatusInternalServerError)
		return
	}

	removed, err := h.db.DeleteFinishedJobs(r.Context())
	if err != nil {
		logging.Error("Failed to delete finished jobs: %v", err)
	}
	if err := h.db.SetLastClear(r.Context(), time.Now()); err != nil {
		logging.Warn("Failed to record clear time: %v", err)
	}

	logging.Info("Converted files cleared, freed %d bytes, removed %d job records", freedBytes, removed)

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]interface{}{
		"success":     true,
		"freedBytes":  freedBytes,
		"removedJobs": removed,
	})
}
