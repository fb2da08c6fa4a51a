package api

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/dialbridge/dialbridge/internal/store"
)

// Recorded audio is captured as WebM/Opus on the phone.
var allowedRecordingTypes = map[string]bool{
	"audio/webm": true,
	"video/webm": true,
	"audio/ogg":  true,
	"audio/mp4":  true,
}

// sanitizeFilename removes path separators and unsafe characters from a
// filename before it touches the filesystem or a Content-Disposition header.
func sanitizeFilename(name string) string {
	name = filepath.Base(name)
	name = strings.ReplaceAll(name, "\\", "_")
	if name == "." || name == ".." || name == "" {
		name = "recording"
	}
	return name
}

// handleUploadRecording handles POST /api/recordings.
// Accepts a multipart form with an "audio" file plus attemptId/contactId
// fields, stores the artifact under the recordings directory, and persists
// its metadata. Filenames are owner-scoped so artifacts never collide across
// operators.
func (s *Server) handleUploadRecording(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())

	r.Body = http.MaxBytesReader(w, r.Body, s.maxRecording+4096) // multipart overhead
	if err := r.ParseMultipartForm(s.maxRecording); err != nil {
		writeError(w, http.StatusBadRequest, "recording too large or invalid multipart form")
		return
	}

	file, header, err := r.FormFile("audio")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing audio field")
		return
	}
	defer func() { _ = file.Close() }()

	if header.Size > s.maxRecording {
		writeError(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("recording exceeds maximum size of %d bytes", s.maxRecording))
		return
	}

	contentType := header.Header.Get("Content-Type")
	if base, _, ok := strings.Cut(contentType, ";"); ok {
		contentType = base
	}
	if contentType != "" && !allowedRecordingTypes[strings.TrimSpace(contentType)] {
		writeError(w, http.StatusUnsupportedMediaType, "unsupported recording format")
		return
	}

	attemptID := r.FormValue("attemptId")
	contactID := r.FormValue("contactId")

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read recording")
		return
	}

	if err := os.MkdirAll(s.storagePath, 0o755); err != nil {
		s.logger.Warn("failed to create recordings directory", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save recording")
		return
	}

	filename := fmt.Sprintf("recording_%s_%s_%d.webm", identity.UserID, attemptID, time.Now().Unix())
	filename = sanitizeFilename(filename)
	if err := os.WriteFile(filepath.Join(s.storagePath, filename), data, 0o644); err != nil {
		s.logger.Warn("failed to write recording", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save recording")
		return
	}

	rec := &store.Recording{
		ID:        uuid.New().String(),
		OwnerID:   identity.UserID,
		AttemptID: attemptID,
		ContactID: contactID,
		Filename:  filename,
		SizeBytes: int64(len(data)),
		CreatedAt: time.Now(),
	}
	if err := s.store.CreateRecording(r.Context(), rec); err != nil {
		s.logger.Warn("failed to persist recording metadata", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to persist recording")
		return
	}

	// Link the artifact to the contact card when the dial originated from one.
	if contactID != "" {
		if err := s.store.SetContactRecording(r.Context(), identity.UserID, contactID, filename); err != nil {
			s.logger.Warn("failed to link recording to contact", "contact", contactID, "error", err)
		}
	}

	s.logger.Info("recording uploaded", "owner", identity.UserID, "attempt", attemptID,
		"filename", filename, "size", len(data))

	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleListRecordings(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	recs, err := s.store.ListRecordings(r.Context(), identity.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list recordings")
		return
	}
	if recs == nil {
		recs = []store.Recording{}
	}
	writeJSON(w, http.StatusOK, recs)
}

// handleDownloadRecording serves a stored artifact. Lookup is scoped to the
// requesting owner, so a guessed filename belonging to another operator
// yields 404 rather than leaking audio.
func (s *Server) handleDownloadRecording(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	filename := sanitizeFilename(chi.URLParam(r, "filename"))

	rec, err := s.store.GetRecordingByFilename(r.Context(), identity.UserID, filename)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get recording")
		return
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, "recording not found")
		return
	}

	path := filepath.Join(s.storagePath, rec.Filename)
	f, err := os.Open(path)
	if err != nil {
		writeError(w, http.StatusNotFound, "recording file missing")
		return
	}
	defer func() { _ = f.Close() }()

	w.Header().Set("Content-Type", "audio/webm")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", rec.Filename))
	http.ServeContent(w, r, rec.Filename, rec.CreatedAt, f)
}

func (s *Server) handleDeleteRecording(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	filename := sanitizeFilename(chi.URLParam(r, "filename"))

	deleted, err := s.store.DeleteRecording(r.Context(), identity.UserID, filename)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to delete recording")
		return
	}
	if !deleted {
		writeError(w, http.StatusNotFound, "recording not found")
		return
	}

	if err := os.Remove(filepath.Join(s.storagePath, filename)); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("failed to remove recording file", "filename", filename, "error", err)
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
