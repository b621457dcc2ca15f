package httpd

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/RubachokBoss/practicum-enrichment/internal/models"
	"github.com/RubachokBoss/practicum-enrichment/pkg/utils"
)

func (h *Handler) UpsertAssignment(w http.ResponseWriter, r *http.Request) {
	var req models.UpsertAssignmentRequest
	if err := utils.ReadJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	assignment, err := h.ingestion.UpsertAssignment(r.Context(), principal(r), chi.URLParam(r, "id"), &req)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, assignment)
}

func (h *Handler) ListAssignmentSubmissions(w http.ResponseWriter, r *http.Request) {
	page := getIntQueryParam(r, "page", 1)
	limit := getIntQueryParam(r, "limit", 20)

	resp, err := h.ingestion.ListAssignmentSubmissions(r.Context(), principal(r), chi.URLParam(r, "id"), page, limit)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) CreateSubmission(w http.ResponseWriter, r *http.Request) {
	var req models.CreateSubmissionRequest
	if err := utils.ReadJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.AssignmentID == "" {
		writeError(w, http.StatusBadRequest, "assignment_id is required")
		return
	}

	sub, err := h.ingestion.CreateSubmission(r.Context(), principal(r), &req)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, sub)
}

func (h *Handler) GetSubmission(w http.ResponseWriter, r *http.Request) {
	id, ok := submissionID(w, r)
	if !ok {
		return
	}

	sub, err := h.ingestion.GetSubmission(r.Context(), principal(r), id)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, sub)
}

// SubmitDataPoint answers 202: the data point is stored, enrichment happens
// later. Fields whose job could not be queued are listed in enqueue_failures.
func (h *Handler) SubmitDataPoint(w http.ResponseWriter, r *http.Request) {
	id, ok := submissionID(w, r)
	if !ok {
		return
	}

	var req models.SubmitDataPointRequest
	if err := utils.ReadJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := h.ingestion.SubmitDataPoint(r.Context(), principal(r), id, &req)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusAccepted, resp)
}

func (h *Handler) GetField(w http.ResponseWriter, r *http.Request) {
	id, sequence, name, ok := fieldAddress(w, r)
	if !ok {
		return
	}

	field, err := h.ingestion.GetField(r.Context(), principal(r), id, sequence, name)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, field)
}

func (h *Handler) Finalize(w http.ResponseWriter, r *http.Request) {
	id, ok := submissionID(w, r)
	if !ok {
		return
	}

	sub, err := h.ingestion.Finalize(r.Context(), principal(r), id)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, sub)
}

func (h *Handler) UploadMedia(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.opts.MaxUploadSize)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "File is too large")
			return
		}
		writeError(w, http.StatusBadRequest, "Failed to parse form data")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "File is required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to read file")
		return
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = http.DetectContentType(data)
	}

	resp, err := h.ingestion.UploadMedia(r.Context(), principal(r), data, header.Filename, contentType)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, resp)
}

func submissionID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "id")
	if !utils.ValidateUUID(id) {
		writeError(w, http.StatusBadRequest, "Invalid submission id format")
		return "", false
	}
	return id, true
}

func fieldAddress(w http.ResponseWriter, r *http.Request) (string, int, string, bool) {
	id, ok := submissionID(w, r)
	if !ok {
		return "", 0, "", false
	}
	sequence, err := strconv.Atoi(chi.URLParam(r, "sequence"))
	if err != nil || sequence < 1 {
		writeError(w, http.StatusBadRequest, "sequence must be a positive integer")
		return "", 0, "", false
	}
	name := chi.URLParam(r, "field")
	if name == "" {
		writeError(w, http.StatusBadRequest, "field name is required")
		return "", 0, "", false
	}
	return id, sequence, name, true
}
