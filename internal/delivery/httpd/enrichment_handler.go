package httpd

import (
	"net/http"
	"strings"
	"time"

	"github.com/RubachokBoss/practicum-enrichment/internal/models"
	"github.com/RubachokBoss/practicum-enrichment/pkg/utils"
)

// ListEnrichments accepts ?status=failed,pending&submission_id=...&limit=...
func (h *Handler) ListEnrichments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := models.EnrichmentFilter{
		SubmissionID: q.Get("submission_id"),
		Limit:        getIntQueryParam(r, "limit", 100),
	}
	for _, s := range strings.Split(q.Get("status"), ",") {
		if s = strings.TrimSpace(s); s != "" {
			filter.Statuses = append(filter.Statuses, models.EnrichmentStatus(s))
		}
	}

	refs, err := h.enrichment.ListEnrichments(r.Context(), principal(r), filter)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"enrichments": refs,
		"count":       len(refs),
	})
}

func (h *Handler) RetryField(w http.ResponseWriter, r *http.Request) {
	id, sequence, name, ok := fieldAddress(w, r)
	if !ok {
		return
	}

	field, err := h.enrichment.RetryField(r.Context(), principal(r), id, sequence, name)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusAccepted, field)
}

func (h *Handler) RetryFailed(w http.ResponseWriter, r *http.Request) {
	var req models.RetryEnrichmentsRequest
	if r.ContentLength > 0 {
		if err := utils.ReadJSON(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	resp, err := h.enrichment.RetryFailed(r.Context(), principal(r), req.SubmissionID)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) RequeuePending(w http.ResponseWriter, r *http.Request) {
	var req models.RequeuePendingRequest
	if r.ContentLength > 0 {
		if err := utils.ReadJSON(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	var olderThan time.Duration
	if req.OlderThan != "" {
		d, err := time.ParseDuration(req.OlderThan)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "older_than must be a positive duration such as 15m")
			return
		}
		olderThan = d
	}

	resp, err := h.enrichment.RequeuePending(r.Context(), principal(r), olderThan)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) ListJobRecords(w http.ResponseWriter, r *http.Request) {
	outcome := models.JobOutcome(r.URL.Query().Get("outcome"))
	limit := getIntQueryParam(r, "limit", 100)

	records, err := h.enrichment.ListJobRecords(r.Context(), principal(r), outcome, limit)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  records,
		"count": len(records),
	})
}
