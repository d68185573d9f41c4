package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/article-ingest/internal/analysis"
	"github.com/JakeFAU/article-ingest/internal/apperr"
	"github.com/JakeFAU/article-ingest/internal/crawler"
	"github.com/JakeFAU/article-ingest/internal/job"
)

const maxBodyBytes = 1 << 20

type crawlRequest struct {
	CrawlerID string       `json:"crawler_id"`
	Options   crawlOptions `json:"options"`
}

// crawlOptions mirrors crawler.Overrides with page_delay as a duration string.
type crawlOptions struct {
	MaxPages               *int    `json:"max_pages"`
	PageDelay              *string `json:"page_delay"`
	EnableEarlyTermination *bool   `json:"enable_early_termination"`
	EmptyPageThreshold     *int    `json:"empty_page_threshold"`
	ArchiveRaw             *bool   `json:"archive_raw"`
}

func (o crawlOptions) overrides() (crawler.Overrides, error) {
	out := crawler.Overrides{
		MaxPages:               o.MaxPages,
		EnableEarlyTermination: o.EnableEarlyTermination,
		EmptyPageThreshold:     o.EmptyPageThreshold,
		ArchiveRaw:             o.ArchiveRaw,
	}
	if o.PageDelay != nil {
		d, err := time.ParseDuration(*o.PageDelay)
		if err != nil {
			return crawler.Overrides{}, fmt.Errorf("invalid page_delay %q", *o.PageDelay)
		}
		out.PageDelay = &d
	}
	return out, nil
}

type analysisRequest struct {
	ItemIDs []string `json:"item_ids"`
	OwnerID string   `json:"owner_id"`
	Model   string   `json:"model"`
}

// jobResponse is a record plus the figures derived from it.
type jobResponse struct {
	job.Record
	TotalAttempted int64   `json:"total_attempted"`
	SuccessRate    float64 `json:"success_rate"`
	ElapsedMS      int64   `json:"elapsed_ms"`
}

func (s *Server) toResponse(rec job.Record) jobResponse {
	return jobResponse{
		Record:         rec,
		TotalAttempted: rec.TotalAttempted(),
		SuccessRate:    rec.SuccessRate(),
		ElapsedMS:      rec.Elapsed(s.opts.Clock.Now()).Milliseconds(),
	}
}

func (s *Server) startCrawl(w http.ResponseWriter, r *http.Request) {
	var req crawlRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.CrawlerID) == "" {
		writeError(w, http.StatusBadRequest, "crawler_id required")
		return
	}
	overrides, err := req.Options.overrides()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rec, err := s.svc.StartCrawl(r.Context(), req.CrawlerID, overrides, RequestIDFromContext(r.Context()))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": rec.JobID})
}

func (s *Server) startAnalysis(w http.ResponseWriter, r *http.Request) {
	var req analysisRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.ItemIDs) == 0 {
		writeError(w, http.StatusBadRequest, "item_ids required")
		return
	}
	rec, err := s.svc.StartAnalysis(r.Context(), analysis.Request{
		ItemIDs:   req.ItemIDs,
		OwnerID:   req.OwnerID,
		Model:     req.Model,
		RequestID: RequestIDFromContext(r.Context()),
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": rec.JobID})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	rec, err := s.svc.GetJob(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.toResponse(rec))
}

func (s *Server) jobMetrics(w http.ResponseWriter, r *http.Request) {
	snap, err := s.svc.CrawlMetrics(chi.URLParam(r, "job_id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	outcome, rec, err := s.svc.Cancel(r.Context(), jobID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"job_id":  jobID,
		"outcome": string(outcome),
		"status":  string(rec.Status),
	})
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	filter, page, err := parseListQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.svc.ListJobs(r.Context(), filter, page)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	out := make([]jobResponse, len(res.Records))
	for i, rec := range res.Records {
		out[i] = s.toResponse(rec)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":  out,
		"page":  res.Number,
		"size":  res.Size,
		"total": res.Total,
	})
}

func (s *Server) systemStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Status())
}

func parseListQuery(r *http.Request) (job.Filter, job.PageRequest, error) {
	q := r.URL.Query()
	var filter job.Filter
	switch kind := job.Kind(strings.ToLower(q.Get("kind"))); kind {
	case "", job.KindCrawl, job.KindAnalysis:
		filter.Kind = kind
	default:
		return job.Filter{}, job.PageRequest{}, fmt.Errorf("invalid kind %q", kind)
	}
	switch status := job.Status(strings.ToUpper(q.Get("status"))); status {
	case "", job.StatusRunning, job.StatusCompleted, job.StatusFailed, job.StatusCancelled:
		filter.Status = status
	default:
		return job.Filter{}, job.PageRequest{}, fmt.Errorf("invalid status %q", q.Get("status"))
	}
	filter.OwnerID = q.Get("owner_id")

	var page job.PageRequest
	var err error
	if page.Number, err = positiveInt(q.Get("page")); err != nil {
		return job.Filter{}, job.PageRequest{}, fmt.Errorf("invalid page: %w", err)
	}
	if page.Size, err = positiveInt(q.Get("size")); err != nil {
		return job.Filter{}, job.PageRequest{}, fmt.Errorf("invalid size: %w", err)
	}
	return filter, page, nil
}

// positiveInt parses v; empty means zero, which callers treat as the default.
func positiveInt(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, err
	}
	if n < 1 {
		return 0, errors.New("must be >= 1")
	}
	return n, nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return false
	}
	return true
}

func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Error(err))
	}
	if status == http.StatusTooManyRequests {
		w.Header().Set("Retry-After", "1")
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch apperr.KindOf(err) {
	case apperr.KindInvalidArgument:
		return http.StatusBadRequest
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindResourceExhausted:
		return http.StatusTooManyRequests
	case apperr.KindAlreadyTerminal:
		return http.StatusConflict
	case apperr.KindContentValidation:
		return http.StatusUnprocessableEntity
	case apperr.KindNetwork:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
