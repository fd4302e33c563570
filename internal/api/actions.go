package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pulsewire/content-engine/internal/engine"
	"github.com/pulsewire/content-engine/internal/scheduler"
)

// Action names accepted by the dispatch endpoint.
const (
	ActionScheduleJob   = "schedule_job"
	ActionExecuteJob    = "execute_job"
	ActionBatchFetch    = "batch_fetch"
	ActionMonitorQuotas = "monitor_quotas"
	ActionCleanupCache  = "cleanup_cache"
)

type actionRequest struct {
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data"`
}

type bucketRequest struct {
	Provider    string   `json:"provider"`
	ContentType string   `json:"content_type"`
	Keywords    []string `json:"keywords"`
	Priority    string   `json:"priority"`
	ResultCount int      `json:"result_count"`
}

func (b bucketRequest) bucket() engine.ContentBucket {
	priority := engine.Priority(b.Priority)
	if b.Priority == "" {
		priority = engine.PriorityMedium
	}
	return engine.ContentBucket{
		Provider:    b.Provider,
		ContentType: engine.ContentType(b.ContentType),
		Keywords:    b.Keywords,
		Priority:    priority,
		ResultCount: b.ResultCount,
	}
}

type scheduleJobRequest struct {
	Name            string `json:"name"`
	IntervalMinutes int    `json:"interval_minutes"`
	bucketRequest
}

type executeJobRequest struct {
	ID string `json:"id"`
}

type cleanupCacheRequest struct {
	Pattern string `json:"pattern"`
}

type batchFetchRequest struct {
	Buckets []bucketRequest `json:"buckets"`
}

func (s *Server) dispatchAction(w http.ResponseWriter, r *http.Request) {
	var req actionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	switch req.Action {
	case ActionScheduleJob:
		s.scheduleJob(w, req.Data)
	case ActionExecuteJob:
		s.executeJob(r.Context(), w, req.Data)
	case ActionBatchFetch:
		s.batchFetch(r.Context(), w, req.Data)
	case ActionMonitorQuotas:
		s.getQuotas(w, r)
	case ActionCleanupCache:
		s.cleanupCache(r.Context(), w, req.Data)
	default:
		writeError(w, http.StatusBadRequest, "unknown action")
	}
}

func (s *Server) scheduleJob(w http.ResponseWriter, data json.RawMessage) {
	var req scheduleJobRequest
	if err := json.Unmarshal(data, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid schedule_job data")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "job name is required")
		return
	}
	interval := time.Duration(req.IntervalMinutes) * time.Minute
	job, err := s.sched.Register(req.Name, req.bucket(), interval, s.JobHandler())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "job": job})
}

func (s *Server) executeJob(ctx context.Context, w http.ResponseWriter, data json.RawMessage) {
	var req executeJobRequest
	if err := json.Unmarshal(data, &req); err != nil || req.ID == "" {
		writeError(w, http.StatusBadRequest, "job id is required")
		return
	}
	if err := s.sched.ExecuteJob(ctx, req.ID); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	job, _ := s.sched.Job(req.ID)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "job": job})
}

func (s *Server) batchFetch(ctx context.Context, w http.ResponseWriter, data json.RawMessage) {
	var req batchFetchRequest
	if err := json.Unmarshal(data, &req); err != nil || len(req.Buckets) == 0 {
		writeError(w, http.StatusBadRequest, "at least one bucket is required")
		return
	}

	results := make([]engine.Result, len(req.Buckets))
	g, gctx := errgroup.WithContext(ctx)
	for i, b := range req.Buckets {
		g.Go(func() error {
			res, err := s.engine.BatchRefresh(gctx, b.bucket())
			results[i] = res
			return err
		})
	}
	if err := g.Wait(); err != nil {
		if errors.Is(err, engine.ErrConfiguration) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "results": results})
}

func (s *Server) cleanupCache(ctx context.Context, w http.ResponseWriter, data json.RawMessage) {
	var req cleanupCacheRequest
	if len(data) > 0 {
		if err := json.Unmarshal(data, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid cleanup_cache data")
			return
		}
	}

	var (
		removed int
		err     error
	)
	if req.Pattern != "" {
		removed, err = s.engine.Invalidate(ctx, req.Pattern)
	} else {
		removed, err = s.engine.Sweep(ctx)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "removed": removed})
}

// JobHandler returns the handler used for every scheduled content job: one
// resolve of the job's bucket through the full quota/cache/coalesce path.
func (s *Server) JobHandler() scheduler.Handler {
	return func(ctx context.Context, job engine.ScheduledJob) error {
		_, err := s.engine.Resolve(ctx, job.Bucket)
		return err
	}
}
