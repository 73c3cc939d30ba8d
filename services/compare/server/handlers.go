// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianCompare/pkg/logging"
	"github.com/AleutianAI/AleutianCompare/services/compare/datatypes"
	"github.com/AleutianAI/AleutianCompare/services/compare/flags"
	"github.com/AleutianAI/AleutianCompare/services/compare/monitor"
	"github.com/AleutianAI/AleutianCompare/services/compare/pipeline"
)

// ServiceVersion is the compare service version.
const ServiceVersion = "3.0.0"

// Comparer runs comparisons. Implemented by *pipeline.Orchestrator.
type Comparer interface {
	Execute(ctx context.Context, req *datatypes.ComparisonRequest) (*datatypes.ComparisonResult, error)
	ExecuteBatch(ctx context.Context, reqs []*datatypes.ComparisonRequest, parallelism int) []pipeline.BatchResult
}

// FlagSource exposes the current rollout state. Implemented by
// *flags.Registry.
type FlagSource interface {
	Snapshot() []flags.FlagState
	Stage() int
}

// Reporter aggregates recent runs. Implemented by *monitor.Monitor.
type Reporter interface {
	Aggregate(window time.Duration) monitor.Report
}

// Handlers contains the HTTP handlers for the compare service.
type Handlers struct {
	comparer   Comparer
	flags      FlagSource
	reporter   Reporter
	logger     *slog.Logger
	batchLimit int

	embeddingAvailable  bool
	generationAvailable bool
}

// NewHandlers creates handlers over the pipeline, flag registry and monitor.
// reporter may be nil, in which case GET /v3/report answers 503.
func NewHandlers(comparer Comparer, fs FlagSource, reporter Reporter, logger *slog.Logger) *Handlers {
	return &Handlers{
		comparer:   comparer,
		flags:      fs,
		reporter:   reporter,
		logger:     logging.OrDiscard(logger),
		batchLimit: DefaultConfig().BatchLimit,
	}
}

// WithCapabilities records the startup capability decision for /health.
func (h *Handlers) WithCapabilities(embedding, generation bool) *Handlers {
	h.embeddingAvailable = embedding
	h.generationAvailable = generation
	return h
}

// WithBatchLimit caps the number of requests accepted per batch.
func (h *Handlers) WithBatchLimit(n int) *Handlers {
	if n > 0 {
		h.batchLimit = n
	}
	return h
}

// HandleCompare handles POST /v3/compare.
//
// Description:
//
//	Runs one comparison through the staged pipeline. Stage failures never
//	fail the request: they show up in _meta.stages and _meta.pipeline_status
//	of a 200 response. When the body omits request_id the X-Request-ID
//	header (or a generated ID) is used.
//
// Request Body:
//
//	datatypes.ComparisonRequest
//
// Response:
//
//	200 OK: datatypes.ComparisonResult
//	400 Bad Request: Malformed JSON or an invalid request
//	413 Request Entity Too Large: Body over the configured limit
//	500 Internal Server Error: Unexpected pipeline error
func (h *Handlers) HandleCompare(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := h.logger.With("request_id", requestID, "handler", "HandleCompare")

	var req datatypes.ComparisonRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warn("Invalid request body", "error", err)
		c.JSON(bindError(err))
		return
	}
	if req.RequestID == "" {
		req.RequestID = requestID
	}

	result, err := h.comparer.Execute(c.Request.Context(), &req)
	if err != nil {
		status, resp := errorFor(err)
		logger.Warn("Comparison rejected", "error", err, "status", status)
		c.JSON(status, resp)
		return
	}

	c.Header("X-Pipeline-Status", string(result.Meta.PipelineStatus))
	c.JSON(http.StatusOK, result)
}

// HandleCompareBatch handles POST /v3/compare/batch.
//
// Description:
//
//	Runs independent comparisons concurrently. An invalid entry yields an
//	error item at its index and does not affect the others.
//
// Request Body:
//
//	BatchRequest
//
// Response:
//
//	200 OK: BatchResponse
//	400 Bad Request: Malformed JSON, empty batch
//	413 Request Entity Too Large: More requests than the batch limit
func (h *Handlers) HandleCompareBatch(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := h.logger.With("request_id", requestID, "handler", "HandleCompareBatch")

	var req BatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warn("Invalid request body", "error", err)
		c.JSON(bindError(err))
		return
	}
	if len(req.Requests) > h.batchLimit {
		c.JSON(http.StatusRequestEntityTooLarge, ErrorResponse{
			Error:   "Batch too large",
			Code:    "BATCH_TOO_LARGE",
			Details: fmt.Sprintf("%d requests exceeds the limit of %d", len(req.Requests), h.batchLimit),
		})
		return
	}

	reqs := make([]*datatypes.ComparisonRequest, len(req.Requests))
	for i, r := range req.Requests {
		if r == nil {
			// A JSON null fails validation in the pipeline like any other
			// invalid entry.
			r = &datatypes.ComparisonRequest{}
		}
		if r.RequestID == "" {
			r.RequestID = fmt.Sprintf("%s-%d", requestID, i)
		}
		reqs[i] = r
	}

	outcomes := h.comparer.ExecuteBatch(c.Request.Context(), reqs, req.Parallelism)
	resp := BatchResponse{Results: make([]BatchItem, len(outcomes))}
	failed := 0
	for i, o := range outcomes {
		if o.Err != nil {
			_, e := errorFor(o.Err)
			resp.Results[i] = BatchItem{Error: &e}
			failed++
			continue
		}
		resp.Results[i] = BatchItem{Result: o.Result}
	}
	logger.Info("Batch complete", "requests", len(reqs), "failed", failed)
	c.JSON(http.StatusOK, resp)
}

// HandleFlags handles GET /v3/flags.
//
// Response:
//
//	200 OK: FlagsResponse
func (h *Handlers) HandleFlags(c *gin.Context) {
	c.JSON(http.StatusOK, FlagsResponse{
		Stage: h.flags.Stage(),
		Flags: h.flags.Snapshot(),
	})
}

// HandleReport handles GET /v3/report.
//
// Description:
//
//	Aggregates recorded runs over the window query parameter, a Go
//	duration such as "1h" or "15m". Omitted or "0" covers every retained
//	run.
//
// Response:
//
//	200 OK: monitor.Report
//	400 Bad Request: Unparseable or negative window
//	503 Service Unavailable: Monitoring disabled
func (h *Handlers) HandleReport(c *gin.Context) {
	if h.reporter == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Error: "Monitoring is disabled",
			Code:  "MONITOR_DISABLED",
		})
		return
	}

	var window time.Duration
	if raw := c.Query("window"); raw != "" && raw != "0" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:   "Invalid window",
				Code:    "INVALID_WINDOW",
				Details: fmt.Sprintf("window %q must be a non-negative duration", raw),
			})
			return
		}
		window = d
	}
	c.JSON(http.StatusOK, h.reporter.Aggregate(window))
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:              "healthy",
		Version:             ServiceVersion,
		Stage:               h.flags.Stage(),
		EmbeddingAvailable:  h.embeddingAvailable,
		GenerationAvailable: h.generationAvailable,
	})
}

func bindError(err error) (int, ErrorResponse) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return http.StatusRequestEntityTooLarge, ErrorResponse{
			Error:   "Request body too large",
			Code:    "BODY_TOO_LARGE",
			Details: fmt.Sprintf("limit is %d bytes", tooLarge.Limit),
		}
	}
	return http.StatusBadRequest, ErrorResponse{
		Error:   "Invalid request body",
		Code:    "INVALID_REQUEST",
		Details: err.Error(),
	}
}

func errorFor(err error) (int, ErrorResponse) {
	if errors.Is(err, datatypes.ErrInvalidRequest) {
		return http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid comparison request",
			Code:    "INVALID_REQUEST",
			Details: err.Error(),
		}
	}
	return http.StatusInternalServerError, ErrorResponse{
		Error:   "Comparison failed",
		Code:    "COMPARE_FAILED",
		Details: err.Error(),
	}
}

func getOrCreateRequestID(c *gin.Context) string {
	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Header("X-Request-ID", requestID)
	return requestID
}
