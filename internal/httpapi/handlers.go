package httpapi

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/roach88/turnstile/internal/checkin"
	"github.com/roach88/turnstile/internal/model"
)

// retryAfterSeconds is sent with every 503 response.
const retryAfterSeconds = "1"

func (s *Server) postCheckin(c *gin.Context) {
	id, _ := identityFrom(c)

	var req model.ScanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, checkin.CodeValidation)
		return
	}
	if req.OperatorName == "" {
		req.OperatorName = id.Subject
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.ItemTimeout)
	defer cancel()

	res, err := s.cfg.Scanner.Scan(ctx, id.EventID, req)
	if err != nil {
		code := checkin.CodeOf(err)
		logScanError(id.EventID, req, err)
		abortWithError(c, code)
		return
	}
	c.JSON(http.StatusOK, model.CheckinResponse{
		Status:            res.Status,
		TicketCode:        res.TicketCode,
		AttendeeID:        res.AttendeeID,
		CheckinsRemaining: res.CheckinsRemaining,
	})
}

func (s *Server) syncUp(c *gin.Context) {
	id, _ := identityFrom(c)

	var body model.SyncUpRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		abortWithMessage(c, checkin.CodeValidation, "request body is not a sync envelope")
		return
	}
	if body.Scans == nil {
		abortWithMessage(c, checkin.CodeValidation, "scans array is required")
		return
	}
	if len(body.Scans) > s.cfg.MaxBatch {
		abortWithMessage(c, checkin.CodeValidation, "too many scans in one request")
		return
	}
	for i := range body.Scans {
		if body.Scans[i].OperatorName == "" {
			body.Scans[i].OperatorName = id.Subject
		}
	}

	results := s.cfg.Batch.Process(c.Request.Context(), id.EventID, body.Scans)
	for i := range results {
		results[i] = present(results[i])
	}
	slog.Info("sync up", "event_id", id.EventID, "scans", len(body.Scans))
	c.JSON(http.StatusOK, model.SyncUpResponse{Results: results, Processed: len(results)})
}

func (s *Server) syncDown(c *gin.Context) {
	id, _ := identityFrom(c)

	// Captured before the read and moved back by SyncLag: updated_at is
	// stamped before commit, so a transition may become visible after a read
	// that started later than its stamp.
	serverTime := s.cfg.Now().UTC().Add(-s.cfg.SyncLag)

	since, syncType := parseSince(c.Query("since"))
	attendees, err := s.cfg.Attendees.AttendeesSince(c.Request.Context(), id.EventID, since)
	if err != nil {
		slog.Error("sync down", "event_id", id.EventID, "error", err)
		abortWithError(c, checkin.CodeInternal)
		return
	}
	c.JSON(http.StatusOK, model.SyncDownResponse{
		ServerTime: serverTime,
		Attendees:  attendees,
		Count:      len(attendees),
		SyncType:   syncType,
	})
}

// parseSince never fails: a missing or unparseable value means a full sync.
func parseSince(raw string) (*time.Time, model.SyncType) {
	if raw == "" {
		return nil, model.SyncFull
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return nil, model.SyncFull
	}
	return &t, model.SyncIncremental
}

func (s *Server) occupancy(c *gin.Context) {
	id, _ := identityFrom(c)
	occ, err := s.cfg.Occupancy.Get(c.Request.Context(), id.EventID)
	if err != nil {
		slog.Error("read occupancy", "event_id", id.EventID, "error", err)
		abortWithError(c, checkin.CodeInternal)
		return
	}
	c.JSON(http.StatusOK, occ)
}

// occupancyStream sends the current occupancy, then a fresh reading after
// every change notification until the client goes away.
func (s *Server) occupancyStream(c *gin.Context) {
	id, _ := identityFrom(c)
	ctx := c.Request.Context()

	changes, cancel := s.cfg.Feed.Subscribe(id.EventID)
	defer cancel()

	send := func() bool {
		occ, err := s.cfg.Occupancy.Get(ctx, id.EventID)
		if err != nil {
			slog.Warn("occupancy stream read", "event_id", id.EventID, "error", err)
			return ctx.Err() == nil
		}
		c.SSEvent("occupancy", occ)
		return true
	}

	if !send() {
		return
	}
	c.Writer.Flush()
	c.Stream(func(_ io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case _, ok := <-changes:
			if !ok {
				return false
			}
			return send()
		}
	})
}

// present replaces result messages with operator-facing text.
func present(res model.ScanResult) model.ScanResult {
	if res.Status == model.ScanError {
		res.Message = checkin.OperatorMessage(checkin.Code(res.Code))
	}
	return res
}

func abortWithError(c *gin.Context, code checkin.Code) {
	abortWithMessage(c, code, checkin.OperatorMessage(code))
}

func abortWithMessage(c *gin.Context, code checkin.Code, msg string) {
	status := checkin.HTTPStatus(code)
	if status == http.StatusServiceUnavailable {
		c.Header("Retry-After", retryAfterSeconds)
	}
	c.AbortWithStatusJSON(status, model.ErrorResponse{Code: string(code), Message: msg})
}

func logScanError(eventID string, req model.ScanRequest, err error) {
	switch checkin.KindOf(err) {
	case checkin.KindRejection, checkin.KindValidation:
		slog.Debug("scan rejected", "event_id", eventID, "ticket_code", req.TicketCode,
			"idempotency_key", req.IdempotencyKey, "error", err)
	default:
		slog.Warn("scan failed", "event_id", eventID, "ticket_code", req.TicketCode,
			"idempotency_key", req.IdempotencyKey, "error", err)
	}
}
