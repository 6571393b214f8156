package api

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/ignite/sendpipe/internal/domain"
	"github.com/ignite/sendpipe/internal/pkg/httputil"
	"github.com/ignite/sendpipe/internal/worker"
)

// SendSubmitter accepts send jobs.
type SendSubmitter interface {
	Submit(ctx context.Context, job domain.SendJob) error
	Stats(ctx context.Context) worker.DispatcherStats
}

// EventPublisher forwards platform events to user webhooks.
type EventPublisher interface {
	Publish(ctx context.Context, userID string, evt domain.PlatformEvent, data interface{}) error
}

// PipelineHandler is the collaborator-facing surface: campaign and
// automation services submit sends, CRUD services publish events.
type PipelineHandler struct {
	sends     SendSubmitter
	publisher EventPublisher
}

// NewPipelineHandler creates the handler.
func NewPipelineHandler(sends SendSubmitter, publisher EventPublisher) *PipelineHandler {
	return &PipelineHandler{sends: sends, publisher: publisher}
}

// HandleSubmitSend records a PENDING send and enqueues it. A missing
// send_id is generated; resubmitting an id is a no-op.
//
//	POST /api/sends
func (h *PipelineHandler) HandleSubmitSend(w http.ResponseWriter, r *http.Request) {
	var job domain.SendJob
	if !httputil.Decode(w, r, &job) {
		return
	}
	job.UserID = UserID(r.Context())
	if job.SendID == "" {
		job.SendID = uuid.New().String()
	}
	if err := h.sends.Submit(r.Context(), job); err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.Accepted(w, map[string]string{"send_id": job.SendID})
}

type publishRequest struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

// HandlePublishEvent fans a platform event out to the caller's webhooks.
//
//	POST /api/events
func (h *PipelineHandler) HandlePublishEvent(w http.ResponseWriter, r *http.Request) {
	var req publishRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	evt, ok := domain.ParsePlatformEvent(req.Event)
	if !ok {
		httputil.ErrorWithCode(w, http.StatusBadRequest, "validation_error", "unknown event "+req.Event,
			map[string]string{"field": "event"})
		return
	}
	if err := h.publisher.Publish(r.Context(), UserID(r.Context()), evt, req.Data); err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.Accepted(w, map[string]interface{}{"published": true, "event": evt})
}

// HandleDispatcherStats reports worker counters and queue depth.
//
//	GET /api/dispatcher/stats
func (h *PipelineHandler) HandleDispatcherStats(w http.ResponseWriter, r *http.Request) {
	httputil.OK(w, h.sends.Stats(r.Context()))
}
