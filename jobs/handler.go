package jobs

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/gatekeeper/internal/catalog"
	"github.com/odyssey-erp/gatekeeper/internal/platform/httpx"
)

// QueueInspector reads queue statistics. *asynq.Inspector satisfies it.
type QueueInspector interface {
	Queues() ([]string, error)
	GetQueueInfo(queue string) (*asynq.QueueInfo, error)
}

// Enqueuer submits tasks. *asynq.Client satisfies it.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Handler exposes the task queues to administrators.
type Handler struct {
	inspector QueueInspector
	enqueuer  Enqueuer
	catalog   CatalogReloader
	observer  ReloadObserver
	logger    *slog.Logger
}

// NewHandler constructs the jobs handler.
func NewHandler(inspector QueueInspector, enqueuer Enqueuer, logger *slog.Logger) *Handler {
	return &Handler{inspector: inspector, enqueuer: enqueuer, logger: logOrDefault(logger)}
}

// WithLocalCatalog makes catalog reload requests reload cat in this process
// before the task is queued for the worker. Other replicas converge on their
// own watcher or poll.
func (h *Handler) WithLocalCatalog(cat CatalogReloader, observer ReloadObserver) *Handler {
	h.catalog = cat
	h.observer = observer
	return h
}

// MountRoutes attaches job routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/queues", h.queues)
	r.Post("/catalog-reload", h.enqueueCatalogReload)
	r.Post("/plan-change", h.enqueuePlanChange)
}

type queueStats struct {
	Queue     string `json:"queue"`
	Paused    bool   `json:"paused"`
	Pending   int    `json:"pending"`
	Active    int    `json:"active"`
	Scheduled int    `json:"scheduled"`
	Retry     int    `json:"retry"`
	Archived  int    `json:"archived"`
	Processed int    `json:"processed_today"`
	Failed    int    `json:"failed_today"`
}

type enqueued struct {
	TaskID string `json:"task_id,omitempty"`
	Queue  string `json:"queue"`
	Status string `json:"status"`
	// Local reports the reload of this process's catalog, when configured.
	Local *localReload `json:"local,omitempty"`
}

type localReload struct {
	Status         string `json:"status"`
	CatalogVersion uint64 `json:"catalog_version"`
	Error          string `json:"error,omitempty"`
}

func (h *Handler) queues(w http.ResponseWriter, r *http.Request) {
	if h.inspector == nil {
		unavailable(w)
		return
	}
	known, err := h.inspector.Queues()
	if err != nil {
		h.logger.Warn("list queues", slog.Any("error", err))
		unavailable(w)
		return
	}
	exists := make(map[string]bool, len(known))
	for _, name := range known {
		exists[name] = true
	}
	out := make([]queueStats, 0, 2)
	for _, name := range []string{QueuePlans, QueueDefault} {
		// Redis creates a queue on its first task.
		if !exists[name] {
			out = append(out, queueStats{Queue: name})
			continue
		}
		info, err := h.inspector.GetQueueInfo(name)
		if err != nil {
			h.logger.Warn("queue info", slog.String("queue", name), slog.Any("error", err))
			unavailable(w)
			return
		}
		out = append(out, queueStats{
			Queue:     name,
			Paused:    info.Paused,
			Pending:   info.Pending,
			Active:    info.Active,
			Scheduled: info.Scheduled,
			Retry:     info.Retry,
			Archived:  info.Archived,
			Processed: info.Processed,
			Failed:    info.Failed,
		})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"queues": out})
}

func (h *Handler) enqueueCatalogReload(w http.ResponseWriter, r *http.Request) {
	var local *localReload
	if h.catalog != nil {
		changed, err := h.catalog.Reload(r.Context())
		if h.observer != nil {
			h.observer.ObserveCatalogReload(h.catalog.Version(), err)
		}
		local = &localReload{Status: "unchanged", CatalogVersion: h.catalog.Version()}
		switch {
		case errors.Is(err, catalog.ErrCatalogShrink), errors.Is(err, catalog.ErrInvalidSeed):
			// Every replica would reject the same seed.
			httpx.RespondError(w, httpx.Wrap(httpx.ErrUnprocessable, err))
			return
		case err != nil:
			h.logger.Warn("local catalog reload", slog.Any("error", err))
			local.Status, local.Error = "failed", err.Error()
		case changed:
			h.logger.Info("catalog reloaded", slog.Uint64("version", local.CatalogVersion))
			local.Status = "reloaded"
		}
	}
	h.enqueue(w, r, NewCatalogReloadTask(), local)
}

func (h *Handler) enqueuePlanChange(w http.ResponseWriter, r *http.Request) {
	var payload PlanChangePayload
	if err := httpx.DecodeJSON(w, r, &payload); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if _, err := catalog.ParseTier(payload.PlanTier); err != nil {
		httpx.RespondError(w, httpx.Wrap(httpx.ErrValidation, err))
		return
	}
	task, err := NewPlanChangeTask(payload)
	if err != nil {
		httpx.RespondError(w, httpx.Wrap(httpx.ErrValidation, err))
		return
	}
	h.enqueue(w, r, task, nil)
}

func (h *Handler) enqueue(w http.ResponseWriter, r *http.Request, task *asynq.Task, local *localReload) {
	if h.enqueuer == nil {
		unavailable(w)
		return
	}
	info, err := h.enqueuer.EnqueueContext(r.Context(), task)
	switch {
	case errors.Is(err, asynq.ErrDuplicateTask):
		httpx.JSON(w, http.StatusAccepted, enqueued{Queue: QueueDefault, Status: "already_queued", Local: local})
	case err != nil:
		h.logger.Error("enqueue task", slog.String("task", task.Type()), slog.Any("error", err))
		unavailable(w)
	default:
		h.logger.Info("task enqueued", slog.String("task", task.Type()), slog.String("task_id", info.ID))
		httpx.JSON(w, http.StatusAccepted, enqueued{TaskID: info.ID, Queue: info.Queue, Status: "queued", Local: local})
	}
}

func unavailable(w http.ResponseWriter) {
	httpx.Problem(w, http.StatusServiceUnavailable, "Service Unavailable", "task queue unavailable")
}
