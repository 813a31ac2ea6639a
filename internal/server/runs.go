package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel/attribute"

	"github.com/mohammad-safakhou/falconeye/internal/gate"
	"github.com/mohammad-safakhou/falconeye/internal/recon"
	"github.com/mohammad-safakhou/falconeye/internal/telemetry"
)

const maxTargetLength = 200

// keepaliveInterval is how long the stream may stay silent before a
// ping record is written. Variable so tests can shorten it.
var keepaliveInterval = time.Second

// RunsHandler serves run submission, streaming, and lookup.
type RunsHandler struct {
	Orch *recon.Orchestrator
}

func (h *RunsHandler) Register(g *echo.Group) {
	g.POST("/runs/stream", h.stream)
	g.GET("/runs/:run_id", h.get)
}

type streamRequest struct {
	Target    string `json:"target"`
	Namespace string `json:"namespace,omitempty"`
}

// stream launches a run and streams its events as NDJSON until the
// done event. A client that disconnects mid-stream detaches from the
// run; the run itself keeps going.
func (h *RunsHandler) stream(c echo.Context) error {
	var req streamRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	req.Target = strings.TrimSpace(req.Target)
	if req.Target == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "target is required")
	}
	if len(req.Target) > maxTargetLength {
		return echo.NewHTTPError(http.StatusBadRequest, "target is too long")
	}

	ctx, span := telemetry.Tracer("server").Start(c.Request().Context(), "runs.stream")
	defer span.End()

	run, err := h.Orch.Start(ctx, req.Target, req.Namespace)
	if err != nil {
		var blocked *gate.BlockedTargetError
		if errors.As(err, &blocked) {
			return echo.NewHTTPError(http.StatusUnprocessableEntity, blocked.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	span.SetAttributes(attribute.String("run.id", run.ID))

	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "application/x-ndjson")
	resp.WriteHeader(http.StatusOK)

	// Wake a blocked NextEvent when the client goes away.
	clientGone := c.Request().Context().Done()
	go func() {
		<-clientGone
		h.Orch.Detach(run.ID)
	}()
	defer h.Orch.Detach(run.ID)

	enc := json.NewEncoder(resp)
	for {
		ev, got, open := h.Orch.NextEventTimeout(run.ID, keepaliveInterval)
		if !open {
			return nil
		}
		if !got {
			// Stream is quiet; keep the connection warm.
			ev = recon.Event{RunID: run.ID, Type: recon.EventPing}
		}
		if err := enc.Encode(ev); err != nil {
			return nil
		}
		resp.Flush()
		if ev.Type == recon.EventDone {
			return nil
		}
	}
}

// get serves a point-in-time snapshot of a run.
func (h *RunsHandler) get(c echo.Context) error {
	run, ok := h.Orch.Get(c.Param("run_id"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "run not found")
	}
	return c.JSON(http.StatusOK, run.Snapshot())
}
