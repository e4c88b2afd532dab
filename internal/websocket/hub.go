package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"github.com/gofiber/contrib/websocket"
	"go.uber.org/zap"

	"github.com/tecnicocursos/render-api/internal/model"
	"github.com/tecnicocursos/render-api/internal/progress"
	"github.com/tecnicocursos/render-api/internal/service"
	"github.com/tecnicocursos/render-api/pkg/response"
)

// Subscriber hands out a job snapshot plus a live event stream.
type Subscriber interface {
	Subscribe(ctx context.Context, callerID, jobID string) (model.ProgressEvent, *progress.Subscription, error)
	Unsubscribe(sub *progress.Subscription)
}

// Hub serves progress streams over WebSocket connections. Each connection
// follows one job: a snapshot first, then live events until a terminal one.
type Hub struct {
	subscriber   Subscriber
	logger       *zap.Logger
	pingInterval time.Duration
	active       atomic.Int64
}

// NewHub creates a new Hub
func NewHub(subscriber Subscriber, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		subscriber:   subscriber,
		logger:       logger,
		pingInterval: 30 * time.Second,
	}
}

// Active returns the number of open streams.
func (h *Hub) Active() int {
	return int(h.active.Load())
}

// HandleConnection handles a WebSocket connection
func (h *Hub) HandleConnection(c *websocket.Conn, callerID, jobID string) {
	h.active.Add(1)
	defer h.active.Add(-1)
	log := h.logger.With(zap.String("job_id", jobID))

	snapshot, sub, err := h.subscriber.Subscribe(context.Background(), callerID, jobID)
	if err != nil {
		h.writeError(c, jobID, err)
		return
	}
	defer h.subscriber.Unsubscribe(sub)

	if err := h.writeJSON(c, snapshot); err != nil || sub == nil {
		h.close(c)
		return
	}

	// Reader loop; all writes stay on this goroutine
	closed := make(chan struct{})
	pings := make(chan struct{}, 1)
	go func() {
		defer close(closed)
		for {
			_, message, err := c.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					log.Debug("WebSocket read error", zap.Error(err))
				}
				return
			}
			var msg model.WSMessage
			if err := json.Unmarshal(message, &msg); err != nil {
				continue
			}
			if msg.Type == model.WSMessageTypePing {
				select {
				case pings <- struct{}{}:
				default:
				}
			}
		}
	}()

	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	// Events published between Subscribe and the snapshot read may be older
	// than the snapshot.
	sent := snapshot.Progress

	for {
		select {
		case <-closed:
			return

		case ev, ok := <-sub.Events():
			if !ok {
				h.close(c)
				return
			}
			if !ev.Terminal() && ev.Progress < sent {
				continue
			}
			sent = ev.Progress
			if err := h.writeJSON(c, ev); err != nil {
				return
			}
			if ev.Terminal() {
				if dropped := sub.Dropped(); dropped > 0 {
					log.Debug("Slow subscriber dropped events", zap.Int("dropped", dropped))
				}
				h.close(c)
				return
			}

		case <-pings:
			if err := h.writeJSON(c, model.WSMessage{Type: model.WSMessageTypePong}); err != nil {
				return
			}

		case <-ticker.C:
			// Send ping for keep-alive
			if err := c.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) writeJSON(c *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.WriteMessage(websocket.TextMessage, data)
}

func (h *Hub) writeError(c *websocket.Conn, jobID string, err error) {
	code, message := response.CodeServiceError, "Could not open progress stream"
	switch {
	case errors.Is(err, service.ErrJobNotFound):
		code, message = response.CodeNotFound, "Job not found"
	case errors.Is(err, service.ErrUnauthorized):
		code, message = response.CodeForbidden, "Not allowed to follow this job"
	default:
		h.logger.Error("Failed to subscribe", zap.String("job_id", jobID), zap.Error(err))
	}
	_ = h.writeJSON(c, model.WSErrorMessage{
		Type:  model.WSMessageTypeError,
		JobID: jobID,
		Error: model.WSError{Code: code, Message: message},
	})
	h.close(c)
}

func (h *Hub) close(c *websocket.Conn) {
	_ = c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
