package handler

import (
	"fmt"
	"net/http"
	"time"

	"github.com/aditya/go-carpool/internal/middleware"
	"github.com/aditya/go-carpool/internal/notify"
	"github.com/aditya/go-carpool/pkg/utils"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const heartbeatInterval = 30 * time.Second

// NotificationHandler relays the caller's lifecycle notifications from redis pub/sub as
// server-sent events.
type NotificationHandler struct {
	redis     *redis.Client
	log       logrus.FieldLogger
	heartbeat time.Duration
}

func NewNotificationHandler(redisClient *redis.Client, log logrus.FieldLogger) *NotificationHandler {
	return &NotificationHandler{
		redis:     redisClient,
		log:       log,
		heartbeat: heartbeatInterval,
	}
}

func (h *NotificationHandler) RegisterRoutes(r chi.Router) {
	r.Get("/notifications/stream", h.StreamNotifications)
}

// GET /v1/notifications/stream
func (h *NotificationHandler) StreamNotifications(w http.ResponseWriter, r *http.Request) {
	user := middleware.IdentityFromContext(r.Context())
	if user.IsZero() {
		utils.Unauthorized(w, "missing caller identity")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.InternalError(w, "streaming not supported")
		return
	}

	ctx := r.Context()
	pubsub := h.redis.Subscribe(ctx, notify.UserChannel(user.ID))
	defer pubsub.Close()

	// wait for the subscription so nothing published after the 200 is lost
	if _, err := pubsub.Receive(ctx); err != nil {
		h.log.WithError(err).WithField("user_id", user.ID).Warn("notification subscribe failed")
		utils.InternalError(w, "notification stream unavailable")
		return
	}

	// the server write timeout would cut long-lived streams
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	messages := pubsub.Channel()
	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			fmt.Fprintf(w, "event: notification\ndata: %s\n\n", msg.Payload)
			flusher.Flush()
		case <-ticker.C:
			fmt.Fprintf(w, "event: heartbeat\ndata: {\"time\": \"%s\"}\n\n", time.Now().UTC().Format(time.RFC3339))
			flusher.Flush()
		}
	}
}
