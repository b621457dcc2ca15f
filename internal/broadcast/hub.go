package broadcast

import (
	"fmt"

	"github.com/juju/pubsub/v2"
	"github.com/rs/zerolog"

	"github.com/RubachokBoss/practicum-enrichment/internal/metrics"
	"github.com/RubachokBoss/practicum-enrichment/internal/models"
)

type Room string

const (
	RoomSubmission Room = "submission"
	RoomAssignment Room = "assignment"
)

func (r Room) Valid() bool {
	return r == RoomSubmission || r == RoomAssignment
}

func topic(room Room, id string) string {
	return fmt.Sprintf("%s.%s", room, id)
}

// Handler receives events for one room. Handlers run on the hub's
// per-subscriber goroutine and must not block for long.
type Handler func(event models.FieldEvent)

// Publisher is the side of the hub the enrichment worker uses.
type Publisher interface {
	PublishToSubmission(submissionID string, event models.FieldEvent)
	PublishToAssignment(assignmentID string, event models.FieldEvent)
}

// Hub fans field events out to room subscribers. Rooms have no state of their
// own; a topic exists while something is subscribed to it and events published
// to an empty room are dropped.
type Hub struct {
	hub     *pubsub.SimpleHub
	metrics *metrics.Collector
	logger  zerolog.Logger
}

func NewHub(logger zerolog.Logger, m *metrics.Collector) *Hub {
	logger = logger.With().Str("component", "broadcast").Logger()
	return &Hub{
		hub:     pubsub.NewSimpleHub(&pubsub.SimpleHubConfig{Logger: hubLogger{logger}}),
		metrics: m,
		logger:  logger,
	}
}

func (h *Hub) PublishToSubmission(submissionID string, event models.FieldEvent) {
	h.publish(RoomSubmission, submissionID, event)
}

func (h *Hub) PublishToAssignment(assignmentID string, event models.FieldEvent) {
	h.publish(RoomAssignment, assignmentID, event)
}

func (h *Hub) publish(room Room, id string, event models.FieldEvent) {
	if id == "" {
		return
	}
	h.hub.Publish(topic(room, id), event)
	h.metrics.BroadcastEvent(event.Event)

	h.logger.Debug().
		Str("room", string(room)).
		Str("id", id).
		Str("event", event.Event).
		Str("field", event.FieldName).
		Msg("Event published")
}

func (h *Hub) SubscribeSubmission(submissionID string, handler Handler) func() {
	return h.Subscribe(RoomSubmission, submissionID, handler)
}

func (h *Hub) SubscribeAssignment(assignmentID string, handler Handler) func() {
	return h.Subscribe(RoomAssignment, assignmentID, handler)
}

// Subscribe registers handler for a room and returns the unsubscribe func.
func (h *Hub) Subscribe(room Room, id string, handler Handler) func() {
	return h.hub.Subscribe(topic(room, id), func(_ string, data interface{}) {
		event, ok := data.(models.FieldEvent)
		if !ok {
			h.logger.Warn().Str("room", string(room)).Str("id", id).Msgf("Unexpected payload %T", data)
			return
		}
		handler(event)
	})
}

// hubLogger adapts zerolog to the pubsub logging interface.
type hubLogger struct {
	l zerolog.Logger
}

func (h hubLogger) Errorf(format string, args ...interface{})   { h.l.Error().Msgf(format, args...) }
func (h hubLogger) Warningf(format string, args ...interface{}) { h.l.Warn().Msgf(format, args...) }
func (h hubLogger) Infof(format string, args ...interface{})    { h.l.Info().Msgf(format, args...) }
func (h hubLogger) Debugf(format string, args ...interface{})   { h.l.Debug().Msgf(format, args...) }
func (h hubLogger) Tracef(format string, args ...interface{})   { h.l.Trace().Msgf(format, args...) }
