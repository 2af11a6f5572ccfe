package relay

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/syncwave/syncwave/internal/protocol"
)

const (
	// StreamName is the JetStream stream session events are mirrored onto.
	StreamName = "SESSION_EVENTS"
	// SubjectPrefix scopes subjects per session: session.events.<session_id>.
	SubjectPrefix = "session.events"
)

// Publisher mirrors broadcast events onto JetStream so other processes can
// observe session activity. Publishing is best effort; a nil Publisher is a
// valid no-op, which is how the relay is disabled.
type Publisher struct {
	js nats.JetStreamContext
}

// New connects to NATS and ensures the session event stream exists.
func New(url string) (*Publisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("syncwave-relay"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("get jetstream context: %w", err)
	}

	_, err = js.AddStream(&nats.StreamConfig{
		Name:      StreamName,
		Subjects:  []string{SubjectPrefix + ".>"},
		Retention: nats.LimitsPolicy,
		MaxAge:    0,
		Storage:   nats.FileStorage,
	})
	if err != nil && err != nats.ErrStreamNameAlreadyInUse {
		nc.Close()
		return nil, fmt.Errorf("ensure stream %s: %w", StreamName, err)
	}

	log.Info().Str("stream", StreamName).Msg("event relay connected")
	return &Publisher{js: js}, nil
}

// Publish mirrors one event. Failures are logged, never propagated; the
// websocket fan-out is the delivery path that matters.
func (p *Publisher) Publish(evt protocol.Event) {
	if p == nil {
		return
	}
	data, err := json.Marshal(evt)
	if err != nil {
		log.Error().Err(err).Str("event_type", string(evt.Type)).Msg("failed to marshal relay event")
		return
	}
	subject := fmt.Sprintf("%s.%s", SubjectPrefix, evt.SessionID)
	if _, err := p.js.PublishAsync(subject, data); err != nil {
		log.Warn().
			Err(err).
			Str("subject", subject).
			Str("event_type", string(evt.Type)).
			Msg("failed to relay event")
	}
}
