// Package mqtt bridges output levels to an MQTT broker.
//
// Commands arrive on <prefix>/<output>/set and the committed state is
// published, retained, on <prefix>/<output>/state. Broker availability is
// announced on <prefix>/status.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"pca9634d/internal/output"
)

// Status payloads published on the status topic.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Handler receives messages for a subscription.
type Handler func(topic string, payload []byte)

// Client is the subset of a broker connection the bridge needs.
type Client interface {
	Subscribe(filter string, h Handler) error
	Publish(topic string, retained bool, payload []byte) error
	Close() error
}

// Controller is implemented by *output.Service.
type Controller interface {
	Set(ctx context.Context, outputID string, level float64) error
	Subscribe() (<-chan output.Snapshot, func())
}

// StatePayload is published on <prefix>/<output>/state.
type StatePayload struct {
	Level float64 `json:"level"`
	Raw   uint8   `json:"raw"`
}

func StatusTopic(prefix string) string { return prefix + "/status" }

func SetTopic(prefix, outputID string) string { return prefix + "/" + outputID + "/set" }

func StateTopic(prefix, outputID string) string { return prefix + "/" + outputID + "/state" }

// ParseLevel accepts a bare number (0.5), a percentage (50%), ON/OFF or a
// JSON object {"level":0.5}.
func ParseLevel(payload []byte) (float64, error) {
	s := strings.TrimSpace(string(payload))
	if s == "" {
		return 0, fmt.Errorf("mqtt: empty payload")
	}

	var v float64
	var err error
	switch {
	case strings.EqualFold(s, "on"):
		return 1, nil
	case strings.EqualFold(s, "off"):
		return 0, nil
	case strings.HasPrefix(s, "{"):
		var body struct {
			Level *float64 `json:"level"`
		}
		if err := json.Unmarshal([]byte(s), &body); err != nil {
			return 0, fmt.Errorf("mqtt: invalid json payload: %w", err)
		}
		if body.Level == nil {
			return 0, fmt.Errorf("mqtt: json payload has no level")
		}
		v = *body.Level
	case strings.HasSuffix(s, "%"):
		v, err = strconv.ParseFloat(strings.TrimSpace(strings.TrimSuffix(s, "%")), 64)
		if err != nil {
			return 0, fmt.Errorf("mqtt: invalid percentage %q", s)
		}
		v /= 100
	default:
		v, err = strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, fmt.Errorf("mqtt: invalid level %q", s)
		}
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("mqtt: level %q is not finite", s)
	}
	return v, nil
}

type Bridge struct {
	client Client
	ctl    Controller
	prefix string
	log    zerolog.Logger

	last map[string]StatePayload
}

func NewBridge(client Client, ctl Controller, prefix string, log zerolog.Logger) *Bridge {
	return &Bridge{
		client: client,
		ctl:    ctl,
		prefix: prefix,
		log:    log.With().Str("component", "mqtt").Logger(),
		last:   map[string]StatePayload{},
	}
}

// Run subscribes to the set topics and publishes state changes until ctx is
// done.
func (b *Bridge) Run(ctx context.Context) error {
	if err := b.client.Subscribe(SetTopic(b.prefix, "+"), b.handleSet(ctx)); err != nil {
		return fmt.Errorf("mqtt: subscribe: %w", err)
	}

	snaps, unsubscribe := b.ctl.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return nil
		case snap := <-snaps:
			b.publishState(snap)
		}
	}
}

func (b *Bridge) handleSet(ctx context.Context) Handler {
	return func(topic string, payload []byte) {
		id, ok := b.outputFromTopic(topic)
		if !ok {
			b.log.Debug().Str("topic", topic).Msg("ignoring message")
			return
		}
		level, err := ParseLevel(payload)
		if err != nil {
			b.log.Warn().Err(err).Str("output", id).Msg("bad set payload")
			return
		}
		setCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := b.ctl.Set(setCtx, id, level); err != nil {
			b.log.Warn().Err(err).Str("output", id).Msg("set failed")
			return
		}
		b.log.Debug().Str("output", id).Float64("level", level).Msg("set")
	}
}

func (b *Bridge) outputFromTopic(topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, b.prefix+"/")
	if !ok {
		return "", false
	}
	id, ok := strings.CutSuffix(rest, "/set")
	if !ok || id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}

func (b *Bridge) publishState(snap output.Snapshot) {
	for _, o := range snap.Outputs {
		st := StatePayload{Level: o.Level, Raw: o.Raw}
		if prev, ok := b.last[o.ID]; ok && prev == st {
			continue
		}
		payload, err := json.Marshal(st)
		if err != nil {
			b.log.Error().Err(err).Msg("format state payload")
			continue
		}
		if err := b.client.Publish(StateTopic(b.prefix, o.ID), true, payload); err != nil {
			b.log.Warn().Err(err).Str("output", o.ID).Msg("publish state failed")
			continue
		}
		b.last[o.ID] = st
	}
}
