// SPDX-License-Identifier: MIT

package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/openhearth/hearth/internal/metrics"
)

// handleCommand routes inbound set messages. Topic shapes:
//
//	«prefix»/«serial»/ha/«command»/set   derived climate commands
//	«prefix»/«serial»/«type»/«field»/set raw single-field writes
//
// Commands for serials outside the user's device set are ignored.
func (b *Bridge) handleCommand(client paho.Client, msg paho.Message) {
	topic := msg.Topic()
	rest, ok := strings.CutPrefix(topic, b.cfg.TopicPrefix+"/")
	if !ok {
		return
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 4 || parts[3] != "set" {
		return
	}
	serial, typ, field := parts[0], parts[1], parts[2]

	if !b.HasDevice(serial) {
		metrics.MQTTCommandsTotal.WithLabelValues("unauthorized").Inc()
		b.logger.Warn().Str("serial", serial).Str("topic", topic).
			Msg("command for serial outside device set ignored")
		return
	}

	// Writes ride the bridge's loop context so Shutdown cuts off
	// in-flight commands instead of letting them race the disconnect.
	ctx := b.loopCtx
	payload := strings.TrimSpace(string(msg.Payload()))

	var err error
	if typ == "ha" {
		err = b.applyDerivedCommand(ctx, serial, field, payload)
	} else {
		err = b.applyRawCommand(ctx, serial, typ, field, payload)
	}
	if err != nil {
		metrics.MQTTCommandsTotal.WithLabelValues("error").Inc()
		b.logger.Warn().Str("topic", topic).Str("payload", payload).Err(err).
			Msg("command rejected")
		return
	}
	metrics.MQTTCommandsTotal.WithLabelValues("ok").Inc()
}

// applyRawCommand writes one field of the «type».«serial» object.
func (b *Bridge) applyRawCommand(ctx context.Context, serial, typ, field, payload string) error {
	value := parseScalar(payload)
	return b.write(ctx, serial, typ+"."+serial, map[string]any{field: value})
}

// applyDerivedCommand translates a climate command into internal fields.
func (b *Bridge) applyDerivedCommand(ctx context.Context, serial, command, payload string) error {
	switch command {
	case "mode":
		ttt, ok := internalFromMode(payload)
		if !ok {
			return fmt.Errorf("unknown mode %q", payload)
		}
		return b.write(ctx, serial, "shared."+serial, map[string]any{
			"target_temperature_type": ttt,
		})

	case "target_temperature", "target_temperature_low", "target_temperature_high":
		temp, err := strconv.ParseFloat(payload, 64)
		if err != nil {
			return fmt.Errorf("temperature %q: %w", payload, err)
		}
		device, _ := b.loadObjects(ctx, serial)
		lo, hi := safetyRange(device)
		if temp < lo || temp > hi {
			return fmt.Errorf("temperature %.1f outside safety range [%.1f, %.1f]", temp, lo, hi)
		}
		return b.write(ctx, serial, "shared."+serial, map[string]any{command: temp})

	case "fan_mode":
		switch payload {
		case "on":
			return b.write(ctx, serial, "device."+serial, map[string]any{
				"fan_control_state": true,
				"fan_timer_active":  true,
				"fan_timer_timeout": float64(b.deps.Now().Unix() + 3600),
			})
		case "auto", "off":
			return b.write(ctx, serial, "device."+serial, map[string]any{
				"fan_control_state": false,
				"fan_timer_active":  false,
				"fan_timer_timeout": float64(0),
			})
		default:
			return fmt.Errorf("unknown fan mode %q", payload)
		}

	case "preset":
		switch payload {
		case "away":
			return b.write(ctx, serial, "device."+serial, map[string]any{
				"auto_away": float64(2),
				"away":      true,
			})
		case "home":
			return b.write(ctx, serial, "device."+serial, map[string]any{
				"auto_away": float64(0),
				"away":      false,
			})
		case "eco":
			return b.write(ctx, serial, "device."+serial, map[string]any{
				"eco": map[string]any{"mode": "manual-eco", "leaf": true},
			})
		default:
			return fmt.Errorf("unknown preset %q", payload)
		}

	default:
		return fmt.Errorf("unknown command %q", command)
	}
}

// write routes the mutation through the device state service so waiters
// and integrations (including this bridge) observe it.
func (b *Bridge) write(ctx context.Context, serial, key string, value map[string]any) error {
	var rev int64
	if existing, err := b.deps.Service.Get(ctx, serial, key); err == nil && existing != nil {
		rev = existing.Revision + 1
	} else {
		rev = 1
	}
	_, err := b.deps.Service.Upsert(ctx, serial, key, rev, b.deps.Now().UnixMilli(), value)
	return err
}

// parseScalar interprets a raw command payload: valid JSON decodes,
// anything else passes through as a string.
func parseScalar(payload string) any {
	var v any
	if err := json.Unmarshal([]byte(payload), &v); err == nil {
		return v
	}
	return payload
}
