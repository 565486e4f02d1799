// SPDX-License-Identifier: MIT

package transport

import (
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/openhearth/hearth/internal/log"
	"github.com/openhearth/hearth/internal/state"
	"github.com/openhearth/hearth/internal/weather"
)

// statusPrefixes are the object key families exposed on /status.
var statusPrefixes = []string{"user.", "device.", "shared.", "schedule.", "structure."}

// handleEntry is the device check-in: refresh liveness and echo the
// transport parameters the device should use.
func (s *Server) handleEntry(w http.ResponseWriter, r *http.Request) {
	serial := r.URL.Query().Get("serial")
	if serial == "" {
		serial = r.Header.Get("X-Serial")
	}
	if serial != "" {
		s.watchdog.MarkSeen(serial)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok":            true,
		"transport_url": s.opts.TransportURL,
	})
}

type putObject struct {
	Serial          string         `json:"serial"`
	ObjectKey       string         `json:"object_key"`
	ObjectRevision  int64          `json:"object_revision"`
	ObjectTimestamp int64          `json:"object_timestamp"`
	Value           map[string]any `json:"value"`
}

type putRequest struct {
	Objects []putObject `json:"objects"`
}

// handlePut applies a batch of device object writes. The batch is
// validated and authorized up front so a rejected request mutates nothing.
func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req putRequest
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "malformed body: "+err.Error())
		return
	}

	for _, obj := range req.Objects {
		if obj.Serial == "" || obj.ObjectKey == "" {
			writeBadRequest(w, "objects require serial and object_key")
			return
		}
		known, err := s.own.IsKnownSerial(ctx, obj.Serial)
		if err != nil {
			writeServiceUnavailable(w, err)
			return
		}
		if !known {
			writeForbidden(w, "unknown serial "+obj.Serial)
			return
		}
	}

	accepted := 0
	for _, obj := range req.Objects {
		_, err := s.service.Upsert(ctx, obj.Serial, obj.ObjectKey,
			obj.ObjectRevision, obj.ObjectTimestamp, obj.Value)
		if err != nil {
			// One retry for transient store hiccups, then give up.
			_, err = s.service.Upsert(ctx, obj.Serial, obj.ObjectKey,
				obj.ObjectRevision, obj.ObjectTimestamp, obj.Value)
		}
		if err != nil {
			logger := log.WithComponentFromContext(ctx, "transport")
			logger.Error().
				Str("serial", obj.Serial).
				Str("object_key", obj.ObjectKey).
				Err(err).
				Msg("object write failed")
			writeServiceUnavailable(w, err)
			return
		}
		accepted++
	}

	writeJSON(w, http.StatusOK, map[string]int{"accepted": accepted})
}

type subscribeRequest struct {
	Serial    string   `json:"serial"`
	Keys      []string `json:"keys"`
	TimeoutMS int64    `json:"timeout_ms"`
}

// handleSubscribe is the long poll: block until a matching write, the
// deadline, or client disconnect. Empty object list means "nothing yet,
// poll again".
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req subscribeRequest
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "malformed body: "+err.Error())
		return
	}
	if req.Serial == "" {
		writeBadRequest(w, "serial is required")
		return
	}
	known, err := s.own.IsKnownSerial(ctx, req.Serial)
	if err != nil {
		writeServiceUnavailable(w, err)
		return
	}
	if !known {
		writeForbidden(w, "unknown serial "+req.Serial)
		return
	}

	timeout := time.Duration(req.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = s.opts.LongPollDefault
	}
	waiter := s.subs.Register(req.Serial, "/transport/subscribe", req.Keys, timeout)
	defer s.subs.Cancel(waiter)

	s.watchdog.MarkSeen(req.Serial)

	timer := time.NewTimer(waiter.Timeout)
	defer timer.Stop()

	select {
	case obj, ok := <-waiter.C():
		if ok && obj != nil {
			writeJSON(w, http.StatusOK, map[string]any{"objects": []*state.Object{obj}})
			return
		}
	case <-timer.C:
	case <-ctx.Done():
		// Client gone; the deferred Cancel removes the waiter.
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"objects": []*state.Object{}})
}

// handleStatus is the read surface: every device visible from the given
// serial's owners, with objects filtered to the exposed key families and
// cached weather injected per serial.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	serial := r.URL.Query().Get("serial")
	if serial == "" {
		writeBadRequest(w, "serial is required")
		return
	}
	users, err := s.own.UsersForSerial(ctx, serial)
	if err != nil {
		writeServiceUnavailable(w, err)
		return
	}
	if len(users) == 0 {
		writeNotFound(w)
		return
	}

	serials := map[string]struct{}{}
	for _, userID := range users {
		set, err := s.own.DeviceSet(ctx, userID)
		if err != nil {
			writeServiceUnavailable(w, err)
			return
		}
		for sn := range set {
			serials[sn] = struct{}{}
		}
	}

	devices := make([]string, 0, len(serials))
	deviceState := make(map[string]map[string]*state.Object, len(serials))
	for sn := range serials {
		devices = append(devices, sn)
		objects, err := s.service.GetAllForDevice(ctx, sn)
		if err != nil {
			writeServiceUnavailable(w, err)
			return
		}
		filtered := make(map[string]*state.Object)
		for key, obj := range objects {
			if hasStatusPrefix(key) {
				filtered[key] = obj
			}
		}
		if cond := s.weatherFor(objects); cond != nil {
			filtered["weather."+sn] = &state.Object{
				Serial:    sn,
				Key:       "weather." + sn,
				Timestamp: cond.UpdatedAt,
				Value: map[string]any{
					"current":   cond.Current,
					"location":  cond.Location,
					"updatedAt": cond.UpdatedAt,
				},
			}
		}
		deviceState[sn] = filtered
	}
	sort.Strings(devices)

	writeJSON(w, http.StatusOK, map[string]any{
		"devices":     devices,
		"deviceState": deviceState,
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func hasStatusPrefix(key string) bool {
	for _, prefix := range statusPrefixes {
		if strings.HasPrefix(key, prefix) {
			return true
		}
	}
	return false
}

// weatherFor looks up cached conditions for the postal code the device
// reports. No cache entry, no weather: the endpoint never blocks on a
// provider fetch.
func (s *Server) weatherFor(objects map[string]*state.Object) *weather.Conditions {
	if s.weather == nil {
		return nil
	}
	for key, obj := range objects {
		if state.KeyType(key) != "device" {
			continue
		}
		postal, _ := obj.Value["postal_code"].(string)
		if postal == "" {
			continue
		}
		country, _ := obj.Value["country"].(string)
		if cond := s.weather.Peek(postal, country); cond != nil {
			return cond
		}
	}
	return nil
}
