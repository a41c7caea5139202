package types

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrMalformed is returned by DecodeReport when the body is not a JSON object
// or a known field has the wrong JSON type.
var ErrMalformed = errors.New("malformed report")

// Report is one sighting as sent by a reporter.
type Report struct {
	// Key identifies the remote session (the scanner's job id).
	Key string `json:"jobId"`

	// Label is the human-readable name of what was found.
	Label string `json:"objectName"`

	// Metric is the non-negative quality score used for ranking.
	Metric float64 `json:"metric"`

	// Occupancy is a display string such as "5/20"; it is not validated.
	Occupancy string `json:"occupancy,omitempty"`

	// Payload carries every other field verbatim.
	Payload map[string]any `json:"payload,omitempty"`
}

// Field aliases accepted on the wire, first match wins.
var (
	keyFields    = []string{"jobId", "job_id", "key"}
	labelFields  = []string{"objectName", "object", "label", "name"}
	metricFields = []string{"metric", "eps"}
)

// consumed lists every field DecodeReport maps onto a Report member; anything
// else lands in Payload.
var consumed = map[string]bool{
	"jobId": true, "job_id": true, "key": true,
	"objectName": true, "object": true, "label": true, "name": true,
	"metric": true, "eps": true,
	"occupancy": true, "players": true, "maxPlayers": true,
	"payload": true,
}

// DecodeReport parses a JSON report body.
//
// A missing metric decodes as 0. A metric that is present but not a JSON
// number is malformed. Occupancy is taken from "occupancy", or built from
// "players" and "maxPlayers" ("players/maxPlayers").
func DecodeReport(data []byte) (Report, error) {
	var raw map[string]json.RawMessage
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return Report{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if raw == nil {
		return Report{}, fmt.Errorf("%w: body is not an object", ErrMalformed)
	}

	var (
		rep Report
		err error
	)
	if rep.Key, err = firstString(raw, keyFields); err != nil {
		return Report{}, err
	}
	if rep.Label, err = firstString(raw, labelFields); err != nil {
		return Report{}, err
	}
	if rep.Metric, err = firstNumber(raw, metricFields); err != nil {
		return Report{}, err
	}
	if rep.Occupancy, err = occupancy(raw); err != nil {
		return Report{}, err
	}

	payload := make(map[string]any)
	if p, ok := raw["payload"]; ok && !isNull(p) {
		var nested map[string]any
		if err := json.Unmarshal(p, &nested); err != nil {
			return Report{}, fmt.Errorf("%w: payload must be an object", ErrMalformed)
		}
		for k, v := range nested {
			payload[k] = v
		}
	}
	for k, v := range raw {
		if consumed[k] {
			continue
		}
		var val any
		if err := json.Unmarshal(v, &val); err != nil {
			return Report{}, fmt.Errorf("%w: field %q: %v", ErrMalformed, k, err)
		}
		payload[k] = val
	}
	if len(payload) > 0 {
		rep.Payload = payload
	}
	return rep, nil
}

func firstString(raw map[string]json.RawMessage, names []string) (string, error) {
	for _, name := range names {
		v, ok := raw[name]
		if !ok || isNull(v) {
			continue
		}
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			// Some scanners send numeric job ids.
			var n json.Number
			if err := json.Unmarshal(v, &n); err != nil {
				return "", fmt.Errorf("%w: %s must be a string", ErrMalformed, name)
			}
			s = n.String()
		}
		return strings.TrimSpace(s), nil
	}
	return "", nil
}

func firstNumber(raw map[string]json.RawMessage, names []string) (float64, error) {
	for _, name := range names {
		v, ok := raw[name]
		if !ok || isNull(v) {
			continue
		}
		var f float64
		if err := json.Unmarshal(v, &f); err != nil {
			return 0, fmt.Errorf("%w: %s must be a number", ErrMalformed, name)
		}
		return f, nil
	}
	return 0, nil
}

func occupancy(raw map[string]json.RawMessage) (string, error) {
	if v, ok := raw["occupancy"]; ok && !isNull(v) {
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			return "", fmt.Errorf("%w: occupancy must be a string", ErrMalformed)
		}
		return s, nil
	}

	players, ok := raw["players"]
	if !ok || isNull(players) {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(players, &s); err == nil {
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(players, &n); err != nil {
		return "", fmt.Errorf("%w: players must be a string or number", ErrMalformed)
	}
	if mp, ok := raw["maxPlayers"]; ok && !isNull(mp) {
		var m json.Number
		if err := json.Unmarshal(mp, &m); err == nil {
			return n.String() + "/" + m.String(), nil
		}
	}
	return n.String(), nil
}

func isNull(v json.RawMessage) bool {
	return string(bytes.TrimSpace(v)) == "null"
}

// FormatMetric renders a metric the way scanners display it ("1.2M/s").
func FormatMetric(v float64) string {
	switch {
	case v >= 1e9:
		return strconv.FormatFloat(v/1e9, 'f', 1, 64) + "B/s"
	case v >= 1e6:
		return strconv.FormatFloat(v/1e6, 'f', 1, 64) + "M/s"
	case v >= 1e3:
		return strconv.FormatFloat(v/1e3, 'f', 1, 64) + "K/s"
	default:
		return strconv.FormatFloat(v, 'f', -1, 64) + "/s"
	}
}
