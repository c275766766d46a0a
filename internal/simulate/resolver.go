// Package simulate computes and applies the latency and failure settings of a proxied request.
package simulate

import (
	"github.com/latencypoison/latencypoison/internal/models"
	log "github.com/sirupsen/logrus"
)

// Bounds accepted for stored simulation settings.
const (
	MinLatencyMs = 0
	MaxLatencyMs = 10000
	MinFailRate  = 0.0
	MaxFailRate  = 100.0
)

// Settings is the effective configuration applied to one request.
type Settings struct {
	LatencyMs int     `json:"latency_ms"`
	FailRate  float64 `json:"fail_rate"`
}

// Resolve merges endpoint overrides onto collection defaults.
// A nil endpoint, or a nil override field, inherits the collection default.
func Resolve(collection *models.Collection, endpoint *models.Endpoint) Settings {
	if collection == nil {
		return Settings{}
	}
	out := Settings{
		LatencyMs: collection.DefaultLatencyMs,
		FailRate:  collection.DefaultFailRate,
	}
	if endpoint != nil {
		if endpoint.LatencyMs != nil {
			out.LatencyMs = *endpoint.LatencyMs
		}
		if endpoint.FailRate != nil {
			out.FailRate = *endpoint.FailRate
		}
	}
	return clamp(out, collection.ID, endpoint)
}

// clamp keeps out-of-range stored data from failing the request.
func clamp(s Settings, collectionID string, endpoint *models.Endpoint) Settings {
	clamped := s
	if clamped.LatencyMs < MinLatencyMs {
		clamped.LatencyMs = MinLatencyMs
	} else if clamped.LatencyMs > MaxLatencyMs {
		clamped.LatencyMs = MaxLatencyMs
	}
	// NaN compares false against both bounds.
	if clamped.FailRate != clamped.FailRate || clamped.FailRate < MinFailRate {
		clamped.FailRate = MinFailRate
	} else if clamped.FailRate > MaxFailRate {
		clamped.FailRate = MaxFailRate
	}
	if clamped != s {
		entry := log.WithFields(log.Fields{
			"collection_id": collectionID,
			"latency_ms":    s.LatencyMs,
			"fail_rate":     s.FailRate,
		})
		if endpoint != nil {
			entry = entry.WithField("endpoint_id", endpoint.ID)
		}
		entry.Warn("simulate: stored settings out of range, clamped")
	}
	return clamped
}
