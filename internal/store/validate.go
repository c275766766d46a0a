package store

import (
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/latencypoison/latencypoison/internal/simulate"
	"gorm.io/datatypes"
)

// NormalizeBaseURL validates an absolute http(s) URL and strips a trailing slash.
func NormalizeBaseURL(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("%w: base_url is required", ErrValidation)
	}
	parsed, errParse := url.Parse(trimmed)
	if errParse != nil {
		return "", fmt.Errorf("%w: invalid base_url: %v", ErrValidation, errParse)
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", fmt.Errorf("%w: base_url must use http or https", ErrValidation)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("%w: base_url must include a host", ErrValidation)
	}
	parsed.Scheme = scheme
	parsed.RawQuery = ""
	parsed.Fragment = ""
	parsed.Path = strings.TrimRight(parsed.Path, "/")
	parsed.RawPath = ""
	return parsed.String(), nil
}

// NormalizePath returns a cleaned path with a leading slash and no trailing slash.
func NormalizePath(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ""
	}
	cleaned := path.Clean("/" + trimmed)
	return cleaned
}

// ValidateName rejects empty display names.
func ValidateName(name string) (string, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return "", fmt.Errorf("%w: name is required", ErrValidation)
	}
	return trimmed, nil
}

// ValidateEndpointPath rejects empty endpoint paths.
func ValidateEndpointPath(raw string) (string, error) {
	normalized := NormalizePath(raw)
	if normalized == "" {
		return "", fmt.Errorf("%w: path is required", ErrValidation)
	}
	return normalized, nil
}

// ValidateLatency checks the latency bounds in milliseconds.
func ValidateLatency(field string, ms int) error {
	if ms < simulate.MinLatencyMs || ms > simulate.MaxLatencyMs {
		return fmt.Errorf("%w: %s must be between %d and %d", ErrValidation, field, simulate.MinLatencyMs, simulate.MaxLatencyMs)
	}
	return nil
}

// ValidateFailRate checks the failure percentage bounds.
func ValidateFailRate(field string, rate float64) error {
	if math.IsNaN(rate) || rate < simulate.MinFailRate || rate > simulate.MaxFailRate {
		return fmt.Errorf("%w: %s must be between %g and %g", ErrValidation, field, simulate.MinFailRate, simulate.MaxFailRate)
	}
	return nil
}

// EncodeHeaderNames canonicalizes, de-duplicates and encodes header names.
func EncodeHeaderNames(names []string) (datatypes.JSON, error) {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, name := range names {
		trimmed := strings.TrimSpace(name)
		if trimmed == "" {
			continue
		}
		if strings.ContainsAny(trimmed, " \t:") {
			return nil, fmt.Errorf("%w: invalid header name %q", ErrValidation, trimmed)
		}
		canonical := http.CanonicalHeaderKey(trimmed)
		if _, ok := seen[canonical]; ok {
			continue
		}
		seen[canonical] = struct{}{}
		out = append(out, canonical)
	}
	data, errMarshal := json.Marshal(out)
	if errMarshal != nil {
		return nil, errMarshal
	}
	return datatypes.JSON(data), nil
}

// DecodeHeaderNames reads a JSON array of header names, ignoring malformed values.
func DecodeHeaderNames(value datatypes.JSON) []string {
	if len(value) == 0 {
		return nil
	}
	var out []string
	if errUnmarshal := json.Unmarshal(value, &out); errUnmarshal != nil {
		return nil
	}
	return out
}
