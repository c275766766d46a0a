package proxy

import (
	"encoding/json"
	"net/http"
	"strconv"
)

// Response headers describing what the proxy did.
const (
	OutcomeHeader   = "X-LatencyPoison-Outcome"
	LatencyHeader   = "X-LatencyPoison-Latency-Ms"
	FailRateHeader  = "X-LatencyPoison-Fail-Rate"
	RequestIDHeader = "X-Request-ID"
)

type simulatedFailureBody struct {
	Error        string  `json:"error"`
	CollectionID string  `json:"collection_id"`
	EndpointID   *string `json:"endpoint_id"`
	FailRate     float64 `json:"fail_rate"`
}

type errorBody struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

// WriteOutcome writes an outcome to w. Cancelled requests get no response.
func WriteOutcome(w http.ResponseWriter, out *Outcome) {
	if out == nil || out.State == StateCancelled {
		return
	}

	header := w.Header()
	for k, vv := range out.Header {
		for _, v := range vv {
			header.Add(k, v)
		}
	}
	if out.Kind != "" {
		header.Set(OutcomeHeader, out.Kind)
		header.Set(LatencyHeader, strconv.Itoa(out.Settings.LatencyMs))
		header.Set(FailRateHeader, strconv.FormatFloat(out.Settings.FailRate, 'f', -1, 64))
	}

	body := out.Body
	if body == nil && out.Err != nil {
		header.Set("Content-Type", "application/json; charset=utf-8")
		body = mustJSON(errorBody{Error: errorMessage(out.Err)})
	}
	status := out.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	header.Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(status)
	if len(body) > 0 {
		_, _ = w.Write(body)
	}
}

func errorMessage(err error) string {
	switch StatusForError(err) {
	case http.StatusNotFound:
		return "collection not found"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusBadRequest:
		return err.Error()
	default:
		return "internal error"
	}
}

func jsonHeader() http.Header {
	h := make(http.Header)
	h.Set("Content-Type", "application/json; charset=utf-8")
	return h
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte(`{"error":"internal error"}`)
	}
	return data
}
