package proxy

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/latencypoison/latencypoison/internal/metrics"
	"github.com/latencypoison/latencypoison/internal/simulate"
	"github.com/latencypoison/latencypoison/internal/util"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// AdhocRequest is a one-off proxy call configured entirely by query parameters.
type AdhocRequest struct {
	URL          string
	MinLatencyMs int
	MaxLatencyMs int
	// FailRate is a probability in [0, 1].
	FailRate float64
	Sandbox  bool

	Header     http.Header
	RemoteAddr string
	Host       string
	TLS        bool
}

// ParseAdhocQuery validates the url, min_latency, max_latency, fail_rate and sandbox parameters.
func ParseAdhocQuery(values url.Values) (AdhocRequest, error) {
	var req AdhocRequest

	rawURL := strings.TrimSpace(values.Get("url"))
	if rawURL == "" {
		return req, fmt.Errorf("%w: url is required", ErrInvalidRequest)
	}
	parsed, errParse := url.Parse(rawURL)
	if errParse != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return req, fmt.Errorf("%w: url must be an absolute http:// or https:// URL", ErrInvalidRequest)
	}
	req.URL = parsed.String()

	var errInt error
	if req.MinLatencyMs, errInt = intParam(values, "min_latency"); errInt != nil {
		return req, errInt
	}
	if req.MaxLatencyMs, errInt = intParam(values, "max_latency"); errInt != nil {
		return req, errInt
	}
	if req.MinLatencyMs < 0 || req.MaxLatencyMs < 0 {
		return req, fmt.Errorf("%w: latency values must be positive", ErrInvalidRequest)
	}
	if req.MinLatencyMs > req.MaxLatencyMs {
		return req, fmt.Errorf("%w: min_latency must be less than or equal to max_latency", ErrInvalidRequest)
	}
	if req.MaxLatencyMs > simulate.MaxLatencyMs {
		return req, fmt.Errorf("%w: max_latency must not exceed %d", ErrInvalidRequest, simulate.MaxLatencyMs)
	}

	if raw := strings.TrimSpace(values.Get("fail_rate")); raw != "" {
		rate, errFloat := strconv.ParseFloat(raw, 64)
		if errFloat != nil || math.IsNaN(rate) {
			return req, fmt.Errorf("%w: fail_rate must be a number", ErrInvalidRequest)
		}
		req.FailRate = rate
	}
	if req.FailRate < 0 || req.FailRate > 1 {
		return req, fmt.Errorf("%w: fail_rate must be between 0.0 and 1.0", ErrInvalidRequest)
	}

	if raw := strings.TrimSpace(values.Get("sandbox")); raw != "" {
		sandbox, errBool := strconv.ParseBool(raw)
		if errBool != nil {
			return req, fmt.Errorf("%w: sandbox must be a boolean", ErrInvalidRequest)
		}
		req.Sandbox = sandbox
	}
	return req, nil
}

func intParam(values url.Values, name string) (int, error) {
	raw := strings.TrimSpace(values.Get(name))
	if raw == "" {
		return 0, nil
	}
	v, errAtoi := strconv.Atoi(raw)
	if errAtoi != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", ErrInvalidRequest, name)
	}
	return v, nil
}

type adhocLatency struct {
	Min    int `json:"min"`
	Max    int `json:"max"`
	Actual int `json:"actual"`
}

type sandboxContent struct {
	Message   string       `json:"message"`
	URL       string       `json:"url"`
	Latency   adhocLatency `json:"latency"`
	FailRate  float64      `json:"fail_rate"`
	Timestamp string       `json:"timestamp"`
}

// adhocEnvelope wraps the upstream (or sandbox) response in a JSON document.
type adhocEnvelope struct {
	StatusCode int               `json:"status_code"`
	Headers    map[string]string `json:"headers"`
	Content    any               `json:"content"`
}

// HandleAdhoc applies a sampled latency and the failure probability, then either
// returns a sandbox document or forwards a GET to the target URL.
func (e *Engine) HandleAdhoc(ctx context.Context, req AdhocRequest) (*Outcome, error) {
	start := time.Now()
	latency := e.sampler.IntRange(req.MinLatencyMs, req.MaxLatencyMs)
	out := &Outcome{
		State: StateResolved,
		Settings: simulate.Settings{
			LatencyMs: latency,
			FailRate:  req.FailRate * 100,
		},
	}
	ctx, span := e.tracer.Start(ctx, "proxy.adhoc", trace.WithAttributes(
		attribute.String("url.full", util.MaskURL(req.URL)),
		attribute.Bool("latencypoison.sandbox", req.Sandbox),
	))
	defer span.End()

	callerCtx := ctx
	ctx, cancel := context.WithTimeout(ctx, e.requestTimeout)
	defer cancel()

	err := e.runAdhoc(ctx, callerCtx, req, out)
	out.Duration = time.Since(start)
	if err != nil {
		out.Err = err
		if out.StatusCode == 0 {
			out.StatusCode = StatusForError(err)
		}
		span.SetStatus(codes.Error, err.Error())
	} else {
		out.State = StateCompleted
	}
	e.record(Request{Method: http.MethodGet, Path: util.MaskURL(req.URL), Header: req.Header}, out)
	return out, err
}

func (e *Engine) runAdhoc(ctx, callerCtx context.Context, req AdhocRequest, out *Outcome) error {
	fail := e.decider.ShouldFail(out.Settings.FailRate)
	out.State = StateFailureDecided

	if errDelay := e.delay(ctx, out.Settings.LatencyMs); errDelay != nil {
		return e.interrupted(callerCtx, out, errDelay)
	}
	out.State = StateDelayed

	if fail {
		metrics.IncInjectedFailure()
		out.State = StateSynthesized
		out.Kind = OutcomeSimulatedFailure
		out.StatusCode = e.failureStatus
		out.Header = jsonHeader()
		out.Body = mustJSON(errorBody{Error: "Random failure injected"})
		return nil
	}

	if req.Sandbox {
		out.State = StateSynthesized
		out.Kind = OutcomeForwarded
		out.StatusCode = http.StatusOK
		out.Header = jsonHeader()
		out.Body = mustJSON(adhocEnvelope{
			StatusCode: http.StatusOK,
			Headers:    map[string]string{"Content-Type": "application/json"},
			Content: sandboxContent{
				Message:   "Sandbox mode enabled",
				URL:       req.URL,
				Latency:   adhocLatency{Min: req.MinLatencyMs, Max: req.MaxLatencyMs, Actual: out.Settings.LatencyMs},
				FailRate:  req.FailRate,
				Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
			},
		})
		return nil
	}

	target, errTarget := url.Parse(req.URL)
	if errTarget != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, errTarget)
	}
	query := target.RawQuery
	target.RawQuery = ""
	pathPart := target.Path
	target.Path, target.RawPath, target.Fragment = "", "", ""

	errForward := e.forward(ctx, callerCtx, out, ForwardRequest{
		Method:     http.MethodGet,
		BaseURL:    target.String(),
		Path:       pathPart,
		RawQuery:   query,
		Header:     req.Header,
		RemoteAddr: req.RemoteAddr,
		Host:       req.Host,
		TLS:        req.TLS,
	})
	if errForward != nil {
		return errForward
	}

	headers := make(map[string]string, len(out.Header))
	for k := range out.Header {
		headers[k] = out.Header.Get(k)
	}
	out.Body = mustJSON(adhocEnvelope{
		StatusCode: out.StatusCode,
		Headers:    headers,
		Content:    string(out.Body),
	})
	out.StatusCode = http.StatusOK
	out.Header = jsonHeader()
	return nil
}
