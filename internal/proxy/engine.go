package proxy

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/latencypoison/latencypoison/internal/metrics"
	"github.com/latencypoison/latencypoison/internal/simulate"
	"github.com/latencypoison/latencypoison/internal/store"
	"github.com/latencypoison/latencypoison/internal/util"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultRequestTimeout bounds the whole pipeline of one proxied request.
const DefaultRequestTimeout = 60 * time.Second

// State is a step of the proxy pipeline.
type State string

// Pipeline states, in order. StateCancelled can follow any of them.
const (
	StateReceived       State = "received"
	StateRouted         State = "routed"
	StateResolved       State = "resolved"
	StateFailureDecided State = "failure-decided"
	StateDelayed        State = "delayed"
	StateForwarded      State = "forwarded"
	StateSynthesized    State = "synthesized"
	StateCompleted      State = "completed"
	StateCancelled      State = "cancelled"
)

// Values of the X-LatencyPoison-Outcome response header.
const (
	OutcomeForwarded        = "forwarded"
	OutcomeSimulatedFailure = "simulated-failure"
	OutcomeUpstreamError    = "upstream-error"
)

// Request is one inbound proxied request, already split into collection and path.
type Request struct {
	CollectionID string
	Path         string
	Method       string
	RawQuery     string
	Header       http.Header
	Body         io.Reader
	// ContentLength is the inbound body length, -1 when unknown.
	ContentLength int64
	RemoteAddr    string
	Host          string
	TLS           bool
	// HTTP is passed to the Authorizer; it may be nil when no authorizer is configured.
	HTTP *http.Request
}

// RequestFromHTTP builds a Request from an inbound HTTP request.
func RequestFromHTTP(r *http.Request, collectionID, path string) Request {
	return Request{
		CollectionID:  collectionID,
		Path:          path,
		Method:        r.Method,
		RawQuery:      r.URL.RawQuery,
		Header:        r.Header,
		Body:          r.Body,
		ContentLength: r.ContentLength,
		RemoteAddr:    r.RemoteAddr,
		Host:          r.Host,
		TLS:           r.TLS != nil,
		HTTP:          r,
	}
}

// Outcome records how a request terminated and what should be written back.
type Outcome struct {
	State        State
	Kind         string
	CollectionID string
	EndpointID   string
	Settings     simulate.Settings
	StatusCode   int
	Header       http.Header
	Body         []byte
	Err          error
	Duration     time.Duration
}

// EngineOptions configures an Engine.
type EngineOptions struct {
	Store          store.ConfigStore
	Forwarder      *Forwarder
	Decider        simulate.Decider
	Sampler        simulate.Sampler
	Authorizer     Authorizer
	FailureStatus  int
	RequestTimeout time.Duration
}

// Engine runs the route, resolve, decide, delay, forward-or-fail pipeline.
type Engine struct {
	store          store.ConfigStore
	forwarder      *Forwarder
	decider        simulate.Decider
	sampler        simulate.Sampler
	authorizer     Authorizer
	failureStatus  int
	requestTimeout time.Duration
	tracer         trace.Tracer
}

// NewEngine constructs an Engine, filling unset options with defaults.
func NewEngine(opts EngineOptions) *Engine {
	injector := simulate.NewRandomFailureInjector()
	e := &Engine{
		store:          opts.Store,
		forwarder:      opts.Forwarder,
		decider:        opts.Decider,
		sampler:        opts.Sampler,
		authorizer:     opts.Authorizer,
		failureStatus:  opts.FailureStatus,
		requestTimeout: opts.RequestTimeout,
		tracer:         otel.Tracer("github.com/latencypoison/latencypoison/internal/proxy"),
	}
	if e.forwarder == nil {
		e.forwarder = NewForwarder(ForwarderOptions{})
	}
	if e.decider == nil {
		e.decider = injector
	}
	if e.sampler == nil {
		if sampler, ok := e.decider.(simulate.Sampler); ok {
			e.sampler = sampler
		} else {
			e.sampler = injector
		}
	}
	if e.authorizer == nil {
		e.authorizer = AllowAll{}
	}
	if e.failureStatus < 400 || e.failureStatus > 599 {
		e.failureStatus = http.StatusInternalServerError
	}
	if e.requestTimeout <= 0 {
		e.requestTimeout = DefaultRequestTimeout
	}
	return e
}

// Handle runs one request through the pipeline. The returned Outcome is never nil;
// the error is ErrConfigNotFound, ErrForbidden, ErrCancelled or an *UpstreamError.
// A simulated failure is an outcome, not an error.
func (e *Engine) Handle(ctx context.Context, req Request) (*Outcome, error) {
	start := time.Now()
	out := &Outcome{State: StateReceived, CollectionID: req.CollectionID}

	ctx, span := e.tracer.Start(ctx, "proxy.handle", trace.WithAttributes(
		attribute.String("latencypoison.collection_id", req.CollectionID),
		attribute.String("http.request.method", req.Method),
		attribute.String("url.path", req.Path),
	))
	defer span.End()

	callerCtx := ctx
	ctx, cancel := context.WithTimeout(ctx, e.requestTimeout)
	defer cancel()

	err := e.run(ctx, callerCtx, req, out)
	out.Duration = time.Since(start)
	if err != nil {
		out.Err = err
		if out.StatusCode == 0 {
			out.StatusCode = StatusForError(err)
		}
		if !errors.Is(err, ErrCancelled) {
			span.RecordError(err)
		}
		span.SetStatus(codes.Error, err.Error())
	} else {
		out.State = StateCompleted
	}
	span.SetAttributes(
		attribute.String("latencypoison.outcome", out.Kind),
		attribute.String("latencypoison.state", string(out.State)),
		attribute.Int("http.response.status_code", out.StatusCode),
	)
	e.record(req, out)
	return out, err
}

func (e *Engine) run(ctx, callerCtx context.Context, req Request, out *Outcome) error {
	snap := e.store.Snapshot()
	target, ok := snap.Match(req.CollectionID, req.Path)
	if !ok {
		return ErrConfigNotFound
	}
	out.State = StateRouted
	if target.Endpoint != nil {
		out.EndpointID = target.Endpoint.ID
	}

	if errAuth := e.authorizer.Authorize(ctx, req.HTTP, target.Collection); errAuth != nil {
		if !errors.Is(errAuth, ErrForbidden) {
			errAuth = errors.Join(ErrForbidden, errAuth)
		}
		return errAuth
	}

	out.Settings = simulate.Resolve(&target.Collection, target.Endpoint)
	out.State = StateResolved

	fail := e.decider.ShouldFail(out.Settings.FailRate)
	out.State = StateFailureDecided

	if errDelay := e.delay(ctx, out.Settings.LatencyMs); errDelay != nil {
		return e.interrupted(callerCtx, out, errDelay)
	}
	out.State = StateDelayed

	if fail {
		e.synthesize(out)
		return nil
	}

	return e.forward(ctx, callerCtx, out, ForwardRequest{
		Method:        req.Method,
		BaseURL:       target.Collection.BaseURL,
		Path:          req.Path,
		RawQuery:      req.RawQuery,
		Header:        req.Header,
		Body:          req.Body,
		ContentLength: req.ContentLength,
		RemoteAddr:    req.RemoteAddr,
		Host:          req.Host,
		TLS:           req.TLS,
		Passthrough:   target.PassthroughHeaders,
	})
}

func (e *Engine) delay(ctx context.Context, latencyMs int) error {
	ctx, span := e.tracer.Start(ctx, "proxy.delay", trace.WithAttributes(
		attribute.Int("latencypoison.latency_ms", latencyMs),
	))
	defer span.End()
	metrics.ObserveInjectedDelay(latencyMs)
	return simulate.Delay(ctx, latencyMs)
}

func (e *Engine) forward(ctx, callerCtx context.Context, out *Outcome, fr ForwardRequest) error {
	ctx, span := e.tracer.Start(ctx, "proxy.forward", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	metrics.IncUpstreamInflight()
	started := time.Now()
	resp, errForward := e.forwarder.Forward(ctx, fr)
	metrics.DecUpstreamInflight()

	if errForward != nil {
		if errors.Is(errForward, ErrCancelled) || errors.Is(callerCtx.Err(), context.Canceled) {
			metrics.ObserveUpstream("cancelled", time.Since(started))
			out.State = StateCancelled
			out.StatusCode = StatusClientClosedRequest
			return ErrCancelled
		}
		var upstreamErr *UpstreamError
		if !errors.As(errForward, &upstreamErr) {
			upstreamErr = &UpstreamError{Err: errForward}
		}
		result := "error"
		if upstreamErr.Timeout {
			result = "timeout"
		}
		metrics.ObserveUpstream(result, time.Since(started))
		span.RecordError(upstreamErr)
		e.upstreamFailure(out, upstreamErr)
		return upstreamErr
	}

	metrics.ObserveUpstream("ok", time.Since(started))
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
	out.State = StateForwarded
	out.Kind = OutcomeForwarded
	out.StatusCode = resp.StatusCode
	out.Header = resp.Header
	out.Body = resp.Body
	return nil
}

// interrupted maps an aborted delay to cancellation or, when the engine deadline fired, a timeout.
func (e *Engine) interrupted(callerCtx context.Context, out *Outcome, err error) error {
	if errors.Is(callerCtx.Err(), context.Canceled) {
		out.State = StateCancelled
		out.StatusCode = StatusClientClosedRequest
		return ErrCancelled
	}
	upstreamErr := &UpstreamError{Timeout: true, Err: err}
	e.upstreamFailure(out, upstreamErr)
	return upstreamErr
}

func (e *Engine) synthesize(out *Outcome) {
	metrics.IncInjectedFailure()
	var endpointID *string
	if out.EndpointID != "" {
		id := out.EndpointID
		endpointID = &id
	}
	out.State = StateSynthesized
	out.Kind = OutcomeSimulatedFailure
	out.StatusCode = e.failureStatus
	out.Header = jsonHeader()
	out.Body = mustJSON(simulatedFailureBody{
		Error:        "simulated failure",
		CollectionID: out.CollectionID,
		EndpointID:   endpointID,
		FailRate:     out.Settings.FailRate,
	})
}

func (e *Engine) upstreamFailure(out *Outcome, err *UpstreamError) {
	out.Kind = OutcomeUpstreamError
	out.StatusCode = StatusForError(err)
	out.Header = jsonHeader()
	message := "upstream error"
	if err.Timeout {
		message = "upstream timeout"
	}
	out.Body = mustJSON(errorBody{Error: message, Detail: err.Err.Error()})
}

func (e *Engine) record(req Request, out *Outcome) {
	metrics.ObserveProxyResponse(req.Method, out.StatusCode, out.Kind, out.Duration)

	fields := log.Fields{
		"collection_id": out.CollectionID,
		"endpoint_id":   out.EndpointID,
		"method":        req.Method,
		"path":          req.Path,
		"query":         util.MaskSensitiveQuery(req.RawQuery),
		"state":         out.State,
		"outcome":       out.Kind,
		"status":        out.StatusCode,
		"latency_ms":    out.Settings.LatencyMs,
		"fail_rate":     out.Settings.FailRate,
		"elapsed":       out.Duration.String(),
	}
	if requestID := req.Header.Get(RequestIDHeader); requestID != "" {
		fields["request_id"] = requestID
	}
	entry := log.WithFields(fields)
	switch {
	case out.Err == nil:
		entry.Info("proxy: request completed")
	case errors.Is(out.Err, ErrCancelled):
		entry.Info("proxy: request cancelled by caller")
	case errors.Is(out.Err, ErrConfigNotFound), errors.Is(out.Err, ErrForbidden):
		entry.WithError(out.Err).Warn("proxy: request rejected")
	default:
		entry.WithError(out.Err).Warn("proxy: upstream request failed")
	}
}

// StatusForError maps a pipeline error to an HTTP status code.
func StatusForError(err error) int {
	var upstreamErr *UpstreamError
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrConfigNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, ErrCancelled):
		return StatusClientClosedRequest
	case errors.As(err, &upstreamErr) && upstreamErr.Timeout:
		return http.StatusGatewayTimeout
	case errors.As(err, &upstreamErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
