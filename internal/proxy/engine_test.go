package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/latencypoison/latencypoison/internal/models"
	"github.com/latencypoison/latencypoison/internal/simulate"
	"github.com/latencypoison/latencypoison/internal/store"
	"github.com/stretchr/testify/require"
)

type fixedDecider bool

func (d fixedDecider) ShouldFail(float64) bool { return bool(d) }

type recordingTransport struct {
	mu       sync.Mutex
	requests []*http.Request
	status   int
	body     string
}

func (t *recordingTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	t.mu.Lock()
	t.requests = append(t.requests, r)
	t.mu.Unlock()
	return &http.Response{
		StatusCode: t.status,
		Header: http.Header{
			"Content-Type": {"application/json"},
			"X-Upstream":   {"yes"},
			"Connection":   {"close"},
		},
		Body:    io.NopCloser(strings.NewReader(t.body)),
		Request: r,
	}, nil
}

func (t *recordingTransport) calls() []*http.Request {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*http.Request(nil), t.requests...)
}

func intPtr(v int) *int { return &v }

func floatPtr(v float64) *float64 { return &v }

func exampleStore() store.ConfigStore {
	collections := []models.Collection{{
		ID:               "c1",
		Name:             "example",
		BaseURL:          "https://api.example.com",
		DefaultLatencyMs: 200,
		DefaultFailRate:  5,
	}}
	endpoints := []models.Endpoint{{
		ID:           "e-users",
		CollectionID: "c1",
		Path:         "/users",
		FailRate:     floatPtr(0),
	}}
	return store.NewStaticStore(store.NewSnapshot(1, collections, endpoints))
}

func TestEngineEndToEndExample(t *testing.T) {
	transport := &recordingTransport{status: http.StatusTeapot, body: `{"users":[]}`}
	engine := NewEngine(EngineOptions{
		Store:     exampleStore(),
		Forwarder: NewForwarder(ForwarderOptions{Transport: transport}),
		Decider:   simulate.NewFailureInjector(1),
	})

	for i := 0; i < 3; i++ {
		started := time.Now()
		out, err := engine.Handle(context.Background(), Request{
			CollectionID: "c1",
			Path:         "/users",
			Method:       http.MethodGet,
		})
		elapsed := time.Since(started)
		require.NoError(t, err)
		require.Equal(t, simulate.Settings{LatencyMs: 200, FailRate: 0}, out.Settings)
		require.Equal(t, OutcomeForwarded, out.Kind)
		require.Equal(t, StateCompleted, out.State)
		require.Equal(t, "e-users", out.EndpointID)
		require.Equal(t, http.StatusTeapot, out.StatusCode)
		require.Equal(t, `{"users":[]}`, string(out.Body))
		require.Equal(t, "yes", out.Header.Get("X-Upstream"))
		require.Empty(t, out.Header.Get("Connection"))
		require.GreaterOrEqual(t, elapsed, 190*time.Millisecond)
	}

	calls := transport.calls()
	require.Len(t, calls, 3)
	require.Equal(t, http.MethodGet, calls[0].Method)
	require.Equal(t, "https://api.example.com/users", calls[0].URL.String())
}

func TestEngineSimulatedFailureStillDelays(t *testing.T) {
	transport := &recordingTransport{status: http.StatusOK}
	snap := store.NewSnapshot(1,
		[]models.Collection{{ID: "c1", BaseURL: "http://upstream", DefaultLatencyMs: 50, DefaultFailRate: 100}},
		nil,
	)
	engine := NewEngine(EngineOptions{
		Store:     store.NewStaticStore(snap),
		Forwarder: NewForwarder(ForwarderOptions{Transport: transport}),
		Decider:   fixedDecider(true),
	})

	started := time.Now()
	out, err := engine.Handle(context.Background(), Request{CollectionID: "c1", Path: "/anything", Method: http.MethodPost})
	require.NoError(t, err)
	require.GreaterOrEqual(t, time.Since(started), 45*time.Millisecond)
	require.Equal(t, OutcomeSimulatedFailure, out.Kind)
	require.Equal(t, http.StatusInternalServerError, out.StatusCode)
	require.Empty(t, transport.calls())

	var body map[string]any
	require.NoError(t, json.Unmarshal(out.Body, &body))
	require.Equal(t, "simulated failure", body["error"])
	require.Equal(t, "c1", body["collection_id"])
	require.Nil(t, body["endpoint_id"])
	require.Equal(t, float64(100), body["fail_rate"])
}

func TestEngineConfiguredFailureStatus(t *testing.T) {
	snap := store.NewSnapshot(1, []models.Collection{{ID: "c1", BaseURL: "http://upstream"}}, nil)
	engine := NewEngine(EngineOptions{
		Store:         store.NewStaticStore(snap),
		Decider:       fixedDecider(true),
		FailureStatus: http.StatusServiceUnavailable,
	})
	out, err := engine.Handle(context.Background(), Request{CollectionID: "c1", Path: "/"})
	require.NoError(t, err)
	require.Equal(t, http.StatusServiceUnavailable, out.StatusCode)
}

func TestEngineUnknownCollection(t *testing.T) {
	engine := NewEngine(EngineOptions{Store: exampleStore(), Decider: fixedDecider(false)})
	out, err := engine.Handle(context.Background(), Request{CollectionID: "missing", Path: "/users"})
	require.ErrorIs(t, err, ErrConfigNotFound)
	require.Equal(t, http.StatusNotFound, out.StatusCode)
	require.Empty(t, out.Kind)
}

func TestEngineUpstreamUnreachable(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	baseURL := upstream.URL
	upstream.Close()

	snap := store.NewSnapshot(1, []models.Collection{{ID: "c1", BaseURL: baseURL}}, nil)
	engine := NewEngine(EngineOptions{Store: store.NewStaticStore(snap), Decider: fixedDecider(false)})

	out, err := engine.Handle(context.Background(), Request{CollectionID: "c1", Path: "/x", Method: http.MethodGet})
	var upstreamErr *UpstreamError
	require.ErrorAs(t, err, &upstreamErr)
	require.False(t, upstreamErr.Timeout)
	require.Equal(t, http.StatusBadGateway, out.StatusCode)
	require.Equal(t, OutcomeUpstreamError, out.Kind)
}

func TestEngineUpstreamTimeout(t *testing.T) {
	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer upstream.Close()
	defer close(release)

	snap := store.NewSnapshot(1, []models.Collection{{ID: "c1", BaseURL: upstream.URL}}, nil)
	engine := NewEngine(EngineOptions{
		Store:     store.NewStaticStore(snap),
		Forwarder: NewForwarder(ForwarderOptions{UpstreamTimeout: 50 * time.Millisecond}),
		Decider:   fixedDecider(false),
	})

	out, err := engine.Handle(context.Background(), Request{CollectionID: "c1", Path: "/slow", Method: http.MethodGet})
	var upstreamErr *UpstreamError
	require.ErrorAs(t, err, &upstreamErr)
	require.True(t, upstreamErr.Timeout)
	require.Equal(t, http.StatusGatewayTimeout, out.StatusCode)
	require.Equal(t, OutcomeUpstreamError, out.Kind)
}

func TestEngineCancelledDuringDelay(t *testing.T) {
	transport := &recordingTransport{status: http.StatusOK}
	snap := store.NewSnapshot(1, []models.Collection{{ID: "c1", BaseURL: "http://upstream", DefaultLatencyMs: 5000}}, nil)
	engine := NewEngine(EngineOptions{
		Store:     store.NewStaticStore(snap),
		Forwarder: NewForwarder(ForwarderOptions{Transport: transport}),
		Decider:   fixedDecider(false),
	})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	started := time.Now()
	out, err := engine.Handle(ctx, Request{CollectionID: "c1", Path: "/"})
	require.ErrorIs(t, err, ErrCancelled)
	require.Less(t, time.Since(started), time.Second)
	require.Equal(t, StateCancelled, out.State)
	require.Equal(t, StatusClientClosedRequest, out.StatusCode)
	require.Empty(t, transport.calls())
}

func TestEngineRequestTimeoutDuringDelay(t *testing.T) {
	snap := store.NewSnapshot(1, []models.Collection{{ID: "c1", BaseURL: "http://upstream", DefaultLatencyMs: 5000}}, nil)
	engine := NewEngine(EngineOptions{
		Store:          store.NewStaticStore(snap),
		Decider:        fixedDecider(false),
		RequestTimeout: 30 * time.Millisecond,
	})

	out, err := engine.Handle(context.Background(), Request{CollectionID: "c1", Path: "/"})
	var upstreamErr *UpstreamError
	require.ErrorAs(t, err, &upstreamErr)
	require.True(t, upstreamErr.Timeout)
	require.Equal(t, http.StatusGatewayTimeout, out.StatusCode)
}

func TestEngineSlowRequestDoesNotBlockFastOne(t *testing.T) {
	transport := &recordingTransport{status: http.StatusOK}
	snap := store.NewSnapshot(1,
		[]models.Collection{{ID: "c1", BaseURL: "http://upstream"}},
		[]models.Endpoint{
			{ID: "slow", CollectionID: "c1", Path: "/slow", LatencyMs: intPtr(300)},
			{ID: "fast", CollectionID: "c1", Path: "/fast", LatencyMs: intPtr(0)},
		},
	)
	engine := NewEngine(EngineOptions{
		Store:     store.NewStaticStore(snap),
		Forwarder: NewForwarder(ForwarderOptions{Transport: transport}),
		Decider:   fixedDecider(false),
	})

	var wg sync.WaitGroup
	var slowElapsed, fastElapsed time.Duration
	started := time.Now()
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = engine.Handle(context.Background(), Request{CollectionID: "c1", Path: "/slow"})
		slowElapsed = time.Since(started)
	}()
	go func() {
		defer wg.Done()
		time.Sleep(10 * time.Millisecond)
		_, _ = engine.Handle(context.Background(), Request{CollectionID: "c1", Path: "/fast"})
		fastElapsed = time.Since(started)
	}()
	wg.Wait()

	require.GreaterOrEqual(t, slowElapsed, 290*time.Millisecond)
	require.Less(t, fastElapsed, 200*time.Millisecond)
}

func TestEngineDeletedCollectionIsNotForwarded(t *testing.T) {
	transport := &recordingTransport{status: http.StatusOK}
	snapshots := &swappableStore{}
	snapshots.set(store.NewSnapshot(1, []models.Collection{{ID: "c1", BaseURL: "http://upstream"}}, nil))
	engine := NewEngine(EngineOptions{
		Store:     snapshots,
		Forwarder: NewForwarder(ForwarderOptions{Transport: transport}),
		Decider:   fixedDecider(false),
	})

	_, err := engine.Handle(context.Background(), Request{CollectionID: "c1", Path: "/"})
	require.NoError(t, err)

	snapshots.set(store.NewSnapshot(2, nil, nil))
	_, err = engine.Handle(context.Background(), Request{CollectionID: "c1", Path: "/"})
	require.ErrorIs(t, err, ErrConfigNotFound)
	require.Len(t, transport.calls(), 1)
}

func TestEngineAuthorizerRejects(t *testing.T) {
	engine := NewEngine(EngineOptions{
		Store:      exampleStore(),
		Decider:    fixedDecider(false),
		Authorizer: OwnerAuthorizer{Secret: "secret"},
	})
	r := httptest.NewRequest(http.MethodGet, "/proxy/c1/users", nil)
	out, err := engine.Handle(context.Background(), RequestFromHTTP(r, "c1", "/users"))
	require.ErrorIs(t, err, ErrForbidden)
	require.Equal(t, http.StatusForbidden, out.StatusCode)
}

func TestStatusForError(t *testing.T) {
	require.Equal(t, http.StatusNotFound, StatusForError(ErrConfigNotFound))
	require.Equal(t, StatusClientClosedRequest, StatusForError(ErrCancelled))
	require.Equal(t, http.StatusBadGateway, StatusForError(&UpstreamError{Err: errors.New("reset")}))
	require.Equal(t, http.StatusGatewayTimeout, StatusForError(&UpstreamError{Timeout: true, Err: context.DeadlineExceeded}))
	require.Equal(t, http.StatusBadRequest, StatusForError(ErrInvalidRequest))
	require.Equal(t, http.StatusInternalServerError, StatusForError(errors.New("boom")))
}

type swappableStore struct {
	mu   sync.Mutex
	snap *store.Snapshot
}

func (s *swappableStore) set(snap *store.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap = snap
}

func (s *swappableStore) Snapshot() *store.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}
