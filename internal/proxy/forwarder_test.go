package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestTargetURL(t *testing.T) {
	cases := []struct {
		base  string
		path  string
		query string
		want  string
	}{
		{"https://api.example.com", "/users", "", "https://api.example.com/users"},
		{"https://api.example.com/v1", "/users/1", "a=1", "https://api.example.com/v1/users/1?a=1"},
		{"https://api.example.com/v1/", "users", "", "https://api.example.com/v1/users"},
		{"https://api.example.com", "/", "", "https://api.example.com/"},
		{"https://api.example.com/v1", "", "", "https://api.example.com/v1"},
		{"https://api.example.com/?key=k", "/x", "a=1", "https://api.example.com/x?key=k&a=1"},
	}
	for _, tc := range cases {
		got, err := TargetURL(tc.base, tc.path, tc.query)
		if err != nil {
			t.Fatalf("%s + %s: %v", tc.base, tc.path, err)
		}
		if got.String() != tc.want {
			t.Fatalf("%s + %s = %s, want %s", tc.base, tc.path, got.String(), tc.want)
		}
	}
	if _, err := TargetURL("not a url", "/x", ""); err == nil {
		t.Fatalf("expected error for relative base url")
	}
}

func TestForwarderHeaderPolicy(t *testing.T) {
	var received http.Header
	var receivedHost string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received = r.Header.Clone()
		receivedHost = r.Host
		w.Header().Set("Content-Type", "text/plain")
		w.Header().Set("Keep-Alive", "timeout=5")
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, "created")
	}))
	defer upstream.Close()

	f := NewForwarder(ForwarderOptions{})
	header := http.Header{}
	header.Set("Authorization", "Bearer upstream-token")
	header.Set("Cookie", "session=abc")
	header.Set("X-Api-Key", "owned")
	header.Set("Connection", "X-Drop-Me")
	header.Set("X-Drop-Me", "1")
	header.Set("Proxy-Authorization", "secret")
	header.Set("X-Custom", "kept")

	resp, err := f.Forward(context.Background(), ForwardRequest{
		Method:      http.MethodPost,
		BaseURL:     upstream.URL,
		Path:        "/items",
		Header:      header,
		Body:        strings.NewReader("payload"),
		RemoteAddr:  "10.0.0.1:5555",
		Host:        "proxy.local",
		Passthrough: []string{"authorization"},
	})
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	if resp.StatusCode != http.StatusCreated || string(resp.Body) != "created" {
		t.Fatalf("unexpected response %d %q", resp.StatusCode, resp.Body)
	}
	if resp.Header.Get("Keep-Alive") != "" {
		t.Fatalf("hop-by-hop response header leaked")
	}

	if received.Get("Authorization") != "Bearer upstream-token" {
		t.Fatalf("passthrough Authorization missing: %v", received)
	}
	for _, h := range []string{"Cookie", "X-Api-Key", "X-Drop-Me", "Proxy-Authorization"} {
		if received.Get(h) != "" {
			t.Fatalf("header %s should not be forwarded", h)
		}
	}
	if received.Get("X-Custom") != "kept" {
		t.Fatalf("custom header dropped")
	}
	if received.Get("X-Forwarded-For") != "10.0.0.1" {
		t.Fatalf("X-Forwarded-For = %q", received.Get("X-Forwarded-For"))
	}
	if received.Get("X-Forwarded-Host") != "proxy.local" || received.Get("X-Forwarded-Proto") != "http" {
		t.Fatalf("forwarded headers = %v", received)
	}
	if !strings.HasPrefix(upstream.URL, "http://"+receivedHost) {
		t.Fatalf("host header %q should match upstream %s", receivedHost, upstream.URL)
	}
	if header.Get("Cookie") == "" {
		t.Fatalf("inbound header map must not be mutated")
	}
}

func TestForwarderPassesBodyAndQuery(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"method": r.Method,
			"path":   r.URL.Path,
			"query":  r.URL.RawQuery,
			"body":   string(body),
		})
	}))
	defer upstream.Close()

	f := NewForwarder(ForwarderOptions{})
	resp, err := f.Forward(context.Background(), ForwardRequest{
		Method:   http.MethodPut,
		BaseURL:  upstream.URL + "/base",
		Path:     "/users/1",
		RawQuery: "expand=true",
		Body:     strings.NewReader(`{"name":"x"}`),
	})
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	var echoed map[string]string
	if errDecode := json.Unmarshal(resp.Body, &echoed); errDecode != nil {
		t.Fatalf("decode: %v", errDecode)
	}
	if echoed["method"] != http.MethodPut || echoed["path"] != "/base/users/1" || echoed["query"] != "expand=true" || echoed["body"] != `{"name":"x"}` {
		t.Fatalf("unexpected echo %+v", echoed)
	}
}

func TestForwarderKeepsRequestContentLength(t *testing.T) {
	type seen struct {
		length           int64
		transferEncoding []string
		body             string
	}
	got := make(chan seen, 1)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got <- seen{length: r.ContentLength, transferEncoding: r.TransferEncoding, body: string(body)}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer upstream.Close()

	f := NewForwarder(ForwarderOptions{})
	front := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		in := RequestFromHTTP(r, "c1", r.URL.Path)
		resp, err := f.Forward(r.Context(), ForwardRequest{
			Method:        in.Method,
			BaseURL:       upstream.URL,
			Path:          in.Path,
			Header:        in.Header,
			Body:          in.Body,
			ContentLength: in.ContentLength,
			RemoteAddr:    in.RemoteAddr,
		})
		if err != nil {
			t.Errorf("forward: %v", err)
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(resp.StatusCode)
	}))
	defer front.Close()

	resp, err := http.Post(front.URL+"/items", "application/json", strings.NewReader(`{"a":1}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	_ = resp.Body.Close()

	upstreamSaw := <-got
	if upstreamSaw.length != 7 || len(upstreamSaw.transferEncoding) != 0 {
		t.Fatalf("upstream saw ContentLength=%d TE=%v, want 7 and no chunking", upstreamSaw.length, upstreamSaw.transferEncoding)
	}
	if upstreamSaw.body != `{"a":1}` {
		t.Fatalf("upstream body = %q", upstreamSaw.body)
	}

	resp, err = http.Get(front.URL + "/items")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	_ = resp.Body.Close()
	upstreamSaw = <-got
	if upstreamSaw.length != 0 || len(upstreamSaw.transferEncoding) != 0 {
		t.Fatalf("bodiless request reached upstream with ContentLength=%d TE=%v", upstreamSaw.length, upstreamSaw.transferEncoding)
	}
}

func TestForwarderResponseCap(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, strings.Repeat("x", 64))
	}))
	defer upstream.Close()

	f := NewForwarder(ForwarderOptions{MaxResponseBytes: 16})
	_, err := f.Forward(context.Background(), ForwardRequest{BaseURL: upstream.URL, Path: "/"})
	var upstreamErr *UpstreamError
	if !errors.As(err, &upstreamErr) || !errors.Is(err, ErrResponseTooLarge) {
		t.Fatalf("expected too-large upstream error, got %v", err)
	}
}

func TestForwarderCallerCancel(t *testing.T) {
	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer upstream.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	f := NewForwarder(ForwarderOptions{})
	_, err := f.Forward(ctx, ForwardRequest{BaseURL: upstream.URL, Path: "/"})
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
}

func TestForwarderDoesNotFollowRedirects(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/elsewhere", http.StatusFound)
	}))
	defer upstream.Close()

	f := NewForwarder(ForwarderOptions{})
	resp, err := f.Forward(context.Background(), ForwardRequest{BaseURL: upstream.URL, Path: "/"})
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	if resp.StatusCode != http.StatusFound || resp.Header.Get("Location") != "/elsewhere" {
		t.Fatalf("redirect not passed through: %d %v", resp.StatusCode, resp.Header)
	}
}
