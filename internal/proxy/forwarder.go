package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	// DefaultUpstreamTimeout bounds a single upstream round trip.
	DefaultUpstreamTimeout = 30 * time.Second
	// DefaultMaxResponseBytes caps a buffered upstream body.
	DefaultMaxResponseBytes int64 = 10 << 20
)

// Hop-by-hop headers. These are removed when sent to the backend.
// http://www.w3.org/Protocols/rfc2616/rfc2616-sec13.html
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// ownedHeaders carry credentials for this service and are not forwarded unless a
// collection lists them as passthrough headers.
var ownedHeaders = []string{
	"Authorization",
	"X-Api-Key",
	"Cookie",
}

// ForwardRequest describes one upstream call.
type ForwardRequest struct {
	Method   string
	BaseURL  string
	Path     string
	RawQuery string
	Header   http.Header
	Body     io.Reader
	// ContentLength is sent as-is when positive; otherwise net/http decides the framing.
	ContentLength int64
	RemoteAddr    string
	Host          string
	TLS           bool
	Passthrough   []string
}

// Response is a buffered upstream response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// ForwarderOptions configures a Forwarder.
type ForwarderOptions struct {
	UpstreamTimeout  time.Duration
	MaxResponseBytes int64
	Transport        http.RoundTripper
}

// Forwarder relays requests to upstream services.
type Forwarder struct {
	client           *http.Client
	upstreamTimeout  time.Duration
	maxResponseBytes int64
}

// NewForwarder constructs a Forwarder with a pooled transport.
func NewForwarder(opts ForwarderOptions) *Forwarder {
	transport := opts.Transport
	if transport == nil {
		transport = &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          200,
			MaxIdleConnsPerHost:   100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: time.Second,
		}
	}
	timeout := opts.UpstreamTimeout
	if timeout <= 0 {
		timeout = DefaultUpstreamTimeout
	}
	maxBytes := opts.MaxResponseBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxResponseBytes
	}
	return &Forwarder{
		client: &http.Client{
			Transport: transport,
			// Redirects are returned to the caller untouched.
			CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
		},
		upstreamTimeout:  timeout,
		maxResponseBytes: maxBytes,
	}
}

// TargetURL joins the base URL and request path with a single slash and appends the query.
func TargetURL(baseURL, requestPath, rawQuery string) (*url.URL, error) {
	target, errParse := url.Parse(baseURL)
	if errParse != nil {
		return nil, errParse
	}
	if target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("invalid upstream url %q", baseURL)
	}
	if requestPath != "" && requestPath != "/" {
		target.Path = singleJoiningSlash(target.Path, requestPath)
	} else if target.Path == "" {
		target.Path = "/"
	}
	target.RawPath = ""
	switch {
	case rawQuery == "":
	case target.RawQuery == "":
		target.RawQuery = rawQuery
	default:
		target.RawQuery = target.RawQuery + "&" + rawQuery
	}
	return target, nil
}

// Forward performs the upstream round trip. Caller cancellation yields ErrCancelled;
// every other transport failure is an *UpstreamError.
func (f *Forwarder) Forward(ctx context.Context, req ForwardRequest) (*Response, error) {
	target, errTarget := TargetURL(req.BaseURL, req.Path, req.RawQuery)
	if errTarget != nil {
		return nil, &UpstreamError{Err: errTarget}
	}

	upstreamCtx, cancel := context.WithTimeout(ctx, f.upstreamTimeout)
	defer cancel()

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	body := req.Body
	if body == nil {
		body = http.NoBody
	}
	outreq, errReq := http.NewRequestWithContext(upstreamCtx, method, target.String(), body)
	if errReq != nil {
		return nil, &UpstreamError{Err: errReq}
	}
	if req.ContentLength > 0 && body != http.NoBody {
		outreq.ContentLength = req.ContentLength
	}
	outreq.Header = outboundHeader(req)
	outreq.Host = target.Host

	resp, errDo := f.client.Do(outreq)
	if errDo != nil {
		return nil, f.classify(ctx, upstreamCtx, errDo)
	}
	defer func() { _ = resp.Body.Close() }()

	body, errRead := io.ReadAll(io.LimitReader(resp.Body, f.maxResponseBytes+1))
	if errRead != nil {
		return nil, f.classify(ctx, upstreamCtx, errRead)
	}
	if int64(len(body)) > f.maxResponseBytes {
		return nil, &UpstreamError{Err: fmt.Errorf("%w: limit %d bytes", ErrResponseTooLarge, f.maxResponseBytes)}
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     sanitizeResponseHeaders(resp.Header),
		Body:       body,
	}, nil
}

func (f *Forwarder) classify(callerCtx, upstreamCtx context.Context, err error) error {
	if errors.Is(callerCtx.Err(), context.Canceled) {
		return ErrCancelled
	}
	if callerCtx.Err() != nil || errors.Is(upstreamCtx.Err(), context.DeadlineExceeded) {
		return &UpstreamError{Timeout: true, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &UpstreamError{Timeout: true, Err: err}
	}
	return &UpstreamError{Err: err}
}

func outboundHeader(req ForwardRequest) http.Header {
	header := req.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	removeConnectionHeaders(header)
	for _, h := range hopHeaders {
		header.Del(h)
	}

	allowed := make(map[string]struct{}, len(req.Passthrough))
	for _, name := range req.Passthrough {
		allowed[http.CanonicalHeaderKey(name)] = struct{}{}
	}
	for _, h := range ownedHeaders {
		if _, ok := allowed[h]; ok {
			continue
		}
		header.Del(h)
	}

	if clientIP, _, errSplit := net.SplitHostPort(req.RemoteAddr); errSplit == nil && clientIP != "" {
		if prior := header.Get("X-Forwarded-For"); prior != "" {
			header.Set("X-Forwarded-For", prior+", "+clientIP)
		} else {
			header.Set("X-Forwarded-For", clientIP)
		}
	}
	if header.Get("X-Forwarded-Proto") == "" {
		if req.TLS {
			header.Set("X-Forwarded-Proto", "https")
		} else {
			header.Set("X-Forwarded-Proto", "http")
		}
	}
	if req.Host != "" {
		header.Set("X-Forwarded-Host", req.Host)
	}
	return header
}

// removeConnectionHeaders drops headers listed in the Connection header.
func removeConnectionHeaders(h http.Header) {
	for _, f := range h.Values("Connection") {
		for _, sf := range strings.Split(f, ",") {
			if sf = strings.TrimSpace(sf); sf != "" {
				h.Del(sf)
			}
		}
	}
}

// sanitizeResponseHeaders returns a copy of headers without hop-by-hop headers.
func sanitizeResponseHeaders(headers http.Header) http.Header {
	sanitized := headers.Clone()
	if sanitized == nil {
		sanitized = make(http.Header)
	}
	removeConnectionHeaders(sanitized)
	for _, h := range hopHeaders {
		sanitized.Del(h)
	}
	// The body is buffered and re-sent with its own length.
	sanitized.Del("Content-Length")
	return sanitized
}

// singleJoiningSlash joins two paths with a single slash.
func singleJoiningSlash(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	default:
		return a + b
	}
}
