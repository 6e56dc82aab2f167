package export

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/ongoingai/profilerxray/internal/xray"
)

// RequestInfo is the per-request metadata the web layer hands to the
// exporter. StatusCode and ContentLength are filled once the response is
// written.
type RequestInfo struct {
	URL           string
	Method        string
	Header        http.Header
	RemoteAddr    string
	StatusCode    int
	ContentLength *int64
}

// RequestInfoProvider supplies request metadata for an export, or false
// when no request is in flight.
type RequestInfoProvider func(ctx context.Context) (*RequestInfo, bool)

type requestInfoContextKey struct{}

// NewRequestInfo captures the request side of r. The URL is absolute.
func NewRequestInfo(r *http.Request) *RequestInfo {
	if r == nil {
		return nil
	}
	return &RequestInfo{
		URL:        displayURL(r),
		Method:     r.Method,
		Header:     r.Header.Clone(),
		RemoteAddr: r.RemoteAddr,
	}
}

// Clone returns a copy safe to hand to another goroutine.
func (i *RequestInfo) Clone() *RequestInfo {
	if i == nil {
		return nil
	}
	out := *i
	out.Header = i.Header.Clone()
	if i.ContentLength != nil {
		n := *i.ContentLength
		out.ContentLength = &n
	}
	return &out
}

// WithRequestInfo stores info on ctx.
func WithRequestInfo(ctx context.Context, info *RequestInfo) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, requestInfoContextKey{}, info)
}

// RequestInfoFromContext returns the request info stored on ctx.
func RequestInfoFromContext(ctx context.Context) (*RequestInfo, bool) {
	if ctx == nil {
		return nil, false
	}
	info, ok := ctx.Value(requestInfoContextKey{}).(*RequestInfo)
	return info, ok && info != nil
}

// ContextRequestInfoProvider reads request info from the export context.
func ContextRequestInfoProvider(ctx context.Context) (*RequestInfo, bool) {
	return RequestInfoFromContext(ctx)
}

// Enrich sets http.request and http.response on the trace document and
// classifies the status code. Nil info leaves seg untouched.
func Enrich(seg *xray.Segment, info *RequestInfo) {
	if seg == nil || info == nil {
		return
	}

	request := map[string]any{
		"url":    info.URL,
		"method": info.Method,
	}
	if forwarded := firstForwardedFor(info.Header); forwarded != "" {
		request["client_ip"] = forwarded
		request["x_forwarded_for"] = true
	} else if ip := peerIP(info.RemoteAddr); ip != "" {
		request["client_ip"] = ip
	}
	if ua := info.Header.Get("User-Agent"); ua != "" {
		request["user_agent"] = ua
	}
	seg.SetHTTP("request", request)

	response := map[string]any{
		"status": info.StatusCode,
	}
	if info.ContentLength != nil {
		response["content_length"] = *info.ContentLength
	}
	seg.SetHTTP("response", response)

	switch status := info.StatusCode; {
	case status >= 400 && status <= 499:
		seg.Error = true
		if status == http.StatusTooManyRequests {
			seg.Throttle = true
		}
	case status >= 500 && status <= 599:
		seg.Fault = true
	}
}

func firstForwardedFor(header http.Header) string {
	values := header.Values("X-Forwarded-For")
	if len(values) == 0 {
		return ""
	}
	first, _, _ := strings.Cut(values[0], ",")
	return strings.TrimSpace(first)
}

func peerIP(remoteAddr string) string {
	remoteAddr = strings.TrimSpace(remoteAddr)
	if remoteAddr == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

func displayURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := strings.TrimSpace(r.Header.Get("X-Forwarded-Proto")); proto != "" {
		scheme, _, _ = strings.Cut(proto, ",")
		scheme = strings.ToLower(strings.TrimSpace(scheme))
	}
	host := r.Host
	if host == "" && r.URL != nil {
		host = r.URL.Host
	}
	path := "/"
	if r.URL != nil {
		path = r.URL.RequestURI()
	}
	return scheme + "://" + host + path
}
