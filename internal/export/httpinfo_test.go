package export

import (
	"context"
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ongoingai/profilerxray/internal/xray"
)

func TestEnrichClassifiesStatusCodes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status       int
		wantError    bool
		wantFault    bool
		wantThrottle bool
	}{
		{status: 200},
		{status: 302},
		{status: 404, wantError: true},
		{status: 429, wantError: true, wantThrottle: true},
		{status: 499, wantError: true},
		{status: 500, wantFault: true},
		{status: 503, wantFault: true},
		{status: 600},
	}
	for _, tc := range tests {
		seg := xray.NewSegment("svc", "1-0-000000000000000000000000", "0000000000000001", 1)
		Enrich(seg, &RequestInfo{URL: "http://x/", Method: http.MethodGet, StatusCode: tc.status})
		if seg.Error != tc.wantError || seg.Fault != tc.wantFault || seg.Throttle != tc.wantThrottle {
			t.Fatalf("status %d: error=%v fault=%v throttle=%v, want %v %v %v",
				tc.status, seg.Error, seg.Fault, seg.Throttle, tc.wantError, tc.wantFault, tc.wantThrottle)
		}
	}
}

func TestEnrichRequestAttributes(t *testing.T) {
	t.Parallel()

	length := int64(42)
	header := http.Header{}
	header.Set("User-Agent", "curl/8.0")
	header.Add("X-Forwarded-For", " 203.0.113.7 , 10.0.0.1")
	info := &RequestInfo{
		URL:           "https://shop.example/orders?id=1",
		Method:        http.MethodPost,
		Header:        header,
		RemoteAddr:    "10.0.0.9:55123",
		StatusCode:    201,
		ContentLength: &length,
	}

	seg := xray.NewSegment("svc", "1-0-000000000000000000000000", "0000000000000001", 1)
	Enrich(seg, info)

	request := seg.HTTP["request"].(map[string]any)
	if request["url"] != info.URL || request["method"] != http.MethodPost {
		t.Fatalf("request=%v", request)
	}
	if request["client_ip"] != "203.0.113.7" || request["x_forwarded_for"] != true {
		t.Fatalf("client_ip=%v x_forwarded_for=%v, want forwarded address", request["client_ip"], request["x_forwarded_for"])
	}
	if request["user_agent"] != "curl/8.0" {
		t.Fatalf("user_agent=%v", request["user_agent"])
	}
	response := seg.HTTP["response"].(map[string]any)
	if response["status"] != 201 || response["content_length"] != int64(42) {
		t.Fatalf("response=%v", response)
	}
}

func TestEnrichFallsBackToPeerAddress(t *testing.T) {
	t.Parallel()

	header := http.Header{}
	header.Set("X-Forwarded-For", "")
	seg := xray.NewSegment("svc", "1-0-000000000000000000000000", "0000000000000001", 1)
	Enrich(seg, &RequestInfo{URL: "http://x/", Method: http.MethodGet, Header: header, RemoteAddr: "192.0.2.4:8080", StatusCode: 200})

	request := seg.HTTP["request"].(map[string]any)
	if request["client_ip"] != "192.0.2.4" {
		t.Fatalf("client_ip=%v, want peer host", request["client_ip"])
	}
	if _, ok := request["x_forwarded_for"]; ok {
		t.Fatal("x_forwarded_for should be absent when peer address is used")
	}
	if _, ok := request["user_agent"]; ok {
		t.Fatal("user_agent should be absent when header missing")
	}
	response := seg.HTTP["response"].(map[string]any)
	if _, ok := response["content_length"]; ok {
		t.Fatal("content_length should be absent when unknown")
	}
}

func TestEnrichWithoutRequestInfoIsNoop(t *testing.T) {
	t.Parallel()

	seg := xray.NewSegment("svc", "1-0-000000000000000000000000", "0000000000000001", 1)
	Enrich(seg, nil)
	if seg.HTTP != nil || seg.Error || seg.Fault || seg.Throttle {
		t.Fatalf("segment modified without request info: %+v", seg.HTTP)
	}
}

func TestNewRequestInfoBuildsAbsoluteURL(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet, "http://api.example/orders?page=2", nil)
	info := NewRequestInfo(req)
	if info.URL != "http://api.example/orders?page=2" {
		t.Fatalf("url=%q", info.URL)
	}

	req.TLS = &tls.ConnectionState{}
	if got := NewRequestInfo(req).URL; got != "https://api.example/orders?page=2" {
		t.Fatalf("tls url=%q", got)
	}

	req.TLS = nil
	req.Header.Set("X-Forwarded-Proto", "HTTPS, http")
	if got := NewRequestInfo(req).URL; got != "https://api.example/orders?page=2" {
		t.Fatalf("forwarded proto url=%q", got)
	}

	if NewRequestInfo(nil) != nil {
		t.Fatal("NewRequestInfo(nil) should be nil")
	}
}

func TestRequestInfoContextRoundTrip(t *testing.T) {
	t.Parallel()

	if _, ok := RequestInfoFromContext(context.Background()); ok {
		t.Fatal("empty context should not carry request info")
	}
	length := int64(1)
	info := &RequestInfo{URL: "http://x/", Header: http.Header{"A": {"b"}}, ContentLength: &length}
	ctx := WithRequestInfo(context.Background(), info)
	got, ok := ContextRequestInfoProvider(ctx)
	if !ok || got != info {
		t.Fatal("provider did not return stored request info")
	}

	clone := info.Clone()
	clone.Header.Set("A", "changed")
	*clone.ContentLength = 2
	if info.Header.Get("A") != "b" || *info.ContentLength != 1 {
		t.Fatal("Clone() should not share header or length")
	}
}
