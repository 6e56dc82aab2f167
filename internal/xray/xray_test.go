package xray

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

var traceIDPattern = regexp.MustCompile(`^1-[0-9a-f]+-[0-9a-f]{24}$`)

func TestNewTraceIDFormat(t *testing.T) {
	t.Parallel()

	at := time.Unix(1700000000, 0)
	id := NewTraceID(at)
	if !traceIDPattern.MatchString(id) {
		t.Fatalf("trace id=%q does not match %s", id, traceIDPattern)
	}
	parts := strings.Split(id, "-")
	if parts[1] != strconv.FormatInt(1700000000, 16) {
		t.Fatalf("time part=%q, want %q", parts[1], "6553f100")
	}

	parsed, err := ParseTraceID(id)
	if err != nil {
		t.Fatalf("ParseTraceID() error: %v", err)
	}
	if parsed.Unix() != at.Unix() {
		t.Fatalf("parsed=%v, want %v", parsed.Unix(), at.Unix())
	}
}

func TestNewTraceIDBeforeEpoch(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		at       time.Time
		wantTime string
	}{
		{name: "one second before", at: time.Unix(-1, 0), wantTime: "ffffffff"},
		{name: "fractional second before", at: time.Date(1969, 12, 31, 23, 59, 59, 5e8, time.UTC), wantTime: "ffffffff"},
		{name: "epoch", at: time.Unix(0, 0), wantTime: "0"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			id := NewTraceID(tc.at)
			if !traceIDPattern.MatchString(id) {
				t.Fatalf("trace id=%q does not match %s", id, traceIDPattern)
			}
			if got := strings.Split(id, "-")[1]; got != tc.wantTime {
				t.Fatalf("time part=%q, want %q", got, tc.wantTime)
			}
			if _, err := ParseTraceID(id); err != nil {
				t.Fatalf("ParseTraceID(%q) error: %v", id, err)
			}
		})
	}
}

func TestNewTraceIDIsUniqueAcrossGoroutines(t *testing.T) {
	t.Parallel()

	const workers, per = 8, 250
	var (
		mu   sync.Mutex
		seen = make(map[string]struct{}, workers*per)
		wg   sync.WaitGroup
	)
	now := time.Now()
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]string, 0, per)
			for j := 0; j < per; j++ {
				local = append(local, NewTraceID(now))
			}
			mu.Lock()
			for _, id := range local {
				seen[id] = struct{}{}
			}
			mu.Unlock()
		}()
	}
	wg.Wait()
	if len(seen) != workers*per {
		t.Fatalf("unique ids=%d, want %d", len(seen), workers*per)
	}
}

func TestParseTraceIDRejectsMalformed(t *testing.T) {
	t.Parallel()

	for _, id := range []string{"", "2-abc-000000000000000000000000", "1-zz-000000000000000000000000", "1-abc-123", "1-abc-zz0000000000000000000000", "1-100000000-000000000000000000000000"} {
		if _, err := ParseTraceID(id); err == nil {
			t.Fatalf("ParseTraceID(%q) error=nil, want failure", id)
		}
	}
}

func TestNewSegmentIDIsSixteenHexDigits(t *testing.T) {
	t.Parallel()

	id := NewSegmentID()
	if !regexp.MustCompile(`^[0-9a-f]{16}$`).MatchString(id) {
		t.Fatalf("segment id=%q, want 16 hex digits", id)
	}
}

func TestParseDaemonAddress(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "", want: DefaultDaemonAddress},
		{in: "10.0.0.5:3000", want: "10.0.0.5:3000"},
		{in: "tcp:127.0.0.1:2000 udp:127.0.0.2:2001", want: "127.0.0.2:2001"},
		{in: "udp:daemon:2000", want: "daemon:2000"},
		{in: "tcp:127.0.0.1:2000", wantErr: true},
		{in: "nope", wantErr: true},
		{in: "udp:host:2000 extra", wantErr: true},
	}
	for _, tc := range tests {
		got, err := ParseDaemonAddress(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("ParseDaemonAddress(%q)=%q, want error", tc.in, got)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseDaemonAddress(%q) error: %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("ParseDaemonAddress(%q)=%q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestSegmentMarshalsDocumentFields(t *testing.T) {
	t.Parallel()

	root := NewSegment("svc", "1-abc-000000000000000000000000", "0000000000000001", 10.5)
	root.SetEnd(11.5)
	open := NewSubsegment("pending", "0000000000000002", 10.6)
	if err := root.AddSubsegment(open); err != nil {
		t.Fatalf("AddSubsegment() error: %v", err)
	}
	root.AddAnnotation("data", int64(10))
	root.SetHTTP("response", map[string]any{"status": 200})

	raw, err := json.Marshal(root)
	if err != nil {
		t.Fatalf("marshal segment: %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("unmarshal segment: %v", err)
	}
	if doc["trace_id"] != "1-abc-000000000000000000000000" || doc["end_time"] != 11.5 {
		t.Fatalf("doc=%v", doc)
	}
	if _, ok := doc["in_progress"]; ok {
		t.Fatalf("finished root should omit in_progress: %v", doc)
	}
	subs := doc["subsegments"].([]any)
	sub := subs[0].(map[string]any)
	if sub["in_progress"] != true {
		t.Fatalf("open subsegment in_progress=%v, want true", sub["in_progress"])
	}
	if _, ok := sub["end_time"]; ok {
		t.Fatalf("open subsegment should omit end_time: %v", sub)
	}
}

func TestReleasedSegmentRejectsChildren(t *testing.T) {
	t.Parallel()

	seg := NewSubsegment("parent", NewSegmentID(), 1)
	seg.Release()
	err := seg.AddSubsegment(NewSubsegment("child", NewSegmentID(), 1))
	if !errors.Is(err, ErrReleased) {
		t.Fatalf("AddSubsegment() error=%v, want ErrReleased", err)
	}
}

func TestUDPEmitterSendsHeaderAndDocument(t *testing.T) {
	t.Parallel()

	listener, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen udp: %v", err)
	}
	defer listener.Close()

	emitter, err := NewUDPEmitter("tcp:127.0.0.1:1 udp:"+listener.LocalAddr().String(), time.Second)
	if err != nil {
		t.Fatalf("NewUDPEmitter() error: %v", err)
	}
	defer emitter.Close()

	seg := NewSegment("svc", NewTraceID(time.Now()), NewSegmentID(), 1)
	seg.SetEnd(2)
	if err := emitter.Send(context.Background(), seg); err != nil {
		t.Fatalf("Send() error: %v", err)
	}

	if err := listener.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("set read deadline: %v", err)
	}
	buf := make([]byte, 65536)
	n, _, err := listener.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("read datagram: %v", err)
	}
	packet := buf[:n]
	if !strings.HasPrefix(string(packet), `{"format":"json","version":1}`+"\n") {
		t.Fatalf("datagram=%q, want daemon header", packet)
	}
	got, err := DecodeDatagram(packet)
	if err != nil {
		t.Fatalf("DecodeDatagram() error: %v", err)
	}
	if got.TraceID != seg.TraceID || got.Name != "svc" {
		t.Fatalf("received=%+v, want trace %q", got, seg.TraceID)
	}
}

func TestUDPEmitterRejectsOversizedDocument(t *testing.T) {
	t.Parallel()

	emitter, err := NewUDPEmitter("127.0.0.1:2000", 0)
	if err != nil {
		t.Fatalf("NewUDPEmitter() error: %v", err)
	}
	defer emitter.Close()

	seg := NewSegment("big", NewTraceID(time.Now()), NewSegmentID(), 1)
	seg.AddAnnotation("blob", strings.Repeat("x", MaxDocumentBytes))
	if err := emitter.Send(context.Background(), seg); !errors.Is(err, ErrSegmentTooLarge) {
		t.Fatalf("Send() error=%v, want ErrSegmentTooLarge", err)
	}
}

func TestUDPEmitterSetDaemonAddressAndClose(t *testing.T) {
	t.Parallel()

	emitter, err := NewUDPEmitter("", 0)
	if err != nil {
		t.Fatalf("NewUDPEmitter() error: %v", err)
	}
	if emitter.DaemonAddress() != DefaultDaemonAddress {
		t.Fatalf("address=%q, want default", emitter.DaemonAddress())
	}
	if err := emitter.SetDaemonAddress("127.0.0.1:2999"); err != nil {
		t.Fatalf("SetDaemonAddress() error: %v", err)
	}
	if emitter.DaemonAddress() != "127.0.0.1:2999" {
		t.Fatalf("address=%q, want 127.0.0.1:2999", emitter.DaemonAddress())
	}
	if err := emitter.SetDaemonAddress("bogus"); err == nil {
		t.Fatal("SetDaemonAddress(bogus) error=nil, want failure")
	}
	if err := emitter.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	seg := NewSegment("x", NewTraceID(time.Now()), NewSegmentID(), 1)
	if err := emitter.Send(context.Background(), seg); !errors.Is(err, net.ErrClosed) {
		t.Fatalf("Send() after Close error=%v, want net.ErrClosed", err)
	}
}
