package xray

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

// MaxDocumentBytes is the largest segment document the daemon accepts in a
// single datagram, header excluded.
const MaxDocumentBytes = 64000

const daemonHeader = `{"format":"json","version":1}` + "\n"

// ErrSegmentTooLarge is returned when an encoded document exceeds MaxDocumentBytes.
var ErrSegmentTooLarge = errors.New("xray: segment document too large for a single datagram")

// Emitter transmits a finished trace document to the tracing backend.
type Emitter interface {
	Send(ctx context.Context, seg *Segment) error
}

// UDPEmitter sends documents to the X-Ray daemon. Each Send is a single
// datagram and a single attempt.
type UDPEmitter struct {
	mu      sync.Mutex
	conn    *net.UDPConn
	addr    *net.UDPAddr
	timeout time.Duration
}

// NewUDPEmitter resolves address (see ParseDaemonAddress) and opens an
// unconnected UDP socket. A zero timeout leaves writes bounded only by ctx.
func NewUDPEmitter(address string, timeout time.Duration) (*UDPEmitter, error) {
	addr, err := resolveDaemon(address)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, fmt.Errorf("open udp socket: %w", err)
	}
	return &UDPEmitter{conn: conn, addr: addr, timeout: timeout}, nil
}

// SetDaemonAddress swaps the destination for later sends.
func (e *UDPEmitter) SetDaemonAddress(address string) error {
	addr, err := resolveDaemon(address)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.addr = addr
	e.mu.Unlock()
	return nil
}

// DaemonAddress returns the current destination.
func (e *UDPEmitter) DaemonAddress() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.addr.String()
}

// Send encodes seg and writes header plus document as one datagram.
func (e *UDPEmitter) Send(ctx context.Context, seg *Segment) error {
	if seg == nil {
		return errors.New("xray: nil segment")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	packet, err := EncodeDatagram(seg)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn == nil {
		return net.ErrClosed
	}

	deadline := time.Time{}
	if e.timeout > 0 {
		deadline = time.Now().Add(e.timeout)
	}
	if ctxDeadline, ok := ctx.Deadline(); ok && (deadline.IsZero() || ctxDeadline.Before(deadline)) {
		deadline = ctxDeadline
	}
	if err := e.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if _, err := e.conn.WriteToUDP(packet, e.addr); err != nil {
		return fmt.Errorf("send segment to %s: %w", e.addr, err)
	}
	return nil
}

// Close releases the socket. Later sends fail with net.ErrClosed.
func (e *UDPEmitter) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn == nil {
		return nil
	}
	err := e.conn.Close()
	e.conn = nil
	return err
}

// EncodeDatagram returns the daemon header followed by the JSON document.
func EncodeDatagram(seg *Segment) ([]byte, error) {
	doc, err := json.Marshal(seg)
	if err != nil {
		return nil, fmt.Errorf("encode segment: %w", err)
	}
	if len(doc) > MaxDocumentBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrSegmentTooLarge, len(doc))
	}
	packet := make([]byte, 0, len(daemonHeader)+len(doc))
	packet = append(packet, daemonHeader...)
	packet = append(packet, doc...)
	return packet, nil
}

// DecodeDatagram splits a daemon datagram into its document.
func DecodeDatagram(packet []byte) (*Segment, error) {
	if len(packet) < len(daemonHeader) || string(packet[:len(daemonHeader)]) != daemonHeader {
		return nil, errors.New("xray: missing daemon header")
	}
	var seg Segment
	if err := json.Unmarshal(packet[len(daemonHeader):], &seg); err != nil {
		return nil, fmt.Errorf("decode segment: %w", err)
	}
	return &seg, nil
}

func resolveDaemon(address string) (*net.UDPAddr, error) {
	hostPort, err := ParseDaemonAddress(address)
	if err != nil {
		return nil, err
	}
	addr, err := net.ResolveUDPAddr("udp", hostPort)
	if err != nil {
		return nil, fmt.Errorf("resolve daemon address %q: %w", hostPort, err)
	}
	return addr, nil
}

// RecordingEmitter keeps every sent document in memory. Used by tests and
// the dry-run sample.
type RecordingEmitter struct {
	mu       sync.Mutex
	segments []*Segment
	Err      error
}

// Send records seg, or returns Err when set.
func (r *RecordingEmitter) Send(_ context.Context, seg *Segment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.segments = append(r.segments, seg)
	return nil
}

// Segments returns a copy of the recorded documents.
func (r *RecordingEmitter) Segments() []*Segment {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Segment, len(r.segments))
	copy(out, r.segments)
	return out
}
