package xray

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	mathrand "math/rand/v2"
	"strconv"
	"strings"
	"time"
)

const (
	traceIDVersion       = "1"
	traceIDRandomBytes   = 12 // 96 bits, 24 hex digits
	segmentIDRandomBytes = 8
)

// NewTraceID returns an X-Ray trace id "1-<epoch seconds hex>-<96-bit random hex>"
// for the given time. Seconds are rendered as 32-bit unsigned hex, so times
// before the epoch wrap instead of producing a sign.
func NewTraceID(t time.Time) string {
	return traceIDVersion + "-" + strconv.FormatUint(uint64(uint32(t.Unix())), 16) + "-" + randomHex(traceIDRandomBytes)
}

// NewSegmentID returns a 16 hex digit segment id.
func NewSegmentID() string {
	return randomHex(segmentIDRandomBytes)
}

// ParseTraceID returns the timestamp encoded in an X-Ray trace id. Ids made
// from pre-epoch times decode to their wrapped 32-bit value.
func ParseTraceID(id string) (time.Time, error) {
	parts := strings.Split(id, "-")
	if len(parts) != 3 || parts[0] != traceIDVersion {
		return time.Time{}, fmt.Errorf("invalid trace id %q", id)
	}
	if len(parts[2]) != traceIDRandomBytes*2 {
		return time.Time{}, fmt.Errorf("invalid trace id %q: random part must be %d hex digits", id, traceIDRandomBytes*2)
	}
	if _, err := hex.DecodeString(parts[2]); err != nil {
		return time.Time{}, fmt.Errorf("invalid trace id %q: %w", id, err)
	}
	seconds, err := strconv.ParseUint(parts[1], 16, 32)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid trace id %q: %w", id, err)
	}
	return time.Unix(int64(seconds), 0).UTC(), nil
}

func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		for i := range buf {
			buf[i] = byte(mathrand.Uint32())
		}
	}
	return hex.EncodeToString(buf)
}
