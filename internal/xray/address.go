package xray

import (
	"fmt"
	"net"
	"strings"
)

// DefaultDaemonAddress is where the X-Ray daemon listens unless configured.
const DefaultDaemonAddress = "127.0.0.1:2000"

// ParseDaemonAddress resolves the UDP destination from either "host:port" or
// the daemon's "tcp:host:port udp:host:port" form.
func ParseDaemonAddress(raw string) (string, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return DefaultDaemonAddress, nil
	}

	fields := strings.Fields(value)
	if len(fields) == 1 && !strings.HasPrefix(fields[0], "udp:") && !strings.HasPrefix(fields[0], "tcp:") {
		return validateHostPort(fields[0])
	}

	udp := ""
	for _, field := range fields {
		switch {
		case strings.HasPrefix(field, "udp:"):
			udp = strings.TrimPrefix(field, "udp:")
		case strings.HasPrefix(field, "tcp:"):
		default:
			return "", fmt.Errorf("invalid daemon address %q: unexpected entry %q", raw, field)
		}
	}
	if udp == "" {
		return "", fmt.Errorf("invalid daemon address %q: missing udp entry", raw)
	}
	return validateHostPort(udp)
}

func validateHostPort(value string) (string, error) {
	host, port, err := net.SplitHostPort(value)
	if err != nil {
		return "", fmt.Errorf("invalid daemon address %q: %w", value, err)
	}
	if strings.TrimSpace(port) == "" {
		return "", fmt.Errorf("invalid daemon address %q: port is required", value)
	}
	return net.JoinHostPort(host, port), nil
}
