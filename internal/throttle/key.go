package throttle

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"

	"github.com/tekscripts/bypassgate/internal/config"
)

// KeyStrategy extracts the client identifier from an HTTP request.
type KeyStrategy interface {
	Extract(req *http.Request) (string, error)
}

// ClientIPStrategy identifies clients by IP. Forwarding headers are honored
// only when the direct peer is a trusted proxy; otherwise a client could
// pick its own identity and dodge the block.
type ClientIPStrategy struct {
	trusted []netip.Prefix
}

// NewClientIPStrategy parses the trusted proxy CIDRs.
func NewClientIPStrategy(trustedCIDRs []string) (*ClientIPStrategy, error) {
	s := &ClientIPStrategy{}
	for _, c := range trustedCIDRs {
		p, err := netip.ParsePrefix(strings.TrimSpace(c))
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q: %w", c, err)
		}
		s.trusted = append(s.trusted, p.Masked())
	}
	return s, nil
}

// Extract returns the client IP. Behind trusted proxies, X-Forwarded-For is
// walked right to left and the first untrusted hop wins; X-Real-IP is the
// next choice, then RemoteAddr.
func (s *ClientIPStrategy) Extract(req *http.Request) (string, error) {
	peer := remoteIP(req.RemoteAddr)
	if !s.isTrusted(peer) {
		return peer, nil
	}

	if xff := req.Header.Get("X-Forwarded-For"); xff != "" {
		hops := strings.Split(xff, ",")
		for i := len(hops) - 1; i >= 0; i-- {
			hop := strings.TrimSpace(hops[i])
			if hop == "" {
				continue
			}
			if !s.isTrusted(hop) {
				return hop, nil
			}
		}
	}

	if xri := strings.TrimSpace(req.Header.Get("X-Real-IP")); xri != "" {
		return xri, nil
	}

	return peer, nil
}

func (s *ClientIPStrategy) isTrusted(ip string) bool {
	if len(s.trusted) == 0 {
		return false
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range s.trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func remoteIP(remoteAddr string) string {
	ip, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return ip
}

// HeaderStrategy extracts the identifier from a request header, for
// deployments where an upstream authenticator stamps a client id.
type HeaderStrategy struct {
	HeaderName string
}

// Extract returns the header value, or an error if the header is missing/empty.
func (s *HeaderStrategy) Extract(req *http.Request) (string, error) {
	v := strings.TrimSpace(req.Header.Get(s.HeaderName))
	if v == "" {
		return "", fmt.Errorf("header %q is empty or missing", s.HeaderName)
	}
	return v, nil
}

// NewKeyStrategy creates a KeyStrategy from the configuration.
func NewKeyStrategy(cfg config.KeyStrategyConfig) (KeyStrategy, error) {
	switch cfg.Type {
	case config.KeyStrategyClientIP, "":
		return NewClientIPStrategy(cfg.TrustedProxies)
	case config.KeyStrategyHeader:
		if cfg.HeaderName == "" {
			return nil, fmt.Errorf("header_name is required when type is %q", cfg.Type)
		}
		return &HeaderStrategy{HeaderName: http.CanonicalHeaderKey(cfg.HeaderName)}, nil
	default:
		return nil, fmt.Errorf("unknown key strategy type %q: must be clientip or header", cfg.Type)
	}
}
