package validation

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"syscall"
	"time"
)

// Reason explains why a URL was rejected.
type Reason string

const (
	ReasonInvalid        Reason = "invalid"
	ReasonScheme         Reason = "scheme"
	ReasonPrivateNetwork Reason = "private_network"
	ReasonUnresolvable   Reason = "unresolvable"
)

// ErrRejected is wrapped by every RejectedError.
var ErrRejected = errors.New("url rejected")

// RejectedError carries the reason a URL failed the safety check.
type RejectedError struct {
	URL    string
	Reason Reason
	Detail string
}

func (e *RejectedError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("url rejected (%s): %s", e.Reason, e.URL)
	}
	return fmt.Sprintf("url rejected (%s): %s: %s", e.Reason, e.URL, e.Detail)
}

func (e *RejectedError) Unwrap() error { return ErrRejected }

// Verdict is the outcome of a safety check.
type Verdict struct {
	Allowed bool
	Reason  Reason
	Detail  string
}

func allowed() Verdict { return Verdict{Allowed: true} }

func rejected(reason Reason, format string, args ...any) Verdict {
	return Verdict{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// Err converts a rejection into a *RejectedError; it is nil when allowed.
func (v Verdict) Err(rawURL string) error {
	if v.Allowed {
		return nil
	}
	return &RejectedError{URL: rawURL, Reason: v.Reason, Detail: v.Detail}
}

// Resolver looks up host addresses. *net.Resolver satisfies it.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// SafetyValidator decides whether an outbound URL may be contacted. Every
// Check resolves the host afresh; results are never cached.
type SafetyValidator struct {
	Resolver Resolver
	// Permissive skips address classification for local development.
	Permissive bool
	MaxLength  int
}

// NewSafetyValidator returns a validator that blocks private and reserved
// networks. A nil resolver uses net.DefaultResolver.
func NewSafetyValidator(r Resolver) *SafetyValidator {
	if r == nil {
		r = net.DefaultResolver
	}
	return &SafetyValidator{Resolver: r, MaxLength: 2048}
}

// NewPermissiveSafetyValidator allows loopback and private targets.
func NewPermissiveSafetyValidator() *SafetyValidator {
	v := NewSafetyValidator(nil)
	v.Permissive = true
	return v
}

// Check validates rawURL. Scheme and syntax problems are reported without
// any network lookup.
func (v *SafetyValidator) Check(ctx context.Context, rawURL string) Verdict {
	if rawURL == "" {
		return rejected(ReasonInvalid, "empty url")
	}
	if v.MaxLength > 0 && len(rawURL) > v.MaxLength {
		return rejected(ReasonInvalid, "url longer than %d characters", v.MaxLength)
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return rejected(ReasonInvalid, "%v", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return rejected(ReasonScheme, "scheme %q not allowed", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return rejected(ReasonInvalid, "missing host")
	}
	if v.Permissive {
		return allowed()
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		if IsReservedAddr(addr) {
			return rejected(ReasonPrivateNetwork, "%s is not a public address", addr)
		}
		return allowed()
	}

	addrs, err := v.Resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return rejected(ReasonUnresolvable, "%v", err)
	}
	if len(addrs) == 0 {
		return rejected(ReasonUnresolvable, "no addresses for %s", host)
	}
	for _, a := range addrs {
		addr, ok := netip.AddrFromSlice(a.IP)
		if !ok {
			return rejected(ReasonUnresolvable, "bad address %v", a.IP)
		}
		if IsReservedAddr(addr) {
			return rejected(ReasonPrivateNetwork, "%s resolves to %s", host, addr)
		}
	}
	return allowed()
}

// Validate is Check returning an error.
func (v *SafetyValidator) Validate(ctx context.Context, rawURL string) error {
	return v.Check(ctx, rawURL).Err(rawURL)
}

// NormalizeFeedURL cleans operator input before it is stored: whitespace is
// trimmed and a missing scheme defaults to https.
func (v *SafetyValidator) NormalizeFeedURL(input string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", fmt.Errorf("URL cannot be empty")
	}
	if v.MaxLength > 0 && len(input) > v.MaxLength {
		return "", fmt.Errorf("URL too long (max %d characters)", v.MaxLength)
	}
	if strings.ContainsAny(input, "<>\"'`") {
		return "", fmt.Errorf("URL contains invalid characters")
	}
	if !strings.Contains(input, "://") {
		input = "https://" + input
	}
	u, err := url.Parse(input)
	if err != nil {
		return "", fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("URL must have a valid hostname")
	}
	return u.String(), nil
}

// DialGuard is a net.Dialer Control hook. It re-checks the concrete address
// being dialled so a host that re-resolves to a private address between
// Check and connect is still refused.
func (v *SafetyValidator) DialGuard(network, address string, _ syscall.RawConn) error {
	if v.Permissive {
		return nil
	}
	ap, err := netip.ParseAddrPort(address)
	if err != nil {
		return &RejectedError{URL: address, Reason: ReasonInvalid, Detail: err.Error()}
	}
	if IsReservedAddr(ap.Addr()) {
		return &RejectedError{URL: address, Reason: ReasonPrivateNetwork, Detail: network + " dial blocked"}
	}
	return nil
}

// HTTPClient returns a client that never follows redirects and dials through
// DialGuard.
func (v *SafetyValidator) HTTPClient(timeout time.Duration) *http.Client {
	dialer := &net.Dialer{
		Timeout: timeout,
		Control: v.DialGuard,
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.Proxy = nil
	transport.DialContext = dialer.DialContext
	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

var reservedPrefixes = mustPrefixes(
	"0.0.0.0/8",
	"10.0.0.0/8",
	"100.64.0.0/10",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"172.16.0.0/12",
	"192.0.0.0/24",
	"192.0.2.0/24",
	"192.88.99.0/24",
	"192.168.0.0/16",
	"198.18.0.0/15",
	"198.51.100.0/24",
	"203.0.113.0/24",
	"224.0.0.0/4",
	"240.0.0.0/4",
	"255.255.255.255/32",
	"::/128",
	"::1/128",
	"100::/64",
	"2001:db8::/32",
	"fc00::/7",
	"fe80::/10",
	"ff00::/8",
)

var nat64 = netip.MustParsePrefix("64:ff9b::/96")

func mustPrefixes(cidrs ...string) []netip.Prefix {
	out := make([]netip.Prefix, len(cidrs))
	for i, c := range cidrs {
		out[i] = netip.MustParsePrefix(c)
	}
	return out
}

// IsReservedAddr reports whether addr is loopback, private, link-local,
// multicast, unspecified or in another range that is never a public host.
// IPv4-mapped and NAT64 addresses are judged by their embedded IPv4 address.
func IsReservedAddr(addr netip.Addr) bool {
	if !addr.IsValid() {
		return true
	}
	addr = addr.WithZone("").Unmap()
	if addr.Is6() && nat64.Contains(addr) {
		b := addr.As16()
		return IsReservedAddr(netip.AddrFrom4([4]byte{b[12], b[13], b[14], b[15]}))
	}
	if addr.IsLoopback() || addr.IsPrivate() || addr.IsUnspecified() ||
		addr.IsLinkLocalUnicast() || addr.IsMulticast() {
		return true
	}
	for _, p := range reservedPrefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
