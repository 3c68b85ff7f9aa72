package webhook

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"golang.org/x/net/idna"
)

// ErrForbiddenDestination rejects a webhook URL that resolves inside the
// infrastructure.
var ErrForbiddenDestination = errors.New("webhook: destination is not allowed")

var blockedHosts = map[string]bool{
	"localhost":                true,
	"metadata.google.internal": true,
}

// URLValidator screens webhook destinations. Extra entries extend the
// built-in host blocklist.
type URLValidator struct {
	ExtraBlocked []string
	// AllowPrivate admits RFC1918 and loopback ranges. Tests and on-prem
	// deployments set it; the default refuses them.
	AllowPrivate bool
	// lookupIP is swappable for tests.
	lookupIP func(host string) ([]net.IP, error)
}

func (v *URLValidator) resolver() func(string) ([]net.IP, error) {
	if v.lookupIP != nil {
		return v.lookupIP
	}
	return net.LookupIP
}

// Validate rejects non-HTTP schemes, blocklisted hosts, and any destination
// whose literal or resolved addresses land in loopback, link-local,
// private, or metadata space. Every resolved address is checked: one bad
// A record poisons the whole destination.
func (v *URLValidator) Validate(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("webhook: parse url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: scheme %q", ErrForbiddenDestination, u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("%w: empty host", ErrForbiddenDestination)
	}

	// Normalize unicode hosts before comparing against the blocklist.
	if ascii, err := idna.Lookup.ToASCII(host); err == nil {
		host = ascii
	}
	host = strings.ToLower(host)
	if blockedHosts[host] {
		return fmt.Errorf("%w: host %q", ErrForbiddenDestination, host)
	}
	for _, blocked := range v.ExtraBlocked {
		if strings.EqualFold(blocked, host) {
			return fmt.Errorf("%w: host %q", ErrForbiddenDestination, host)
		}
	}

	if ip := net.ParseIP(host); ip != nil {
		return v.checkIP(ip)
	}
	ips, err := v.resolver()(host)
	if err != nil {
		return fmt.Errorf("webhook: resolve %q: %w", host, err)
	}
	for _, ip := range ips {
		if err := v.checkIP(ip); err != nil {
			return err
		}
	}
	return nil
}

func (v *URLValidator) checkIP(ip net.IP) error {
	if ip.Equal(net.ParseIP("169.254.169.254")) {
		return fmt.Errorf("%w: metadata address", ErrForbiddenDestination)
	}
	if v.AllowPrivate {
		return nil
	}
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() ||
		ip.IsPrivate() || ip.IsUnspecified() {
		return fmt.Errorf("%w: address %s", ErrForbiddenDestination, ip)
	}
	return nil
}
