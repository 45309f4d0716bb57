package security

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
	"time"
)

// blockedHosts are cloud metadata and loopback names an alert webhook must
// never target.
var blockedHosts = []string{"localhost", "metadata.google.internal", "metadata.google"}

// Resolver looks up the addresses a host name points to.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// ValidateWebhookURL checks that an alert webhook target is an https URL
// whose host does not resolve to a loopback, private, link-local, or
// unspecified address. Pass a nil resolver to use net.DefaultResolver.
func ValidateWebhookURL(ctx context.Context, rawURL string, r Resolver) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid webhook URL: %w", err)
	}
	if u.Scheme != "https" {
		return fmt.Errorf("webhook URL must use https")
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("webhook URL must have a host")
	}
	for _, b := range blockedHosts {
		if strings.EqualFold(host, b) {
			return fmt.Errorf("webhook host %q is not allowed", host)
		}
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		return checkAddr(addr)
	}

	if r == nil {
		r = net.DefaultResolver
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	addrs, err := r.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return fmt.Errorf("cannot resolve webhook host %s: %w", host, err)
	}
	for _, a := range addrs {
		if err := checkAddr(a); err != nil {
			return fmt.Errorf("webhook host %q resolves to a blocked address: %w", host, err)
		}
	}
	return nil
}

func checkAddr(a netip.Addr) error {
	a = a.Unmap()
	switch {
	case a.IsLoopback():
		return fmt.Errorf("loopback address %s is not allowed", a)
	case a.IsPrivate():
		return fmt.Errorf("private address %s is not allowed", a)
	case a.IsLinkLocalUnicast(), a.IsLinkLocalMulticast():
		return fmt.Errorf("link-local address %s is not allowed", a)
	case a.IsUnspecified():
		return fmt.Errorf("unspecified address %s is not allowed", a)
	}
	return nil
}
