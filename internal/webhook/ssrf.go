package webhook

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"syscall"

	"github.com/platform-io/platform/internal/platerr"
)

// uniqueLocal is fc00::/7, the IPv6 analogue of RFC1918 space.
var uniqueLocal = netip.MustParsePrefix("fc00::/7")

// unsafeAddr reports whether delivering to addr could reach the host itself,
// the local network, or a cloud metadata service. The link-local check
// covers 169.254.169.254 and fe80::/10.
func unsafeAddr(addr netip.Addr) bool {
	addr = addr.Unmap()
	return !addr.IsValid() ||
		addr.IsLoopback() ||
		addr.IsPrivate() ||
		addr.IsLinkLocalUnicast() ||
		addr.IsLinkLocalMulticast() ||
		addr.IsMulticast() ||
		addr.IsUnspecified() ||
		uniqueLocal.Contains(addr)
}

// ValidateURL rejects webhook targets that are not plain http(s) or that
// resolve to any unsafe address. All resolved addresses must be safe: a
// hostname with one public and one private A record is rejected outright.
func ValidateURL(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return platerr.Newf(platerr.KindBadRequest, "invalid webhook url: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return platerr.Newf(platerr.KindBadRequest, "webhook url scheme must be http or https, got %q", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return platerr.New(platerr.KindBadRequest, "webhook url has no host")
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		if unsafeAddr(addr) {
			return platerr.Newf(platerr.KindBadRequest, "webhook url resolves to a blocked address %s", addr)
		}
		return nil
	}

	addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return platerr.Newf(platerr.KindBadRequest, "webhook host %q does not resolve", host)
	}
	for _, addr := range addrs {
		if unsafeAddr(addr) {
			return platerr.Newf(platerr.KindBadRequest, "webhook url resolves to a blocked address %s", addr)
		}
	}
	return nil
}

// safeDialControl re-checks the connect-time address. DNS may have returned
// safe addresses at validation and different ones now (rebinding); the
// kernel hands us the actual peer here, so this check cannot be raced.
func safeDialControl(network, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return fmt.Errorf("webhook: parse dial address %q: %w", address, err)
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return fmt.Errorf("webhook: parse dial host %q: %w", host, err)
	}
	if unsafeAddr(addr) {
		return fmt.Errorf("webhook: dial to blocked address %s refused", addr)
	}
	return nil
}
