package scraper

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"syscall"
)

// ErrBlockedTarget is returned for URLs that point at internal addresses.
var ErrBlockedTarget = errors.New("URL denied: cannot fetch internal/private addresses")

// IsSSRFTarget checks if a URL targets internal/metadata endpoints or uses a
// scheme other than http(s).
func IsSSRFTarget(rawURL string) bool {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return true // block unparseable URLs
	}

	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return true
	}

	host := parsed.Hostname()
	if host == "" {
		return true
	}

	blocked := []string{
		"localhost",
		"0.0.0.0",
		"169.254.169.254", // cloud metadata
		"metadata.google.internal",
		"metadata.google",
	}
	for _, b := range blocked {
		if strings.EqualFold(host, b) {
			return true
		}
	}
	if strings.HasSuffix(strings.ToLower(host), ".localhost") || strings.HasSuffix(strings.ToLower(host), ".internal") {
		return true
	}

	if ip := net.ParseIP(host); ip != nil {
		return blockedIP(ip)
	}
	return false
}

func blockedIP(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsUnspecified()
}

// dialControl refuses connections to private addresses after DNS
// resolution, so a public hostname pointing at an internal IP is caught too.
func dialControl(_, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return err
	}
	if ip := net.ParseIP(host); ip != nil && blockedIP(ip) {
		return fmt.Errorf("%w: %s", ErrBlockedTarget, host)
	}
	return nil
}
