package credential

import (
	"net/netip"
	"net/url"
	"strings"
)

// ipAllowed reports whether clientIP matches an entry exactly or falls in a
// CIDR entry. An empty allow-list allows everything.
func ipAllowed(clientIP string, allowlist []string) bool {
	if len(allowlist) == 0 {
		return true
	}

	addr, err := netip.ParseAddr(clientIP)
	for _, entry := range allowlist {
		if entry == clientIP {
			return true
		}
		if err != nil || !strings.Contains(entry, "/") {
			continue
		}
		prefix, perr := netip.ParsePrefix(entry)
		if perr != nil {
			continue
		}
		if prefix.Masked().Contains(addr.Unmap()) {
			return true
		}
	}
	return false
}

// domainAllowed reports whether the referer's host equals an entry or is a
// subdomain of one. An empty allow-list allows everything; a missing referer
// is refused when a list is set.
func domainAllowed(referer string, domains []string) bool {
	if len(domains) == 0 {
		return true
	}
	if referer == "" {
		return false
	}

	u, err := url.Parse(referer)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return false
	}

	for _, d := range domains {
		d = strings.ToLower(strings.TrimSpace(d))
		if d == "" {
			continue
		}
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

// validateAllowlist rejects malformed allow-list entries at write time.
func validateAllowlist(entries []string) error {
	for _, e := range entries {
		if strings.Contains(e, "/") {
			if _, err := netip.ParsePrefix(e); err != nil {
				return err
			}
			continue
		}
		if _, err := netip.ParseAddr(e); err != nil {
			return err
		}
	}
	return nil
}
