package web

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"syscall"
	"time"

	"ax/internal/domain"
)

// blockedIP reports whether ip must never be fetched on behalf of an agent:
// loopback, RFC1918, link-local, CGNAT, and unspecified addresses.
func blockedIP(ip net.IP) bool {
	if ip == nil {
		return true
	}
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified() ||
		ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return true
	}
	// 100.64.0.0/10 (carrier-grade NAT) is not covered by IsPrivate.
	if v4 := ip.To4(); v4 != nil && v4[0] == 100 && v4[1]&0xc0 == 64 {
		return true
	}
	return false
}

// guardedTransport returns an HTTP transport whose dialer rejects private
// and reserved destinations. The check runs on the resolved address, after
// DNS, so rebinding tricks do not bypass it.
func guardedTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout: 10 * time.Second,
		Control: func(network, address string, _ syscall.RawConn) error {
			host, _, err := net.SplitHostPort(address)
			if err != nil {
				return fmt.Errorf("split %s: %w", address, err)
			}
			if blockedIP(net.ParseIP(host)) {
				return domain.NewDomainError("web.dial", domain.ErrSSRFBlocked, host)
			}
			return nil
		},
	}
	return &http.Transport{
		DialContext: func(ctx context.Context, network, address string) (net.Conn, error) {
			return dialer.DialContext(ctx, network, address)
		},
		MaxIdleConns:        10,
		IdleConnTimeout:     30 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
}
