package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/mdns"
)

// GatewayService is the mDNS service the shore gateway announces.
const GatewayService = "_tidelink._tcp"

// ErrNoGateway means discovery finished without an answer.
var ErrNoGateway = errors.New("transport: no gateway found")

// DiscoverGateway browses the local network for the shore gateway and
// returns its websocket URL.
func DiscoverGateway(ctx context.Context, service string, timeout time.Duration) (string, error) {
	if service == "" {
		service = GatewayService
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	if dl, ok := ctx.Deadline(); ok {
		if left := time.Until(dl); left < timeout {
			timeout = left
		}
	}

	entries := make(chan *mdns.ServiceEntry, 8)
	params := mdns.DefaultParams(service)
	params.Entries = entries
	params.Timeout = timeout
	params.DisableIPv6 = true

	errc := make(chan error, 1)
	go func() {
		errc <- mdns.Query(params)
		close(entries)
	}()

	var found string
	for entry := range entries {
		if found == "" {
			found = gatewayURL(entry)
		}
	}
	if err := <-errc; err != nil && found == "" {
		return "", fmt.Errorf("transport: mdns query %s: %w", service, err)
	}
	if found == "" {
		return "", fmt.Errorf("%w: %s", ErrNoGateway, service)
	}
	return found, nil
}

// gatewayURL builds ws://host:port/path from an announcement. A "path=" TXT
// field overrides the default /link path; "scheme=wss" selects TLS.
func gatewayURL(e *mdns.ServiceEntry) string {
	var ip net.IP
	switch {
	case e.AddrV4 != nil:
		ip = e.AddrV4
	case e.AddrV6 != nil:
		ip = e.AddrV6
	default:
		return ""
	}
	scheme, path := "ws", "/link"
	for _, f := range e.InfoFields {
		k, v, ok := strings.Cut(f, "=")
		if !ok {
			continue
		}
		switch k {
		case "path":
			path = "/" + strings.TrimPrefix(v, "/")
		case "scheme":
			if v == "wss" {
				scheme = v
			}
		}
	}
	return scheme + "://" + net.JoinHostPort(ip.String(), strconv.Itoa(e.Port)) + path
}
