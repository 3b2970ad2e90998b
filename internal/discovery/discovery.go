// Package discovery announces a relay on the LAN over mDNS and finds one.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/rs/zerolog/log"
)

const (
	ServiceType = "_meshcall._tcp"
	Domain      = "local."
)

var ErrNotFound = errors.New("no relay found on the local network")

// Advertise registers the relay. path is the signaling endpoint and travels
// in the TXT record. The returned func stops the announcement.
func Advertise(instance string, port int, path string) (func(), error) {
	server, err := zeroconf.Register(instance, ServiceType, Domain, port, []string{"path=" + path}, nil)
	if err != nil {
		return nil, fmt.Errorf("mdns register: %w", err)
	}
	log.Info().Str("module", "discovery").Str("instance", instance).Int("port", port).Msg("advertising relay")
	return server.Shutdown, nil
}

// Browse returns the signaling URL of the first relay that answers.
func Browse(ctx context.Context, timeout time.Duration) (string, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return "", fmt.Errorf("mdns resolver: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(ctx, ServiceType, Domain, entries); err != nil {
		return "", fmt.Errorf("mdns browse: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return "", ErrNotFound
		case entry, ok := <-entries:
			if !ok {
				return "", ErrNotFound
			}
			if entry == nil {
				continue
			}
			if u, ok := relayURL(entry); ok {
				log.Info().Str("module", "discovery").Str("instance", entry.Instance).Str("url", u).Msg("found relay")
				return u, nil
			}
		}
	}
}

func relayURL(e *zeroconf.ServiceEntry) (string, bool) {
	var ip net.IP
	switch {
	case len(e.AddrIPv4) > 0:
		ip = e.AddrIPv4[0]
	case len(e.AddrIPv6) > 0:
		ip = e.AddrIPv6[0]
	default:
		return "", false
	}
	path := "/"
	for _, txt := range e.Text {
		if p, ok := strings.CutPrefix(txt, "path="); ok && p != "" {
			path = p
		}
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return "ws://" + net.JoinHostPort(ip.String(), strconv.Itoa(e.Port)) + path, true
}
