// Package discovery advertises relay servers on the local network over mDNS
// and finds them again from clients.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/camuschat/camus-sub000/internal/version"
	"github.com/grandcat/zeroconf"
)

const (
	Service = "_camus._tcp"
	Domain  = "local."

	// DefaultBrowseTimeout bounds Browse when ctx has no deadline.
	DefaultBrowseTimeout = 5 * time.Second
)

var ErrNoRelay = errors.New("no relay found on the local network")

// Advertisement is a running mDNS registration.
type Advertisement struct {
	server *zeroconf.Server
}

// Shutdown withdraws the advertisement.
func (a *Advertisement) Shutdown() {
	a.server.Shutdown()
}

// Advertise announces a relay listening on port. path is the websocket
// route clients append a room name to.
func Advertise(instance string, port int, path string) (*Advertisement, error) {
	txt := []string{
		"path=" + path,
		"version=" + version.Version,
	}

	server, err := zeroconf.Register(instance, Service, Domain, port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("advertise %s: %w", instance, err)
	}

	slog.Info("advertising relay", "instance", instance, "service", Service, "port", port)
	return &Advertisement{server: server}, nil
}

// Browse returns the websocket base URL of the first relay that answers,
// e.g. "ws://192.168.1.20:8080/ws". Room names are appended by the caller.
func Browse(ctx context.Context) (string, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultBrowseTimeout)
		defer cancel()
	}

	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return "", fmt.Errorf("create mdns resolver: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(ctx, Service, Domain, entries); err != nil {
		return "", fmt.Errorf("browse %s: %w", Service, err)
	}

	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				return "", ErrNoRelay
			}
			if url, ok := RelayURL(entry); ok {
				slog.Debug("found relay", "instance", entry.Instance, "url", url)
				return url, nil
			}
		case <-ctx.Done():
			return "", ErrNoRelay
		}
	}
}

// RelayURL builds the websocket base URL advertised by entry. IPv4
// addresses are preferred over IPv6 and the host name.
func RelayURL(entry *zeroconf.ServiceEntry) (string, bool) {
	if entry == nil || entry.Port <= 0 {
		return "", false
	}

	var host string
	switch {
	case len(entry.AddrIPv4) > 0:
		host = entry.AddrIPv4[0].String()
	case len(entry.AddrIPv6) > 0:
		host = entry.AddrIPv6[0].String()
	case entry.HostName != "":
		host = strings.TrimSuffix(entry.HostName, ".")
	default:
		return "", false
	}

	path := "/ws"
	for _, record := range entry.Text {
		if v, ok := strings.CutPrefix(record, "path="); ok && v != "" {
			path = "/" + strings.Trim(v, "/")
		}
	}

	return "ws://" + net.JoinHostPort(host, strconv.Itoa(entry.Port)) + path, true
}
