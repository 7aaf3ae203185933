// Package dns resolves relay hostnames, falling back to public resolvers
// when the system resolver fails (captive portals, broken VPN DNS).
package dns

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	mdns "github.com/miekg/dns"
)

// publicDNS are queried when the system resolver cannot resolve the relay.
var publicDNS = []string{
	"1.1.1.1:53",                // Cloudflare
	"1.0.0.1:53",                // Cloudflare
	"[2606:4700:4700::1111]:53", // Cloudflare
	"8.8.8.8:53",                // Google
	"8.8.4.4:53",                // Google
	"[2001:4860:4860::8888]:53", // Google
	"9.9.9.9:53",                // Quad9
	"149.112.112.112:53",        // Quad9
	"208.67.222.222:53",         // Cisco OpenDNS
	"208.67.220.220:53",         // Cisco OpenDNS
}

var ErrNoAddress = errors.New("dns: no address found")

// Resolver looks up hosts with the system resolver first and races Servers
// when that fails.
type Resolver struct {
	Servers      []string
	LocalTimeout time.Duration
	RaceTimeout  time.Duration

	// system overrides the system lookup in tests.
	system func(ctx context.Context, host string) ([]string, error)
	client *mdns.Client
}

func NewResolver(servers []string) *Resolver {
	return &Resolver{
		Servers:      servers,
		LocalTimeout: time.Second,
		RaceTimeout:  2 * time.Second,
		system:       net.DefaultResolver.LookupHost,
		client:       &mdns.Client{Net: "udp", Timeout: 2 * time.Second},
	}
}

var defaultResolver = NewResolver(publicDNS)

// Lookup resolves a relay hostname to an IP address with the default
// resolver. IP literals are returned unchanged.
func Lookup(ctx context.Context, address string) (string, error) {
	return defaultResolver.Lookup(ctx, address)
}

func (r *Resolver) Lookup(ctx context.Context, address string) (string, error) {
	if ip := net.ParseIP(strings.Trim(address, "[]")); ip != nil {
		return ip.String(), nil
	}

	ip, err := r.lookupSystem(ctx, address)
	if err == nil {
		return ip, nil
	}

	slog.Debug("system DNS lookup failed, racing public resolvers", "host", address, "error", err)
	return r.race(ctx, address)
}

func (r *Resolver) lookupSystem(ctx context.Context, address string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.LocalTimeout)
	defer cancel()

	ips, err := r.system(ctx, address)
	if err != nil {
		return "", err
	}
	return preferIPv4(ips)
}

// race returns the first answer any of the servers gives.
func (r *Resolver) race(ctx context.Context, address string) (string, error) {
	if len(r.Servers) == 0 {
		return "", fmt.Errorf("resolve %s: %w", address, ErrNoAddress)
	}

	type result struct {
		ip  string
		err error
	}

	ctx, cancel := context.WithTimeout(ctx, r.RaceTimeout)
	defer cancel()

	results := make(chan result, len(r.Servers))
	for _, server := range r.Servers {
		go func(server string) {
			ip, err := r.query(ctx, address, server)
			results <- result{ip: ip, err: err}
		}(server)
	}

	var errs []error
	for range r.Servers {
		select {
		case res := <-results:
			if res.err == nil {
				return res.ip, nil
			}
			errs = append(errs, res.err)
		case <-ctx.Done():
			return "", fmt.Errorf("dns lookup for %s timed out during public DNS race", address)
		}
	}

	return "", fmt.Errorf("resolve %s: all %d public DNS servers failed: %w", address, len(errs), errors.Join(errs...))
}

// query asks one server for A records, then AAAA records.
func (r *Resolver) query(ctx context.Context, address, server string) (string, error) {
	for _, qtype := range []uint16{mdns.TypeA, mdns.TypeAAAA} {
		m := new(mdns.Msg)
		m.SetQuestion(mdns.Fqdn(address), qtype)
		m.RecursionDesired = true

		in, _, err := r.client.ExchangeContext(ctx, m, server)
		if err != nil {
			return "", fmt.Errorf("%s: %w", server, err)
		}
		if in.Rcode != mdns.RcodeSuccess {
			return "", fmt.Errorf("%s: %s", server, mdns.RcodeToString[in.Rcode])
		}

		for _, rr := range in.Answer {
			switch rec := rr.(type) {
			case *mdns.A:
				return rec.A.String(), nil
			case *mdns.AAAA:
				return rec.AAAA.String(), nil
			}
		}
	}
	return "", fmt.Errorf("%s: %w", server, ErrNoAddress)
}

func preferIPv4(ips []string) (string, error) {
	if len(ips) == 0 {
		return "", ErrNoAddress
	}
	for _, ip := range ips {
		if parsed := net.ParseIP(ip); parsed != nil && parsed.To4() != nil {
			return ip, nil
		}
	}
	return ips[0], nil
}
