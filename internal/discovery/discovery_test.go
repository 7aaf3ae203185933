package discovery

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
)

func TestRelayURL(t *testing.T) {
	tests := []struct {
		name  string
		entry func() *zeroconf.ServiceEntry
		want  string
		ok    bool
	}{
		{
			name: "prefers ipv4",
			entry: func() *zeroconf.ServiceEntry {
				e := zeroconf.NewServiceEntry("relay", Service, Domain)
				e.Port = 8080
				e.AddrIPv4 = []net.IP{net.ParseIP("192.168.1.20")}
				e.AddrIPv6 = []net.IP{net.ParseIP("fe80::1")}
				e.Text = []string{"path=/ws/"}
				return e
			},
			want: "ws://192.168.1.20:8080/ws",
			ok:   true,
		},
		{
			name: "brackets ipv6",
			entry: func() *zeroconf.ServiceEntry {
				e := zeroconf.NewServiceEntry("relay", Service, Domain)
				e.Port = 9000
				e.AddrIPv6 = []net.IP{net.ParseIP("fd00::5")}
				return e
			},
			want: "ws://[fd00::5]:9000/ws",
			ok:   true,
		},
		{
			name: "falls back to host name",
			entry: func() *zeroconf.ServiceEntry {
				e := zeroconf.NewServiceEntry("relay", Service, Domain)
				e.Port = 8080
				e.HostName = "relay.local."
				e.Text = []string{"version=dev", "path=signal"}
				return e
			},
			want: "ws://relay.local:8080/signal",
			ok:   true,
		},
		{
			name: "no address",
			entry: func() *zeroconf.ServiceEntry {
				e := zeroconf.NewServiceEntry("relay", Service, Domain)
				e.Port = 8080
				return e
			},
		},
		{
			name:  "nil entry",
			entry: func() *zeroconf.ServiceEntry { return nil },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := RelayURL(tt.entry())
			if ok != tt.ok || got != tt.want {
				t.Errorf("RelayURL() = %q, %v; want %q, %v", got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestAdvertiseAndBrowse(t *testing.T) {
	if testing.Short() {
		t.Skip("multicast test skipped in short mode")
	}

	adv, err := Advertise("camus-test", 18080, "/ws")
	if err != nil {
		t.Skipf("mDNS unavailable: %v", err)
	}
	defer adv.Shutdown()

	time.Sleep(500 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url, err := Browse(ctx)
	if err != nil {
		t.Skipf("no multicast route: %v", err)
	}
	if !strings.HasSuffix(url, ":18080/ws") {
		t.Errorf("url = %q", url)
	}
}
