package utils

import (
	"net"
	"strings"
	"testing"
	"time"
)

func TestInterfaceSuggestsRelay(t *testing.T) {
	tests := []struct {
		name  string
		iface string
		ips   []net.IP
		want  bool
	}{
		{"wireguard", "wg0", nil, true},
		{"openvpn", "tun0", nil, true},
		{"warp", "CloudflareWARP", nil, true},
		{"cgnat address", "eth0", []net.IP{net.ParseIP("100.100.1.2")}, true},
		{"private lan", "eth0", []net.IP{net.ParseIP("192.168.1.10")}, false},
		{"edge of cgnat", "en0", []net.IP{net.ParseIP("100.128.0.1")}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, reason := interfaceSuggestsRelay(tt.iface, tt.ips)
			if got != tt.want {
				t.Errorf("interfaceSuggestsRelay(%q) = %v (%s), want %v", tt.iface, got, reason, tt.want)
			}
			if got && !strings.Contains(reason, tt.iface) {
				t.Errorf("reason %q does not name %s", reason, tt.iface)
			}
		})
	}
}

func TestTruncateString(t *testing.T) {
	if got := TruncateString("Major Tom", 20); got != "Major Tom" {
		t.Errorf("got %q", got)
	}
	if got := TruncateString("Ground Control", 6); got != "Groun…" {
		t.Errorf("got %q", got)
	}
	if got := TruncateString("späceöddity", 4); got != "spä…" {
		t.Errorf("got %q", got)
	}
}

func TestShortID(t *testing.T) {
	if got := ShortID("0123456789abcdef"); got != "01234567" {
		t.Errorf("got %q", got)
	}
	if got := ShortID("abc"); got != "abc" {
		t.Errorf("got %q", got)
	}
}

func TestFormatTimeDuration(t *testing.T) {
	cases := map[time.Duration]string{
		5 * time.Second:                         "5s",
		2*time.Minute + 3*time.Second:           "2m 3s",
		1*time.Hour + 2*time.Minute + 3*time.Second: "1h 2m 3s",
	}
	for d, want := range cases {
		if got := FormatTimeDuration(d); got != want {
			t.Errorf("FormatTimeDuration(%v) = %q, want %q", d, got, want)
		}
	}
}
