package cmd

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/camuschat/camus-sub000/internal/config"
	"github.com/camuschat/camus-sub000/internal/relay"
)

func TestSessionJoinsRelay(t *testing.T) {
	t.Setenv("TURN_SERVER", "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := relay.NewServer(relay.Config{})
	srv.Start(ctx)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	cfg, err := LoadConfig(config.Options{
		ServerURL:  "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws",
		Username:   "Major Tom",
		STUNServer: "stun:stun.example.com:3478",
		Codec:      "msgpack",
	})
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	session := NewSession(cfg, "space-oddity")
	startCtx, cancelStart := context.WithTimeout(ctx, 5*time.Second)
	defer cancelStart()
	if err := session.Start(startCtx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	snap := session.Snapshot()
	if snap.Self == "" {
		t.Error("snapshot has no self id")
	}
	if snap.Username != "Major Tom" {
		t.Errorf("username = %q", snap.Username)
	}
	if len(snap.Peers) != 0 {
		t.Errorf("peers = %v, want none", snap.Peers)
	}

	// The relay offers no ICE servers, so the local STUN server is used.
	servers := session.Manager.IceServers()
	if len(servers) != 1 || servers[0].URLs[0] != "stun:stun.example.com:3478" {
		t.Errorf("ice servers = %+v", servers)
	}

	summary := session.Summary()
	if summary.Room != "space-oddity" || !strings.HasSuffix(summary.Relay, "/ws/space-oddity") {
		t.Errorf("summary = %+v", summary)
	}

	session.Close()
}

func TestLoadConfigRejectsRelayWithoutTURN(t *testing.T) {
	t.Setenv("TURN_SERVER", "")
	if _, err := LoadConfig(config.Options{ForceRelay: true}); err == nil {
		t.Fatal("expected an error when forcing relay without TURN")
	}
}
