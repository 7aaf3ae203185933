package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/camuschat/camus-sub000/internal/signaling"
)

// Default configuration values
const (
	DefaultServerURL  = "ws://localhost:8080/ws"
	DefaultSTUN       = "stun:stun.l.google.com:19302"
	DefaultCodec      = "json"
	DefaultListenAddr = ":8080"
	DefaultSTUNPort   = 3478
	DefaultTURNPort   = 3478
)

// Config holds the client configuration
type Config struct {
	// ServerURL is the relay websocket base; room names are appended.
	ServerURL string

	Username string

	// Password and Public apply when this client creates the room.
	Password string
	Public   bool

	// ICE servers used when the relay hands out none
	STUNServer string
	TURNServer string
	TURNUser   string
	TURNPass   string

	Codec          signaling.Codec
	ReconnectDelay time.Duration
	RequestTimeout time.Duration

	// ForceRelay restricts ICE to TURN relays.
	ForceRelay bool
}

// Options for loading config with CLI flag overrides
type Options struct {
	ServerURL  string
	Username   string
	Password   string
	Public     bool
	STUNServer string
	TURNServer string
	TURNUser   string
	TURNPass   string
	Codec      string
	ForceRelay bool
}

// Load reads configuration with the following priority:
// 1. CLI flags (passed via Options) - highest priority
// 2. Environment variables
// 3. Hardcoded defaults - lowest priority
func Load(opts Options) (*Config, error) {
	cfg := &Config{
		ServerURL:  strings.TrimRight(pick(opts.ServerURL, "SERVER_URL", DefaultServerURL), "/"),
		Username:   pick(opts.Username, "USERNAME", signaling.DefaultUsername),
		Password:   pick(opts.Password, "ROOM_PASSWORD", ""),
		Public:     opts.Public,
		STUNServer: pick(opts.STUNServer, "STUN_SERVER", DefaultSTUN),
		TURNServer: pick(opts.TURNServer, "TURN_SERVER", ""),
		TURNUser:   pick(opts.TURNUser, "TURN_USERNAME", ""),
		TURNPass:   pick(opts.TURNPass, "TURN_PASSWORD", ""),
		ForceRelay: opts.ForceRelay,
	}

	if !strings.HasPrefix(cfg.ServerURL, "ws://") && !strings.HasPrefix(cfg.ServerURL, "wss://") {
		return nil, fmt.Errorf("server url %q: scheme must be ws or wss", cfg.ServerURL)
	}

	codec, err := signaling.CodecByName(pick(opts.Codec, "SIGNAL_CODEC", DefaultCodec))
	if err != nil {
		return nil, err
	}
	cfg.Codec = codec

	if cfg.ReconnectDelay, err = durationEnv("RECONNECT_DELAY", signaling.DefaultReconnectDelay); err != nil {
		return nil, err
	}
	if cfg.RequestTimeout, err = durationEnv("REQUEST_TIMEOUT", signaling.DefaultRequestTimeout); err != nil {
		return nil, err
	}

	if !cfg.ForceRelay {
		if cfg.ForceRelay, err = boolEnv("FORCE_RELAY"); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// RoomURL returns the websocket URL for a room, carrying the room password
// and visibility as query parameters.
func (c *Config) RoomURL(room string) string {
	q := url.Values{}
	if c.Password != "" {
		q.Set("password", c.Password)
	}
	if c.Public {
		q.Set("public", "true")
	}

	u := c.ShareURL(room)
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

// ShareURL returns the room's websocket URL without the password.
func (c *Config) ShareURL(room string) string {
	return c.ServerURL + "/" + room
}

// GetTURNServers returns TURN server URLs if configured
func (c *Config) GetTURNServers() []string {
	if c.TURNServer == "" {
		return nil
	}
	if strings.HasPrefix(c.TURNServer, "turn:") || strings.HasPrefix(c.TURNServer, "turns:") {
		return []string{c.TURNServer}
	}
	return []string{
		fmt.Sprintf("turn:%s:3478?transport=udp", c.TURNServer),
		fmt.Sprintf("turn:%s:3478?transport=tcp", c.TURNServer),
		fmt.Sprintf("turns:%s:5349?transport=tcp", c.TURNServer),
	}
}

// IceServers returns the locally configured STUN and TURN servers.
func (c *Config) IceServers() []signaling.IceServer {
	var servers []signaling.IceServer
	if c.STUNServer != "" {
		servers = append(servers, signaling.IceServer{URLs: []string{c.STUNServer}, Kind: "stun", Enabled: true})
	}
	if turn := c.GetTURNServers(); turn != nil {
		servers = append(servers, signaling.IceServer{
			URLs:       turn,
			Kind:       "turn",
			Username:   c.TURNUser,
			Credential: c.TURNPass,
			Enabled:    true,
		})
	}
	return servers
}

// ServerConfig holds the relay configuration
type ServerConfig struct {
	Addr       string
	STUNURLs   []string
	TURNURL    string
	TURNSecret string
	GuestLimit int
	Advertise  bool

	// RoomIdleTimeout closes rooms without traffic; negative disables it.
	RoomIdleTimeout time.Duration
}

// ServerOptions for loading the relay config with CLI flag overrides
type ServerOptions struct {
	Addr       string
	STUN       string
	TURN       string
	TURNSecret string
	GuestLimit int
	Advertise  bool

	RoomIdleTimeout time.Duration
}

// LoadServer reads the relay configuration: flags > environment > defaults.
// STUN and TURN may be given as host or host:port.
func LoadServer(opts ServerOptions) (*ServerConfig, error) {
	cfg := &ServerConfig{
		Addr:       pick(opts.Addr, "LISTEN_ADDR", DefaultListenAddr),
		TURNSecret: pick(opts.TURNSecret, "TURN_STATIC_AUTH_SECRET", ""),
		GuestLimit: opts.GuestLimit,
		Advertise:  opts.Advertise,

		RoomIdleTimeout: opts.RoomIdleTimeout,
	}

	if cfg.RoomIdleTimeout == 0 {
		var err error
		if cfg.RoomIdleTimeout, err = durationEnv("ROOM_IDLE_TIMEOUT", 0); err != nil {
			return nil, err
		}
	}

	stun, err := serverURL("stun", opts.STUN, "STUN_HOST", "STUN_PORT", DefaultSTUNPort)
	if err != nil {
		return nil, err
	}
	if stun != "" {
		cfg.STUNURLs = []string{stun}
	}

	if cfg.TURNURL, err = serverURL("turn", opts.TURN, "TURN_HOST", "TURN_PORT", DefaultTURNPort); err != nil {
		return nil, err
	}

	if cfg.GuestLimit == 0 {
		if v := os.Getenv("GUEST_LIMIT"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return nil, fmt.Errorf("GUEST_LIMIT: %w", err)
			}
			cfg.GuestLimit = n
		}
	}

	return cfg, nil
}

// serverURL builds "scheme:host:port" from a flag value or the host and
// port environment variables.
func serverURL(scheme, flag, hostEnv, portEnv string, defaultPort int) (string, error) {
	if flag != "" {
		if strings.HasPrefix(flag, scheme+":") {
			return flag, nil
		}
		if _, _, err := net.SplitHostPort(flag); err == nil {
			return scheme + ":" + flag, nil
		}
		return fmt.Sprintf("%s:%s:%d", scheme, flag, defaultPort), nil
	}

	host := os.Getenv(hostEnv)
	if host == "" {
		return "", nil
	}

	port := defaultPort
	if v := os.Getenv(portEnv); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 65535 {
			return "", fmt.Errorf("%s: invalid port %q", portEnv, v)
		}
		port = n
	}
	return fmt.Sprintf("%s:%s:%d", scheme, host, port), nil
}

func pick(flag, env, def string) string {
	if flag != "" {
		return flag
	}
	if v := os.Getenv(env); v != "" {
		return v
	}
	return def
}

func durationEnv(env string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(env)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", env, err)
	}
	return d, nil
}

func boolEnv(env string) (bool, error) {
	v := os.Getenv(env)
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s: %w", env, err)
	}
	return b, nil
}
