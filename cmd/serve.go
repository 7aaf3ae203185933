package cmd

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/camuschat/camus-sub000/internal/config"
	"github.com/camuschat/camus-sub000/internal/discovery"
	"github.com/camuschat/camus-sub000/internal/relay"
	"github.com/camuschat/camus-sub000/internal/ui"
	"github.com/camuschat/camus-sub000/internal/utils"
	"github.com/spf13/cobra"
)

var (
	flagAddr       string
	flagServeSTUN  string
	flagServeTURN  string
	flagTURNSecret string
	flagGuestLimit int
	flagAdvertise  bool
	flagRoomIdle   time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a signaling relay",
	Long: `Run the relay ("ground control") that passes signaling messages
between participants of each room and hands out ICE servers.

Examples:
  camus serve
  camus serve --addr :9000 --stun stun.example.com
  camus serve --turn turn.example.com --turn-secret s3cret --advertise`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
}

func serve(ctx context.Context) error {
	cfg, err := config.LoadServer(config.ServerOptions{
		Addr:       flagAddr,
		STUN:       flagServeSTUN,
		TURN:       flagServeTURN,
		TURNSecret: flagTURNSecret,
		GuestLimit: flagGuestLimit,
		Advertise:  flagAdvertise,

		RoomIdleTimeout: flagRoomIdle,
	})
	if err != nil {
		return err
	}

	srv := relay.NewServer(relay.Config{
		Addr:       cfg.Addr,
		STUNURLs:   cfg.STUNURLs,
		TURNURL:    cfg.TURNURL,
		TURNSecret: cfg.TURNSecret,
		GuestLimit: cfg.GuestLimit,

		RoomIdleTimeout: cfg.RoomIdleTimeout,
	})

	if cfg.Advertise {
		ad, err := advertise(cfg.Addr)
		if err != nil {
			ui.PrintWarningf("Could not advertise relay: %v", err)
		} else {
			defer ad.Shutdown()
			ui.PrintInfof("%s Advertising %s on the local network", ui.IconRadio, discovery.Service)
		}
	}

	ui.PrintSuccessf("%s Ground control listening on %s", ui.IconRelay, cfg.Addr)
	if cfg.TURNURL != "" && cfg.TURNSecret != "" {
		ui.PrintInfof("Issuing TURN credentials for %s", cfg.TURNURL)
	}

	start := time.Now()
	err = srv.ListenAndServe(ctx)
	fmt.Println()
	ui.PrintInfof("Relay stopped after %s", utils.FormatTimeDuration(time.Since(start)))
	return err
}

func advertise(addr string) (*discovery.Advertisement, error) {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("listen port %q: %w", portStr, err)
	}

	host, err := os.Hostname()
	if err != nil {
		host = "camus"
	}
	return discovery.Advertise("camus relay on "+host, port, "/ws")
}

func init() {
	serveCmd.Flags().StringVarP(&flagAddr, "addr", "a", "", "Listen address (default: "+config.DefaultListenAddr+")")
	serveCmd.Flags().StringVar(&flagServeSTUN, "stun", "", "STUN host[:port] handed to clients")
	serveCmd.Flags().StringVar(&flagServeTURN, "turn", "", "TURN host[:port] handed to clients")
	serveCmd.Flags().StringVar(&flagTURNSecret, "turn-secret", "", "Static auth secret shared with the TURN server")
	serveCmd.Flags().IntVar(&flagGuestLimit, "guest-limit", 0, "Maximum participants per room (default 10, negative for unlimited)")
	serveCmd.Flags().DurationVar(&flagRoomIdle, "room-idle-timeout", 0, "Close rooms without traffic for this long (default 1h, negative to disable)")
	serveCmd.Flags().BoolVar(&flagAdvertise, "advertise", false, "Advertise the relay via mDNS")

	rootCmd.AddCommand(serveCmd)
}
