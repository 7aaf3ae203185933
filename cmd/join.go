package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/camuschat/camus-sub000/internal/config"
	"github.com/camuschat/camus-sub000/internal/discovery"
	"github.com/camuschat/camus-sub000/internal/relay"
	"github.com/camuschat/camus-sub000/internal/ui"
	"github.com/spf13/cobra"
)

var (
	flagServer       string
	flagDiscover     bool
	flagName         string
	flagPassword     string
	flagPublic       bool
	flagCodec        string
	flagSTUN         string
	flagTURN         string
	flagTURNUser     string
	flagTURNPass     string
	flagRelay        bool
	flagPublishAudio bool
)

var joinCmd = &cobra.Command{
	Use:     "join [ROOM]",
	Aliases: []string{"j"},
	Short:   "Join a room and connect to everyone in it",
	Long: `Join a room on a relay and negotiate a direct WebRTC connection with
every other participant. Without a room name a new one is created.

Examples:
  camus join space-oddity
  camus join --name "Major Tom" --server wss://relay.example.com/ws space-oddity
  camus join --password hunter2 --public space-oddity
  camus join --discover --publish-audio`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		roomID := relay.NewRoomName()
		if len(args) == 1 {
			roomID = strings.ToLower(args[0])
		}
		if !relay.ValidRoomName(roomID) {
			return fmt.Errorf("invalid room name %q: use letters, digits, '-' and '_'", roomID)
		}
		return joinRoom(cmd, roomID)
	},
}

func joinRoom(cmd *cobra.Command, roomID string) error {
	ctx := cmd.Context()

	opts := config.Options{
		ServerURL:  flagServer,
		Username:   flagName,
		Password:   flagPassword,
		Public:     flagPublic,
		STUNServer: flagSTUN,
		TURNServer: flagTURN,
		TURNUser:   flagTURNUser,
		TURNPass:   flagTURNPass,
		Codec:      flagCodec,
		ForceRelay: flagRelay,
	}

	if flagDiscover {
		sp := ui.NewConnectionSpinner("Looking for a relay on the local network...")
		sp.Start()
		browseCtx, cancel := context.WithTimeout(ctx, discovery.DefaultBrowseTimeout)
		url, err := discovery.Browse(browseCtx)
		cancel()
		if err != nil {
			sp.Error("No relay found on the local network")
			return err
		}
		sp.Success(fmt.Sprintf("Found relay at %s", url))
		opts.ServerURL = url
	}

	cfg, err := LoadConfig(opts)
	if err != nil {
		return err
	}

	session := NewSession(cfg, roomID)
	defer func() {
		session.Close()
		fmt.Println()
		ui.RenderSessionSummary(session.Summary())
	}()

	stopSpinner := ui.RunConnectionSpinner("Connecting to relay...")
	err = session.Start(ctx)
	stopSpinner()
	if err != nil {
		return err
	}

	fmt.Println(ui.NewRoomInfo(roomID, session.URL).View())
	fmt.Println()

	if flagPublishAudio {
		if err := session.PublishSilentAudio(); err != nil {
			ui.PrintWarningf("Could not publish audio: %v", err)
		}
	}

	// Give peers already in the room a moment to show up in the table.
	time.Sleep(200 * time.Millisecond)
	ui.RenderPeerTable(session.Snapshot().Peers)
	fmt.Println()

	return ui.RunMonitor(ctx, ui.MonitorConfig{
		RoomID:   roomID,
		Snapshot: session.Snapshot,
		Send:     session.Manager.SendText,
		Rename:   session.Manager.SetUsername,
	})
}

func init() {
	joinCmd.Flags().StringVarP(&flagServer, "server", "s", "", "Relay websocket URL (default: "+config.DefaultServerURL+")")
	joinCmd.Flags().BoolVar(&flagDiscover, "discover", false, "Find a relay on the local network via mDNS")
	joinCmd.Flags().StringVarP(&flagName, "name", "n", "", "Username shown to other participants")
	joinCmd.Flags().StringVarP(&flagPassword, "password", "p", "", "Room password, set by whoever creates the room")
	joinCmd.Flags().BoolVar(&flagPublic, "public", false, "List a newly created room on the relay's public room list")
	joinCmd.Flags().StringVar(&flagCodec, "codec", "", "Signaling codec: json or msgpack (default: "+config.DefaultCodec+")")
	joinCmd.Flags().StringVar(&flagSTUN, "stun", "", "Fallback STUN server")
	joinCmd.Flags().StringVar(&flagTURN, "turn", "", "Fallback TURN server")
	joinCmd.Flags().StringVar(&flagTURNUser, "turn-user", "", "TURN username")
	joinCmd.Flags().StringVar(&flagTURNPass, "turn-pass", "", "TURN password")
	joinCmd.Flags().BoolVar(&flagRelay, "relay", false, "Force relayed connections through TURN")
	joinCmd.Flags().BoolVar(&flagPublishAudio, "publish-audio", false, "Send a silent audio track to every peer")
	joinCmd.MarkFlagsMutuallyExclusive("server", "discover")

	rootCmd.AddCommand(joinCmd)
}
