package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/camuschat/camus-sub000/internal/rtc"
	"github.com/camuschat/camus-sub000/internal/utils"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	pretty "github.com/jedib0t/go-pretty/v6/table"
	"github.com/pion/webrtc/v4"
)

// PeerRow is one remote participant as shown in the peer table.
type PeerRow struct {
	ID         string
	Username   string
	Polite     bool
	Signaling  webrtc.SignalingState
	Connection webrtc.PeerConnectionState
	ICE        webrtc.ICEConnectionState
	Tracks     int
}

// RowFromPeer captures the current state of p.
func RowFromPeer(p *rtc.MediaPeer) PeerRow {
	return PeerRow{
		ID:         p.ID(),
		Username:   p.Username(),
		Polite:     p.Polite(),
		Signaling:  p.SignalingState(),
		Connection: p.ConnectionState(),
		ICE:        p.ICEConnectionState(),
		Tracks:     len(p.RemoteTracks()),
	}
}

// RowsFromPeers captures every peer in order.
func RowsFromPeers(peers []*rtc.MediaPeer) []PeerRow {
	rows := make([]PeerRow, 0, len(peers))
	for _, p := range peers {
		rows = append(rows, RowFromPeer(p))
	}
	return rows
}

// PeerTableView renders peers using lipgloss/table.
func PeerTableView(peers []PeerRow) string {
	if len(peers) == 0 {
		return MutedStyle.Render("No peers yet")
	}

	headers := []string{"ID", "Username", "Role", "Signaling", "Connection", "ICE", "Tracks"}

	var rows [][]string
	for _, p := range peers {
		role := "impolite"
		if p.Polite {
			role = "polite"
		}
		rows = append(rows, []string{
			utils.ShortID(p.ID),
			utils.TruncateString(p.Username, 24),
			role,
			p.Signaling.String(),
			p.Connection.String(),
			p.ICE.String(),
			fmt.Sprintf("%d", p.Tracks),
		})
	}

	tbl := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(Primary)).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return TableHeaderStyle
			case col == 4 && row >= 0 && row < len(peers):
				return tableCellStyle.Inherit(StateStyle(peers[row].Connection))
			case row%2 == 0:
				return TableRowStyle
			default:
				return TableRowAltStyle
			}
		})

	return tbl.Render()
}

// RenderPeerTable outputs the peer table directly to stdout
func RenderPeerTable(peers []PeerRow) {
	fmt.Println(PeerTableView(peers))
}

// SessionSummary describes a finished room session.
type SessionSummary struct {
	Room      string
	SelfID    string
	Username  string
	Duration  time.Duration
	PeersSeen int
	Messages  int
	Relay     string
}

// SessionSummaryView renders the summary with go-pretty.
func SessionSummaryView(s SessionSummary) string {
	t := pretty.NewWriter()
	t.SetStyle(pretty.StyleRounded)
	t.SetTitle("Session summary")
	t.AppendHeader(pretty.Row{"Metric", "Value"})
	t.AppendRows([]pretty.Row{
		{"Room", s.Room},
		{"Relay", s.Relay},
		{"Self", fmt.Sprintf("%s (%s)", s.Username, utils.ShortID(s.SelfID))},
		{"Duration", utils.FormatTimeDuration(s.Duration)},
		{"Peers seen", s.PeersSeen},
		{"Messages", s.Messages},
	})
	return t.Render()
}

func RenderSessionSummary(s SessionSummary) {
	fmt.Println(SessionSummaryView(s))
}

type RoomInfo struct {
	RoomID  string
	RoomURL string
}

func NewRoomInfo(roomID, roomURL string) *RoomInfo {
	return &RoomInfo{
		RoomID:  roomID,
		RoomURL: roomURL,
	}
}

func (r *RoomInfo) View() string {
	boxStyle := lipgloss.NewStyle().
		Border(lipgloss.DoubleBorder()).
		BorderForeground(Success).
		Padding(1, 2)

	var b strings.Builder
	fmt.Fprintf(&b, "%s Joined room\n\n", IconRoom)
	fmt.Fprintf(&b, "%s Room:   %s\n", IconCopy, BoldStyle.Foreground(Primary).Render(r.RoomID))
	fmt.Fprintf(&b, "%s Share:  %s", IconLink, MutedStyle.Render(r.RoomURL))

	return boxStyle.Render(b.String())
}
