package rtc

import (
	"errors"
	"io"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

const (
	opusFrameDuration = 20 * time.Millisecond
	opusFrameSamples  = 960
	opusPayloadType   = 111
)

// silentOpusFrame is a single opus packet encoding 20ms of silence.
var silentOpusFrame = []byte{0xf8, 0xff, 0xfe}

// LocalTrack is a pion RTP track that can be stopped. Writes after Stop are
// dropped.
type LocalTrack struct {
	*webrtc.TrackLocalStaticRTP

	stopOnce sync.Once
	done     chan struct{}
}

// NewLocalTrack creates a track for the given codec.
func NewLocalTrack(capability webrtc.RTPCodecCapability, id, streamID string) (*LocalTrack, error) {
	t, err := webrtc.NewTrackLocalStaticRTP(capability, id, streamID)
	if err != nil {
		return nil, WrapError("create track", err, id)
	}
	return &LocalTrack{TrackLocalStaticRTP: t, done: make(chan struct{})}, nil
}

func (t *LocalTrack) Stop() error {
	t.stopOnce.Do(func() { close(t.done) })
	return nil
}

// Done is closed once the track is stopped.
func (t *LocalTrack) Done() <-chan struct{} {
	return t.done
}

func (t *LocalTrack) Stopped() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// WriteRTP forwards pkt to every bound sender unless the track is stopped.
func (t *LocalTrack) WriteRTP(pkt *rtp.Packet) error {
	if t.Stopped() {
		return io.ErrClosedPipe
	}
	return t.TrackLocalStaticRTP.WriteRTP(pkt)
}

// NewSilentAudioTrack returns an opus track that sends silence until
// stopped. It keeps an audio sender busy without a capture device.
func NewSilentAudioTrack(id string) (*LocalTrack, error) {
	t, err := NewLocalTrack(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeOpus,
		ClockRate: 48000,
		Channels:  2,
	}, id, "camus")
	if err != nil {
		return nil, err
	}

	go t.writeSilence()
	return t, nil
}

func (t *LocalTrack) writeSilence() {
	ticker := time.NewTicker(opusFrameDuration)
	defer ticker.Stop()

	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    opusPayloadType,
			SequenceNumber: uint16(rand.UintN(1 << 16)),
			Timestamp:      rand.Uint32(),
			SSRC:           rand.Uint32(),
		},
		Payload: silentOpusFrame,
	}

	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			pkt.SequenceNumber++
			pkt.Timestamp += opusFrameSamples
			if err := t.WriteRTP(pkt); err != nil && !errors.Is(err, io.ErrClosedPipe) {
				return
			}
		}
	}
}
