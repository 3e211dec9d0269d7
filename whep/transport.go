package whep

import (
	"context"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// Transport is one receive-only peer connection. A Transport is used for a single
// negotiation attempt and is closed when the attempt ends.
type Transport interface {
	// Offer creates the local offer, applies it and starts ICE gathering.
	// The returned channel is closed once gathering completes.
	Offer() (<-chan struct{}, error)
	// LocalDescription returns the local description including the candidates gathered so far.
	LocalDescription() *webrtc.SessionDescription
	SetAnswer(answer webrtc.SessionDescription) error
	OnTrack(f func(track RemoteTrack))
	// OnFailure is called with a human readable reason when the connection
	// fails, disconnects or closes.
	OnFailure(f func(reason string))
	Close() error
}

// TransportFactory builds a fresh Transport for every attempt.
type TransportFactory func() (Transport, error)

// RemoteTrack is the inbound media track. *webrtc.TrackRemote satisfies it.
type RemoteTrack interface {
	ID() string
	Kind() webrtc.RTPCodecType
	Codec() webrtc.RTPCodecParameters
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// PacketSink receives every RTP packet of the inbound track, e.g. a local playback pipeline.
type PacketSink interface {
	WriteRTP(pkt *rtp.Packet) error
}

// firstOf waits for event or for d to elapse, whichever comes first.
// It reports true when the event won. Timer-wins is not an error.
func firstOf(ctx context.Context, event <-chan struct{}, d time.Duration) (bool, error) {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-event:
		return true, nil
	case <-timer.C:
		return false, nil
	case <-ctx.Done():
		return false, context.Cause(ctx)
	}
}
