package peer

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/ownerofglory/go-pion-whep-client/whep"
	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
)

// Settings tune the pion setting engine.
type Settings struct {
	UDPPortMin uint16
	UDPPortMax uint16
}

// Conn is a receive-only video peer connection implementing whep.Transport.
type Conn struct {
	pc  *webrtc.PeerConnection
	log *slog.Logger

	mx        sync.RWMutex
	onTrack   func(whep.RemoteTrack)
	onFailure func(string)
}

var _ whep.Transport = (*Conn)(nil)

// NewTransportFactory returns a factory building a fresh peer connection per attempt.
func NewTransportFactory(cfg *webrtc.Configuration, settings Settings, logger *slog.Logger) whep.TransportFactory {
	if logger == nil {
		logger = slog.Default()
	}
	return func() (whep.Transport, error) {
		c, err := NewConn(cfg, settings, logger)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

func NewConn(cfg *webrtc.Configuration, settings Settings, logger *slog.Logger) (*Conn, error) {
	api, err := newAPI(settings)
	if err != nil {
		return nil, err
	}

	pc, err := api.NewPeerConnection(*cfg)
	if err != nil {
		logger.Warn("webrtc PC create failed, retrying with STUN-only", "err", err)
		pc, err = api.NewPeerConnection(stunOnlyConfig())
		if err != nil {
			return nil, fmt.Errorf("NewPeerConnection failed: %w", err)
		}
	}

	// exactly one inbound video track, no audio
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("add video transceiver: %w", err)
	}

	c := &Conn{pc: pc, log: logger}

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		c.log.Debug("ICE connection state", "state", s)
		switch s {
		case webrtc.ICEConnectionStateFailed,
			webrtc.ICEConnectionStateDisconnected,
			webrtc.ICEConnectionStateClosed:
			c.fail(fmt.Sprintf("ICE connection %s", s))
		}
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		c.log.Info("PeerConnection state", "state", s)
		switch s {
		case webrtc.PeerConnectionStateFailed,
			webrtc.PeerConnectionStateDisconnected,
			webrtc.PeerConnectionStateClosed:
			c.fail(fmt.Sprintf("Connection %s", s))
		}
	})

	pc.OnTrack(func(tr *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		c.log.Info("Got remote track", "track", tr.Codec().MimeType, "ssrc", tr.SSRC())
		if tr.Kind() != webrtc.RTPCodecTypeVideo {
			return
		}
		// ask for a key frame so the frame size is known without waiting for the next GOP
		if err := pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(tr.SSRC())}}); err != nil {
			c.log.Debug("PLI write failed", "err", err)
		}

		c.mx.RLock()
		f := c.onTrack
		c.mx.RUnlock()
		if f != nil {
			f(tr)
		}
	})

	return c, nil
}

func newAPI(settings Settings) (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	if err := registerVideoCodecs(m); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	i := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{}
	if settings.UDPPortMin != 0 || settings.UDPPortMax != 0 {
		if err := se.SetEphemeralUDPPortRange(settings.UDPPortMin, settings.UDPPortMax); err != nil {
			return nil, fmt.Errorf("udp port range: %w", err)
		}
	}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(i),
		webrtc.WithSettingEngine(se),
	), nil
}

// registerVideoCodecs limits negotiation to codecs whose frame size can be read from RTP.
func registerVideoCodecs(m *webrtc.MediaEngine) error {
	feedback := []webrtc.RTCPFeedback{
		{Type: "goog-remb"},
		{Type: "ccm", Parameter: "fir"},
		{Type: "nack"},
		{Type: "nack", Parameter: "pli"},
	}
	codecs := []webrtc.RTPCodecParameters{
		{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType: webrtc.MimeTypeVP8, ClockRate: 90000, RTCPFeedback: feedback,
			},
			PayloadType: 96,
		},
		{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType: webrtc.MimeTypeH264, ClockRate: 90000,
				SDPFmtpLine:  "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
				RTCPFeedback: feedback,
			},
			PayloadType: 102,
		},
		{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType: webrtc.MimeTypeH264, ClockRate: 90000,
				SDPFmtpLine:  "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=640032",
				RTCPFeedback: feedback,
			},
			PayloadType: 112,
		},
	}
	for _, c := range codecs {
		if err := m.RegisterCodec(c, webrtc.RTPCodecTypeVideo); err != nil {
			return err
		}
	}
	return nil
}

func (c *Conn) Offer() (<-chan struct{}, error) {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return nil, fmt.Errorf("create offer: %w", err)
	}

	gathered := webrtc.GatheringCompletePromise(c.pc)
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return nil, fmt.Errorf("set local description: %w", err)
	}
	return gathered, nil
}

func (c *Conn) LocalDescription() *webrtc.SessionDescription {
	return c.pc.LocalDescription()
}

func (c *Conn) SetAnswer(answer webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(answer)
}

func (c *Conn) OnTrack(f func(whep.RemoteTrack)) {
	c.mx.Lock()
	defer c.mx.Unlock()
	c.onTrack = f
}

func (c *Conn) OnFailure(f func(string)) {
	c.mx.Lock()
	defer c.mx.Unlock()
	c.onFailure = f
}

func (c *Conn) Close() error {
	if err := c.pc.Close(); err != nil {
		c.log.Warn("PeerConnection shutdown failed", "err", err)
		return err
	}
	return nil
}

func (c *Conn) fail(reason string) {
	c.mx.RLock()
	f := c.onFailure
	c.mx.RUnlock()
	if f != nil {
		f(reason)
	}
}

func stunOnlyConfig() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{DefaultSTUNServer}},
		},
	}
}
