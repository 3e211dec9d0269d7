package whep

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/bluenviron/mediacommon/pkg/codecs/h264"
	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v4"
)

// frameProbe reads the inbound track, forwards every packet to the sink and
// records the frame dimensions once a decodable key frame header is seen.
type frameProbe struct {
	track  RemoteTrack
	sink   PacketSink
	detect dimensionDetector
	log    *slog.Logger

	width   atomic.Uint32
	height  atomic.Uint32
	packets atomic.Uint64
}

type dimensionDetector interface {
	dimensions(pkt *rtp.Packet) (width, height int, ok bool)
}

func newFrameProbe(track RemoteTrack, sink PacketSink, logger *slog.Logger) *frameProbe {
	mime := track.Codec().MimeType
	detect := newDimensionDetector(mime)
	if detect == nil {
		logger.Warn("no dimension detector for codec, media flow cannot be verified", "mime", mime)
	}
	return &frameProbe{
		track:  track,
		sink:   sink,
		detect: detect,
		log:    logger,
	}
}

func newDimensionDetector(mime string) dimensionDetector {
	switch {
	case strings.EqualFold(mime, webrtc.MimeTypeVP8):
		return &vp8Detector{}
	case strings.EqualFold(mime, webrtc.MimeTypeH264):
		return &h264Detector{}
	default:
		return nil
	}
}

// run reads until the track ends. Read errors after teardown are expected and not reported.
// A sink write error cancels the attempt through onMediaError.
func (p *frameProbe) run(ctx context.Context, onMediaError func(error)) error {
	for {
		pkt, _, err := p.track.ReadRTP()
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, io.EOF) {
				p.log.Debug("track read ended", "track", p.track.ID(), "err", err)
			}
			return nil
		}
		p.packets.Add(1)

		if p.sink != nil {
			if err := p.sink.WriteRTP(pkt); err != nil {
				onMediaError(&MediaError{Reason: fmt.Sprintf("Media sink error: %v", err)})
				return nil
			}
		}

		if p.detect != nil && !p.flowing() {
			if w, h, ok := p.detect.dimensions(pkt); ok {
				p.width.Store(uint32(w))
				p.height.Store(uint32(h))
				p.log.Info("frame dimensions detected", "track", p.track.ID(), "width", w, "height", h)
			}
		}
	}
}

func (p *frameProbe) flowing() bool {
	return p.width.Load() > 0 && p.height.Load() > 0
}

func (p *frameProbe) dimensions() (int, int) {
	return int(p.width.Load()), int(p.height.Load())
}

// vp8Detector reads the key frame header: 3 byte frame tag, start code 9d 01 2a,
// then 14 bit width and height.
type vp8Detector struct {
	depacketizer codecs.VP8Packet
}

func (d *vp8Detector) dimensions(pkt *rtp.Packet) (int, int, bool) {
	payload, err := d.depacketizer.Unmarshal(pkt.Payload)
	if err != nil {
		return 0, 0, false
	}
	if d.depacketizer.S != 1 || d.depacketizer.PID != 0 || len(payload) < 10 {
		return 0, 0, false
	}
	// inverse key frame flag
	if payload[0]&0x01 != 0 {
		return 0, 0, false
	}
	if payload[3] != 0x9d || payload[4] != 0x01 || payload[5] != 0x2a {
		return 0, 0, false
	}
	width := int(binary.LittleEndian.Uint16(payload[6:8]) & 0x3fff)
	height := int(binary.LittleEndian.Uint16(payload[8:10]) & 0x3fff)
	return width, height, width > 0 && height > 0
}

// h264Detector looks for a sequence parameter set in the depacketized NAL units.
type h264Detector struct {
	depacketizer codecs.H264Packet
}

func (d *h264Detector) dimensions(pkt *rtp.Packet) (int, int, bool) {
	annexb, err := d.depacketizer.Unmarshal(pkt.Payload)
	if err != nil || len(annexb) == 0 {
		return 0, 0, false
	}
	nalus, err := h264.AnnexBUnmarshal(annexb)
	if err != nil {
		return 0, 0, false
	}
	for _, nalu := range nalus {
		if len(nalu) == 0 || h264.NALUType(nalu[0]&0x1f) != h264.NALUTypeSPS {
			continue
		}
		var sps h264.SPS
		if err := sps.Unmarshal(nalu); err != nil {
			continue
		}
		if w, h := sps.Width(), sps.Height(); w > 0 && h > 0 {
			return w, h, true
		}
	}
	return 0, 0, false
}
