package whep

import (
	"context"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 1920x1080 baseline SPS, cropped from 1088 rows.
var testSPS = []byte{
	0x67, 0x42, 0xc0, 0x28, 0xd9, 0x00, 0x78, 0x02,
	0x27, 0xe5, 0x84, 0x00, 0x00, 0x03, 0x00, 0x04,
	0x00, 0x00, 0x03, 0x00, 0xf0, 0x3c, 0x60, 0xc9, 0x20,
}

func TestVP8Dimensions(t *testing.T) {
	d := &vp8Detector{}

	w, h, ok := d.dimensions(vp8KeyFrame(1280, 720))
	require.True(t, ok)
	assert.Equal(t, 1280, w)
	assert.Equal(t, 720, h)

	_, _, ok = d.dimensions(vp8InterFrame())
	assert.False(t, ok)

	// continuation packet of a key frame
	cont := vp8KeyFrame(1280, 720)
	cont.Payload[0] = 0x00
	_, _, ok = d.dimensions(cont)
	assert.False(t, ok)

	_, _, ok = d.dimensions(&rtp.Packet{Payload: []byte{0x10}})
	assert.False(t, ok)
}

func TestH264Dimensions(t *testing.T) {
	d := &h264Detector{}

	w, h, ok := d.dimensions(&rtp.Packet{Payload: testSPS})
	require.True(t, ok)
	assert.Equal(t, 1920, w)
	assert.Equal(t, 1080, h)

	// non-IDR slice
	_, _, ok = d.dimensions(&rtp.Packet{Payload: []byte{0x41, 0x9a, 0x00, 0x10}})
	assert.False(t, ok)
}

func TestDetectorSelection(t *testing.T) {
	assert.IsType(t, &vp8Detector{}, newDimensionDetector("video/VP8"))
	assert.IsType(t, &h264Detector{}, newDimensionDetector("video/h264"))
	assert.Nil(t, newDimensionDetector("video/AV1"))
}

func TestProbeRunsUntilTrackEnds(t *testing.T) {
	track := newFakeTrack("video/VP8")
	probe := newFrameProbe(track, nil, testLogger())

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = probe.run(context.Background(), func(error) { t.Error("unexpected media error") })
	}()

	track.packets <- vp8InterFrame()
	assert.False(t, probe.flowing())
	track.packets <- vp8KeyFrame(320, 240)

	require.Eventually(t, probe.flowing, time.Second, 5*time.Millisecond)
	w, h := probe.dimensions()
	assert.Equal(t, 320, w)
	assert.Equal(t, 240, h)
	assert.EqualValues(t, 2, probe.packets.Load())

	track.close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("probe did not stop after track ended")
	}
}
