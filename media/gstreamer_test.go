package media

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultPlaybackPipeline(t *testing.T) {
	tests := []struct {
		mime    string
		want    string
		wantErr bool
	}{
		{mime: "video/VP8", want: "rtpvp8depay ! vp8dec"},
		{mime: "video/H264", want: "rtph264depay ! h264parse ! avdec_h264"},
		{mime: "video/AV1", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.mime, func(t *testing.T) {
			p, err := DefaultPlaybackPipeline(tt.mime, 5004)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Contains(t, p, "udpsrc port=5004")
			assert.Contains(t, p, tt.want)
		})
	}
}

func TestPlayerStopDoesNotReportExit(t *testing.T) {
	p := NewPlayer(5004, testLogger())
	p.Command = []string{"sh", "-c", "exec sleep 30", "player"}
	p.OnExit = func(err error) { t.Errorf("unexpected exit report: %v", err) }

	require.NoError(t, p.Play("video/VP8"))
	// same codec keeps the running pipeline
	require.NoError(t, p.Play("video/VP8"))

	stopped := make(chan struct{})
	go func() {
		p.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}
}

func TestPlayerReportsUnexpectedExit(t *testing.T) {
	p := NewPlayer(5004, testLogger())
	p.Command = []string{"sh", "-c", "exit 3", "player"}
	exits := make(chan error, 1)
	p.OnExit = func(err error) { exits <- err }

	require.NoError(t, p.Play("video/H264"))

	select {
	case err := <-exits:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "exit status 3")
	case <-time.After(5 * time.Second):
		t.Fatal("exit was not reported")
	}
	p.Stop()
}

func TestPlayerUnknownCodec(t *testing.T) {
	p := NewPlayer(5004, testLogger())
	require.Error(t, p.Play("video/AV1"))
}
