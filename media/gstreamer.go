package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
)

const gstStopWait = 2 * time.Second

// DefaultPlaybackPipeline renders RTP arriving on port for the given codec.
func DefaultPlaybackPipeline(mime string, port int) (string, error) {
	var depay string
	switch {
	case strings.EqualFold(mime, webrtc.MimeTypeVP8):
		depay = "encoding-name=VP8 ! rtpjitterbuffer ! rtpvp8depay ! vp8dec"
	case strings.EqualFold(mime, webrtc.MimeTypeH264):
		depay = "encoding-name=H264 ! rtpjitterbuffer ! rtph264depay ! h264parse ! avdec_h264"
	default:
		return "", fmt.Errorf("no playback pipeline for %s", mime)
	}
	return fmt.Sprintf("udpsrc port=%d caps=application/x-rtp,media=video,clock-rate=90000,%s ! videoconvert ! autovideosink sync=false",
		port, depay), nil
}

// StartGst launches command with the pipeline elements appended. The process gets
// SIGINT when ctx ends so gst-launch can send EOS before exiting.
func StartGst(ctx context.Context, command []string, pipeline string, tag string, logger *slog.Logger) (*exec.Cmd, error) {
	if len(command) == 0 {
		command = []string{"gst-launch-1.0", "-e"}
	}
	// split command: gst-launch-1.0 <elements...>
	args := append(append([]string{}, command[1:]...), strings.Fields(pipeline)...)
	cmd := exec.CommandContext(ctx, command[0], args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.WaitDelay = gstStopWait
	if err := cmd.Start(); err != nil {
		logger.Error("Failed to start gst-launch", "tag", tag, "args", cmd.Args, "err", err)
		return nil, fmt.Errorf("start %s: %w", command[0], err)
	}
	logger.Info("Started gst-launch", "tag", tag, "pid", cmd.Process.Pid, "args", cmd.Args)
	return cmd, nil
}

// Player runs one playback pipeline at a time for the live track.
type Player struct {
	// Command replaces gst-launch-1.0 -e.
	Command []string
	// Pipeline overrides the codec default.
	Pipeline string
	Port     int
	// OnExit is called when the pipeline exits without being stopped.
	OnExit func(error)

	log *slog.Logger

	mx     sync.Mutex
	mime   string
	cancel context.CancelFunc
	done   chan struct{}
}

func NewPlayer(port int, logger *slog.Logger) *Player {
	if logger == nil {
		logger = slog.Default()
	}
	return &Player{Port: port, log: logger}
}

// Play starts a pipeline for mime, replacing one running for a different codec.
func (p *Player) Play(mime string) error {
	p.mx.Lock()
	if p.done != nil && p.mime == mime {
		select {
		case <-p.done:
		default:
			p.mx.Unlock()
			return nil
		}
	}
	p.mx.Unlock()
	p.Stop()

	pipeline := p.Pipeline
	if pipeline == "" {
		var err error
		if pipeline, err = DefaultPlaybackPipeline(mime, p.Port); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	cmd, err := StartGst(ctx, p.Command, pipeline, mime, p.log)
	if err != nil {
		cancel()
		return err
	}
	done := make(chan struct{})

	p.mx.Lock()
	p.mime, p.cancel, p.done = mime, cancel, done
	p.mx.Unlock()

	go p.supervise(ctx, cmd, done)
	return nil
}

func (p *Player) supervise(ctx context.Context, cmd *exec.Cmd, done chan struct{}) {
	err := cmd.Wait()
	stopped := ctx.Err() != nil
	close(done)

	if stopped {
		p.log.Debug("playback pipeline stopped", "pid", cmd.Process.Pid)
		return
	}
	if err == nil {
		err = errors.New("exited")
	}
	p.log.Warn("playback pipeline exited", "pid", cmd.Process.Pid, "err", err)
	if p.OnExit != nil {
		p.OnExit(err)
	}
}

// Stop ends the running pipeline and waits for it to exit.
func (p *Player) Stop() {
	p.mx.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done, p.mime = nil, nil, ""
	p.mx.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}
