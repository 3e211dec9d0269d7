package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ownerofglory/go-pion-whep-client/config"
	"github.com/ownerofglory/go-pion-whep-client/control"
	"github.com/ownerofglory/go-pion-whep-client/controlws"
	"github.com/ownerofglory/go-pion-whep-client/media"
	"github.com/ownerofglory/go-pion-whep-client/metrics"
	"github.com/ownerofglory/go-pion-whep-client/peer"
	"github.com/ownerofglory/go-pion-whep-client/whep"
	"github.com/pion/webrtc/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		slog.Error("Failed to load configuration", "err", err)
		os.Exit(1)
	}
	level, _ := cfg.Logging.SlogLevel()
	slog.SetLogLoggerLevel(level)
	logger := slog.Default()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(reg)
	metricsSrv := serveMetrics(cfg.Metrics.Address, reg)

	httpClient := &http.Client{Timeout: cfg.Stream.RequestTimeout}

	// fetch rtc configuration
	rtcCfg := rtcConfig(ctx, httpClient, cfg.RTC)

	// local playback
	var sink whep.PacketSink
	var forwarder *media.UDPForwarder
	if cfg.Playback.ForwardAddr != "" {
		forwarder, err = media.NewUDPForwarder(cfg.Playback.ForwardAddr, logger)
		if err != nil {
			slog.Error("Failed to create RTP forwarder", "err", err)
			return
		}
		defer forwarder.Close()
		sink = forwarder
	}

	session, err := whep.NewStreamSession(whep.Options{
		Config: whep.Config{
			GatherTimeout:   cfg.Stream.GatherTimeout,
			VerifyTimeout:   cfg.Stream.VerifyTimeout,
			PollInterval:    cfg.Stream.PollInterval,
			TeardownTimeout: cfg.Stream.TeardownTimeout,
		},
		Transport: peer.NewTransportFactory(rtcCfg, peer.Settings{
			UDPPortMin: cfg.RTC.UDPPortMin,
			UDPPortMax: cfg.RTC.UDPPortMax,
		}, logger),
		Exchanger: whep.NewExchanger(httpClient, logger),
		Sink:      sink,
		Metrics:   m,
		Logger:    logger,
	})
	if err != nil {
		slog.Error("Failed to create stream session", "err", err)
		return
	}

	var player *media.Player
	if cfg.Playback.Player {
		port, _ := cfg.Playback.ForwardPort()
		player = media.NewPlayer(port, logger)
		player.Pipeline = cfg.Playback.Pipeline
		player.OnExit = func(err error) {
			session.ReportMediaError("Playback pipeline exited: " + err.Error())
		}
	}

	// connect control channel
	var ctrl *controlws.Client
	reports := make(chan *control.StatusReport, 16)
	if cfg.Control.WSURL != "" {
		header := http.Header{}
		if cfg.Control.Origin != "" {
			header.Set("Origin", cfg.Control.Origin)
		}
		ctrl, err = controlws.NewWebSocketClient(cfg.Control.WSURL, header, logger)
		if err != nil {
			slog.Error("Failed to create web socket client", "err", err)
			return
		}
		defer ctrl.Close()
		go writeReports(ctx, ctrl, reports)
	}

	session.OnStatusChange(func(st whep.Status) {
		slog.Info("stream status", "session", st.SessionID, "state", st.State, "reason", st.Reason)

		if player != nil {
			if st.State == whep.Connected && st.Track != nil {
				if err := player.Play(st.Track.Codec().MimeType); err != nil {
					session.ReportMediaError("Failed to start playback: " + err.Error())
				}
			} else {
				player.Stop()
			}
		}

		if ctrl != nil {
			select {
			case reports <- control.NewStatusReport(st, session.Phase()):
			default:
				slog.Warn("control channel backlog full, dropping status report", "state", st.State)
			}
		}
	})

	if err := session.Configure(cfg.Stream.Endpoint, cfg.Stream.Paused); err != nil {
		slog.Error("Failed to configure stream session", "err", err)
		return
	}

	if ctrl != nil {
		go readCommands(ctrl, session)
	}

	// graceful shutdown
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	slog.Info("Shutting down...")
	// returns once the gateway session DELETE has completed or timed out
	session.Stop()
	if player != nil {
		player.Stop()
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer shutdownCancel()
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
}

func rtcConfig(ctx context.Context, client *http.Client, cfg config.RTCConfig) *webrtc.Configuration {
	if cfg.ConfigURL == "" {
		return peer.NewRTCConfig(cfg.WebRTCICEServers())
	}
	rtcCfg, err := peer.FetchRTCConfig(ctx, client, cfg.ConfigURL)
	if err != nil {
		slog.Warn("rtc-config fetch failed, fallback to configured servers", "err", err)
		return peer.NewRTCConfig(cfg.WebRTCICEServers())
	}
	return rtcCfg
}

func serveMetrics(addr string, reg *prometheus.Registry) *http.Server {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server failed", "addr", addr, "err", err)
		}
	}()
	return srv
}

func writeReports(ctx context.Context, c control.Client, reports <-chan *control.StatusReport) {
	for {
		select {
		case <-ctx.Done():
			return
		case r := <-reports:
			if err := c.Write(r); err != nil {
				slog.Warn("status report not sent", "err", err)
			}
		}
	}
}

// readCommands applies control commands until the channel closes.
func readCommands(c control.Client, session *whep.StreamSession) {
	for {
		cmd, err := c.Read()
		if err != nil {
			slog.Info("control channel ended", "err", err)
			return
		}
		slog.Info("control command", "endpoint", cmd.Endpoint, "paused", cmd.Paused)
		if err := session.Configure(cmd.Endpoint, cmd.Paused); err != nil {
			slog.Error("Failed to apply control command", "err", err)
		}
	}
}
