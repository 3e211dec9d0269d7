package whep

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/ownerofglory/go-pion-whep-client/metrics"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultGatherTimeout   = 5 * time.Second
	DefaultVerifyTimeout   = 30 * time.Second
	DefaultPollInterval    = 500 * time.Millisecond
	DefaultTeardownTimeout = 2 * time.Second
)

// Config bounds every suspension point of a negotiation attempt.
type Config struct {
	GatherTimeout time.Duration
	VerifyTimeout time.Duration
	PollInterval  time.Duration
	// TeardownTimeout bounds the background DELETE of the gateway session resource.
	TeardownTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.GatherTimeout <= 0 {
		c.GatherTimeout = DefaultGatherTimeout
	}
	if c.VerifyTimeout <= 0 {
		c.VerifyTimeout = DefaultVerifyTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.TeardownTimeout <= 0 {
		c.TeardownTimeout = DefaultTeardownTimeout
	}
	return c
}

type Options struct {
	Config    Config
	Transport TransportFactory
	// Exchanger defaults to one using http.DefaultClient.
	Exchanger *Exchanger
	// Sink optionally receives the inbound RTP stream.
	Sink    PacketSink
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// StreamSession supervises at most one negotiation attempt against a stream endpoint.
//
// The status handler is called synchronously from the session's goroutines and must
// not call back into the same StreamSession on that goroutine.
type StreamSession struct {
	cfg          Config
	newTransport TransportFactory
	exchanger    *Exchanger
	sink         PacketSink
	metrics      *metrics.Metrics
	log          *slog.Logger

	handler atomic.Value // func(Status)

	// serializes Start, Pause, Resume, Configure and Stop
	opMu sync.Mutex

	// in-flight DELETEs of gateway session resources
	releases sync.WaitGroup

	mu        sync.Mutex
	gen       uint64
	endpoint  string
	paused    bool
	closed    bool
	current   *attempt
	liveTrack RemoteTrack
	phase     Phase
	state     ConnectionState
	reason    string
}

type arrivedTrack struct {
	track RemoteTrack
	at    time.Time
}

// attempt is a single Session: one transport, one offer/answer exchange, one verification.
type attempt struct {
	id        string
	gen       uint64
	endpoint  string
	startedAt time.Time
	log       *slog.Logger

	transport Transport
	ctx       context.Context
	cancel    context.CancelCauseFunc
	group     errgroup.Group
	tracks    chan arrivedTrack

	// written by the attempt goroutine, read after group.Wait
	resource string
}

func NewStreamSession(opts Options) (*StreamSession, error) {
	if opts.Transport == nil {
		return nil, errors.New("transport factory is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	exchanger := opts.Exchanger
	if exchanger == nil {
		exchanger = NewExchanger(nil, logger)
	}
	return &StreamSession{
		cfg:          opts.Config.withDefaults(),
		newTransport: opts.Transport,
		exchanger:    exchanger,
		sink:         opts.Sink,
		metrics:      opts.Metrics,
		log:          logger,
	}, nil
}

// OnStatusChange replaces the status handler. It takes effect for the next event
// and never restarts a running negotiation.
func (s *StreamSession) OnStatusChange(f func(Status)) {
	s.handler.Store(f)
}

// Start begins negotiating against endpoint. It is a no-op when an attempt for the
// same endpoint is already running and has not failed.
func (s *StreamSession) Start(endpoint string) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.start(endpoint)
}

// Pause tears down the running attempt and reports Connecting.
func (s *StreamSession) Pause() {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.paused = true
	s.mu.Unlock()

	s.teardown()
	s.emit(nil, Status{State: Connecting})
}

// Resume clears the pause flag and starts a fresh attempt if an endpoint is known.
func (s *StreamSession) Resume() error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.paused = false
	endpoint := s.endpoint
	s.mu.Unlock()

	if endpoint == "" {
		return nil
	}
	return s.start(endpoint)
}

// Configure applies the caller's current endpoint and pause flag.
func (s *StreamSession) Configure(endpoint string, paused bool) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	wasPaused := s.paused
	active := s.current != nil
	s.endpoint = endpoint
	s.paused = paused
	s.mu.Unlock()

	if paused {
		if !wasPaused || active {
			s.teardown()
			s.emit(nil, Status{State: Connecting})
		}
		return nil
	}
	if endpoint == "" {
		s.teardown()
		s.emit(nil, Status{State: Connecting})
		return nil
	}
	return s.start(endpoint)
}

// Stop tears down the running attempt and waits for pending gateway session
// releases, each bounded by TeardownTimeout. No status is delivered after Stop returns.
func (s *StreamSession) Stop() {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.teardown()
	s.releases.Wait()
}

// ReportMediaError fails the running attempt on behalf of the downstream media pipeline.
func (s *StreamSession) ReportMediaError(reason string) {
	s.mu.Lock()
	a := s.current
	s.mu.Unlock()
	if a == nil {
		return
	}
	if reason == "" {
		reason = "Media playback error"
	}
	a.cancel(&MediaError{Reason: reason})
}

// State returns the last reported connection state and its reason.
func (s *StreamSession) State() (ConnectionState, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.reason
}

func (s *StreamSession) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Track returns the inbound track while the session is live, nil otherwise.
func (s *StreamSession) Track() RemoteTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.liveTrack
}

// start must be called with opMu held.
func (s *StreamSession) start(endpoint string) error {
	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return ErrClosed
	case s.paused:
		s.mu.Unlock()
		return ErrPaused
	case endpoint == "":
		s.mu.Unlock()
		return ErrNoEndpoint
	}
	if a := s.current; a != nil && a.endpoint == endpoint && s.phase != PhaseFailed {
		s.mu.Unlock()
		s.log.Debug("already negotiating with endpoint", "endpoint", endpoint, "session", a.id)
		return nil
	}
	s.endpoint = endpoint
	s.mu.Unlock()

	s.teardown()

	transport, err := s.newTransport()
	if err != nil {
		err = fmt.Errorf("Failed to create peer connection: %w", err)
		s.log.Error("transport init failed", "endpoint", endpoint, "err", err)
		s.mu.Lock()
		s.phase = PhaseFailed
		s.mu.Unlock()
		s.metrics.SessionFailed(failureKind(err))
		s.emit(nil, Status{State: Connecting})
		s.emit(nil, Status{State: Error, Reason: failureReason(err)})
		return err
	}

	a := s.newAttempt(endpoint, transport)

	s.mu.Lock()
	s.gen++
	a.gen = s.gen
	s.current = a
	s.phase = PhaseGathering
	s.mu.Unlock()

	s.metrics.SessionStarted()
	a.log.Info("session starting")
	s.emit(a, Status{SessionID: a.id, State: Connecting})

	a.group.Go(func() error {
		s.run(a)
		return nil
	})
	return nil
}

func (s *StreamSession) newAttempt(endpoint string, transport Transport) *attempt {
	id := uuid.NewString()
	ctx, cancel := context.WithCancelCause(context.Background())
	a := &attempt{
		id:        id,
		endpoint:  endpoint,
		startedAt: time.Now(),
		log:       s.log.With("session", id, "endpoint", endpoint),
		transport: transport,
		ctx:       ctx,
		cancel:    cancel,
		tracks:    make(chan arrivedTrack, 1),
	}

	transport.OnTrack(func(track RemoteTrack) {
		select {
		case a.tracks <- arrivedTrack{track: track, at: time.Now()}:
			a.log.Info("got remote track", "track", track.ID(), "mime", track.Codec().MimeType)
		default:
			a.log.Warn("ignoring additional remote track", "track", track.ID())
		}
	})
	transport.OnFailure(func(reason string) {
		a.cancel(&TransportError{Reason: reason})
	})
	return a
}

// teardown must be called with opMu held. It returns once the attempt's
// goroutines have exited and its transport is closed.
func (s *StreamSession) teardown() {
	s.mu.Lock()
	a := s.current
	s.current = nil
	s.liveTrack = nil
	s.gen++
	s.phase = PhaseIdle
	s.mu.Unlock()

	if a == nil {
		return
	}

	a.cancel(errTornDown)
	if err := a.transport.Close(); err != nil {
		a.log.Warn("transport close failed", "err", err)
	}
	_ = a.group.Wait()
	s.metrics.SessionEnded()
	a.log.Info("session torn down")

	if a.resource != "" {
		s.releases.Add(1)
		go func() {
			defer s.releases.Done()
			s.release(a.log, a.resource)
		}()
	}
}

func (s *StreamSession) release(log *slog.Logger, resource string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.TeardownTimeout)
	defer cancel()
	if err := s.exchanger.Delete(ctx, resource); err != nil {
		log.Debug("session resource release failed", "resource", resource, "err", err)
	}
}

func (s *StreamSession) run(a *attempt) {
	err := s.negotiate(a)
	if cause := context.Cause(a.ctx); cause != nil {
		err = cause
	}
	if err == nil || errors.Is(err, errTornDown) {
		return
	}
	s.fail(a, err)
}

func (s *StreamSession) negotiate(a *attempt) error {
	local, err := s.gather(a)
	if err != nil {
		return err
	}

	if !s.setPhase(a, PhaseExchanging) {
		return errTornDown
	}
	answer, err := s.exchanger.Exchange(a.ctx, a.endpoint, *local)
	if err != nil {
		return err
	}
	a.resource = answer.Resource

	if err := a.transport.SetAnswer(answer.Description); err != nil {
		return fmt.Errorf("Failed to apply answer: %w", err)
	}
	if !s.setPhase(a, PhaseVerifying) {
		return errTornDown
	}
	return s.verify(a)
}

func (s *StreamSession) gather(a *attempt) (*webrtc.SessionDescription, error) {
	gathered, err := a.transport.Offer()
	if err != nil {
		return nil, fmt.Errorf("Failed to create offer: %w", err)
	}

	complete, err := firstOf(a.ctx, gathered, s.cfg.GatherTimeout)
	if err != nil {
		return nil, err
	}
	if !complete {
		a.log.Warn("ICE gathering timed out, sending partial offer", "timeout", s.cfg.GatherTimeout)
		s.metrics.GatherTimedOut()
	}

	local := a.transport.LocalDescription()
	if local == nil {
		return nil, errNoLocalDescription
	}
	a.log.Debug("local description ready", "candidates", countCandidates(local.SDP), "complete", complete)
	return local, nil
}

func (s *StreamSession) verify(a *attempt) error {
	poll := time.NewTicker(s.cfg.PollInterval)
	defer poll.Stop()

	// armed before any track arrives: pion reports a track only once RTP is flowing
	deadline := time.NewTimer(s.cfg.VerifyTimeout)
	defer deadline.Stop()

	var (
		probe   *frameProbe
		expired = deadline.C
		tick    = poll.C
	)

	for {
		select {
		case <-a.ctx.Done():
			return context.Cause(a.ctx)

		case arrived := <-a.tracks:
			if probe != nil {
				continue
			}
			probe = newFrameProbe(arrived.track, s.sink, a.log)
			a.group.Go(func() error {
				return probe.run(a.ctx, a.cancel)
			})
			deadline.Reset(s.cfg.VerifyTimeout - time.Since(arrived.at))

		case <-tick:
			if probe == nil || !probe.flowing() {
				continue
			}
			if !s.goLive(a, probe) {
				return errTornDown
			}
			poll.Stop()
			tick, expired = nil, nil

		case <-expired:
			expired = nil
			// the poll may have missed frames that started right before the deadline
			if probe == nil || !probe.flowing() {
				return ErrNoDataFlowing
			}
			if !s.goLive(a, probe) {
				return errTornDown
			}
			poll.Stop()
			tick = nil
		}
	}
}

func (s *StreamSession) goLive(a *attempt, probe *frameProbe) bool {
	s.mu.Lock()
	if a.gen != s.gen {
		s.mu.Unlock()
		return false
	}
	s.phase = PhaseLive
	s.liveTrack = probe.track
	s.mu.Unlock()

	w, h := probe.dimensions()
	a.log.Info("media flowing", "width", w, "height", h, "elapsed", time.Since(a.startedAt))
	s.metrics.SessionLive(time.Since(a.startedAt))
	s.emit(a, Status{SessionID: a.id, State: Connected, Track: probe.track})
	return true
}

func (s *StreamSession) fail(a *attempt, err error) {
	s.mu.Lock()
	if a.gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.phase = PhaseFailed
	s.liveTrack = nil
	s.mu.Unlock()

	reason := failureReason(err)
	a.log.Warn("session failed", "reason", reason, "kind", failureKind(err))
	s.metrics.SessionFailed(failureKind(err))

	a.cancel(err)
	if cerr := a.transport.Close(); cerr != nil {
		a.log.Warn("transport close failed", "err", cerr)
	}
	s.emit(a, Status{SessionID: a.id, State: Error, Reason: reason})
}

func (s *StreamSession) setPhase(a *attempt, p Phase) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.gen != s.gen {
		return false
	}
	s.phase = p
	a.log.Debug("phase changed", "phase", p)
	return true
}

// emit delivers st unless it belongs to a superseded attempt. A nil attempt is the idle session.
func (s *StreamSession) emit(a *attempt, st Status) {
	s.mu.Lock()
	if a != nil && a.gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.state = st.State
	s.reason = st.Reason
	s.mu.Unlock()

	if h, ok := s.handler.Load().(func(Status)); ok && h != nil {
		h(st)
	}
}

func countCandidates(raw string) int {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(raw)); err != nil {
		return 0
	}
	n := 0
	for _, m := range desc.MediaDescriptions {
		for _, attr := range m.Attributes {
			if attr.Key == "candidate" {
				n++
			}
		}
	}
	return n
}
