package whep

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"
)

const (
	testOfferSDP = "v=0\r\n" +
		"o=- 4215 2 IN IP4 127.0.0.1\r\n" +
		"s=-\r\n" +
		"t=0 0\r\n" +
		"m=video 9 UDP/TLS/RTP/SAVPF 96\r\n" +
		"c=IN IP4 0.0.0.0\r\n" +
		"a=recvonly\r\n" +
		"a=rtpmap:96 VP8/90000\r\n" +
		"a=candidate:1 1 udp 2130706431 192.0.2.1 50000 typ host\r\n" +
		"a=candidate:2 1 udp 1694498815 198.51.100.1 50001 typ srflx raddr 192.0.2.1 rport 50000\r\n"

	testAnswerSDP = "v=0\r\n" +
		"o=- 9876 2 IN IP4 127.0.0.1\r\n" +
		"s=-\r\n" +
		"t=0 0\r\n" +
		"m=video 9 UDP/TLS/RTP/SAVPF 96\r\n" +
		"c=IN IP4 0.0.0.0\r\n" +
		"a=sendonly\r\n" +
		"a=rtpmap:96 VP8/90000\r\n"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig() Config {
	return Config{
		GatherTimeout:   200 * time.Millisecond,
		VerifyTimeout:   300 * time.Millisecond,
		PollInterval:    20 * time.Millisecond,
		TeardownTimeout: time.Second,
	}
}

type fakeTrack struct {
	id      string
	mime    string
	packets chan *rtp.Packet
	done    chan struct{}
	once    sync.Once
}

func newFakeTrack(mime string) *fakeTrack {
	return &fakeTrack{
		id:      "video-0",
		mime:    mime,
		packets: make(chan *rtp.Packet, 16),
		done:    make(chan struct{}),
	}
}

func (t *fakeTrack) ID() string                { return t.id }
func (t *fakeTrack) Kind() webrtc.RTPCodecType { return webrtc.RTPCodecTypeVideo }

func (t *fakeTrack) Codec() webrtc.RTPCodecParameters {
	return webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: t.mime, ClockRate: 90000},
		PayloadType:        96,
	}
}

func (t *fakeTrack) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	select {
	case pkt := <-t.packets:
		return pkt, nil, nil
	case <-t.done:
		return nil, nil, io.EOF
	}
}

func (t *fakeTrack) close() {
	t.once.Do(func() { close(t.done) })
}

type fakeTransport struct {
	mu         sync.Mutex
	gathered   chan struct{}
	autoGather bool
	offerErr   error
	local      *webrtc.SessionDescription
	answer     *webrtc.SessionDescription
	onTrack    func(RemoteTrack)
	onFailure  func(string)
	track      *fakeTrack

	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeTransport(autoGather bool) *fakeTransport {
	return &fakeTransport{
		gathered:   make(chan struct{}),
		autoGather: autoGather,
		closed:     make(chan struct{}),
	}
}

func (f *fakeTransport) Offer() (<-chan struct{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.offerErr != nil {
		return nil, f.offerErr
	}
	f.local = &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: testOfferSDP}
	if f.autoGather {
		close(f.gathered)
	}
	return f.gathered, nil
}

func (f *fakeTransport) LocalDescription() *webrtc.SessionDescription {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.local
}

func (f *fakeTransport) SetAnswer(answer webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.isClosed() {
		return errors.New("transport closed")
	}
	f.answer = &answer
	return nil
}

func (f *fakeTransport) OnTrack(fn func(RemoteTrack)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onTrack = fn
}

func (f *fakeTransport) OnFailure(fn func(string)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onFailure = fn
}

// Close mimics pion by reporting the closed state through the failure callback.
func (f *fakeTransport) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		f.mu.Lock()
		track, onFailure := f.track, f.onFailure
		f.mu.Unlock()
		if track != nil {
			track.close()
		}
		if onFailure != nil {
			onFailure("Connection closed")
		}
	})
	return nil
}

func (f *fakeTransport) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

func (f *fakeTransport) deliverTrack(mime string) *fakeTrack {
	track := newFakeTrack(mime)
	f.mu.Lock()
	f.track = track
	onTrack := f.onTrack
	f.mu.Unlock()
	onTrack(track)
	return track
}

func (f *fakeTransport) fail(reason string) {
	f.mu.Lock()
	onFailure := f.onFailure
	f.mu.Unlock()
	onFailure(reason)
}

func (f *fakeTransport) answerSDP() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.answer == nil {
		return ""
	}
	return f.answer.SDP
}

// transportFactory hands out fake transports and remembers them in creation order.
type transportFactory struct {
	autoGather bool
	created    chan *fakeTransport
	count      atomic.Int32
	// set when a transport was created while its predecessor was still open
	overlap atomic.Bool

	mu   sync.Mutex
	last *fakeTransport
}

func newTransportFactory(autoGather bool) *transportFactory {
	return &transportFactory{autoGather: autoGather, created: make(chan *fakeTransport, 16)}
}

func (tf *transportFactory) factory() TransportFactory {
	return func() (Transport, error) {
		tf.mu.Lock()
		if tf.last != nil && !tf.last.isClosed() {
			tf.overlap.Store(true)
		}
		t := newFakeTransport(tf.autoGather)
		tf.last = t
		tf.mu.Unlock()

		tf.count.Add(1)
		tf.created <- t
		return t, nil
	}
}

func (tf *transportFactory) next(t *testing.T) *fakeTransport {
	t.Helper()
	select {
	case ft := <-tf.created:
		return ft
	case <-time.After(2 * time.Second):
		t.Fatal("no transport created")
		return nil
	}
}

type recorder struct {
	mu     sync.Mutex
	events []Status
	ch     chan Status
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan Status, 64)}
}

func (r *recorder) handle(st Status) {
	r.mu.Lock()
	r.events = append(r.events, st)
	r.mu.Unlock()
	r.ch <- st
}

func (r *recorder) next(t *testing.T) Status {
	t.Helper()
	select {
	case st := <-r.ch:
		return st
	case <-time.After(3 * time.Second):
		t.Fatal("no status received")
		return Status{}
	}
}

func (r *recorder) expectNone(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case st := <-r.ch:
		t.Fatalf("unexpected status %s %q", st.State, st.Reason)
	case <-time.After(d):
	}
}

func (r *recorder) snapshot() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Status(nil), r.events...)
}

type gatewayRequest struct {
	method      string
	path        string
	contentType string
	body        string
}

// gateway is a minimal WHEP endpoint.
type gateway struct {
	server   *httptest.Server
	status   atomic.Int32
	location atomic.Pointer[string]
	block    atomic.Bool
	requests chan gatewayRequest

	deleteDelay atomic.Int64 // nanoseconds
	deleted     atomic.Int32
}

func newGateway(t *testing.T, status int) *gateway {
	g := &gateway{requests: make(chan gatewayRequest, 16)}
	g.status.Store(int32(status))
	g.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		g.requests <- gatewayRequest{
			method:      r.Method,
			path:        r.URL.Path,
			contentType: r.Header.Get("Content-Type"),
			body:        string(body),
		}
		if r.Method == http.MethodDelete {
			time.Sleep(time.Duration(g.deleteDelay.Load()))
			g.deleted.Add(1)
			w.WriteHeader(http.StatusOK)
			return
		}
		if g.block.Load() {
			<-r.Context().Done()
			return
		}
		code := int(g.status.Load())
		if code < 200 || code > 299 {
			http.Error(w, "no such stream", code)
			return
		}
		if loc := g.location.Load(); loc != nil {
			w.Header().Set("Location", *loc)
		}
		w.Header().Set("Content-Type", "application/sdp")
		w.WriteHeader(code)
		_, _ = io.WriteString(w, testAnswerSDP)
	}))
	t.Cleanup(g.server.Close)
	return g
}

func (g *gateway) url(path string) string {
	return g.server.URL + path
}

func (g *gateway) nextRequest(t *testing.T) gatewayRequest {
	t.Helper()
	select {
	case req := <-g.requests:
		return req
	case <-time.After(3 * time.Second):
		t.Fatal("gateway received no request")
		return gatewayRequest{}
	}
}

func vp8KeyFrame(width, height uint16) *rtp.Packet {
	return &rtp.Packet{
		Header: rtp.Header{Version: 2, PayloadType: 96, SequenceNumber: 1, Marker: true},
		Payload: []byte{
			0x10,             // payload descriptor, start of partition 0
			0x50, 0x2f, 0x00, // frame tag, key frame
			0x9d, 0x01, 0x2a, // start code
			byte(width), byte(width >> 8),
			byte(height), byte(height >> 8),
		},
	}
}

func vp8InterFrame() *rtp.Packet {
	return &rtp.Packet{
		Header:  rtp.Header{Version: 2, PayloadType: 96, SequenceNumber: 2},
		Payload: []byte{0x10, 0x51, 0x2f, 0x00, 0x00, 0x00, 0x00, 0x00},
	}
}

func newTestSession(t *testing.T, tf *transportFactory, sink PacketSink) (*StreamSession, *recorder) {
	t.Helper()
	s, err := NewStreamSession(Options{
		Config:    testConfig(),
		Transport: tf.factory(),
		Exchanger: NewExchanger(nil, testLogger()),
		Sink:      sink,
		Logger:    testLogger(),
	})
	require.NoError(t, err)
	rec := newRecorder()
	s.OnStatusChange(rec.handle)
	t.Cleanup(s.Stop)
	return s, rec
}
