package whep

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/pion/webrtc/v4"
)

const (
	sdpContentType = "application/sdp"
	maxAnswerSize  = 1 << 20
)

// Answer is the result of a successful offer/answer exchange.
type Answer struct {
	Description webrtc.SessionDescription
	// Resource is the session resource URL from the Location header, if the gateway sent one.
	Resource string
}

// Exchanger performs the HTTP offer/answer exchange against a stream endpoint.
type Exchanger struct {
	client *http.Client
	log    *slog.Logger
}

func NewExchanger(client *http.Client, logger *slog.Logger) *Exchanger {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Exchanger{client: client, log: logger}
}

// Exchange POSTs the offer SDP to endpoint and returns the answer.
// A non-2xx response is an *ExchangeError carrying the status code.
func (e *Exchanger) Exchange(ctx context.Context, endpoint string, offer webrtc.SessionDescription) (*Answer, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewBufferString(offer.SDP))
	if err != nil {
		return nil, &ExchangeError{Err: err}
	}
	req.Header.Set("Content-Type", sdpContentType)
	req.Header.Set("Accept", sdpContentType)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, &ExchangeError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		e.log.Warn("offer rejected", "endpoint", endpoint, "status", resp.Status)
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxAnswerSize))
		return nil, &ExchangeError{StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxAnswerSize))
	if err != nil {
		return nil, &ExchangeError{Err: fmt.Errorf("read answer: %w", err)}
	}
	if strings.TrimSpace(string(body)) == "" {
		return nil, errEmptyAnswer
	}

	answer := &Answer{
		Description: webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: string(body)},
	}
	if loc := resp.Header.Get("Location"); loc != "" {
		answer.Resource = resolveResource(endpoint, loc)
	}
	e.log.Debug("answer received", "endpoint", endpoint, "bytes", len(body), "resource", answer.Resource)
	return answer, nil
}

// Delete releases the session resource on the gateway.
func (e *Exchanger) Delete(ctx context.Context, resource string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, resource, nil)
	if err != nil {
		return err
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("delete session resource: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("delete session resource: bad status: %s", resp.Status)
	}
	return nil
}

func resolveResource(endpoint, location string) string {
	base, err := url.Parse(endpoint)
	if err != nil {
		return location
	}
	ref, err := url.Parse(location)
	if err != nil {
		return location
	}
	return base.ResolveReference(ref).String()
}
