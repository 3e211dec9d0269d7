package peer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/pion/webrtc/v4"
)

const DefaultSTUNServer = "stun:stun.l.google.com:19302"

type ConfigWire struct {
	ICEServers []webrtc.ICEServer `json:"iceServers"`
}

// FetchRTCConfig loads the ICE servers to use for the stream session from url.
func FetchRTCConfig(ctx context.Context, client *http.Client, url string) (*webrtc.Configuration, error) {
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rtc-config request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("rtc-config bad status: %s", resp.Status)
	}

	var wire ConfigWire
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("decode rtc-config: %w", err)
	}
	return NewRTCConfig(wire.ICEServers), nil
}

// NewRTCConfig builds a unified-plan configuration, falling back to the public STUN server.
func NewRTCConfig(servers []webrtc.ICEServer) *webrtc.Configuration {
	if len(servers) == 0 {
		servers = []webrtc.ICEServer{{URLs: []string{DefaultSTUNServer}}}
	}
	return &webrtc.Configuration{
		ICEServers:   servers,
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlan,
	}
}
