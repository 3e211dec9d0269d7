package control

import (
	"github.com/ownerofglory/go-pion-whep-client/whep"
)

type Client interface {
	Write(report *StatusReport) error
	Read() (*Command, error)
}

// Command reconfigures the stream session. An empty endpoint keeps the session idle.
type Command struct {
	Endpoint string `json:"endpoint,omitempty"`
	Paused   bool   `json:"paused"`
}

type StatusReport struct {
	SessionID string `json:"sessionId,omitempty"`
	State     string `json:"state"`
	Reason    string `json:"reason,omitempty"`
	Phase     string `json:"phase,omitempty"`
	Codec     string `json:"codec,omitempty"`
}

// NewStatusReport flattens a session status for the wire.
func NewStatusReport(st whep.Status, phase whep.Phase) *StatusReport {
	r := &StatusReport{
		SessionID: st.SessionID,
		State:     st.State.String(),
		Reason:    st.Reason,
		Phase:     phase.String(),
	}
	if st.Track != nil {
		r.Codec = st.Track.Codec().MimeType
	}
	return r
}
