package link

import (
	"github.com/iot1/pldmagent/internal/pldm"
)

const completionSuccess = 0x00

// Echo is a loopback link: every request sent is answered immediately with a
// success response carrying the same instance ID. Used by the daemon's
// loopback mode and by integration-style tests that need an always-healthy
// remote endpoint.
type Echo struct {
	end  *MemEnd
	peer *MemEnd
}

func NewEcho() *Echo {
	a, b := MemPair()
	return &Echo{end: a, peer: b}
}

func (e *Echo) Send(msg []byte) error {
	hdr, err := pldm.ResponseHeaderFor(msg)
	if err != nil {
		return err
	}
	resp := append(hdr, completionSuccess)
	if len(msg) > pldm.HeaderLen {
		resp = append(resp, msg[pldm.HeaderLen:]...)
	}
	// The response is queued before Send returns, which makes Echo the
	// harshest exercise of the transport's register-before-send invariant.
	return e.peer.Send(resp)
}

func (e *Echo) TryReceive() ([]byte, error) {
	return e.end.TryReceive()
}

func (e *Echo) Close() error {
	_ = e.peer.Close()
	return e.end.Close()
}
