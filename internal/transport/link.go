package transport

// Link is the duplex byte channel the transport multiplexes exchanges over.
// The serial/MCTP subsystem delivers whole, de-framed messages; framing and
// error correction happen below this boundary.
//
// Send and TryReceive may be called concurrently from different goroutines:
// the facade's send path writes while the receive loop reads.
type Link interface {
	// Send hands one framed message to the link.
	Send(msg []byte) error

	// TryReceive returns the next whole inbound frame, or (nil, nil) when no
	// frame is ready yet. It must not block.
	TryReceive() ([]byte, error)

	Close() error
}
