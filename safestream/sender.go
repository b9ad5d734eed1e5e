package safestream

import "context"

// Sender abstracts delivering one SafeFrame's bytes to the peer UID this
// Stream talks to. MessageStreamManager wires this to
// CloudConnections.authorized_call(send_message) targeting the peer's
// resolved cloud (spec §4.6 data-flow diagram); tests substitute an
// in-memory pair.
type Sender interface {
	SendFrame(ctx context.Context, frame []byte) error
}
