package mesh

import "errors"

var (
	// ErrRelayRejected is a join refused by the relay. Retryable.
	ErrRelayRejected = errors.New("relay rejected join")
	// ErrNegotiationFailed moves a link to Failed. It is not retried.
	ErrNegotiationFailed = errors.New("negotiation failed")
	// ErrMediaUnavailable is local capture denial; the session continues receive-only.
	ErrMediaUnavailable = errors.New("local media unavailable")
	// ErrChannelClosed is returned once the orchestrator has stopped.
	ErrChannelClosed = errors.New("channel closed")
)
