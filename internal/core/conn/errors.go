package conn

import "errors"

// Error taxonomy (spec §7). TransportError/ProtocolError/SecurityViolation/
// TimeoutError are fatal and always end in disconnect; HandlerError and
// CapacityError are handled above this package (dispatch, send queueing).
var (
	ErrProtocol          = errors.New("conn: protocol violation")
	ErrSecurityViolation = errors.New("conn: security violation")
	ErrHandshakeTimeout  = errors.New("conn: handshake timeout")
	ErrIdleTimeout       = errors.New("conn: idle timeout")
	ErrTooManyErrors     = errors.New("conn: too many consecutive receive errors")
	ErrTooLarge          = errors.New("conn: frame exceeds maximum size")
	ErrClosed            = errors.New("conn: connection closed")
)
