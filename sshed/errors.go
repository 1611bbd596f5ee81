package sshed

import "errors"

// errors.go provides all custom error types for the sshed package
//
// error type checking:
//   an error can be checked if it is any of these using errors.Is(err, ErrType)

// used for frame decoding
var (
	ErrProtocol        = errors.New("malformed frame")
	ErrIncompleteFrame = errors.New("stream closed mid-frame")
)

// used for the handshake
var (
	ErrUnsupportedVersion = errors.New("unsupported protocol version")
)

// used for differential updates
var (
	ErrDiffApplication  = errors.New("diff does not apply to base content")
	ErrChecksumMismatch = errors.New("checksum mismatch after applying diff")
)

// used for socket discovery
var (
	ErrNoSocket            = errors.New("no socket address configured")
	ErrSocketNotFound      = errors.New("socket address points to a nonexistent file")
	ErrNotASocket          = errors.New("socket address does not point to a socket")
	ErrSocketWrongOwner    = errors.New("socket is not owned by the current user")
	ErrSocketTooPermissive = errors.New("socket should be readable and writeable only by its owner")
)
