package client

import (
	"errors"

	"pkt.systems/dblive/api"
	"pkt.systems/dblive/internal/rest"
)

var (
	// ErrNotConnected is returned when an operation needs a live session and
	// the client lost it while the operation was running.
	ErrNotConnected = errors.New("dblive: client not connected")
	// ErrDisposed is returned by every operation after Dispose.
	ErrDisposed = errors.New("dblive: client disposed")
	// ErrLockNotGranted is returned by Lock and LockAndSet when the server
	// answers without a lock id.
	ErrLockNotGranted = errors.New("dblive: lock not granted")
	// ErrNoValue is returned by Value.Unmarshal for absent values.
	ErrNoValue = errors.New("dblive: no value")
	// ErrMissingContentDomain is returned by Connect when the init handshake
	// does not name a content domain.
	ErrMissingContentDomain = rest.ErrMissingContentDomain
	// ErrNoSocketDomains is returned by Connect when the init handshake lists
	// no socket endpoints.
	ErrNoSocketDomains = rest.ErrNoSocketDomains
)

// APIError is returned for non-2xx REST responses.
type APIError = rest.APIError

// SocketError is returned when every socket failed an operation, or the race
// timed out.
type SocketError = api.SocketError
