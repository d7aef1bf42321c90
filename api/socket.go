package api

import "fmt"

// Socket request and event names.
const (
	EventApp          = "app"
	EventGet          = "get"
	EventPut          = "put"
	EventLock         = "lock"
	EventUnlock       = "unlock"
	EventMeta         = "meta"
	EventWatch        = "watch"
	EventStopWatching = "stop-watching"

	// EventKey is pushed by the server when a watched key changes.
	EventKey = "key"
	// EventReset instructs the client to rebuild its session.
	EventReset = "reset"
	// EventDBLError carries non-fatal server diagnostics.
	EventDBLError = "dbl-error"
	// EventError carries session level errors such as an unknown session id.
	EventError = "error"
)

// Socket error codes.
const (
	ErrCodeTimeout            = "timeout"
	ErrCodeDuplicateCall      = "socket-duplicate-call"
	ErrCodeSocketException    = "socket-exception"
	ErrCodeNotConnected       = "not-connected"
	ErrCodeSocketDisconnected = "socket-disconnected"
	ErrCodeAuth               = "auth"
)

// SessionUnknownMessage is the server error message that forces a full
// reconnect on the next disconnect.
const SessionUnknownMessage = "Session ID unknown"

// Key event actions.
const (
	ActionChanged = "changed"
	ActionDeleted = "deleted"
)

// SocketError is an error acknowledgement from a socket request, or a
// synthetic error produced locally while racing sockets.
type SocketError struct {
	ErrorCode        string `json:"errorCode"`
	ErrorDescription string `json:"errorDescription,omitempty"`
	ErrorMessage     string `json:"errorMessage,omitempty"`
}

func (e *SocketError) Error() string {
	if e == nil {
		return "dblive: socket error"
	}
	desc := e.ErrorDescription
	if desc == "" {
		desc = e.ErrorMessage
	}
	if desc == "" {
		return fmt.Sprintf("dblive: socket error %s", e.ErrorCode)
	}
	return fmt.Sprintf("dblive: socket error %s: %s", e.ErrorCode, desc)
}

// IsDuplicateCall reports whether the server rejected a call it already
// received through another socket.
func (e *SocketError) IsDuplicateCall() bool {
	return e != nil && e.ErrorCode == ErrCodeDuplicateCall
}

// AppRequest is the handshake payload.
type AppRequest struct {
	AppKey string `json:"appKey"`
}

// AppAck acknowledges the handshake. A nil Error means the socket is usable.
type AppAck struct {
	Error *HandshakeError `json:"error,omitempty"`
}

// HandshakeError describes a rejected handshake.
type HandshakeError struct {
	Code        string `json:"code"`
	Description string `json:"description"`
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("dblive: handshake rejected (%s): %s", e.Code, e.Description)
}

// KeyRequest is the payload for get, meta, watch and stop-watching.
type KeyRequest struct {
	Key string `json:"key"`
}

// GetOutcome discriminates the shapes a socket get resolves to.
type GetOutcome int

const (
	// GetValue carries the value inline (Value may still be nil when the key
	// has never been written).
	GetValue GetOutcome = iota
	// GetRedirect means the value must be fetched over HTTP from URL.
	GetRedirect
)

func (o GetOutcome) String() string {
	switch o {
	case GetValue:
		return "value"
	case GetRedirect:
		return "redirect"
	default:
		return fmt.Sprintf("GetOutcome(%d)", int(o))
	}
}

// GetAck is the wire acknowledgement for get.
type GetAck struct {
	ContentType string  `json:"contentType,omitempty"`
	ETag        string  `json:"etag,omitempty"`
	Value       *string `json:"value,omitempty"`
	URL         string  `json:"url,omitempty"`
}

// GetResult is the decoded get outcome.
type GetResult struct {
	Outcome     GetOutcome
	Value       *string
	ContentType string
	ETag        string
	URL         string
}

// Result converts the wire ack into its tagged form.
func (a GetAck) Result() GetResult {
	if a.URL != "" && a.Value == nil {
		return GetResult{Outcome: GetRedirect, URL: a.URL}
	}
	return GetResult{
		Outcome:     GetValue,
		Value:       a.Value,
		ContentType: a.ContentType,
		ETag:        a.ETag,
	}
}

// PutRequest writes a value over a socket.
type PutRequest struct {
	Key         string         `json:"key"`
	Body        string         `json:"body"`
	ContentType string         `json:"contentType"`
	CustomArgs  map[string]any `json:"customArgs,omitempty"`
	LockID      string         `json:"lockId,omitempty"`
}

// PutAck acknowledges a socket write.
type PutAck struct {
	Success   bool   `json:"success"`
	ETag      string `json:"etag,omitempty"`
	VersionID string `json:"versionId,omitempty"`
}

// LockRequest asks for a lock on Key. Timeout is in milliseconds.
type LockRequest struct {
	Key     string `json:"key"`
	Timeout int64  `json:"timeout,omitempty"`
}

// LockAck carries the granted lock id, empty when not granted.
type LockAck struct {
	LockID string `json:"lockId,omitempty"`
}

// UnlockRequest releases a lock.
type UnlockRequest struct {
	Key    string `json:"key"`
	LockID string `json:"lockId"`
}

// UnlockAck acknowledges an unlock.
type UnlockAck struct {
	Success bool `json:"success"`
}

// MetaAck carries the current etag of a key.
type MetaAck struct {
	ETag string `json:"etag,omitempty"`
}

// KeyEvent is pushed by the server when a watched key changes.
type KeyEvent struct {
	Action      string         `json:"action"`
	Key         string         `json:"key"`
	Value       *string        `json:"value,omitempty"`
	ContentType string         `json:"contentType,omitempty"`
	ETag        string         `json:"etag,omitempty"`
	VersionID   string         `json:"versionId,omitempty"`
	CustomArgs  map[string]any `json:"customArgs,omitempty"`
}

// ServerError is the payload of the error and dbl-error events.
type ServerError struct {
	Message     string `json:"message,omitempty"`
	Code        string `json:"code,omitempty"`
	Description string `json:"description,omitempty"`
}
