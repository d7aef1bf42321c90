package api

// Transport names the write path a session prefers.
type Transport string

const (
	// TransportAPI routes writes through the REST API.
	TransportAPI Transport = "api"
	// TransportSocket routes writes through the socket manager when connected.
	TransportSocket Transport = "socket"
)

const (
	// ContentTypeText tags opaque text values.
	ContentTypeText = "text/plain"
	// ContentTypeJSON tags values that decode as JSON.
	ContentTypeJSON = "application/json"
)

// InitRequest models the JSON payload for POST /init.
type InitRequest struct {
	// AppKey is the opaque application credential.
	AppKey string `json:"appKey"`
}

// InitResponse is returned by POST /init. The session cookie travels in the
// Set-Cookie response header.
type InitResponse struct {
	// APIDomain optionally moves subsequent REST calls to another host.
	APIDomain string `json:"apiDomain,omitempty"`
	// ContentDomain hosts static key content for HTTP reads.
	ContentDomain string `json:"contentDomain"`
	// SocketDomains lists the redundant push endpoints.
	SocketDomains []string `json:"socketDomains"`
	// SetEnv selects the preferred write transport. Empty means socket.
	SetEnv Transport `json:"setEnv,omitempty"`
}

// SetKeyRequest models the JSON payload for PUT /keys.
type SetKeyRequest struct {
	// AppKey is the opaque application credential.
	AppKey string `json:"appKey"`
	// Key identifies the value being written.
	Key string `json:"key"`
	// Body is the encoded value.
	Body string `json:"body"`
	// ContentType tags Body (text/plain or application/json).
	ContentType string `json:"content-type"`
	// CustomArgs is a JSON document echoed back on the resulting key event.
	CustomArgs string `json:"custom-args,omitempty"`
}

// SetKeyResponse is returned by PUT /keys.
type SetKeyResponse struct {
	// Success is set by servers that acknowledge explicitly.
	Success bool `json:"success,omitempty"`
	// ETag is the entity tag of the stored value.
	ETag string `json:"etag,omitempty"`
	// VersionID identifies the stored version.
	VersionID string `json:"versionId,omitempty"`
}

// Confirmed reports whether the server accepted the write.
func (r SetKeyResponse) Confirmed() bool {
	return r.Success || r.ETag != "" || r.VersionID != ""
}

// ErrorResponse is the JSON error envelope returned by the REST API.
type ErrorResponse struct {
	// Code is the stable error identifier.
	Code string `json:"code,omitempty"`
	// Description provides human-readable diagnostic context.
	Description string `json:"description,omitempty"`
}
