package client

import (
	"encoding/json"
	"fmt"

	"pkt.systems/dblive/api"
	"pkt.systems/dblive/internal/content"
)

// Value is a key's value as stored by the server.
type Value struct {
	// Raw is the encoded value.
	Raw string
	// ContentType is text/plain or application/json.
	ContentType string
	// ETag is empty while a local write is unconfirmed.
	ETag string
}

func valueFromEntry(e content.Entry) Value {
	return Value{Raw: e.Value, ContentType: e.ContentType, ETag: e.ETag}
}

func (v Value) entry(key string) content.Entry {
	return content.Entry{Key: key, Value: v.Raw, ContentType: v.ContentType, ETag: v.ETag}
}

// String returns the raw value.
func (v Value) String() string {
	return v.Raw
}

// IsJSON reports whether the value is tagged as JSON.
func (v Value) IsJSON() bool {
	return v.ContentType == api.ContentTypeJSON
}

// Decode returns parsed JSON for JSON-tagged values and the raw string
// otherwise.
func (v Value) Decode() (any, error) {
	return content.Decode(v.entry(""))
}

// Unmarshal parses the raw value as JSON into out, regardless of its tag.
func (v Value) Unmarshal(out any) error {
	if v.Raw == "" {
		return ErrNoValue
	}
	if err := json.Unmarshal([]byte(v.Raw), out); err != nil {
		return fmt.Errorf("dblive: unmarshal value: %w", err)
	}
	return nil
}

// Change describes one notification delivered to a listener.
type Change struct {
	Key string
	// Action is changed or deleted.
	Action string
	// Value is the new value; Present is false when the key has no value.
	Value   Value
	Present bool
	// Previous is the value held before the change.
	Previous    Value
	HadPrevious bool
	// Local is set for notifications raised by this client's own Set.
	Local bool
}

// ChangeHandler receives key changes.
type ChangeHandler func(Change)

// JSONHandler receives decoded JSON values; ok is false when the key has no
// value or the value does not parse.
type JSONHandler func(value any, ok bool)

func encodeValue(value any) (string, string, error) {
	switch v := value.(type) {
	case string:
		return v, api.ContentTypeText, nil
	case json.RawMessage:
		return string(v), api.ContentTypeJSON, nil
	case []byte:
		return string(v), api.ContentTypeJSON, nil
	case nil:
		return "", "", fmt.Errorf("dblive: cannot write a nil value")
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return "", "", fmt.Errorf("dblive: encode value: %w", err)
		}
		return string(data), api.ContentTypeJSON, nil
	}
}

// clientIDArg is the custom args entry carrying the writer's identity.
const clientIDArg = "clientId"

func prepareWrite(value any, clientID string, opts []SetOption) (string, string, content.SetOptions, error) {
	o := applySetOptions(opts)
	raw, contentType, err := encodeValue(value)
	if err != nil {
		return "", "", content.SetOptions{}, err
	}
	if o.ContentType != "" {
		contentType = o.ContentType
	}
	args := make(map[string]any, len(o.CustomArgs)+1)
	for k, v := range o.CustomArgs {
		args[k] = v
	}
	args[clientIDArg] = clientID
	return raw, contentType, content.SetOptions{CustomArgs: args, LockID: o.LockID}, nil
}
