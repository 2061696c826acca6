package wire

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/gentle-giraffe-apps/Gentle-Networking-Notes/internal/intent"
)

// SchemaVersion is the wire schema this client speaks. Sent on every
// request as X-Client-Schema-Version and inside the request envelope.
const SchemaVersion = 3

// Envelope is the wire envelope for requests and responses:
// {"schemaVersion": int, "features": [string], "data": <payload>}.
//
// Unknown root keys survive in Extra and are re-emitted by MarshalJSON.
type Envelope struct {
	SchemaVersion int             `json:"schemaVersion"`
	Features      []string        `json:"features"`
	Data          json.RawMessage `json:"data"`

	// Extra holds root keys this client does not model.
	Extra map[string]json.RawMessage `json:"-"`
}

// knownEnvelopeKeys are the root fields the envelope models directly.
var knownEnvelopeKeys = map[string]bool{
	"schemaVersion": true,
	"features":      true,
	"data":          true,
}

// DecodeEnvelope parses a response envelope.
//
// Missing or malformed schemaVersion or data fail with a
// SCHEMA_INCOMPATIBLE error. Absent features decodes as an empty list.
// Everything else at the root is preserved in Extra.
func DecodeEnvelope(raw []byte) (*Envelope, error) {
	var root map[string]json.RawMessage
	if err := json.Unmarshal(raw, &root); err != nil {
		return nil, schemaErr(fmt.Sprintf("payload is not a JSON object: %v", err))
	}

	env := &Envelope{}

	versionRaw, ok := root["schemaVersion"]
	if !ok {
		return nil, schemaErr("missing required root field schemaVersion")
	}
	var version FlexInt64
	if err := json.Unmarshal(versionRaw, &version); err != nil {
		return nil, schemaErr(fmt.Sprintf("schemaVersion: %v", err))
	}
	env.SchemaVersion = int(version)

	dataRaw, ok := root["data"]
	if !ok || string(dataRaw) == "null" {
		return nil, schemaErr("missing required root field data")
	}
	env.Data = dataRaw

	env.Features = []string{}
	if featRaw, ok := root["features"]; ok && string(featRaw) != "null" {
		if err := json.Unmarshal(featRaw, &env.Features); err != nil {
			return nil, schemaErr(fmt.Sprintf("features: %v", err))
		}
	}

	for k, v := range root {
		if knownEnvelopeKeys[k] {
			continue
		}
		if env.Extra == nil {
			env.Extra = make(map[string]json.RawMessage)
		}
		env.Extra[k] = v
	}

	return env, nil
}

// MarshalJSON re-emits the envelope including preserved unknown root keys,
// so persisting and resending an envelope loses nothing.
func (e *Envelope) MarshalJSON() ([]byte, error) {
	root := make(map[string]json.RawMessage, 3+len(e.Extra))

	versionJSON, err := json.Marshal(e.SchemaVersion)
	if err != nil {
		return nil, err
	}
	root["schemaVersion"] = versionJSON

	features := e.Features
	if features == nil {
		features = []string{}
	}
	featJSON, err := json.Marshal(features)
	if err != nil {
		return nil, err
	}
	root["features"] = featJSON

	root["data"] = e.Data

	for k, v := range e.Extra {
		if _, taken := root[k]; !taken {
			root[k] = v
		}
	}

	return json.Marshal(root)
}

// HasFeature reports whether the server advertised a capability token.
func (e *Envelope) HasFeature(name string) bool {
	for _, f := range e.Features {
		if f == name {
			return true
		}
	}
	return false
}

// ExtraKeys returns the preserved unknown root keys in sorted order.
// Used by tests and diagnostics.
func (e *Envelope) ExtraKeys() []string {
	keys := make([]string, 0, len(e.Extra))
	for k := range e.Extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// NewRequestEnvelope wraps a mutation payload for transmission.
func NewRequestEnvelope(features []string, data json.RawMessage) *Envelope {
	if features == nil {
		features = []string{}
	}
	return &Envelope{
		SchemaVersion: SchemaVersion,
		Features:      features,
		Data:          data,
	}
}

func schemaErr(msg string) error {
	return &intent.SyncError{
		Code:    intent.ErrCodeSchemaIncompatible,
		Message: msg,
	}
}
