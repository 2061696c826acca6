package wire

import (
	"encoding/json"
	"fmt"
)

// AckStatus is the server's disposition of a mutation, as a closed tagged
// variant with an explicit Unknown arm. New server-side values decode to
// Unknown(raw) instead of failing; callers treat unknown dispositions
// conservatively.
type AckStatus struct {
	kind statusKind
	raw  string
}

type statusKind int

const (
	statusApplied statusKind = iota
	statusMerged
	statusRejected
	statusUnknown
)

// The dispositions this client models.
var (
	StatusApplied  = AckStatus{kind: statusApplied, raw: "applied"}
	StatusMerged   = AckStatus{kind: statusMerged, raw: "merged"}
	StatusRejected = AckStatus{kind: statusRejected, raw: "rejected"}
)

// StatusUnknown wraps an unrecognized wire value.
func StatusUnknown(raw string) AckStatus {
	return AckStatus{kind: statusUnknown, raw: raw}
}

// Raw returns the wire string, including for unknown values.
func (s AckStatus) Raw() string { return s.raw }

// IsUnknown reports whether the value was not recognized.
func (s AckStatus) IsUnknown() bool { return s.kind == statusUnknown }

// IsRejected reports whether the server rejected the mutation outright.
func (s AckStatus) IsRejected() bool { return s.kind == statusRejected }

func (s AckStatus) String() string {
	if s.kind == statusUnknown {
		return fmt.Sprintf("unknown(%s)", s.raw)
	}
	return s.raw
}

// UnmarshalJSON implements json.Unmarshaler with the Unknown fallback.
func (s *AckStatus) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("ack status: %w", err)
	}
	switch raw {
	case "applied":
		*s = StatusApplied
	case "merged":
		*s = StatusMerged
	case "rejected":
		*s = StatusRejected
	default:
		*s = StatusUnknown(raw)
	}
	return nil
}

// MarshalJSON implements json.Marshaler, round-tripping unknown values.
func (s AckStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.raw)
}

// Ack is the decoded data section of a mutation acknowledgment.
//
// Version tolerates numeric-or-string drift. Unmodeled keys land in Extra
// so nothing is lost on round-trip persistence.
type Ack struct {
	EntityKey string          `json:"entity_key"`
	Version   FlexInt64       `json:"version"`
	Status    AckStatus       `json:"status"`
	Entity    json.RawMessage `json:"entity,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

var knownAckKeys = map[string]bool{
	"entity_key": true,
	"version":    true,
	"status":     true,
	"entity":     true,
}

// DecodeAck parses the data section of an acknowledgment envelope.
//
// entity_key is the one required field: an ack that cannot be routed to an
// entity is structurally incompatible.
func DecodeAck(data json.RawMessage) (*Ack, error) {
	var root map[string]json.RawMessage
	if err := json.Unmarshal(data, &root); err != nil {
		return nil, schemaErr(fmt.Sprintf("ack data is not a JSON object: %v", err))
	}

	ack := &Ack{Status: StatusApplied}

	keyRaw, ok := root["entity_key"]
	if !ok {
		return nil, schemaErr("ack missing required field entity_key")
	}
	if err := json.Unmarshal(keyRaw, &ack.EntityKey); err != nil || ack.EntityKey == "" {
		return nil, schemaErr("ack entity_key is not a non-empty string")
	}

	if raw, ok := root["version"]; ok {
		if err := json.Unmarshal(raw, &ack.Version); err != nil {
			return nil, schemaErr(fmt.Sprintf("ack version: %v", err))
		}
	}
	if raw, ok := root["status"]; ok {
		if err := json.Unmarshal(raw, &ack.Status); err != nil {
			return nil, schemaErr(fmt.Sprintf("ack status: %v", err))
		}
	}
	if raw, ok := root["entity"]; ok && string(raw) != "null" {
		ack.Entity = raw
	}

	for k, v := range root {
		if knownAckKeys[k] {
			continue
		}
		if ack.Extra == nil {
			ack.Extra = make(map[string]json.RawMessage)
		}
		ack.Extra[k] = v
	}

	return ack, nil
}
