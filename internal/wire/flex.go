package wire

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// FlexInt64 decodes from either a JSON number or a numeric string.
// Used for fields with a history of server-side type drift (versions,
// counters). Marshals back as a plain number.
type FlexInt64 int64

// UnmarshalJSON implements json.Unmarshaler.
func (f *FlexInt64) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if len(s) >= 2 && s[0] == '"' {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		s = str
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("flex int: %q is neither number nor numeric string", string(data))
	}
	*f = FlexInt64(n)
	return nil
}

// MarshalJSON implements json.Marshaler.
func (f FlexInt64) MarshalJSON() ([]byte, error) {
	return []byte(strconv.FormatInt(int64(f), 10)), nil
}

// FlexString decodes from either a JSON string or a number, keeping the
// textual form. Marshals back as a string.
type FlexString string

// UnmarshalJSON implements json.Unmarshaler.
func (f *FlexString) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if len(s) >= 2 && s[0] == '"' {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		*f = FlexString(str)
		return nil
	}
	// Accept bare numbers; anything else (objects, arrays) is malformed.
	if _, err := strconv.ParseFloat(s, 64); err != nil {
		return fmt.Errorf("flex string: %q is neither string nor number", string(data))
	}
	*f = FlexString(s)
	return nil
}

// MarshalJSON implements json.Marshaler.
func (f FlexString) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(f))
}
