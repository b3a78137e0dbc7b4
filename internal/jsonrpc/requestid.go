package jsonrpc

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// RequestID is a request identifier that can be either a string or a number.
type RequestID struct {
	value any
}

// NewRequestID creates a RequestID from a string or integer value. Other
// types produce an empty ID.
func NewRequestID(value any) *RequestID {
	switch v := value.(type) {
	case string, int, int64, uint64:
		return &RequestID{value: v}
	case int32:
		return &RequestID{value: int64(v)}
	case uint32:
		return &RequestID{value: uint64(v)}
	default:
		return &RequestID{value: nil}
	}
}

// String returns the canonical string form used to correlate replies.
// Numeric IDs 7 and "7" map to the same key.
func (id *RequestID) String() string {
	if id == nil || id.value == nil {
		return ""
	}

	switch v := id.value.(type) {
	case string:
		return v
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case uint64:
		return strconv.FormatUint(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// Value returns the underlying value.
func (id *RequestID) Value() any {
	if id == nil {
		return nil
	}
	return id.value
}

// IsNil reports whether the ID is absent.
func (id *RequestID) IsNil() bool {
	return id == nil || id.value == nil
}

// MarshalJSON implements json.Marshaler.
func (id *RequestID) MarshalJSON() ([]byte, error) {
	if id == nil || id.value == nil {
		return []byte("null"), nil
	}
	return json.Marshal(id.value)
}

// UnmarshalJSON implements json.Unmarshaler.
func (id *RequestID) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		id.value = nil
		return nil
	}

	var num float64
	if err := json.Unmarshal(data, &num); err == nil {
		if num == float64(int64(num)) {
			id.value = int64(num)
		} else {
			id.value = num
		}
		return nil
	}

	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		id.value = str
		return nil
	}

	return fmt.Errorf("request ID must be a string or number, got: %s", string(data))
}
