package models

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// JobID is the server correlation id of one sync attempt.
// The wire format carries it either as a JSON string or a JSON number.
type JobID string

// Order is the result of comparing two job ids
type Order int

const (
	OrderUnknown Order = iota
	OrderOlder
	OrderSame
	OrderNewer
)

// Compare orders j against other. Numeric ids compare numerically; any other pair of
// distinct non-empty ids is unordered.
func (j JobID) Compare(other JobID) Order {
	if j.IsZero() || other.IsZero() {
		return OrderUnknown
	}
	if j == other {
		return OrderSame
	}
	a, errA := strconv.ParseUint(string(j), 10, 64)
	b, errB := strconv.ParseUint(string(other), 10, 64)
	if errA != nil || errB != nil {
		return OrderUnknown
	}
	switch {
	case a < b:
		return OrderOlder
	case a > b:
		return OrderNewer
	default:
		return OrderSame
	}
}

// OlderThan reports whether j is known to precede current
func (j JobID) OlderThan(current JobID) bool {
	return j.Compare(current) == OrderOlder
}

// NewerThan reports whether j identifies a later attempt than current. Distinct ids that
// cannot be ordered count as newer: a different attempt was started.
func (j JobID) NewerThan(current JobID) bool {
	if j.IsZero() {
		return false
	}
	if current.IsZero() {
		return true
	}
	switch j.Compare(current) {
	case OrderNewer, OrderUnknown:
		return true
	}
	return false
}

// IsZero reports an absent job id
func (j JobID) IsZero() bool {
	return strings.TrimSpace(string(j)) == ""
}

func (j JobID) String() string {
	return string(j)
}

// UnmarshalJSON accepts strings, numbers and null
func (j *JobID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*j = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*j = JobID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*j = JobID(n.String())
	return nil
}
