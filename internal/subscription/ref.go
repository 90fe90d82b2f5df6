package subscription

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
)

// ErrIncompleteRef is returned by Ref.Validate when an identifier is missing.
var ErrIncompleteRef = errors.New("subscription: trialId, deviceId and subjectId are all required")

// ID is a trial, device or subject identifier as it appeared on the wire.
//
// Producers normally send strings. Numeric identifiers are accepted too and
// stay numbers when re-encoded. Their text is the shortest round-trip form
// of the value, so 1, 1.0 and 1e0 name the same stream.
type ID struct {
	text    string
	numeric bool
}

// StringID returns an ID for s.
func StringID(s string) ID {
	return ID{text: s}
}

// String returns the identifier's text, as used in composite keys.
func (id ID) String() string {
	return id.text
}

// IsZero reports whether the identifier was absent, null or empty.
func (id ID) IsZero() bool {
	return id.text == ""
}

// UnmarshalJSON accepts a JSON string or number. null leaves the ID zero.
func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case len(b) == 0 || bytes.Equal(b, []byte("null")):
		*id = ID{}
		return nil
	case b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID{text: s}
		return nil
	case b[0] == '-' || (b[0] >= '0' && b[0] <= '9'):
		f, err := strconv.ParseFloat(string(b), 64)
		if err != nil || !json.Valid(b) {
			return fmt.Errorf("subscription: invalid numeric identifier %s", b)
		}
		*id = ID{text: formatNumber(f), numeric: true}
		return nil
	default:
		return fmt.Errorf("subscription: identifier must be a string or number, got %s", b)
	}
}

// MarshalJSON encodes a numeric identifier as a number and anything else as
// a string.
func (id ID) MarshalJSON() ([]byte, error) {
	if id.numeric {
		return []byte(id.text), nil
	}
	return json.Marshal(id.text)
}

// formatNumber renders f the way ECMAScript's Number.prototype.toString does:
// plain decimal notation for magnitudes in [1e-6, 1e21), exponent notation
// without a padded exponent outside it, and "0" for negative zero.
func formatNumber(f float64) string {
	if f == 0 {
		return "0"
	}
	if abs := math.Abs(f); abs >= 1e-6 && abs < 1e21 {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	s := strconv.FormatFloat(f, 'e', -1, 64)
	mant, exp, _ := strings.Cut(s, "e")
	sign, digits := exp[:1], strings.TrimLeft(exp[1:], "0")
	return mant + "e" + sign + digits
}

// Ref names one telemetry stream. It decodes directly from telemetry records,
// trialCompleted payloads and cloud subscription requests.
type Ref struct {
	TrialID   ID `json:"trialId"`
	DeviceID  ID `json:"deviceId"`
	SubjectID ID `json:"subjectId"`
}

// Key returns the composite key for r.
func (r Ref) Key() Key {
	return NewKey(r.TrialID.String(), r.DeviceID.String(), r.SubjectID.String())
}

// Validate reports whether all three identifiers are present.
func (r Ref) Validate() error {
	if r.TrialID.IsZero() || r.DeviceID.IsZero() || r.SubjectID.IsZero() {
		return ErrIncompleteRef
	}
	return nil
}
