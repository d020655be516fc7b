package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Fingerprint is a digest of an entity's scalar attribute values.
// It detects change; it is not collision-free.
type Fingerprint int64

func (f Fingerprint) String() string {
	return strconv.FormatInt(int64(f), 10)
}

// BypassSentinel may be sent in place of a checksum to skip the lock check.
const BypassSentinel = "!opt_locking_is_patch"

type checkSumState uint8

const (
	checkSumAbsent checkSumState = iota
	checkSumValue
	checkSumBypass
)

// CheckSum is the as-read fingerprint a client echoes back with an update.
// The zero value means the client sent none.
//
// On the wire a CheckSum is a decimal string (JSON numbers lose precision
// above 2^53 in most clients), BypassSentinel, or null. Decoding also accepts
// a plain JSON number.
type CheckSum struct {
	value Fingerprint
	state checkSumState
}

// AsRead returns a CheckSum carrying f.
func AsRead(f Fingerprint) CheckSum {
	return CheckSum{value: f, state: checkSumValue}
}

// Bypass returns a CheckSum that skips the lock check.
func Bypass() CheckSum {
	return CheckSum{state: checkSumBypass}
}

// ParseCheckSum parses the text form of a CheckSum.
func ParseCheckSum(s string) (CheckSum, error) {
	if s == BypassSentinel {
		return Bypass(), nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return CheckSum{}, fmt.Errorf("rowlock: invalid CheckSum %q", s)
	}
	return AsRead(Fingerprint(n)), nil
}

// IsZero reports whether no checksum was supplied.
func (c CheckSum) IsZero() bool { return c.state == checkSumAbsent }

// IsBypass reports whether the client asked to skip the check.
func (c CheckSum) IsBypass() bool { return c.state == checkSumBypass }

// Value returns the as-read fingerprint, if one was supplied.
func (c CheckSum) Value() (Fingerprint, bool) {
	return c.value, c.state == checkSumValue
}

func (c CheckSum) String() string {
	switch c.state {
	case checkSumValue:
		return c.value.String()
	case checkSumBypass:
		return BypassSentinel
	}
	return ""
}

// MarshalJSON implements json.Marshaler.
func (c CheckSum) MarshalJSON() ([]byte, error) {
	if c.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(c.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (c *CheckSum) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*c = CheckSum{}
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		parsed, err := ParseCheckSum(s)
		if err != nil {
			return err
		}
		*c = parsed
		return nil
	}
	n, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("rowlock: invalid CheckSum %s", data)
	}
	*c = AsRead(Fingerprint(n))
	return nil
}

// Tracked holds an entity's checksum state. Embed it in entities that take
// part in optimistic locking; the entity must then be used by pointer.
//
//	type Order struct {
//	    store.Tracked
//	    ID     string `dynamodbav:"id"`
//	    Status string `dynamodbav:"status"`
//	}
type Tracked struct {
	baseline  Fingerprint
	installed bool

	// CheckSum is the client's as-read fingerprint. Loading an entity seeds
	// it with the baseline so it reaches clients with the rest of the row.
	CheckSum CheckSum `json:"CheckSum" dynamodbav:"-"`
}

// Baseline returns the fingerprint installed when the entity was loaded.
// ok is false for entities that did not come from storage.
func (t *Tracked) Baseline() (f Fingerprint, ok bool) {
	return t.baseline, t.installed
}

func (t *Tracked) tracked() *Tracked { return t }

func (t *Tracked) install(f Fingerprint) {
	t.baseline = f
	t.installed = true
	t.CheckSum = AsRead(f)
}

// Lockable is implemented by entity pointers whose type embeds Tracked.
type Lockable interface {
	Entity
	tracked() *Tracked
}
