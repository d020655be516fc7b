// Package fingerprint computes stable digests of ordered row values.
package fingerprint

import (
	"encoding/binary"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Number is a numeric literal in its stored text form (DynamoDB "N").
type Number string

// Value tags. Every encoded value starts with exactly one tag, so values of
// different kinds never share an encoding.
const (
	tagNull   byte = 'z'
	tagString byte = 's'
	tagNumber byte = 'n'
	tagBool   byte = 'b'
	tagInt    byte = 'i'
	tagUint   byte = 'u'
	tagFloat  byte = 'f'
	tagBytes  byte = 'x'
	tagTime   byte = 't'
	tagList   byte = 'l'
	tagMap    byte = 'm'
	tagOther  byte = '?'
)

// null replaces every nil-like entry before encoding.
type null struct{}

// Sum returns the digest of values. Order matters; nil entries of any kind
// hash identically.
func Sum(values []any) int64 {
	d := xxhash.New()
	writeList(d, values)
	return int64(d.Sum64())
}

// canonical returns v with nil-like values replaced by the null sentinel.
func canonical(v any) any {
	if v == nil {
		return null{}
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return null{}
		}
		return canonical(rv.Elem().Interface())
	case reflect.Slice, reflect.Map:
		if rv.IsNil() {
			return null{}
		}
	}
	return v
}

func writeList(d *xxhash.Digest, values []any) {
	writeLen(d, len(values))
	for _, v := range values {
		write(d, v)
	}
}

func write(d *xxhash.Digest, v any) {
	switch t := canonical(v).(type) {
	case null:
		d.Write([]byte{tagNull})
	case string:
		writeString(d, tagString, t)
	case Number:
		writeString(d, tagNumber, string(t))
	case bool:
		if t {
			d.Write([]byte{tagBool, 1})
		} else {
			d.Write([]byte{tagBool, 0})
		}
	case int:
		writeUint64(d, tagInt, uint64(t))
	case int8:
		writeUint64(d, tagInt, uint64(t))
	case int16:
		writeUint64(d, tagInt, uint64(t))
	case int32:
		writeUint64(d, tagInt, uint64(t))
	case int64:
		writeUint64(d, tagInt, uint64(t))
	case uint:
		writeUint64(d, tagUint, uint64(t))
	case uint8:
		writeUint64(d, tagUint, uint64(t))
	case uint16:
		writeUint64(d, tagUint, uint64(t))
	case uint32:
		writeUint64(d, tagUint, uint64(t))
	case uint64:
		writeUint64(d, tagUint, t)
	case float32:
		writeUint64(d, tagFloat, math.Float64bits(float64(t)))
	case float64:
		writeUint64(d, tagFloat, math.Float64bits(t))
	case []byte:
		writeString(d, tagBytes, string(t))
	case time.Time:
		writeString(d, tagTime, t.UTC().Format(time.RFC3339Nano))
	case []any:
		d.Write([]byte{tagList})
		writeList(d, t)
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		d.Write([]byte{tagMap})
		writeLen(d, len(keys))
		for _, k := range keys {
			writeString(d, tagString, k)
			write(d, t[k])
		}
	default:
		writeString(d, tagOther, fmt.Sprintf("%T:%v", t, t))
	}
}

func writeString(d *xxhash.Digest, tag byte, s string) {
	d.Write([]byte{tag})
	writeLen(d, len(s))
	d.WriteString(s)
}

func writeUint64(d *xxhash.Digest, tag byte, n uint64) {
	var buf [9]byte
	buf[0] = tag
	binary.BigEndian.PutUint64(buf[1:], n)
	d.Write(buf[:])
}

func writeLen(d *xxhash.Digest, n int) {
	d.WriteString(strconv.Itoa(n))
	d.Write([]byte{':'})
}
