package redisstore

import (
	"bytes"
	"encoding/gob"

	"github.com/hetu-io/hetu/internal/schema"
)

func init() {
	for _, v := range []any{
		int8(0), int16(0), int32(0), int64(0),
		uint8(0), uint16(0), uint32(0), uint64(0),
		float32(0), float64(0), bool(false), "", []byte(nil),
	} {
		gob.Register(v)
	}
}

// encodeValues packs a row's typed field slice into a gob blob, the
// representation stored in each row's Redis hash.
func encodeValues(v schema.Values) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeValues(b []byte) (schema.Values, error) {
	var v schema.Values
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

// indexScore maps an index field's value to the float64 Redis ZSET score
// that preserves Compare's ordering for the Kinds spec.md §3 allows as
// index fields (the numeric kinds; string/bytes index values have no score,
// and this backend rejects them with CodeConstraintViolated at commit and in
// range bounds, see DESIGN.md's redisstore limitation note).
func indexScore(v any) (float64, bool) {
	switch x := v.(type) {
	case int8:
		return float64(x), true
	case int16:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint8:
		return float64(x), true
	case uint16:
		return float64(x), true
	case uint32:
		return float64(x), true
	case uint64:
		return float64(x), true
	case float32:
		return float64(x), true
	case float64:
		return x, true
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}
