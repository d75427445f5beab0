package store

import "bytes"

// Compare orders two field values of the same declared Kind. It returns
// -1, 0 or 1 the way bytes.Compare/strings.Compare do. Used by every
// backend to keep ordered-index scans and tie-breaks (ascending row_id)
// consistent, per spec.md §4.1.
func Compare(a, b any) int {
	switch av := a.(type) {
	case int8:
		return compareInt64(int64(av), int64(b.(int8)))
	case int16:
		return compareInt64(int64(av), int64(b.(int16)))
	case int32:
		return compareInt64(int64(av), int64(b.(int32)))
	case int64:
		return compareInt64(av, b.(int64))
	case uint8:
		return compareUint64(uint64(av), uint64(b.(uint8)))
	case uint16:
		return compareUint64(uint64(av), uint64(b.(uint16)))
	case uint32:
		return compareUint64(uint64(av), uint64(b.(uint32)))
	case uint64:
		return compareUint64(av, b.(uint64))
	case float32:
		return compareFloat64(float64(av), float64(b.(float32)))
	case float64:
		return compareFloat64(av, b.(float64))
	case bool:
		return compareBool(av, b.(bool))
	case string:
		bv := b.(string)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		default:
			return 0
		}
	case []byte:
		return bytes.Compare(av, b.([]byte))
	default:
		return 0
	}
}

func compareInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func compareUint64(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func compareFloat64(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func compareBool(a, b bool) int {
	if a == b {
		return 0
	}
	if !a && b {
		return -1
	}
	return 1
}

// CompareRowID breaks ties ascending by row id, per spec.md §4.1.
func CompareRowID(a, b uint64) int {
	return compareUint64(a, b)
}

// InRange reports whether v falls within [left, right) (half-open),
// treating a nil bound as unbounded on that side.
func InRange(v, left, right any) bool {
	if left != nil && Compare(v, left) < 0 {
		return false
	}
	if right != nil && Compare(v, right) >= 0 {
		return false
	}
	return true
}
