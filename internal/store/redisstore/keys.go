package redisstore

import (
	"fmt"
	"strconv"

	"github.com/hetu-io/hetu/internal/schema"
)

// Key layout, per SPEC_FULL.md §4.1/§6:
//
//	hetu:{cluster}:{component}:row:{row_id}        hash {v: gob blob, ver: int}
//	hetu:{cluster}:{component}:idx:{index}         zset member=row_id score=numeric(value)
//	hetu:{cluster}:{component}:uniq:{index}:{value} string holding owning row_id
//	hetu:{cluster}:{component}:next_id             counter (INCR)
type keyspace struct {
	cluster string
}

func (k keyspace) row(component string, id schema.RowID) string {
	return fmt.Sprintf("hetu:%s:%s:row:%d", k.cluster, component, id)
}

func (k keyspace) idx(component, index string) string {
	return fmt.Sprintf("hetu:%s:%s:idx:%s", k.cluster, component, index)
}

func (k keyspace) uniq(component, index string, value any) string {
	return fmt.Sprintf("hetu:%s:%s:uniq:%s:%s", k.cluster, component, index, uniqToken(value))
}

func (k keyspace) nextID(component string) string {
	return fmt.Sprintf("hetu:%s:%s:next_id", k.cluster, component)
}

// uniqToken renders a unique-index value as a Redis-key-safe token.
func uniqToken(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case []byte:
		return string(x)
	case bool:
		return strconv.FormatBool(x)
	default:
		return fmt.Sprintf("%v", x)
	}
}
