package fluentd

import (
	"fmt"
	"strings"

	"fluentsink/sink"
)

func (c *Converter) tagFor(rec sink.Record, data map[string]any) string {
	var tag string
	switch c.tag.Strategy {
	case TagStatic:
		tag = c.tag.Static
	case TagField:
		if v, ok := lookupPath(data, c.tag.Field); ok && v != nil {
			tag = strings.TrimSpace(fmt.Sprint(v))
		}
		if tag == "" {
			tag = rec.Topic
		}
	default:
		tag = rec.Topic
	}
	if tag == "" {
		tag = c.tag.Static
	}
	if tag == "" {
		tag = DefaultTag
	}
	if c.tag.Prefix != "" {
		tag = c.tag.Prefix + "." + tag
	}
	return tag
}

// lookupPath finds key in data. A key that is not present verbatim is
// tried as a dotted path through nested maps.
func lookupPath(data map[string]any, key string) (any, bool) {
	if key == "" {
		return nil, false
	}
	if v, ok := data[key]; ok {
		return v, true
	}
	parts := strings.Split(key, ".")
	cur := data
	for i, p := range parts {
		v, ok := cur[p]
		if !ok {
			return nil, false
		}
		if i == len(parts)-1 {
			return v, true
		}
		if cur, ok = v.(map[string]any); !ok {
			return nil, false
		}
	}
	return nil, false
}
