package trace

import (
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Format selects how events are serialized.
type Format uint8

const (
	FormatAuto   Format = iota // chosen from the output file extension
	FormatText                 // one human-readable line per event
	FormatNDJSON               // one JSON object per line
)

// ParseFormat accepts auto, text, ndjson or json.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "", "auto":
		return FormatAuto, nil
	case "text":
		return FormatText, nil
	case "ndjson", "json":
		return FormatNDJSON, nil
	}
	return FormatAuto, fmt.Errorf("trace format %q: want auto|text|ndjson", s)
}

// FormatEvent serializes ev, including the trailing newline.
func FormatEvent(ev *Event, format Format) []byte {
	if format == FormatNDJSON {
		return appendJSON(nil, ev)
	}
	return appendText(nil, ev)
}

type jsonEvent struct {
	Time   string            `json:"time"`
	Seq    uint64            `json:"seq"`
	Kind   string            `json:"kind"`
	Scope  string            `json:"scope"`
	Span   uint64            `json:"span_id,omitempty"`
	Parent uint64            `json:"parent_id,omitempty"`
	Name   string            `json:"name"`
	Detail string            `json:"detail,omitempty"`
	Extra  map[string]string `json:"extra,omitempty"`
}

func appendJSON(dst []byte, ev *Event) []byte {
	data, err := json.Marshal(jsonEvent{
		Time:   ev.Time.UTC().Format(time.RFC3339Nano),
		Seq:    ev.Seq,
		Kind:   ev.Kind.String(),
		Scope:  ev.Scope.String(),
		Span:   ev.SpanID,
		Parent: ev.ParentID,
		Name:   ev.Name,
		Detail: ev.Detail,
		Extra:  ev.Extra,
	})
	if err != nil {
		return dst
	}
	dst = append(dst, data...)
	return append(dst, '\n')
}

// appendText writes "[scope] kind name#span: detail k=v ..." with extras in
// key order. Spans carry their id so begin and end lines can be paired.
func appendText(dst []byte, ev *Event) []byte {
	dst = append(dst, '[')
	dst = append(dst, ev.Scope.String()...)
	dst = append(dst, "] "...)
	dst = append(dst, ev.Kind.String()...)
	dst = append(dst, ' ')
	dst = append(dst, ev.Name...)
	if ev.SpanID != 0 {
		dst = append(dst, '#')
		dst = strconv.AppendUint(dst, ev.SpanID, 10)
	}
	if ev.Detail != "" {
		dst = append(dst, ": "...)
		dst = append(dst, ev.Detail...)
	}
	keys := make([]string, 0, len(ev.Extra))
	for k := range ev.Extra {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		dst = append(dst, ' ')
		dst = append(dst, k...)
		dst = append(dst, '=')
		dst = append(dst, ev.Extra[k]...)
	}
	return append(dst, '\n')
}
