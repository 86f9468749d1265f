package internal

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Kind is the value type of a declared option.
type Kind int

const (
	KindString Kind = iota
	KindInt
	KindBool
	KindDuration
	KindStrings
)

// String returns the kind name used in usage output.
func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindInt:
		return "int"
	case KindBool:
		return "bool"
	case KindDuration:
		return "duration"
	case KindStrings:
		return "strings"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Convert parses raw into the Go type for kind: string, int, bool,
// time.Duration or []string. A duration given as a bare integer is
// read as seconds.
func Convert(kind Kind, raw string) (any, error) {
	raw = strings.TrimSpace(raw)

	switch kind {
	case KindString:
		return raw, nil
	case KindInt:
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid int %q", raw)
		}
		return n, nil
	case KindBool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid bool %q", raw)
		}
		return b, nil
	case KindDuration:
		if n, err := strconv.Atoi(raw); err == nil {
			return time.Duration(n) * time.Second, nil
		}
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid duration %q", raw)
		}
		return d, nil
	case KindStrings:
		if raw == "" {
			return []string{}, nil
		}
		parts := strings.Split(raw, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown option kind %d", int(kind))
	}
}

// CheckType reports whether v has the Go type of kind.
func CheckType(kind Kind, v any) bool {
	switch kind {
	case KindString:
		_, ok := v.(string)
		return ok
	case KindInt:
		_, ok := v.(int)
		return ok
	case KindBool:
		_, ok := v.(bool)
		return ok
	case KindDuration:
		_, ok := v.(time.Duration)
		return ok
	case KindStrings:
		_, ok := v.([]string)
		return ok
	default:
		return false
	}
}

// Format renders a typed value back to its raw string form.
func Format(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case []string:
		return strings.Join(t, ",")
	default:
		return fmt.Sprint(t)
	}
}

// Zero returns the zero value of kind.
func Zero(kind Kind) any {
	switch kind {
	case KindInt:
		return 0
	case KindBool:
		return false
	case KindDuration:
		return time.Duration(0)
	case KindStrings:
		return []string{}
	default:
		return ""
	}
}
