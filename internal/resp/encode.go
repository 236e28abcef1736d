package resp

import (
	"strconv"
)

// Encode appends the wire representation of v to dst and returns the
// extended slice. Strings are emitted as length-prefixed bulk strings with
// raw bytes (no UTF-8 validation); arrays recurse.
func Encode(dst []byte, v Value) []byte {
	switch v.Kind {
	case KindSimpleString:
		dst = append(dst, '+')
		dst = append(dst, v.Str...)
		return append(dst, '\r', '\n')
	case KindError:
		dst = append(dst, '-')
		dst = append(dst, v.Str...)
		return append(dst, '\r', '\n')
	case KindInteger:
		dst = append(dst, ':')
		dst = strconv.AppendInt(dst, v.Int, 10)
		return append(dst, '\r', '\n')
	case KindBulkString:
		if v.Null {
			return append(dst, '$', '-', '1', '\r', '\n')
		}
		dst = append(dst, '$')
		dst = strconv.AppendInt(dst, int64(len(v.Bulk)), 10)
		dst = append(dst, '\r', '\n')
		dst = append(dst, v.Bulk...)
		return append(dst, '\r', '\n')
	case KindArray:
		if v.Null {
			return append(dst, '*', '-', '1', '\r', '\n')
		}
		dst = append(dst, '*')
		dst = strconv.AppendInt(dst, int64(len(v.Elems)), 10)
		dst = append(dst, '\r', '\n')
		for _, e := range v.Elems {
			dst = Encode(dst, e)
		}
		return dst
	default:
		return dst
	}
}

// Marshal is a convenience wrapper returning a freshly allocated buffer.
func Marshal(v Value) []byte {
	return Encode(make([]byte, 0, 32), v)
}

// Common canned replies, matching the exact bytes spec.md §4.1 prescribes.
var (
	OK     = SimpleString("OK")
	Pong   = SimpleString("PONG")
	Queued = SimpleString("QUEUED")
)
