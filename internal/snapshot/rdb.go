// Package snapshot implements the read-only binary snapshot loader
// described in spec.md §4.10: a simplified RDB-like format bootstrapped
// once at startup into a store.Keyspace. Writing snapshots is out of
// scope (spec.md Non-goals: "persistence (snapshots are read-only at
// boot)").
package snapshot

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/kvredis/kvredis/internal/store"
)

const (
	opMetadata  = 0xFA
	opDatabase  = 0xFE
	opHashSizes = 0xFB
	opExpireMS  = 0xFC
	opExpireSec = 0xFD
	opEOF       = 0xFF
	opNoExpiry  = 0x00

	headerPrefix  = "REDIS"
	headerVersion = 4 // ASCII version digits following "REDIS"
)

// errLZFUnsupported is returned for the 0xC3 (LZF-compressed string)
// encoding, which spec.md §4.10 explicitly leaves unsupported.
var errLZFUnsupported = fmt.Errorf("LZF-compressed string encoding is unsupported")

// entry is one string key read from the file, with its optional absolute
// wall-clock expiry (converted to a keyspace PX offset at load time,
// since Keyspace stores a monotonic deadline, not wall time — spec §9).
type entry struct {
	value    []byte
	expireAt time.Time
	hasExp   bool
}

// Load reads the snapshot at path and populates ks. Any parse error
// aborts the load and is returned to the caller to log; per spec.md
// §4.10 the server then starts with whatever empty/partial keyspace
// existed before the call — the caller must not treat this as fatal.
func Load(path string, ks *store.Keyspace, now time.Time) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	entries := make(map[string]entry)

	if err := parseHeader(r); err != nil {
		return err
	}
	if err := skipMetadata(r); err != nil {
		return err
	}
	if err := parseDatabases(r, entries); err != nil {
		return err
	}

	for key, e := range entries {
		if e.hasExp && !e.expireAt.After(now) {
			continue // expired entries in the file are skipped, not loaded
		}
		var pxMillis int64
		if e.hasExp {
			pxMillis = int64(e.expireAt.Sub(now) / time.Millisecond)
			if pxMillis <= 0 {
				continue
			}
		}
		ks.Set(key, e.value, pxMillis)
	}
	return nil
}

func parseHeader(r *bufio.Reader) error {
	header := make([]byte, len(headerPrefix)+headerVersion)
	if _, err := io.ReadFull(r, header); err != nil {
		return fmt.Errorf("reading header: %w", err)
	}
	if string(header[:len(headerPrefix)]) != headerPrefix {
		return fmt.Errorf("missing REDIS header")
	}
	return nil
}

// skipMetadata consumes zero or more 0xFA metadata records. bufio.Reader
// supports exactly one byte of pushback, which is all we need: peek the
// next opcode, and if it isn't 0xFA, unread it for the caller.
func skipMetadata(r *bufio.Reader) error {
	for {
		b, err := r.ReadByte()
		if err != nil {
			return fmt.Errorf("reading opcode: %w", err)
		}
		if b != opMetadata {
			return r.UnreadByte()
		}
		if _, err := parseSizeEncodedString(r); err != nil {
			return fmt.Errorf("reading metadata name: %w", err)
		}
		if _, err := parseSizeEncodedString(r); err != nil {
			return fmt.Errorf("reading metadata value: %w", err)
		}
	}
}

func parseDatabases(r *bufio.Reader, out map[string]entry) error {
	for {
		b, err := r.ReadByte()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading opcode: %w", err)
		}

		switch b {
		case opEOF:
			var checksum [8]byte
			if _, err := io.ReadFull(r, checksum[:]); err != nil {
				return fmt.Errorf("reading checksum: %w", err)
			}
			return nil

		case opDatabase:
			if _, err := parseSize(r); err != nil {
				return fmt.Errorf("reading db index: %w", err)
			}
			if err := parseDatabaseBody(r, out); err != nil {
				return err
			}

		default:
			return fmt.Errorf("unexpected opcode 0x%02X at database-section level", b)
		}
	}
}

func parseDatabaseBody(r *bufio.Reader, out map[string]entry) error {
	for {
		b, err := r.ReadByte()
		if err != nil {
			return fmt.Errorf("reading opcode: %w", err)
		}

		switch b {
		case opHashSizes:
			if _, err := parseSize(r); err != nil {
				return fmt.Errorf("reading table size: %w", err)
			}
			if _, err := parseSize(r); err != nil {
				return fmt.Errorf("reading expires size: %w", err)
			}

		case opNoExpiry:
			key, value, err := parseKeyValue(r)
			if err != nil {
				return err
			}
			out[key] = entry{value: value}

		case opExpireMS:
			var buf [8]byte
			if _, err := io.ReadFull(r, buf[:]); err != nil {
				return fmt.Errorf("reading ms expiry: %w", err)
			}
			ms := binary.LittleEndian.Uint64(buf[:])
			if _, err := r.ReadByte(); err != nil { // value-type byte, always string here
				return fmt.Errorf("reading value type: %w", err)
			}
			key, value, err := parseKeyValue(r)
			if err != nil {
				return err
			}
			out[key] = entry{value: value, expireAt: time.UnixMilli(int64(ms)), hasExp: true}

		case opExpireSec:
			var buf [4]byte
			if _, err := io.ReadFull(r, buf[:]); err != nil {
				return fmt.Errorf("reading sec expiry: %w", err)
			}
			sec := binary.LittleEndian.Uint32(buf[:])
			if _, err := r.ReadByte(); err != nil {
				return fmt.Errorf("reading value type: %w", err)
			}
			key, value, err := parseKeyValue(r)
			if err != nil {
				return err
			}
			// §9 Open Question: 0xFD is absolute seconds since the Unix
			// epoch, not a duration.
			out[key] = entry{value: value, expireAt: time.Unix(int64(sec), 0), hasExp: true}

		case opDatabase, opEOF:
			return r.UnreadByte()

		default:
			return fmt.Errorf("unexpected opcode 0x%02X in database body", b)
		}
	}
}

func parseKeyValue(r *bufio.Reader) (key string, value []byte, err error) {
	k, err := parseSizeEncodedString(r)
	if err != nil {
		return "", nil, fmt.Errorf("reading key: %w", err)
	}
	v, err := parseSizeEncodedString(r)
	if err != nil {
		return "", nil, fmt.Errorf("reading value: %w", err)
	}
	return string(k), v, nil
}

// parseSize reads a size-only encoding. The 0b11 form (integer-string) is
// only valid for string fields, not bare counts like table/expire sizes
// or the db index, so it is an error here.
func parseSize(r *bufio.Reader) (uint64, error) {
	first, err := r.ReadByte()
	if err != nil {
		return 0, err
	}
	switch first >> 6 {
	case 0b00:
		return uint64(first & 0x3F), nil
	case 0b01:
		next, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		return uint64(first&0x3F)<<8 | uint64(next), nil
	case 0b10:
		var buf [4]byte
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return 0, err
		}
		return uint64(binary.BigEndian.Uint32(buf[:])), nil
	default:
		return 0, fmt.Errorf("special encoding not valid in a bare size")
	}
}

// parseSizeEncodedString reads one size/string-encoded field per
// spec.md §4.10: the top two bits of the first byte select 6-bit,
// 14-bit, or 4-byte-big-endian length forms, or (0b11) an integer
// rendered as its decimal string, or 0xC3 (LZF), which is unsupported.
func parseSizeEncodedString(r *bufio.Reader) ([]byte, error) {
	first, err := r.ReadByte()
	if err != nil {
		return nil, err
	}

	switch first >> 6 {
	case 0b00:
		return readN(r, int(first&0x3F))
	case 0b01:
		next, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		n := int(first&0x3F)<<8 | int(next)
		return readN(r, n)
	case 0b10:
		var buf [4]byte
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return nil, err
		}
		n := int(binary.BigEndian.Uint32(buf[:]))
		return readN(r, n)
	default: // 0b11: integer-string special encoding
		switch first & 0x3F {
		case 0x00:
			b, err := r.ReadByte()
			if err != nil {
				return nil, err
			}
			return []byte(strconv.FormatInt(int64(int8(b)), 10)), nil
		case 0x01:
			var buf [2]byte
			if _, err := io.ReadFull(r, buf[:]); err != nil {
				return nil, err
			}
			return []byte(strconv.FormatInt(int64(int16(binary.LittleEndian.Uint16(buf[:]))), 10)), nil
		case 0x02:
			var buf [4]byte
			if _, err := io.ReadFull(r, buf[:]); err != nil {
				return nil, err
			}
			return []byte(strconv.FormatInt(int64(int32(binary.LittleEndian.Uint32(buf[:]))), 10)), nil
		case 0x03:
			return nil, errLZFUnsupported
		default:
			return nil, fmt.Errorf("unsupported special string encoding 0x%02X", first&0x3F)
		}
	}
}

func readN(r *bufio.Reader, n int) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("negative length %d", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
