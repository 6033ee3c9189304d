// Package proto implements the memcached text protocol: command rendering,
// reply parsing and a framed connection. It is the production collaborator
// behind the cluster package's Conn interface; everything here is expressed
// in wire vocabulary (verbs, reply tokens) and knows nothing about rings,
// pools or retries.
package proto

import (
	"bytes"
	"strconv"
)

// Server-imposed limits enforced client-side so malformed requests fail
// before any I/O happens.
const (
	MaxKeyLen    = 250
	MaxValueSize = 1 << 20
)

// relativeTTLMax is the largest exptime the server treats as a relative
// number of seconds; anything larger is a unix timestamp.
const relativeTTLMax = 60 * 60 * 24 * 30

// Verb is a memcached command name.
type Verb string

const (
	Set     Verb = "set"
	Add     Verb = "add"
	Replace Verb = "replace"
	Append  Verb = "append"
	Prepend Verb = "prepend"
	Cas     Verb = "cas"
	Incr    Verb = "incr"
	Decr    Verb = "decr"
)

// Reply tokens.
var (
	crlf         = []byte("\r\n")
	respEnd      = []byte("END")
	respOK       = []byte("OK")
	respStored   = []byte("STORED")
	respNotSt    = []byte("NOT_STORED")
	respExists   = []byte("EXISTS")
	respNotFound = []byte("NOT_FOUND")
	respDeleted  = []byte("DELETED")
	respTouched  = []byte("TOUCHED")
	respValue    = []byte("VALUE ")
	respStat     = []byte("STAT ")
	respItem     = []byte("ITEM ")
	respVersion  = []byte("VERSION ")
	respError    = []byte("ERROR")
	respClient   = []byte("CLIENT_ERROR")
	respServer   = []byte("SERVER_ERROR")
)

// Item is one VALUE block of a retrieval reply.
type Item struct {
	Key   string
	Flags uint32
	Data  []byte
	CAS   uint64 // only populated by gets
}

// === validation ===

// CheckKey validates a wire key (prefix already applied). The server only
// accepts printable ASCII without spaces, up to 250 bytes; catching
// violations here turns them into clean client errors instead of protocol
// desyncs.
func CheckKey(key string) error {
	if key == "" {
		return clientErr("key is empty")
	}
	if len(key) > MaxKeyLen {
		return clientErr("key too long: %q", truncate([]byte(key), 64))
	}
	for i := 0; i < len(key); i++ {
		switch c := key[i]; {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			return clientErr("key contains whitespace: %q", key)
		case c < 0x21 || c == 0x7f:
			return clientErr("key contains control characters: %q", key)
		case c > 0x7f:
			return clientErr("non-ascii key: %q", key)
		}
	}
	return nil
}

// CheckValue rejects payloads the server would refuse anyway.
func CheckValue(data []byte, max int) error {
	if max <= 0 {
		max = MaxValueSize
	}
	if len(data) > max {
		return clientErr("value too large: %d bytes (max %d)", len(data), max)
	}
	return nil
}

// TTLSeconds converts a TTL in seconds to the wire exptime. Values above 30
// days must be sent as absolute unix time, so the caller supplies now.
func TTLSeconds(seconds int64, now int64) int64 {
	if seconds > relativeTTLMax {
		return now + seconds
	}
	return seconds
}

// === command rendering ===

// AppendStore renders one storage command:
//
//	<verb> <key> <flags> <exptime> <len>[ <cas>][ noreply]\r\n<data>\r\n
//
// Multiple stores may be rendered into one buffer and pipelined; the server
// answers with one reply line per command, in order.
func AppendStore(dst []byte, verb Verb, key string, flags uint32, exptime int64, cas uint64, noreply bool, data []byte) []byte {
	dst = append(dst, verb...)
	dst = append(dst, ' ')
	dst = append(dst, key...)
	dst = append(dst, ' ')
	dst = strconv.AppendUint(dst, uint64(flags), 10)
	dst = append(dst, ' ')
	dst = strconv.AppendInt(dst, exptime, 10)
	dst = append(dst, ' ')
	dst = strconv.AppendInt(dst, int64(len(data)), 10)
	if verb == Cas {
		dst = append(dst, ' ')
		dst = strconv.AppendUint(dst, cas, 10)
	}
	if noreply {
		dst = append(dst, " noreply"...)
	}
	dst = append(dst, crlf...)
	dst = append(dst, data...)
	dst = append(dst, crlf...)
	return dst
}

// AppendGet renders `get <k>...` (or `gets` when withCAS) for one or more
// keys. Key order on the wire matches the argument order.
func AppendGet(dst []byte, keys []string, withCAS bool) []byte {
	if withCAS {
		dst = append(dst, "gets"...)
	} else {
		dst = append(dst, "get"...)
	}
	for _, k := range keys {
		dst = append(dst, ' ')
		dst = append(dst, k...)
	}
	return append(dst, crlf...)
}

func AppendDelete(dst []byte, key string, noreply bool) []byte {
	dst = append(dst, "delete "...)
	dst = append(dst, key...)
	if noreply {
		dst = append(dst, " noreply"...)
	}
	return append(dst, crlf...)
}

func AppendIncrDecr(dst []byte, verb Verb, key string, delta uint64, noreply bool) []byte {
	dst = append(dst, verb...)
	dst = append(dst, ' ')
	dst = append(dst, key...)
	dst = append(dst, ' ')
	dst = strconv.AppendUint(dst, delta, 10)
	if noreply {
		dst = append(dst, " noreply"...)
	}
	return append(dst, crlf...)
}

func AppendTouch(dst []byte, key string, exptime int64, noreply bool) []byte {
	dst = append(dst, "touch "...)
	dst = append(dst, key...)
	dst = append(dst, ' ')
	dst = strconv.AppendInt(dst, exptime, 10)
	if noreply {
		dst = append(dst, " noreply"...)
	}
	return append(dst, crlf...)
}

func AppendFlushAll(dst []byte, delay int64, noreply bool) []byte {
	dst = append(dst, "flush_all"...)
	if delay > 0 {
		dst = append(dst, ' ')
		dst = strconv.AppendInt(dst, delay, 10)
	}
	if noreply {
		dst = append(dst, " noreply"...)
	}
	return append(dst, crlf...)
}

func AppendVersion(dst []byte) []byte {
	return append(dst, "version\r\n"...)
}

func AppendStats(dst []byte, args ...string) []byte {
	dst = append(dst, "stats"...)
	for _, a := range args {
		dst = append(dst, ' ')
		dst = append(dst, a...)
	}
	return append(dst, crlf...)
}

// === reply parsing ===

// CheckErrorLine maps the three protocol-level failure replies onto typed
// errors; any other line returns nil.
func CheckErrorLine(line []byte) error {
	switch {
	case bytes.HasPrefix(line, respError):
		return ErrUnknownCommand
	case bytes.HasPrefix(line, respClient):
		return &ClientError{Msg: errorMessage(line)}
	case bytes.HasPrefix(line, respServer):
		return &ServerError{Msg: errorMessage(line)}
	}
	return nil
}

func errorMessage(line []byte) string {
	if i := bytes.IndexByte(line, ' '); i >= 0 {
		return string(line[i+1:])
	}
	return string(line)
}

// StoreResult is the server's verdict on a storage command.
type StoreResult uint8

const (
	StoreStored StoreResult = iota
	StoreNotStored
	StoreExists
	StoreNotFound
)

// validStoreReplies lists the legal reply vocabulary per storage verb.
var validStoreReplies = map[Verb][]StoreResult{
	Set:     {StoreStored, StoreNotStored},
	Add:     {StoreStored, StoreNotStored},
	Replace: {StoreStored, StoreNotStored},
	Append:  {StoreStored, StoreNotStored},
	Prepend: {StoreStored, StoreNotStored},
	Cas:     {StoreStored, StoreExists, StoreNotFound},
}

// ParseStoreReply interprets one reply line of a storage command. Replies
// outside the verb's legal vocabulary are protocol errors.
func ParseStoreReply(verb Verb, line []byte) (StoreResult, error) {
	var res StoreResult
	switch {
	case bytes.Equal(line, respStored):
		res = StoreStored
	case bytes.Equal(line, respNotSt):
		res = StoreNotStored
	case bytes.Equal(line, respExists):
		res = StoreExists
	case bytes.Equal(line, respNotFound):
		res = StoreNotFound
	default:
		return 0, protoErr("unexpected %s reply %q", verb, truncate(line, 32))
	}
	for _, ok := range validStoreReplies[verb] {
		if res == ok {
			return res, nil
		}
	}
	return 0, protoErr("illegal %s reply %q", verb, truncate(line, 32))
}

// ParseDeleteReply returns whether the key existed.
func ParseDeleteReply(line []byte) (bool, error) {
	switch {
	case bytes.Equal(line, respDeleted):
		return true, nil
	case bytes.Equal(line, respNotFound):
		return false, nil
	}
	return false, protoErr("unexpected delete reply %q", truncate(line, 32))
}

// ParseTouchReply returns whether the key existed.
func ParseTouchReply(line []byte) (bool, error) {
	switch {
	case bytes.Equal(line, respTouched):
		return true, nil
	case bytes.Equal(line, respNotFound):
		return false, nil
	}
	return false, protoErr("unexpected touch reply %q", truncate(line, 32))
}

// ParseIncrDecrReply returns the new counter value, or found=false when the
// key does not exist. A reply that is neither NOT_FOUND nor a number leaves
// the server's state unknown and is a protocol error.
func ParseIncrDecrReply(line []byte) (val uint64, found bool, err error) {
	if bytes.Equal(line, respNotFound) {
		return 0, false, nil
	}
	val, perr := strconv.ParseUint(string(line), 10, 64)
	if perr != nil {
		return 0, false, protoErr("unexpected incr/decr reply %q", truncate(line, 32))
	}
	return val, true, nil
}

// ParseVersionReply extracts the server version string.
func ParseVersionReply(line []byte) (string, error) {
	if !bytes.HasPrefix(line, respVersion) {
		return "", protoErr("unexpected version reply %q", truncate(line, 32))
	}
	return string(line[len(respVersion):]), nil
}

// ParseFlushReply expects the OK acknowledgement.
func ParseFlushReply(line []byte) error {
	if !bytes.Equal(line, respOK) {
		return protoErr("unexpected flush_all reply %q", truncate(line, 32))
	}
	return nil
}

// parseValueHeader splits `VALUE <key> <flags> <len>[ <cas>]`.
func parseValueHeader(line []byte) (key string, flags uint32, size int, cas uint64, err error) {
	fields := bytes.Fields(line)
	if n := len(fields); n != 4 && n != 5 {
		return "", 0, 0, 0, protoErr("malformed value header %q", truncate(line, 64))
	}
	key = string(fields[1])
	f64, err1 := strconv.ParseUint(string(fields[2]), 10, 32)
	sz, err2 := strconv.Atoi(string(fields[3]))
	if err1 != nil || err2 != nil || sz < 0 {
		return "", 0, 0, 0, protoErr("malformed value header %q", truncate(line, 64))
	}
	if len(fields) == 5 {
		cas, err = strconv.ParseUint(string(fields[4]), 10, 64)
		if err != nil {
			return "", 0, 0, 0, protoErr("malformed value header %q", truncate(line, 64))
		}
	}
	return key, uint32(f64), sz, cas, nil
}

// parseStatLine splits `STAT <name> <value>` (value may be empty) and
// `ITEM <key> <...>` lines from stats cachedump.
func parseStatLine(line []byte) (name, value string) {
	rest := line
	switch {
	case bytes.HasPrefix(line, respStat):
		rest = line[len(respStat):]
	case bytes.HasPrefix(line, respItem):
		rest = line[len(respItem):]
	}
	if i := bytes.IndexByte(rest, ' '); i >= 0 {
		return string(rest[:i]), string(rest[i+1:])
	}
	return string(rest), ""
}
