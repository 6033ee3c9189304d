package serde

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Item flag bits stored next to each payload on the server. Bit positions
// follow the common python client convention so values written by those
// clients decode with their intended kind; FlagFloat takes the next free bit
// (1<<2 and 1<<3 are claimed by pickled-long and compressed payloads there,
// which this codec treats as unknown and passes through raw).
const (
	FlagBytes uint32 = 0
	FlagInt   uint32 = 1 << 1
	FlagText  uint32 = 1 << 4
	FlagFloat uint32 = 1 << 5
)

const knownFlags = FlagInt | FlagText | FlagFloat

// Supported charsets for text payloads.
const (
	CharsetUTF8  = "utf-8"
	CharsetASCII = "us-ascii"
)

type Options struct {
	// DecodeResponses converts fetched byte payloads to text by default,
	// per the configured charset. Typed (int/float) payloads decode to
	// their kind regardless.
	DecodeResponses bool
	// Charset validates text payloads in both directions.
	// Defaults to "utf-8"; "us-ascii" is also accepted.
	Charset string
}

// Codec renders [Value] payloads for the wire and recovers them from
// (data, flags) pairs. It is immutable and safe for concurrent use.
type Codec struct {
	decodeResponses bool
	charset         string
}

func New(opts Options) (*Codec, error) {
	charset, err := normalizeCharset(opts.Charset)
	if err != nil {
		return nil, err
	}
	return &Codec{
		decodeResponses: opts.DecodeResponses,
		charset:         charset,
	}, nil
}

func normalizeCharset(charset string) (string, error) {
	switch strings.ToLower(charset) {
	case "", "utf-8", "utf8":
		return CharsetUTF8, nil
	case "us-ascii", "ascii":
		return CharsetASCII, nil
	}
	return "", fmt.Errorf("serde: unsupported charset %q", charset)
}

// Encode renders v into the byte payload and the item flags stored with it.
//
// Bytes pass through untouched with flag 0. Integers and floats render as
// decimal text under their flag bit; the float form is chosen so that it
// re-parses to the identical float64. Text is charset-checked. Booleans are
// rejected: they are integer-like in enough languages that silently
// stringifying them would corrupt numeric round-trips.
func (c *Codec) Encode(v Value) ([]byte, uint32, error) {
	switch v.kind {
	case KindNil:
		return nil, 0, dataErr("cannot encode nil value")
	case KindBytes:
		return v.b, FlagBytes, nil
	case KindText:
		if err := c.checkText([]byte(v.s)); err != nil {
			return nil, 0, err
		}
		return []byte(v.s), FlagText, nil
	case KindInt:
		return strconv.AppendInt(nil, v.i, 10), FlagInt, nil
	case KindFloat:
		return strconv.AppendFloat(nil, v.f, 'g', -1, 64), FlagFloat, nil
	case KindBool:
		return nil, 0, dataErr("cannot encode bool; convert to int or text explicitly")
	}
	return nil, 0, dataErr("cannot encode value of kind %s", v.kind)
}

// Decode recovers a [Value] from a fetched payload. Typed flags win: int and
// float payloads always come back as their kind. Text conversion happens only
// when DecodeResponses is set or force is true. Flag combinations this codec
// does not know (e.g. compressed payloads from other clients) pass through as
// raw bytes.
func (c *Codec) Decode(data []byte, flags uint32, force bool) (Value, error) {
	if flags&^knownFlags != 0 {
		return BytesValue(data), nil
	}

	switch {
	case flags&FlagInt != 0:
		i, err := strconv.ParseInt(string(data), 10, 64)
		if err != nil {
			return Value{}, dataErr("corrupt int payload %q", data)
		}
		return IntValue(i), nil

	case flags&FlagFloat != 0:
		f, err := strconv.ParseFloat(string(data), 64)
		if err != nil {
			return Value{}, dataErr("corrupt float payload %q", data)
		}
		return FloatValue(f), nil

	case flags&FlagText != 0, flags == FlagBytes:
		if c.decodeResponses || force {
			if err := c.checkText(data); err != nil {
				return Value{}, err
			}
			return TextValue(string(data)), nil
		}
		return BytesValue(data), nil
	}

	return BytesValue(data), nil
}

// checkText enforces the configured charset in strict mode.
func (c *Codec) checkText(b []byte) error {
	switch c.charset {
	case CharsetASCII:
		for _, ch := range b {
			if ch > 0x7f {
				return dataErr("payload is not valid %s", c.charset)
			}
		}
	default:
		if !utf8.Valid(b) {
			return dataErr("payload is not valid %s", c.charset)
		}
	}
	return nil
}
