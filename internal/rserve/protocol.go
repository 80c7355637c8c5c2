package rserve

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Command and response codes
const (
	cmdLogin = 0x001
	cmdEval  = 0x003

	respOK  = 0x10001
	respErr = 0x10002
)

// Parameter types
const (
	dtString = 4
	dtSEXP   = 10
	dtLarge  = 64
)

// Expression types
const (
	xtNull        = 0
	xtInt         = 1
	xtDouble      = 2
	xtStr         = 3
	xtSym         = 5
	xtBool        = 6
	xtVector      = 16
	xtList        = 17
	xtSymName     = 19
	xtListNoTag   = 20
	xtListTag     = 21
	xtVectorExp   = 26
	xtVectorStr   = 27
	xtArrayInt    = 32
	xtArrayDouble = 33
	xtArrayStr    = 34
	xtArrayBool   = 36
	xtRaw         = 37
	xtUnknown     = 48

	xtLarge   = 64
	xtHasAttr = 128
)

const (
	headerSize = 16
	idSize     = 32
	protocolID = "Rsrv0103QAP1"
)

// NAInt is R's integer NA
const NAInt = math.MinInt32

// errorNames maps server error codes to messages
var errorNames = map[int]string{
	0x41: "authentication failed",
	0x42: "connection broken",
	0x43: "invalid command",
	0x44: "invalid parameter",
	0x45: "R error",
	0x46: "I/O error",
	0x47: "object not open",
	0x48: "access denied",
	0x49: "unsupported command",
	0x4a: "unknown command",
	0x4b: "data overflow",
	0x4c: "object too big",
	0x4d: "out of memory",
	0x4e: "control pipe closed",
	0x50: "session busy",
	0x51: "detach failed",
	0x7f: "evaluation error",
}

// ServerError is an error response from the server
type ServerError struct {
	Code int
}

func (e *ServerError) Error() string {
	if name, ok := errorNames[e.Code]; ok {
		return fmt.Sprintf("rserve: %s (code %d)", name, e.Code)
	}
	return fmt.Sprintf("rserve: error code %d", e.Code)
}

// List is a tagged or named R list
type List struct {
	Names  []string
	Values []interface{}
}

// Get returns the value stored under name
func (l *List) Get(name string) (interface{}, bool) {
	for i, n := range l.Names {
		if n == name && i < len(l.Values) {
			return l.Values[i], true
		}
	}
	return nil, false
}

func encodeHeader(cmd int, length int) []byte {
	h := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(h[0:], uint32(cmd))
	binary.LittleEndian.PutUint32(h[4:], uint32(length))
	binary.LittleEndian.PutUint32(h[12:], uint32(uint64(length)>>32))
	return h
}

// encodeString packs s as a DT_STRING parameter, NUL terminated and
// padded to a multiple of four bytes.
func encodeString(s string) []byte {
	n := len(s) + 1
	if pad := n % 4; pad != 0 {
		n += 4 - pad
	}
	out := make([]byte, 4+n)
	binary.LittleEndian.PutUint32(out, uint32(dtString|n<<8))
	copy(out[4:], s)
	return out
}

// decodeParam reads one parameter header, returning type, payload and rest
func decodeParam(buf []byte) (int, []byte, []byte, error) {
	if len(buf) < 4 {
		return 0, nil, nil, fmt.Errorf("rserve: truncated parameter header")
	}
	h := binary.LittleEndian.Uint32(buf)
	typ := int(h & 0xff)
	length := int(h >> 8)
	off := 4
	if typ&dtLarge != 0 {
		if len(buf) < 8 {
			return 0, nil, nil, fmt.Errorf("rserve: truncated large parameter header")
		}
		length |= int(binary.LittleEndian.Uint32(buf[4:])) << 24
		typ &^= dtLarge
		off = 8
	}
	if len(buf) < off+length {
		return 0, nil, nil, fmt.Errorf("rserve: parameter length %d exceeds payload", length)
	}
	return typ, buf[off : off+length], buf[off+length:], nil
}

// decodeSEXP decodes one expression and returns the remaining bytes
func decodeSEXP(buf []byte) (interface{}, []byte, error) {
	if len(buf) < 4 {
		return nil, nil, fmt.Errorf("rserve: truncated expression header")
	}
	h := binary.LittleEndian.Uint32(buf)
	typ := int(h & 0xff)
	length := int(h >> 8)
	off := 4
	if typ&xtLarge != 0 {
		if len(buf) < 8 {
			return nil, nil, fmt.Errorf("rserve: truncated large expression header")
		}
		length |= int(binary.LittleEndian.Uint32(buf[4:])) << 24
		typ &^= xtLarge
		off = 8
	}
	if len(buf) < off+length {
		return nil, nil, fmt.Errorf("rserve: expression length %d exceeds payload", length)
	}
	body := buf[off : off+length]
	rest := buf[off+length:]

	var names []string
	if typ&xtHasAttr != 0 {
		typ &^= xtHasAttr
		attr, remaining, err := decodeSEXP(body)
		if err != nil {
			return nil, nil, err
		}
		body = remaining
		if l, ok := attr.(*List); ok {
			if n, ok := l.Get("names"); ok {
				names = toStrings(n)
			}
		}
	}

	v, err := decodeBody(typ, body)
	if err != nil {
		return nil, nil, err
	}
	if names != nil {
		if vals, ok := v.([]interface{}); ok {
			v = &List{Names: names, Values: vals}
		}
	}
	return v, rest, nil
}

func decodeBody(typ int, body []byte) (interface{}, error) {
	switch typ {
	case xtNull:
		return nil, nil

	case xtInt, xtArrayInt:
		out := make([]int32, len(body)/4)
		for i := range out {
			out[i] = int32(binary.LittleEndian.Uint32(body[i*4:]))
		}
		return out, nil

	case xtDouble, xtArrayDouble:
		out := make([]float64, len(body)/8)
		for i := range out {
			out[i] = math.Float64frombits(binary.LittleEndian.Uint64(body[i*8:]))
		}
		return out, nil

	case xtStr, xtSymName, xtArrayStr:
		return decodeStrings(body), nil

	case xtSym:
		v, _, err := decodeSEXP(body)
		return v, err

	case xtBool, xtArrayBool:
		if len(body) < 4 {
			return []bool{}, nil
		}
		n := int(binary.LittleEndian.Uint32(body))
		out := make([]bool, 0, n)
		for i := 0; i < n && 4+i < len(body); i++ {
			out = append(out, body[4+i] == 1)
		}
		return out, nil

	case xtVector, xtVectorExp, xtVectorStr, xtListNoTag:
		var out []interface{}
		for len(body) > 0 {
			v, rest, err := decodeSEXP(body)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
			body = rest
		}
		return out, nil

	case xtList, xtListTag:
		l := &List{}
		for len(body) > 0 {
			v, rest, err := decodeSEXP(body)
			if err != nil {
				return nil, err
			}
			tag, rest, err := decodeSEXP(rest)
			if err != nil {
				return nil, err
			}
			l.Values = append(l.Values, v)
			l.Names = append(l.Names, firstString(tag))
			body = rest
		}
		return l, nil

	case xtRaw:
		if len(body) < 4 {
			return []byte{}, nil
		}
		n := int(binary.LittleEndian.Uint32(body))
		if n > len(body)-4 {
			n = len(body) - 4
		}
		return append([]byte(nil), body[4:4+n]...), nil

	default:
		return Unsupported{Type: typ, Data: append([]byte(nil), body...)}, nil
	}
}

// Unsupported holds an expression type this client does not decode
type Unsupported struct {
	Type int
	Data []byte
}

func decodeStrings(body []byte) []string {
	var out []string
	start := 0
	for i, b := range body {
		if b == 0 {
			s := string(body[start:i])
			if s == "\xff" {
				s = ""
			}
			out = append(out, s)
			start = i + 1
			for start < len(body) && body[start] == 1 {
				start++
			}
		}
	}
	return out
}

func toStrings(v interface{}) []string {
	switch s := v.(type) {
	case []string:
		return s
	case string:
		return []string{s}
	}
	return nil
}

func firstString(v interface{}) string {
	if s := toStrings(v); len(s) > 0 {
		return s[0]
	}
	return ""
}
