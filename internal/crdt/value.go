package crdt

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Kind identifies the variant of a Scalar.
type Kind int

const (
	KindNull Kind = iota
	KindString
	KindNumber
	KindBool
)

// String returns the lower-case kind name used by the CLI and scenarios.
func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Scalar is a sealed interface for field values.
// Only Null, String, Number and Bool implement it.
type Scalar interface {
	scalar()
	Kind() Kind
}

// Null is the absent value. A nil Scalar is treated as Null.
type Null struct{}

func (Null) scalar()    {}
func (Null) Kind() Kind { return KindNull }

// MarshalJSON implements json.Marshaler.
func (Null) MarshalJSON() ([]byte, error) { return []byte("null"), nil }

// String is a text value.
type String string

func (String) scalar()    {}
func (String) Kind() Kind { return KindString }

// Number is a finite float64 value.
type Number float64

func (Number) scalar()    {}
func (Number) Kind() Kind { return KindNumber }

// Bool is a boolean value.
type Bool bool

func (Bool) scalar()    {}
func (Bool) Kind() Kind { return KindBool }

// NewString creates a String normalized to NFC.
// Use it for locally entered text; decoded values are kept byte-exact.
func NewString(s string) String {
	return String(norm.NFC.String(s))
}

// Value tags of the tagged text encoding.
const (
	tagNull   = "0:"
	tagString = "S:"
	tagNumber = "N:"
	tagBool   = "B:"
)

// EncodeScalar serializes v into its tagged text form, which is used both in
// the mutation log and on the wire:
//
//	0:          null
//	S:<text>    string
//	N:<number>  number, shortest form that round-trips exactly
//	B:1 / B:0   bool
func EncodeScalar(v Scalar) string {
	switch val := v.(type) {
	case nil, Null:
		return tagNull
	case String:
		return tagString + string(val)
	case Number:
		return tagNumber + strconv.FormatFloat(float64(val), 'g', -1, 64)
	case Bool:
		if val {
			return tagBool + "1"
		}
		return tagBool + "0"
	default:
		// unreachable: Scalar is sealed
		panic(fmt.Sprintf("unknown scalar type %T", v))
	}
}

// DecodeScalar parses the tagged text form produced by EncodeScalar.
func DecodeScalar(s string) (Scalar, error) {
	if len(s) < 2 {
		return nil, fmt.Errorf("decode scalar %q: missing tag", s)
	}
	tag, body := s[:2], s[2:]
	switch tag {
	case tagNull:
		if body != "" {
			return nil, fmt.Errorf("decode scalar %q: null carries a payload", s)
		}
		return Null{}, nil
	case tagString:
		return String(body), nil
	case tagNumber:
		f, err := strconv.ParseFloat(body, 64)
		if err != nil {
			return nil, fmt.Errorf("decode scalar %q: %w", s, err)
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("decode scalar %q: number is not finite", s)
		}
		return Number(f), nil
	case tagBool:
		switch body {
		case "1":
			return Bool(true), nil
		case "0":
			return Bool(false), nil
		}
		return nil, fmt.Errorf("decode scalar %q: bad bool", s)
	default:
		return nil, fmt.Errorf("decode scalar %q: unknown tag %q", s, tag)
	}
}

// ValidateScalar rejects values that EncodeScalar could write but
// DecodeScalar would refuse (non-finite numbers).
func ValidateScalar(v Scalar) error {
	if n, ok := v.(Number); ok {
		f := float64(n)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("number is not finite: %v", f)
		}
	}
	return nil
}

// Equal reports whether a and b hold the same kind and value.
func Equal(a, b Scalar) bool {
	if a == nil {
		a = Null{}
	}
	if b == nil {
		b = Null{}
	}
	return a == b
}

// ParseScalar converts command-line text into a Scalar of the named kind
// ("string", "number", "bool" or "null").
func ParseScalar(kind, text string) (Scalar, error) {
	switch strings.ToLower(kind) {
	case "string", "":
		return NewString(text), nil
	case "number":
		f, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return nil, fmt.Errorf("parse number %q: %w", text, err)
		}
		n := Number(f)
		if err := ValidateScalar(n); err != nil {
			return nil, err
		}
		return n, nil
	case "bool":
		b, err := strconv.ParseBool(text)
		if err != nil {
			return nil, fmt.Errorf("parse bool %q: %w", text, err)
		}
		return Bool(b), nil
	case "null":
		return Null{}, nil
	default:
		return nil, fmt.Errorf("unknown value type %q", kind)
	}
}

// FromAny converts a decoded YAML/JSON value into a Scalar.
func FromAny(v any) (Scalar, error) {
	switch val := v.(type) {
	case nil:
		return Null{}, nil
	case string:
		return NewString(val), nil
	case bool:
		return Bool(val), nil
	case int:
		return Number(val), nil
	case int64:
		return Number(val), nil
	case uint64:
		return Number(val), nil
	case float64:
		n := Number(val)
		return n, ValidateScalar(n)
	case json.Number:
		f, err := val.Float64()
		if err != nil {
			return nil, err
		}
		return Number(f), nil
	default:
		return nil, fmt.Errorf("unsupported value type %T", v)
	}
}

// ToAny converts a Scalar to a plain Go value for JSON/YAML output.
func ToAny(v Scalar) any {
	switch val := v.(type) {
	case String:
		return string(val)
	case Number:
		return float64(val)
	case Bool:
		return bool(val)
	default:
		return nil
	}
}
