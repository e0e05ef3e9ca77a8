package promotion

import (
	"strconv"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"
)

// ArgType enumerates argument value types.
type ArgType string

const (
	ArgInt        ArgType = "int"
	ArgMoney      ArgType = "money"
	ArgPercent    ArgType = "percent"
	ArgBool       ArgType = "bool"
	ArgString     ArgType = "string"
	ArgStringList ArgType = "string_list"
)

var (
	// ErrMissingArgument is returned when a required argument is absent.
	ErrMissingArgument = errors.New("missing argument")
	// ErrInvalidArgument is returned when an argument does not parse as its type.
	ErrInvalidArgument = errors.New("invalid argument")
)

// ArgDef declares one argument of a condition or action.
type ArgDef struct {
	Name     string
	Type     ArgType
	Required bool
}

// Arg is a configured argument value. List values are JSON arrays.
type Arg struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Args is the argument list of an Operation.
type Args []Arg

// Get returns the raw value of name.
func (a Args) Get(name string) (string, bool) {
	for _, arg := range a {
		if arg.Name == name {
			return arg.Value, true
		}
	}
	return "", false
}

func (a Args) required(name string) (string, error) {
	v, ok := a.Get(name)
	if !ok {
		return "", errors.Wrap(ErrMissingArgument, name)
	}
	return v, nil
}

// Int parses name as an integer.
func (a Args) Int(name string) (int64, error) {
	v, err := a.required(name)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(ErrInvalidArgument, "%s: %q is not an integer", name, v)
	}
	return n, nil
}

// IntOr parses name as an integer, returning def when absent.
func (a Args) IntOr(name string, def int64) (int64, error) {
	if _, ok := a.Get(name); !ok {
		return def, nil
	}
	return a.Int(name)
}

// Decimal parses name as a decimal number.
func (a Args) Decimal(name string) (decimal.Decimal, error) {
	v, err := a.required(name)
	if err != nil {
		return decimal.Zero, err
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero, errors.Wrapf(ErrInvalidArgument, "%s: %q is not a number", name, v)
	}
	return d, nil
}

// Bool parses name as a boolean; absent means false.
func (a Args) Bool(name string) (bool, error) {
	v, ok := a.Get(name)
	if !ok {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, errors.Wrapf(ErrInvalidArgument, "%s: %q is not a boolean", name, v)
	}
	return b, nil
}

// String returns name, which must be present.
func (a Args) String(name string) (string, error) {
	return a.required(name)
}

// Strings decodes name as a JSON array of strings.
func (a Args) Strings(name string) ([]string, error) {
	v, err := a.required(name)
	if err != nil {
		return nil, err
	}
	var out []string
	d := jx.DecodeStr(v)
	if err := d.Arr(func(d *jx.Decoder) error {
		s, err := d.Str()
		if err != nil {
			return err
		}
		out = append(out, s)
		return nil
	}); err != nil {
		return nil, errors.Wrapf(ErrInvalidArgument, "%s: %v", name, err)
	}
	return out, nil
}

// StringList encodes values as a JSON array argument value.
func StringList(values ...string) string {
	var e jx.Encoder
	e.ArrStart()
	for _, v := range values {
		e.Str(v)
	}
	e.ArrEnd()
	return e.String()
}

// check parses the argument according to def.
func (a Args) check(def ArgDef) error {
	if _, ok := a.Get(def.Name); !ok {
		if def.Required {
			return errors.Wrap(ErrMissingArgument, def.Name)
		}
		return nil
	}
	var err error
	switch def.Type {
	case ArgInt, ArgMoney:
		_, err = a.Int(def.Name)
	case ArgPercent:
		var d decimal.Decimal
		d, err = a.Decimal(def.Name)
		if err == nil && (d.IsNegative() || d.GreaterThan(decimal.NewFromInt(100))) {
			err = errors.Wrapf(ErrInvalidArgument, "%s: percentage %s out of range", def.Name, d)
		}
	case ArgBool:
		_, err = a.Bool(def.Name)
	case ArgString:
		_, err = a.String(def.Name)
	case ArgStringList:
		_, err = a.Strings(def.Name)
	default:
		err = errors.Errorf("unsupported argument type %q", def.Type)
	}
	return err
}
