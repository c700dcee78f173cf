package expr

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Normalize converts Go values into the expression value space: nil,
// bool, float64, string and []any
func Normalize(v any) any {
	switch t := v.(type) {
	case nil, bool, float64, string:
		return t
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case int32:
		return float64(t)
	case float32:
		return float64(t)
	case []any:
		res := make([]any, len(t))
		for i, e := range t {
			res[i] = Normalize(e)
		}
		return res
	case []string:
		res := make([]any, len(t))
		for i, e := range t {
			res[i] = e
		}
		return res
	case fmt.Stringer:
		return t.String()
	default:
		return Format(t)
	}
}

// Truthy reports the boolean value of v. Strings "false", "0", "no" and
// "" are false
func Truthy(v any) bool {
	switch t := Normalize(v).(type) {
	case nil:
		return false
	case bool:
		return t
	case float64:
		return t != 0
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "", "false", "0", "no", "none", "null":
			return false
		}
		return true
	case []any:
		return len(t) > 0
	default:
		return true
	}
}

// ToNumber converts numbers, bools and numeric strings to float64
func ToNumber(v any) (float64, bool) {
	switch t := Normalize(v).(type) {
	case float64:
		return t, true
	case bool:
		if t {
			return 1, true
		}
		return 0, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// Equal compares two values, numerically when both sides are numeric
func Equal(l, r any) bool {
	l, r = Normalize(l), Normalize(r)
	if lf, rf, ok := bothNumbers(l, r); ok {
		return lf == rf
	}
	switch lt := l.(type) {
	case []any:
		rt, ok := r.([]any)
		if !ok || len(lt) != len(rt) {
			return false
		}
		for i := range lt {
			if !Equal(lt[i], rt[i]) {
				return false
			}
		}
		return true
	case nil:
		return r == nil
	default:
		return l == r
	}
}

// Format renders v the way it is substituted into keyword parameters
func Format(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		if t == math.Trunc(t) && math.Abs(t) < 1e15 {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case []any, []string, map[string]any, map[string]string:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	default:
		return fmt.Sprint(t)
	}
}

func describe(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "bool"
	case float64:
		return "number"
	case string:
		return "string"
	case []any:
		return "list"
	default:
		return fmt.Sprintf("%T", v)
	}
}

type function struct {
	arity int // -1 for variadic
	call  func(args []any) (any, error)
}

var errArgType = errors.New("invalid argument type")

var functions = map[string]function{
	"len": {1, func(args []any) (any, error) {
		switch t := args[0].(type) {
		case string:
			return float64(len([]rune(t))), nil
		case []any:
			return float64(len(t)), nil
		default:
			return nil, errArgType
		}
	}},
	"int": {1, func(args []any) (any, error) {
		f, ok := ToNumber(args[0])
		if !ok {
			return nil, errArgType
		}
		return math.Trunc(f), nil
	}},
	"float": {1, func(args []any) (any, error) {
		f, ok := ToNumber(args[0])
		if !ok {
			return nil, errArgType
		}
		return f, nil
	}},
	"str": {1, func(args []any) (any, error) {
		return Format(args[0]), nil
	}},
	"lower": {1, func(args []any) (any, error) {
		return strings.ToLower(Format(args[0])), nil
	}},
	"upper": {1, func(args []any) (any, error) {
		return strings.ToUpper(Format(args[0])), nil
	}},
	"contains": {2, func(args []any) (any, error) {
		if list, ok := args[0].([]any); ok {
			for _, e := range list {
				if Equal(e, args[1]) {
					return true, nil
				}
			}
			return false, nil
		}
		return strings.Contains(Format(args[0]), Format(args[1])), nil
	}},
	"min": {-1, func(args []any) (any, error) {
		return fold(args, math.Min)
	}},
	"max": {-1, func(args []any) (any, error) {
		return fold(args, math.Max)
	}},
	"abs": {1, func(args []any) (any, error) {
		f, ok := ToNumber(args[0])
		if !ok {
			return nil, errArgType
		}
		return math.Abs(f), nil
	}},
}

func fold(args []any, op func(a, b float64) float64) (any, error) {
	if len(args) == 0 {
		return nil, errors.New("needs at least one argument")
	}
	acc, ok := ToNumber(args[0])
	if !ok {
		return nil, errArgType
	}
	for _, a := range args[1:] {
		f, ok := ToNumber(a)
		if !ok {
			return nil, errArgType
		}
		acc = op(acc, f)
	}
	return acc, nil
}
