package sandbox

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/Shopify/go-lua"
)

// nullSentinel is exposed to module scripts as the global `null` so a
// script can distinguish an absent JSON value from a missing table key.
// Lua tables cannot hold nil values, so JSON null maps to this sentinel
// on the way in and back to null on the way out.
type nullValue struct{}

var nullSentinel = &nullValue{}

const (
	maxConvertDepth  = 32
	maxConvertValues = 100000

	nullRegistryKey = "gatehouse.null"
	arrayMetaName   = "gatehouse.array"
)

// limitError marks a conversion failure caused by the value-size
// ceiling rather than malformed data.
type limitError struct {
	msg string
}

func (e *limitError) Error() string {
	return e.msg
}

// newSandboxState builds a Lua interpreter with only deterministic
// libraries available. The sandbox has no os, io, clock, or loader
// access; math.random is removed so identical inputs always produce
// identical outputs.
func newSandboxState() *lua.State {
	l := lua.NewState()

	lua.Require(l, "_G", lua.BaseOpen, true)
	l.Pop(1)
	lua.Require(l, "table", lua.TableOpen, true)
	l.Pop(1)
	lua.Require(l, "string", lua.StringOpen, true)
	l.Pop(1)
	lua.Require(l, "math", lua.MathOpen, true)
	l.Pop(1)

	for _, name := range []string{"print", "dofile", "loadfile", "load", "loadstring", "require", "collectgarbage"} {
		l.PushNil()
		l.SetGlobal(name)
	}

	l.Global("math")
	l.PushNil()
	l.SetField(-2, "random")
	l.PushNil()
	l.SetField(-2, "randomseed")
	l.Pop(1)

	// One shared userdata backs every null so scripts can compare
	// values against the `null` global with plain equality.
	l.PushUserData(nullSentinel)
	l.PushValue(-1)
	l.SetGlobal("null")
	l.SetField(lua.RegistryIndex, nullRegistryKey)

	// Tables carrying this metatable render as JSON arrays even when
	// empty. Decoded JSON arrays are marked on the way in; scripts
	// build new arrays with the `array` global so an empty list does
	// not flip to an object across commits.
	lua.NewMetaTable(l, arrayMetaName)
	l.Pop(1)
	l.PushGoFunction(func(l *lua.State) int {
		l.NewTable()
		lua.SetMetaTableNamed(l, arrayMetaName)
		return 1
	})
	l.SetGlobal("array")

	return l
}

// pushJSON decodes raw JSON and pushes the equivalent Lua value.
func pushJSON(l *lua.State, raw []byte) error {
	var value any
	if len(raw) == 0 {
		raw = []byte("null")
	}
	if err := json.Unmarshal(raw, &value); err != nil {
		return fmt.Errorf("decode input: %w", err)
	}
	return pushValue(l, value, 0)
}

func pushValue(l *lua.State, value any, depth int) error {
	if depth > maxConvertDepth {
		return &limitError{msg: fmt.Sprintf("input nesting exceeds depth %d", maxConvertDepth)}
	}
	switch v := value.(type) {
	case nil:
		l.Field(lua.RegistryIndex, nullRegistryKey)
	case bool:
		l.PushBoolean(v)
	case float64:
		l.PushNumber(v)
	case string:
		l.PushString(v)
	case []any:
		l.NewTable()
		for i, item := range v {
			if err := pushValue(l, item, depth+1); err != nil {
				return err
			}
			l.RawSetInt(-2, i+1)
		}
		lua.SetMetaTableNamed(l, arrayMetaName)
	case map[string]any:
		l.NewTable()
		for key, item := range v {
			if err := pushValue(l, item, depth+1); err != nil {
				return err
			}
			l.SetField(-2, key)
		}
	default:
		return fmt.Errorf("unsupported input value %T", value)
	}
	return nil
}

// popJSON converts the value at the top of the stack to canonical JSON
// bytes and pops it. Map keys are sorted by the encoder, so identical
// Lua values always render identical bytes.
func popJSON(l *lua.State) ([]byte, error) {
	conv := &converter{}
	value, err := conv.luaToGo(l, -1)
	l.Pop(1)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encode output: %w", err)
	}
	return raw, nil
}

type converter struct {
	values int
	depth  int
}

func (c *converter) luaToGo(l *lua.State, index int) (any, error) {
	c.values++
	if c.values > maxConvertValues {
		return nil, &limitError{msg: fmt.Sprintf("output exceeds %d values", maxConvertValues)}
	}
	switch l.TypeOf(index) {
	case lua.TypeNil:
		return nil, nil
	case lua.TypeBoolean:
		return l.ToBoolean(index), nil
	case lua.TypeNumber:
		value, _ := l.ToNumber(index)
		return normalizeNumber(value), nil
	case lua.TypeString:
		value, _ := l.ToString(index)
		return value, nil
	case lua.TypeUserData:
		if data, ok := l.ToUserData(index).(*nullValue); ok && data == nullSentinel {
			return nil, nil
		}
		return nil, fmt.Errorf("output contains non-JSON userdata")
	case lua.TypeTable:
		return c.tableToGo(l, index)
	default:
		return nil, fmt.Errorf("output contains non-JSON value of type %s", l.TypeOf(index))
	}
}

func (c *converter) tableToGo(l *lua.State, index int) (any, error) {
	c.depth++
	defer func() { c.depth-- }()
	if c.depth > maxConvertDepth {
		return nil, &limitError{msg: fmt.Sprintf("output nesting exceeds depth %d", maxConvertDepth)}
	}

	index = l.AbsIndex(index)

	isArray := true
	maxIndex := 0
	count := 0
	total := 0
	l.PushNil()
	for l.Next(index) {
		total++
		if isArray {
			if l.TypeOf(-2) != lua.TypeNumber {
				isArray = false
			} else if idx, ok := l.ToInteger(-2); ok && idx > 0 {
				count++
				if idx > maxIndex {
					maxIndex = idx
				}
			} else {
				isArray = false
			}
		}
		l.Pop(1)
	}

	// An empty table is ambiguous; the array metatable decides.
	if total == 0 {
		if hasArrayMeta(l, index) {
			return []any{}, nil
		}
		return map[string]any{}, nil
	}

	if isArray && count > 0 && maxIndex == count {
		result := make([]any, 0, maxIndex)
		for i := 1; i <= maxIndex; i++ {
			l.RawGetInt(index, i)
			value, err := c.luaToGo(l, -1)
			l.Pop(1)
			if err != nil {
				return nil, err
			}
			result = append(result, value)
		}
		return result, nil
	}

	output := map[string]any{}
	l.PushNil()
	for l.Next(index) {
		if l.TypeOf(-2) == lua.TypeString {
			key, _ := l.ToString(-2)
			value, err := c.luaToGo(l, -1)
			if err != nil {
				l.Pop(2)
				return nil, err
			}
			output[key] = value
		}
		l.Pop(1)
	}
	return output, nil
}

func hasArrayMeta(l *lua.State, index int) bool {
	if !l.MetaTable(index) {
		return false
	}
	lua.MetaTableNamed(l, arrayMetaName)
	equal := l.RawEqual(-1, -2)
	l.Pop(2)
	return equal
}

// normalizeNumber renders integral values as JSON integers. Values
// outside the exactly-convertible int64 range stay float64; converting
// them would be implementation-defined.
func normalizeNumber(value float64) any {
	if math.Mod(value, 1) == 0 && value >= -(1<<63) && value < 1<<63 {
		return int(value)
	}
	return value
}
