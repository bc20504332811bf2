package compress

import (
	"bytes"
	"fmt"
	"math"
	"strconv"

	"github.com/valyala/fastjson"
)

// ReduceOptions selects the lossy transformations ReduceJSON applies.
type ReduceOptions struct {
	// DropNulls removes object members whose value is null.
	DropNulls bool
	// Precision rounds fractional numbers to this many decimal places.
	// Negative leaves numbers untouched.
	Precision int
}

// ReduceJSON is an explicit, lossy pre-processing step for JSON telemetry.
// It is never applied by Compress; callers opt in before submitting.
// Integers are left exactly as written.
func ReduceJSON(payload []byte, opts ReduceOptions) ([]byte, error) {
	var p fastjson.Parser
	v, err := p.ParseBytes(payload)
	if err != nil {
		return nil, fmt.Errorf("compress: reduce: %w", err)
	}
	var a fastjson.Arena
	reduceValue(v, &a, opts)
	return v.MarshalTo(nil), nil
}

func reduceValue(v *fastjson.Value, a *fastjson.Arena, opts ReduceOptions) *fastjson.Value {
	switch v.Type() {
	case fastjson.TypeObject:
		obj, _ := v.Object()
		var nulls []string
		type repl struct {
			key string
			val *fastjson.Value
		}
		var repls []repl
		obj.Visit(func(key []byte, child *fastjson.Value) {
			if opts.DropNulls && child.Type() == fastjson.TypeNull {
				nulls = append(nulls, string(key))
				return
			}
			if r := reduceValue(child, a, opts); r != child {
				repls = append(repls, repl{key: string(key), val: r})
			}
		})
		for _, k := range nulls {
			obj.Del(k)
		}
		for _, r := range repls {
			obj.Set(r.key, r.val)
		}
	case fastjson.TypeArray:
		items, _ := v.Array()
		for i, item := range items {
			if r := reduceValue(item, a, opts); r != item {
				v.SetArrayItem(i, r)
			}
		}
	case fastjson.TypeNumber:
		if opts.Precision < 0 {
			return v
		}
		raw := v.MarshalTo(nil)
		if !bytes.ContainsAny(raw, ".eE") {
			return v
		}
		f, err := v.Float64()
		if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
			return v
		}
		scale := math.Pow10(opts.Precision)
		rounded := math.Round(f*scale) / scale
		return a.NewNumberString(strconv.FormatFloat(rounded, 'f', -1, 64))
	}
	return v
}
