package dsl

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// builtin is the signature of the registered functions. Builtins degrade
// gracefully: wrong-typed inputs yield null or an empty value rather than
// an error, matching member-access probing.
type builtin func(args []Value) (Value, error)

var builtins = map[string]builtin{
	"toJSON":       fnToJSON,
	"fromJSON":     fnFromJSON,
	"toString":     fnToString,
	"toNumber":     fnToNumber,
	"length":       fnLength,
	"keys":         fnKeys,
	"values":       fnValues,
	"map":          fnMap,
	"filter":       fnFilter,
	"find":         fnFind,
	"sort":         fnSort,
	"slice":        fnSlice,
	"concat":       fnConcat,
	"join":         fnJoin,
	"split":        fnSplit,
	"replace":      fnReplace,
	"match":        fnMatch,
	"extract":      fnExtract,
	"default":      fnDefault,
	"merge":        fnMerge,
	"pick":         fnPick,
	"omit":         fnOmit,
	"filterBy":     fnFilterBy,
	"pluck":        fnPluck,
	"filterActive": fnFilterActive,
	"getNames":     fnGetNames,
	"includes":     fnIncludes,
}

func arg(args []Value, i int) Value {
	if i < len(args) {
		return args[i]
	}
	return Null
}

func fnToJSON(args []Value) (Value, error) {
	data, err := json.Marshal(arg(args, 0).Any())
	if err != nil {
		return String(fmt.Sprintf("<JSON Error: %v>", err)), nil
	}
	return String(string(data)), nil
}

func fnFromJSON(args []Value) (Value, error) {
	v := arg(args, 0)
	if v.Kind() != KindString {
		return Null, nil
	}
	var out any
	if err := json.Unmarshal([]byte(v.s), &out); err != nil {
		return Null, nil
	}
	return FromAny(out), nil
}

func stringify(v Value) string {
	switch v.Kind() {
	case KindNull:
		return ""
	case KindString:
		return v.s
	case KindBool:
		if v.b {
			return "true"
		}
		return "false"
	case KindNumber:
		return formatNumber(v.n)
	case KindArray, KindObject:
		data, err := json.Marshal(v.Any())
		if err != nil {
			return fmt.Sprintf("%v", v.Any())
		}
		return string(data)
	default:
		return fmt.Sprintf("%v", v.Any())
	}
}

func fnToString(args []Value) (Value, error) {
	return String(stringify(arg(args, 0))), nil
}

func fnToNumber(args []Value) (Value, error) {
	v := arg(args, 0)
	switch v.Kind() {
	case KindNumber:
		return v, nil
	case KindString:
		n, err := strconv.ParseFloat(strings.TrimSpace(v.s), 64)
		if err != nil {
			return Number(0), nil
		}
		return Number(n), nil
	case KindBool:
		if v.b {
			return Number(1), nil
		}
		return Number(0), nil
	default:
		return Number(0), nil
	}
}

func fnLength(args []Value) (Value, error) {
	v := arg(args, 0)
	switch v.Kind() {
	case KindString:
		return Number(float64(runeLen(v.s))), nil
	case KindArray:
		return Number(float64(len(v.arr))), nil
	case KindObject:
		return Number(float64(len(v.obj))), nil
	default:
		return Number(0), nil
	}
}

func fnKeys(args []Value) (Value, error) {
	v := arg(args, 0)
	if v.Kind() != KindObject {
		return Array(nil), nil
	}
	keys := make([]string, 0, len(v.obj))
	for k := range v.obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	items := make([]any, len(keys))
	for i, k := range keys {
		items[i] = k
	}
	return Array(items), nil
}

func fnValues(args []Value) (Value, error) {
	v := arg(args, 0)
	if v.Kind() != KindObject {
		return Array(nil), nil
	}
	keys := make([]string, 0, len(v.obj))
	for k := range v.obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	items := make([]any, len(keys))
	for i, k := range keys {
		items[i] = v.obj[k]
	}
	return Array(items), nil
}

func callFunc(fn Func, args ...Value) (Value, error) {
	out, err := fn(args...)
	if err != nil {
		return Null, err
	}
	return out, nil
}

func fnMap(args []Value) (Value, error) {
	array, fn := arg(args, 0), arg(args, 1)
	if array.Kind() != KindArray {
		return Array(nil), nil
	}
	if fn.Kind() != KindFunc {
		return array, nil
	}
	out := make([]any, 0, len(array.arr))
	for i, item := range array.arr {
		mapped, err := callFunc(fn.fn, FromAny(item), Number(float64(i)))
		if err != nil {
			return Null, err
		}
		out = append(out, mapped.Any())
	}
	return Array(out), nil
}

func fnFilter(args []Value) (Value, error) {
	array, fn := arg(args, 0), arg(args, 1)
	if array.Kind() != KindArray {
		return Array(nil), nil
	}
	if fn.Kind() != KindFunc {
		return array, nil
	}
	out := make([]any, 0, len(array.arr))
	for i, item := range array.arr {
		keep, err := callFunc(fn.fn, FromAny(item), Number(float64(i)))
		if err != nil {
			return Null, err
		}
		if keep.Truthy() {
			out = append(out, item)
		}
	}
	return Array(out), nil
}

func fnFind(args []Value) (Value, error) {
	array, fn := arg(args, 0), arg(args, 1)
	if array.Kind() != KindArray || fn.Kind() != KindFunc {
		return Null, nil
	}
	for i, item := range array.arr {
		matches, err := callFunc(fn.fn, FromAny(item), Number(float64(i)))
		if err != nil {
			return Null, err
		}
		if matches.Truthy() {
			return FromAny(item), nil
		}
	}
	return Null, nil
}

func fnSort(args []Value) (Value, error) {
	array := arg(args, 0)
	if array.Kind() != KindArray {
		return Array(nil), nil
	}

	keyFn := arg(args, 1)
	keys := make([]Value, len(array.arr))
	for i, item := range array.arr {
		v := FromAny(item)
		if keyFn.Kind() == KindFunc {
			k, err := callFunc(keyFn.fn, v)
			if err != nil {
				return Null, err
			}
			v = k
		}
		keys[i] = v
	}

	// Keys must be uniformly numbers or uniformly strings; otherwise the
	// array is returned unsorted.
	if !uniformKind(keys, KindNumber) && !uniformKind(keys, KindString) {
		return array, nil
	}

	indices := make([]int, len(array.arr))
	for i := range indices {
		indices[i] = i
	}
	sort.SliceStable(indices, func(a, b int) bool {
		ka, kb := keys[indices[a]], keys[indices[b]]
		if ka.Kind() == KindNumber {
			return ka.n < kb.n
		}
		return ka.s < kb.s
	})

	out := make([]any, len(array.arr))
	for i, idx := range indices {
		out[i] = array.arr[idx]
	}
	return Array(out), nil
}

func uniformKind(vals []Value, kind Kind) bool {
	for _, v := range vals {
		if v.Kind() != kind {
			return false
		}
	}
	return true
}

func fnSlice(args []Value) (Value, error) {
	v := arg(args, 0)
	switch v.Kind() {
	case KindArray:
		start, end := sliceBounds(arg(args, 1), arg(args, 2), len(v.arr))
		return Array(append([]any(nil), v.arr[start:end]...)), nil
	case KindString:
		runes := []rune(v.s)
		start, end := sliceBounds(arg(args, 1), arg(args, 2), len(runes))
		return String(string(runes[start:end])), nil
	default:
		return Array(nil), nil
	}
}

func sliceBounds(startV, endV Value, length int) (int, int) {
	start, end := 0, length
	if startV.Kind() == KindNumber {
		start = int(startV.n)
	}
	if endV.Kind() == KindNumber {
		end = int(endV.n)
	}
	if start < 0 {
		start += length
	}
	if end < 0 {
		end += length
	}
	start = clamp(start, 0, length)
	end = clamp(end, 0, length)
	if end < start {
		end = start
	}
	return start, end
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func fnConcat(args []Value) (Value, error) {
	var out []any
	for _, v := range args {
		if v.Kind() == KindArray {
			out = append(out, v.arr...)
		} else {
			out = append(out, v.Any())
		}
	}
	return Array(out), nil
}

func fnJoin(args []Value) (Value, error) {
	array := arg(args, 0)
	if array.Kind() != KindArray {
		return String(""), nil
	}
	sep := ","
	if s := arg(args, 1); s.Kind() == KindString {
		sep = s.s
	}
	parts := make([]string, len(array.arr))
	for i, item := range array.arr {
		parts[i] = stringify(FromAny(item))
	}
	return String(strings.Join(parts, sep)), nil
}

func fnSplit(args []Value) (Value, error) {
	s := arg(args, 0)
	if s.Kind() != KindString {
		return Array(nil), nil
	}
	sep := ","
	if v := arg(args, 1); v.Kind() == KindString {
		sep = v.s
	}
	parts := strings.Split(s.s, sep)
	items := make([]any, len(parts))
	for i, p := range parts {
		items[i] = p
	}
	return Array(items), nil
}

func fnReplace(args []Value) (Value, error) {
	s := arg(args, 0)
	if s.Kind() != KindString {
		return s, nil
	}
	search, repl := "", ""
	if v := arg(args, 1); v.Kind() == KindString {
		search = v.s
	}
	if v := arg(args, 2); v.Kind() == KindString {
		repl = v.s
	}
	return String(strings.ReplaceAll(s.s, search, repl)), nil
}

func fnMatch(args []Value) (Value, error) {
	s, pattern := arg(args, 0), arg(args, 1)
	if s.Kind() != KindString || pattern.Kind() != KindString {
		return Bool(false), nil
	}
	re, err := regexp.Compile(pattern.s)
	if err != nil {
		return Bool(false), nil
	}
	return Bool(re.MatchString(s.s)), nil
}

func fnExtract(args []Value) (Value, error) {
	s, pattern := arg(args, 0), arg(args, 1)
	if s.Kind() != KindString || pattern.Kind() != KindString {
		return Array(nil), nil
	}
	re, err := regexp.Compile(pattern.s)
	if err != nil {
		return Array(nil), nil
	}
	var out []any
	for _, m := range re.FindAllStringSubmatch(s.s, -1) {
		if len(m) > 1 {
			out = append(out, m[1])
		} else {
			out = append(out, m[0])
		}
	}
	return Array(out), nil
}

func fnDefault(args []Value) (Value, error) {
	v, fallback := arg(args, 0), arg(args, 1)
	switch v.Kind() {
	case KindNull:
		return fallback, nil
	case KindString:
		if len(v.s) == 0 {
			return fallback, nil
		}
	case KindArray:
		if len(v.arr) == 0 {
			return fallback, nil
		}
	case KindObject:
		if len(v.obj) == 0 {
			return fallback, nil
		}
	}
	return v, nil
}

func fnMerge(args []Value) (Value, error) {
	out := make(map[string]any)
	for _, v := range args {
		if v.Kind() != KindObject {
			continue
		}
		for k, val := range v.obj {
			out[k] = val
		}
	}
	return Object(out), nil
}

func fnPick(args []Value) (Value, error) {
	obj := arg(args, 0)
	if obj.Kind() != KindObject {
		return Object(map[string]any{}), nil
	}
	out := make(map[string]any)
	for _, key := range args[1:] {
		if key.Kind() != KindString {
			continue
		}
		if val, ok := obj.obj[key.s]; ok {
			out[key.s] = val
		}
	}
	return Object(out), nil
}

func fnOmit(args []Value) (Value, error) {
	obj := arg(args, 0)
	if obj.Kind() != KindObject {
		return Object(map[string]any{}), nil
	}
	out := make(map[string]any, len(obj.obj))
	for k, v := range obj.obj {
		out[k] = v
	}
	for _, key := range args[1:] {
		if key.Kind() == KindString {
			delete(out, key.s)
		}
	}
	return Object(out), nil
}

func fnFilterBy(args []Value) (Value, error) {
	array, prop := arg(args, 0), arg(args, 1)
	if array.Kind() != KindArray {
		return Array(nil), nil
	}
	if prop.Kind() != KindString {
		return array, nil
	}
	hasWant := len(args) > 2
	var want any
	if hasWant {
		want = args[2].Any()
	}
	var out []any
	for _, item := range array.arr {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		val, ok := m[prop.s]
		if !ok {
			continue
		}
		if hasWant {
			if FromAny(val).Equal(FromAny(want)) {
				out = append(out, item)
			}
		} else if FromAny(val).Truthy() {
			out = append(out, item)
		}
	}
	return Array(out), nil
}

func fnPluck(args []Value) (Value, error) {
	array, prop := arg(args, 0), arg(args, 1)
	if array.Kind() != KindArray || prop.Kind() != KindString {
		return Array(nil), nil
	}
	var out []any
	for _, item := range array.arr {
		if m, ok := item.(map[string]any); ok {
			if val, ok := m[prop.s]; ok {
				out = append(out, val)
			}
		}
	}
	return Array(out), nil
}

func fnFilterActive(args []Value) (Value, error) {
	return fnFilterBy([]Value{arg(args, 0), String("active")})
}

func fnGetNames(args []Value) (Value, error) {
	return fnPluck([]Value{arg(args, 0), String("name")})
}

func fnIncludes(args []Value) (Value, error) {
	array, needle := arg(args, 0), arg(args, 1)
	if array.Kind() != KindArray {
		return Bool(false), nil
	}
	for _, item := range array.arr {
		if FromAny(item).Equal(needle) {
			return Bool(true), nil
		}
	}
	return Bool(false), nil
}
