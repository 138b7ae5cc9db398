package model

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// Extension 是请求上的自由键值标志。数字以 json.Number 保存，避免大整数丢失精度。
type Extension map[string]any

// ParseExtension 解析 JSON 对象。空输入或非对象返回空 Extension。
func ParseExtension(raw []byte) (Extension, error) {
	ext := Extension{}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return ext, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return ext, err
	}
	if obj, ok := v.(map[string]any); ok {
		return Extension(obj), nil
	}
	return ext, nil
}

// Clone 浅拷贝。
func (e Extension) Clone() Extension {
	out := make(Extension, len(e))
	for k, v := range e {
		out[k] = v
	}
	return out
}

// Has 键是否存在。
func (e Extension) Has(key string) bool {
	_, ok := e[key]
	return ok
}

// Bool 只接受 JSON 布尔值。
func (e Extension) Bool(key string) (bool, bool) {
	b, ok := e[key].(bool)
	return b, ok
}

// Truthy 宽松布尔: true、非零整数、"true"/"1"/"yes" (忽略大小写)。
func (e Extension) Truthy(key string) bool {
	switch v := e[key].(type) {
	case bool:
		return v
	case json.Number:
		n, err := v.Int64()
		return err == nil && n != 0
	case float64:
		return v != 0 && v == math.Trunc(v)
	case int:
		return v != 0
	case int64:
		return v != 0
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "1", "yes":
			return true
		}
	}
	return false
}

// Int 只接受整数值。
func (e Extension) Int(key string) (int64, bool) {
	switch v := e[key].(type) {
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	case float64:
		if v == math.Trunc(v) {
			return int64(v), true
		}
	case int:
		return int64(v), true
	case int64:
		return v, true
	}
	return 0, false
}

// Number 接受整数或小数，小数截断。
func (e Extension) Number(key string) (int64, bool) {
	if n, ok := e.Int(key); ok {
		return n, true
	}
	switch v := e[key].(type) {
	case json.Number:
		f, err := v.Float64()
		if err == nil {
			return int64(f), true
		}
	case float64:
		return int64(v), true
	}
	return 0, false
}

// String 只接受字符串。
func (e Extension) String(key string) (string, bool) {
	s, ok := e[key].(string)
	return s, ok
}

// Text 把字符串或数字格式化为文本。
func (e Extension) Text(key string) (string, bool) {
	switch v := e[key].(type) {
	case string:
		return v, true
	case json.Number:
		return v.String(), true
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	case int:
		return strconv.Itoa(v), true
	case int64:
		return strconv.FormatInt(v, 10), true
	}
	return "", false
}

// Strings 返回字符串数组中的字符串元素。
func (e Extension) Strings(key string) []string {
	arr, ok := e[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, item := range arr {
		if s, ok := item.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

// JSON 序列化为 JSON 文本，nil 输出 "{}"。
func (e Extension) JSON() string {
	if e == nil {
		return "{}"
	}
	b, err := json.Marshal(map[string]any(e))
	if err != nil {
		return "{}"
	}
	return string(b)
}

// UnmarshalJSON 使用 json.Number 解码数字。
func (e *Extension) UnmarshalJSON(data []byte) error {
	ext, err := ParseExtension(data)
	if err != nil {
		return err
	}
	*e = ext
	return nil
}
