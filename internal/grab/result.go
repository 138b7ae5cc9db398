package grab

import (
	"bytes"
	"encoding/json"
	"errors"
)

// StatusCancelled 是定时器被取消时的合成状态码
const StatusCancelled = 499

// Result 是一次 Run 的终态结果，每次 Run 恰好产生一个。
type Result struct {
	Success        bool
	ShouldUpdate   bool
	ShouldContinue bool
	// Response 是解码后的接口响应 (数字为 json.Number)
	Response   any
	Message    string
	Error      string
	StatusCode int
	Attempts   int
}

// Cancelled 是否为取消产生的合成结果。
func (r Result) Cancelled() bool {
	return r.StatusCode == StatusCancelled && !r.Success && r.Attempts == 0
}

type resultPayload struct {
	Success        bool   `json:"success"`
	ShouldContinue bool   `json:"shouldContinue"`
	ShouldUpdate   bool   `json:"shouldUpdate"`
	StatusCode     int    `json:"statusCode"`
	Message        string `json:"message"`
	Attempts       int    `json:"attempts"`
	Error          string `json:"error,omitempty"`
	Response       any    `json:"response,omitempty"`
}

// Payload 返回持久化与通知使用的结果 JSON。
func (r Result) Payload() json.RawMessage {
	b, err := json.Marshal(resultPayload{
		Success:        r.Success,
		ShouldContinue: r.ShouldContinue,
		ShouldUpdate:   r.ShouldUpdate,
		StatusCode:     r.StatusCode,
		Message:        r.Message,
		Attempts:       r.Attempts,
		Error:          r.Error,
		Response:       r.Response,
	})
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}

// decodeJSON 以 json.Number 解码，拒绝尾随内容。
func decodeJSON(body []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, errors.New("unexpected data after JSON value")
	}
	return v, nil
}

func intValue(v any) (int64, bool) {
	n, ok := v.(json.Number)
	if !ok {
		return 0, false
	}
	i, err := n.Int64()
	return i, err == nil
}
