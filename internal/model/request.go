package model

import (
	"encoding/json"
	"time"
)

// 请求状态
const (
	StatusPending  = 0 // 待抢购
	StatusSuccess  = 1 // 已下单
	StatusFailed   = 3 // 失败, 终态
	StatusFollowUp = 4 // 需继续, 下轮轮询再次调度
)

// Request 是一条待抢购请求。Extension 之外的字段由外部写入，调度器只修改 Status 与 ThreadID。
type Request struct {
	ID            int64           `json:"id"`
	DeviceID      int64           `json:"deviceId"`
	BuyerID       int64           `json:"buyerId"`
	ThreadID      string          `json:"threadId"`
	Link          string          `json:"link"`
	Cookies       string          `json:"cookies"`
	OrderInfo     json.RawMessage `json:"orderInfo,omitempty"`
	UserInfo      json.RawMessage `json:"userInfo,omitempty"`
	OrderTemplate json.RawMessage `json:"orderTemplate,omitempty"`
	Message       string          `json:"message"`
	IDNumber      string          `json:"idNumber"`
	Keyword       string          `json:"keyword"`
	StartTime     time.Time       `json:"startTime"`
	EndTime       time.Time       `json:"endTime"`
	Quantity      int             `json:"quantity"`
	Delay         int64           `json:"delay"` // 毫秒
	Frequency     int             `json:"frequency"`
	Type          int             `json:"type"`
	Status        int             `json:"status"`
	// OrderParameters 为已生成的下单参数 (JSON 对象)
	OrderParameters   json.RawMessage `json:"orderParameters,omitempty"`
	ActualEarnings    float64         `json:"actualEarnings"`
	EstimatedEarnings float64         `json:"estimatedEarnings"`
	Extension         Extension       `json:"extension"`
}

// Clone 复制请求，Extension 与 JSON 字段不与原请求共享。
func (r Request) Clone() Request {
	out := r
	out.Extension = r.Extension.Clone()
	out.OrderInfo = cloneRaw(r.OrderInfo)
	out.UserInfo = cloneRaw(r.UserInfo)
	out.OrderTemplate = cloneRaw(r.OrderTemplate)
	out.OrderParameters = cloneRaw(r.OrderParameters)
	return out
}

// ResultRecord 是一次抢购的持久化结果，快照了请求本身。
type ResultRecord struct {
	ID        int64
	RequestID int64
	Request   Request
	// Status 是结果状态码的文本形式
	Status string
	// Payload 与 ResponseMessage 相同，均为结果 JSON
	Payload         json.RawMessage
	ResponseMessage json.RawMessage
	CreatedAt       time.Time
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}
