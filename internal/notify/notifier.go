// Package notify 把抢购结果推送到外部渠道: 邮件落盘、Redis 发布、Webhook 以及 Web 控制台。
package notify

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"quickgrab/internal/grab"
	"quickgrab/internal/model"
)

type Kind string

const (
	KindSuccess Kind = "success"
	KindFailure Kind = "failure"
)

// Event 是一次终态抢购结果的通知。
type Event struct {
	ID         string    `json:"id"`
	Kind       Kind      `json:"kind"`
	RequestID  int64     `json:"requestId"`
	ThreadID   string    `json:"threadId,omitempty"`
	Link       string    `json:"link"`
	StatusCode int       `json:"statusCode"`
	Message    string    `json:"message,omitempty"`
	Error      string    `json:"error,omitempty"`
	Attempts   int       `json:"attempts"`
	Response   any       `json:"response,omitempty"`
	Timestamp  time.Time `json:"timestamp"`

	// Request 仅供本地渠道 (邮件) 读取收件人等信息，不对外序列化
	Request model.Request `json:"-"`
}

// NewEvent 由请求与结果构建通知事件。
func NewEvent(req model.Request, result grab.Result) Event {
	kind := KindFailure
	if result.Success {
		kind = KindSuccess
	}
	return Event{
		ID:         uuid.NewString(),
		Kind:       kind,
		RequestID:  req.ID,
		ThreadID:   req.ThreadID,
		Link:       req.Link,
		StatusCode: result.StatusCode,
		Message:    result.Message,
		Error:      result.Error,
		Attempts:   result.Attempts,
		Response:   result.Response,
		Timestamp:  time.Now(),
		Request:    req,
	}
}

// Notifier 推送一个事件。
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// Multi 依次调用全部渠道，一个渠道失败不影响其它渠道。
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, event Event) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop 丢弃所有事件。
type Nop struct{}

func (Nop) Notify(context.Context, Event) error { return nil }
