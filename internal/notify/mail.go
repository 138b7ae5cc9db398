package notify

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"quickgrab/internal/model"
	"quickgrab/internal/shared/logger"
)

const (
	subjectSuccess = "微店下单成功通知"
	subjectFailure = "微店抢购失败通知"

	defaultFailureReason = "抢购失败，请检查商品状态"
)

// MailSpool 把通知邮件渲染为 HTML 写入目录，由外部投递程序发送。
// 只有扩展字段 emailReminder 为真且 email 合法的请求才会生成邮件。
type MailSpool struct {
	dir        string
	from       string
	senderName string
	now        func() time.Time
	logger     zerolog.Logger
}

func NewMailSpool(dir, from, senderName string) *MailSpool {
	return &MailSpool{
		dir:        dir,
		from:       from,
		senderName: senderName,
		now:        time.Now,
		logger:     logger.WithComponent("Notify/Mail"),
	}
}

type mailView struct {
	Accent      string
	Title       string
	Subtitle    string
	Phone       string
	InfoColor   string
	Reason      string
	Link        string
	Button      string
	ButtonColor string
	Description string
	Footer      string
}

var mailTemplate = template.Must(template.New("mail").Parse(`<div style='max-width: 600px; margin: 0 auto; font-family: Arial, sans-serif; line-height: 1.6; background-color: #f9f9f9; padding: 20px;'>
    <div style='background-color: white; border-radius: 10px; padding: 30px; box-shadow: 0 2px 10px rgba(0,0,0,0.1);'>
        <div style='text-align: center; margin-bottom: 30px;'>
            <h1 style='color: {{.Accent}}; font-size: 24px; margin: 0;'>{{.Title}}</h1>
            <p style='color: #7f8c8d; font-size: 14px; margin-top: 5px;'>{{.Subtitle}}</p>
        </div>
{{- if .Reason}}
        <div style='background-color: #fff5f5; border-left: 4px solid #e74c3c; padding: 15px; margin-bottom: 20px;'>
            <p style='margin: 0; font-size: 15px; color: #c0392b;'><strong>异常原因：</strong><span>{{.Reason}}</span></p>
        </div>
{{- end}}
        <div style='background-color: #f8f9fa; border-left: 4px solid {{.InfoColor}}; padding: 15px; margin-bottom: 20px;'>
            <p style='margin: 0; font-size: 15px; color: #2c3e50;'><strong>手机号：</strong><span style='color: #34495e;'>{{.Phone}}</span></p>
        </div>
        <div style='margin: 25px 0; text-align: center;'>
            <a href='{{.Link}}' style='display: inline-block; padding: 12px 30px; font-size: 16px; color: #fff; background: {{.ButtonColor}}; text-decoration: none; border-radius: 50px;'>{{.Button}} →</a>
        </div>
{{- if .Description}}
        <div style='background-color: #fff8f0; border-radius: 8px; padding: 15px; margin-top: 20px;'>
            <p style='margin: 0; color: #e67e22; font-size: 14px;'><span style='font-weight: bold;'>📝 订单说明：</span>{{.Description}}</p>
        </div>
{{- end}}
        <div style='margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; text-align: center; color: #95a5a6; font-size: 12px;'>
            <p>{{.Footer}}</p>
            <p style='margin: 5px 0;'>本邮件由系统自动发送，请勿回复</p>
        </div>
    </div>
</div>
`))

func (m *MailSpool) Notify(_ context.Context, event Event) error {
	to, ok := recipient(event.Request.Extension)
	if !ok {
		return nil
	}

	var (
		subject string
		view    mailView
	)
	phone := phoneDisplay(event.Request)
	switch event.Kind {
	case KindSuccess:
		link, desc := orderLink(event.Response)
		if link == "" {
			m.logger.Debug().Int64("request_id", event.RequestID).Msg("下单成功但响应中没有支付链接, 跳过邮件")
			return nil
		}
		subject = subjectSuccess
		view = mailView{
			Accent: "#2ecc71", Title: "✅ 下单成功", Subtitle: "请及时完成支付",
			Phone: phone, InfoColor: "#2ecc71", Link: link, Button: "立即支付",
			ButtonColor: "#27ae60", Description: desc, Footer: "如非本人操作，请忽略本通知",
		}
	default:
		subject = subjectFailure
		view = mailView{
			Accent: "#e74c3c", Title: "❌ 抢购失败", Subtitle: "请查看失败原因",
			Phone: phone, InfoColor: "#3498db", Reason: failureReason(event), Link: event.Link,
			Button: "查看详情", ButtonColor: "#2980b9", Footer: "如需帮助，请联系客服",
		}
	}
	return m.deliver(to, subject, view)
}

func (m *MailSpool) deliver(to, subject string, view mailView) error {
	var body bytes.Buffer
	fmt.Fprintf(&body, "Subject: %s\nTo: %s\nFrom: %s <%s>\n\n", subject, to, m.senderName, m.from)
	if err := mailTemplate.Execute(&body, view); err != nil {
		return fmt.Errorf("render mail: %w", err)
	}

	if err := os.MkdirAll(m.dir, 0755); err != nil {
		return fmt.Errorf("create mail spool: %w", err)
	}
	name := m.now().Format("20060102-150405") + "-" + sanitizeFilename(to) + ".html"
	path := filepath.Join(m.dir, name)
	if err := os.WriteFile(path, body.Bytes(), 0644); err != nil {
		m.logger.Error().Err(err).Str("path", path).Msg("写入邮件失败")
		return fmt.Errorf("write mail %s: %w", path, err)
	}
	m.logger.Info().Str("path", path).Str("subject", subject).Msg("邮件已写入")
	return nil
}

func recipient(ext model.Extension) (string, bool) {
	if !ext.Truthy("emailReminder") {
		return "", false
	}
	email, ok := ext.String("email")
	if !ok || !strings.Contains(email, "@") {
		return "", false
	}
	return email, true
}

func phoneDisplay(req model.Request) string {
	info, err := model.ParseExtension(req.UserInfo)
	if err != nil {
		return ""
	}
	phone, _ := info.String("telephone")
	if nick, _ := info.String("nickName"); nick != "" {
		phone += "(" + nick + ")"
	}
	return phone
}

// orderLink 读取 orderLink_list[0] 中的支付链接与说明。
func orderLink(response any) (string, string) {
	obj, ok := response.(map[string]any)
	if !ok {
		return "", ""
	}
	list, ok := obj["orderLink_list"].([]any)
	if !ok || len(list) == 0 {
		return "", ""
	}
	first, ok := list[0].(map[string]any)
	if !ok {
		return "", ""
	}
	link, _ := first["orderLink"].(string)
	desc, _ := first["desc"].(string)
	return link, desc
}

func failureReason(event Event) string {
	if obj, ok := event.Response.(map[string]any); ok {
		if status, ok := obj["status"].(map[string]any); ok {
			if d, ok := status["description"].(string); ok && d != "" {
				return d
			}
		}
		if msg, ok := obj["error_message"].(string); ok && msg != "" {
			return msg
		}
	}
	switch {
	case event.Message != "":
		return event.Message
	case event.Error != "":
		return event.Error
	}
	return defaultFailureReason
}

func sanitizeFilename(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, s)
}
