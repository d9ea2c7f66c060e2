package domain

import "time"

// ParsedEmail 表示解析后的结构化邮件内容。
//
// 这是一个瞬态对象：由 MIME 解析器产出，在管道内流转，不直接入库。
type ParsedEmail struct {
	From        string             `json:"from"`
	FromName    string             `json:"fromName,omitempty"`
	To          []string           `json:"to"`
	Cc          []string           `json:"cc,omitempty"`
	Subject     string             `json:"subject"`
	Date        time.Time          `json:"date"`
	MessageID   string             `json:"messageId"`
	InReplyTo   string             `json:"inReplyTo,omitempty"`  // 原样保留的 In-Reply-To 头
	References  string             `json:"references,omitempty"` // 原样保留的 References 头
	BodyText    string             `json:"bodyText,omitempty"`
	BodyHTML    string             `json:"bodyHtml,omitempty"`
	Attachments []*EmailAttachment `json:"attachments,omitempty"`
}

// EmailAttachment 表示邮件附件
type EmailAttachment struct {
	Filename string `json:"filename"` // 文件名，缺失时为生成的占位名
	MimeType string `json:"mimeType"`
	Content  []byte `json:"-"` // 解码后的附件内容
	Size     int64  `json:"size"`
}

// FirstRecipient 返回第一个收件人地址，没有收件人时返回空串
func (e *ParsedEmail) FirstRecipient() string {
	if len(e.To) == 0 {
		return ""
	}
	return e.To[0]
}

// AllRecipients 返回 To 与 Cc 合并后的收件人列表
func (e *ParsedEmail) AllRecipients() []string {
	out := make([]string, 0, len(e.To)+len(e.Cc))
	out = append(out, e.To...)
	out = append(out, e.Cc...)
	return out
}
