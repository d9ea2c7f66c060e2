package mailparse

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/quotedprintable"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"

	"deskmail/backend/internal/domain"
)

// maxMultipartDepth 是 multipart 递归解析的最大嵌套深度。
// 超出深度的部分直接忽略，防止恶意构造的深层嵌套耗尽栈空间。
const maxMultipartDepth = 10

// degradedSubject 是无法结构化解析时的降级主题
const degradedSubject = "parse error"

// Parse 将原始字节载荷解析为结构化邮件。
//
// 这是一个全函数：永远不返回错误，也不丢失消息。
//   - 载荷是 JSON 时按预结构化格式直接映射（内部测试/简单客户端使用）
//   - 载荷是 MIME 时按首个空行切分头与体，递归解析 multipart
//   - 完全无法结构化时降级为纯文本结果（subject="parse error"，
//     bodyText=原始内容）
func Parse(raw []byte) *domain.ParsedEmail {
	if parsed, ok := parseJSONPayload(raw); ok {
		return parsed
	}

	headerBlock, body := splitMessage(raw)
	headers := parseHeaders(headerBlock)
	if len(headers) == 0 {
		// 连一个合法头都没有：按降级规则兜底
		return &domain.ParsedEmail{
			Subject:  degradedSubject,
			BodyText: string(raw),
		}
	}

	parsed := &domain.ParsedEmail{
		Subject:    decodeHeaderWords(headers["subject"]),
		MessageID:  headers["message-id"],
		InReplyTo:  headers["in-reply-to"],
		References: headers["references"],
	}

	name, addr := ParseAddress(headers["from"])
	parsed.From = addr
	parsed.FromName = name
	parsed.To = ParseAddressList(headers["to"])
	parsed.Cc = ParseAddressList(headers["cc"])

	if dateHeader := headers["date"]; dateHeader != "" {
		if t, err := mail.ParseDate(dateHeader); err == nil {
			parsed.Date = t
		}
	}

	mediaType, params := parseContentType(headers["content-type"])
	boundary := params["boundary"]
	if strings.HasPrefix(mediaType, "multipart/") && boundary != "" {
		parseMultipart(body, boundary, parsed, 0)
	} else {
		decoded := decodeTransfer(body, headers["content-transfer-encoding"])
		text := convertCharset(decoded, params["charset"])
		if strings.HasPrefix(mediaType, "text/html") {
			parsed.BodyHTML = text
		} else {
			parsed.BodyText = text
		}
	}

	return parsed
}

// jsonPayload 是预结构化的 JSON 载荷格式
type jsonPayload struct {
	From       string     `json:"from"`
	FromName   string     `json:"fromName"`
	To         stringList `json:"to"`
	Cc         stringList `json:"cc"`
	Subject    string     `json:"subject"`
	Text       string     `json:"text"`
	HTML       string     `json:"html"`
	MessageID  string     `json:"messageId"`
	InReplyTo  string     `json:"inReplyTo"`
	References string     `json:"references"`
	Date       string     `json:"date"`
}

// stringList 兼容单个字符串或字符串数组两种 JSON 形式
type stringList []string

// UnmarshalJSON 实现 json.Unmarshaler
func (s *stringList) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		if single != "" {
			*s = []string{single}
		}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*s = many
	return nil
}

// parseJSONPayload 尝试按 JSON 格式解析载荷
func parseJSONPayload(raw []byte) (*domain.ParsedEmail, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, false
	}

	var payload jsonPayload
	if err := json.Unmarshal(trimmed, &payload); err != nil {
		return nil, false
	}

	parsed := &domain.ParsedEmail{
		Subject:    payload.Subject,
		MessageID:  payload.MessageID,
		InReplyTo:  payload.InReplyTo,
		References: payload.References,
		BodyText:   payload.Text,
		BodyHTML:   payload.HTML,
	}

	name, addr := ParseAddress(payload.From)
	parsed.From = addr
	parsed.FromName = name
	if payload.FromName != "" {
		parsed.FromName = payload.FromName
	}
	for _, to := range payload.To {
		if _, a := ParseAddress(to); a != "" {
			parsed.To = append(parsed.To, a)
		}
	}
	for _, cc := range payload.Cc {
		if _, a := ParseAddress(cc); a != "" {
			parsed.Cc = append(parsed.Cc, a)
		}
	}
	if payload.Date != "" {
		if t, err := time.Parse(time.RFC3339, payload.Date); err == nil {
			parsed.Date = t
		}
	}

	return parsed, true
}

// splitMessage 在首个空行处把消息切分为头部块和体
func splitMessage(raw []byte) (header, body []byte) {
	normalized := bytes.ReplaceAll(raw, []byte("\r\n"), []byte("\n"))
	if idx := bytes.Index(normalized, []byte("\n\n")); idx >= 0 {
		return normalized[:idx], normalized[idx+2:]
	}
	// 没有空行：整体当作头部块（体为空）
	return normalized, nil
}

// parseHeaders 逐行解析头部块。
//
// 规则：
//   - 以空白开头的行是折行，并入上一个头的值
//   - 头名不区分大小写（键统一小写）
//   - 同名头以首次出现为准
func parseHeaders(block []byte) map[string]string {
	headers := make(map[string]string)
	var lastKey string

	for _, line := range strings.Split(string(block), "\n") {
		if line == "" {
			continue
		}
		if line[0] == ' ' || line[0] == '\t' {
			// 折行：拼接到上一个头
			if lastKey != "" {
				headers[lastKey] += " " + strings.TrimSpace(line)
			}
			continue
		}

		idx := strings.Index(line, ":")
		if idx <= 0 {
			lastKey = ""
			continue
		}
		key := strings.ToLower(strings.TrimSpace(line[:idx]))
		if key == "" || strings.ContainsAny(key, " \t") {
			lastKey = ""
			continue
		}
		value := strings.TrimSpace(line[idx+1:])
		if _, exists := headers[key]; exists {
			// 首次出现优先，但折行仍要跟着本次出现走
			lastKey = ""
			continue
		}
		headers[key] = value
		lastKey = key
	}

	return headers
}

// parseContentType 解析 Content-Type 头，失败时按 text/plain 处理
func parseContentType(value string) (mediaType string, params map[string]string) {
	if value == "" {
		return "text/plain", map[string]string{}
	}
	mediaType, params, err := mime.ParseMediaType(value)
	if err != nil {
		return "text/plain", map[string]string{}
	}
	return strings.ToLower(mediaType), params
}

// parseMultipart 按边界切分消息体并递归解析各部分。
//
// 体文本取首个非空的 text/plain 与 text/html 部分；
// 附件跨所有嵌套层级累加。
func parseMultipart(body []byte, boundary string, parsed *domain.ParsedEmail, depth int) {
	if depth >= maxMultipartDepth {
		return
	}

	for _, part := range splitParts(body, boundary) {
		parsePart(part, parsed, depth)
	}
}

// splitParts 以 "--boundary" 行为界切分 multipart 体
func splitParts(body []byte, boundary string) [][]byte {
	marker := "--" + boundary
	var parts [][]byte
	var current []string
	inPart := false

	for _, line := range strings.Split(string(body), "\n") {
		trimmed := strings.TrimRight(line, "\r")
		if trimmed == marker || trimmed == marker+"--" {
			if inPart && len(current) > 0 {
				parts = append(parts, []byte(strings.Join(current, "\n")))
			}
			current = nil
			inPart = trimmed == marker
			continue
		}
		if inPart {
			current = append(current, line)
		}
	}
	// 容错：缺失终止边界时不丢弃最后一段
	if inPart && len(current) > 0 {
		parts = append(parts, []byte(strings.Join(current, "\n")))
	}

	return parts
}

// parsePart 解析单个 MIME 部分并按类型归类
func parsePart(part []byte, parsed *domain.ParsedEmail, depth int) {
	headerBlock, body := splitMessage(part)
	headers := parseHeaders(headerBlock)
	if len(headers) == 0 {
		// 无头部分整体当作正文候选
		if parsed.BodyText == "" {
			parsed.BodyText = strings.TrimSpace(string(part))
		}
		return
	}

	mediaType, params := parseContentType(headers["content-type"])

	// Content-Disposition 优先：attachment / inline 一律按附件处理
	if disposition := headers["content-disposition"]; disposition != "" {
		dispType, dispParams, err := mime.ParseMediaType(disposition)
		if err == nil && (dispType == "attachment" || dispType == "inline") {
			appendAttachment(parsed, body, headers, mediaType, dispParams["filename"], params["name"])
			return
		}
	}

	switch {
	case strings.HasPrefix(mediaType, "multipart/"):
		if boundary := params["boundary"]; boundary != "" {
			parseMultipart(body, boundary, parsed, depth+1)
		}
	case strings.HasPrefix(mediaType, "text/html"):
		if parsed.BodyHTML == "" {
			body = decodeTransfer(body, headers["content-transfer-encoding"])
			parsed.BodyHTML = convertCharset(body, params["charset"])
		}
	case strings.HasPrefix(mediaType, "text/"):
		if parsed.BodyText == "" {
			body = decodeTransfer(body, headers["content-transfer-encoding"])
			parsed.BodyText = convertCharset(body, params["charset"])
		}
	default:
		// 非文本、非 multipart 且无处置头：按附件兜底
		appendAttachment(parsed, body, headers, mediaType, "", params["name"])
	}
}

// appendAttachment 解码并追加一个附件
func appendAttachment(parsed *domain.ParsedEmail, body []byte, headers map[string]string, mediaType, dispFilename, ctName string) {
	filename := dispFilename
	if filename == "" {
		filename = ctName
	}
	if filename == "" {
		// filename= 和 name= 都缺失时生成占位名
		filename = fmt.Sprintf("attachment-%s", uuid.NewString()[:8])
	}
	filename = decodeHeaderWords(filename)

	content := decodeTransfer(body, headers["content-transfer-encoding"])

	parsed.Attachments = append(parsed.Attachments, &domain.EmailAttachment{
		Filename: filename,
		MimeType: mediaType,
		Content:  content,
		Size:     int64(len(content)),
	})
}

// decodeTransfer 按 Content-Transfer-Encoding 解码内容。
//
// base64 和 quoted-printable 之外的编码原样返回；解码失败时
// 同样原样返回，绝不丢内容。
func decodeTransfer(body []byte, transferEncoding string) []byte {
	switch strings.ToLower(strings.TrimSpace(transferEncoding)) {
	case "base64":
		compact := strings.Map(func(r rune) rune {
			if r == '\n' || r == '\r' || r == ' ' || r == '\t' {
				return -1
			}
			return r
		}, string(body))
		if decoded, err := base64.StdEncoding.DecodeString(compact); err == nil {
			return decoded
		}
		if decoded, err := base64.RawStdEncoding.DecodeString(compact); err == nil {
			return decoded
		}
		return body
	case "quoted-printable":
		decoded, err := io.ReadAll(quotedprintable.NewReader(bytes.NewReader(body)))
		if err != nil && len(decoded) == 0 {
			return body
		}
		return decoded
	default:
		return body
	}
}
