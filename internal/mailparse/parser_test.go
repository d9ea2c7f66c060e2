package mailparse

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSimpleTextMessage(t *testing.T) {
	raw := strings.Join([]string{
		"From: \"Zhang San\" <zhangsan@example.com>",
		"To: support@inbound.deskmail.local",
		"Subject: printer is on fire",
		"Message-ID: <abc123@mail.example>",
		"Date: Mon, 02 Jan 2006 15:04:05 -0700",
		"",
		"please send help",
		"",
	}, "\r\n")

	parsed := Parse([]byte(raw))

	assert.Equal(t, "zhangsan@example.com", parsed.From)
	assert.Equal(t, "Zhang San", parsed.FromName)
	assert.Equal(t, []string{"support@inbound.deskmail.local"}, parsed.To)
	assert.Equal(t, "printer is on fire", parsed.Subject)
	assert.Equal(t, "<abc123@mail.example>", parsed.MessageID)
	assert.Equal(t, "please send help\n", parsed.BodyText)
	assert.False(t, parsed.Date.IsZero())
}

func TestParseMultipartWithAttachment(t *testing.T) {
	attachment := []byte{0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a}
	raw := strings.Join([]string{
		"From: a@b.c",
		"Subject: mixed",
		"Content-Type: multipart/mixed; boundary=\"outer\"",
		"",
		"--outer",
		"Content-Type: multipart/alternative; boundary=\"inner\"",
		"",
		"--inner",
		"Content-Type: text/plain; charset=utf-8",
		"",
		"plain body",
		"--inner",
		"Content-Type: text/html; charset=utf-8",
		"",
		"<p>html body</p>",
		"--inner--",
		"--outer",
		"Content-Type: image/png; name=\"logo.png\"",
		"Content-Disposition: attachment; filename=\"logo.png\"",
		"Content-Transfer-Encoding: base64",
		"",
		base64.StdEncoding.EncodeToString(attachment),
		"--outer--",
		"",
	}, "\r\n")

	parsed := Parse([]byte(raw))

	assert.Contains(t, parsed.BodyText, "plain body")
	assert.Contains(t, parsed.BodyHTML, "html body")
	require.Len(t, parsed.Attachments, 1)
	att := parsed.Attachments[0]
	assert.Equal(t, "logo.png", att.Filename)
	assert.Equal(t, "image/png", att.MimeType)
	assert.Equal(t, attachment, att.Content)
	assert.Equal(t, int64(len(attachment)), att.Size)
}

func TestParseFirstNonEmptyBodyWins(t *testing.T) {
	raw := strings.Join([]string{
		"From: a@b.c",
		"Content-Type: multipart/alternative; boundary=x",
		"",
		"--x",
		"Content-Type: text/plain",
		"",
		"first",
		"--x",
		"Content-Type: text/plain",
		"",
		"second",
		"--x--",
	}, "\n")

	parsed := Parse([]byte(raw))
	assert.Contains(t, parsed.BodyText, "first")
	assert.NotContains(t, parsed.BodyText, "second")
}

func TestParseQuotedPrintableBody(t *testing.T) {
	raw := strings.Join([]string{
		"From: a@b.c",
		"Content-Type: text/plain; charset=utf-8",
		"Content-Transfer-Encoding: quoted-printable",
		"",
		"caf=C3=A9 time",
	}, "\n")

	parsed := Parse([]byte(raw))
	assert.Contains(t, parsed.BodyText, "café time")
}

func TestParseEncodedSubject(t *testing.T) {
	raw := strings.Join([]string{
		"From: a@b.c",
		"Subject: =?utf-8?B?" + base64.StdEncoding.EncodeToString([]byte("服务器故障")) + "?=",
		"",
		"body",
	}, "\n")

	parsed := Parse([]byte(raw))
	assert.Equal(t, "服务器故障", parsed.Subject)
}

func TestParseFoldedHeader(t *testing.T) {
	raw := strings.Join([]string{
		"From: a@b.c",
		"Subject: a very long",
		"\tfolded subject line",
		"",
		"body",
	}, "\n")

	parsed := Parse([]byte(raw))
	assert.Equal(t, "a very long folded subject line", parsed.Subject)
}

func TestParseDuplicateHeaderFirstWins(t *testing.T) {
	raw := strings.Join([]string{
		"Subject: first subject",
		"Subject: second subject",
		"From: a@b.c",
		"",
		"body",
	}, "\n")

	parsed := Parse([]byte(raw))
	assert.Equal(t, "first subject", parsed.Subject)
}

func TestParseDegradesOnGarbage(t *testing.T) {
	raw := "not an email at all"

	parsed := Parse([]byte(raw))

	require.NotNil(t, parsed)
	assert.Equal(t, "parse error", parsed.Subject)
	assert.Equal(t, raw, parsed.BodyText)
}

func TestParseJSONPayload(t *testing.T) {
	t.Run("完整字段", func(t *testing.T) {
		raw := `{"from":"Li Si <lisi@example.com>","to":["acme@inbound.deskmail.local"],"subject":"hello","text":"body text","html":"<p>body</p>","messageId":"<j1@x>"}`

		parsed := Parse([]byte(raw))

		assert.Equal(t, "lisi@example.com", parsed.From)
		assert.Equal(t, "Li Si", parsed.FromName)
		assert.Equal(t, []string{"acme@inbound.deskmail.local"}, parsed.To)
		assert.Equal(t, "hello", parsed.Subject)
		assert.Equal(t, "body text", parsed.BodyText)
		assert.Equal(t, "<p>body</p>", parsed.BodyHTML)
	})

	t.Run("to 为单个字符串", func(t *testing.T) {
		raw := `{"from":"a@b.c","to":"x@y.z","subject":"s","text":"t"}`
		parsed := Parse([]byte(raw))
		assert.Equal(t, []string{"x@y.z"}, parsed.To)
	})

	t.Run("非法 JSON 走降级", func(t *testing.T) {
		parsed := Parse([]byte(`{"from": broken`))
		assert.Equal(t, "parse error", parsed.Subject)
	})
}

func TestParseAttachmentPlaceholderFilename(t *testing.T) {
	raw := strings.Join([]string{
		"From: a@b.c",
		"Content-Type: multipart/mixed; boundary=x",
		"",
		"--x",
		"Content-Type: application/octet-stream",
		"Content-Disposition: attachment",
		"",
		"binarydata",
		"--x--",
	}, "\n")

	parsed := Parse([]byte(raw))
	require.Len(t, parsed.Attachments, 1)
	assert.True(t, strings.HasPrefix(parsed.Attachments[0].Filename, "attachment-"))
}

func TestParseDepthGuard(t *testing.T) {
	// 构造超过最大深度的嵌套 multipart，解析必须正常返回
	body := "deep text"
	for i := 0; i < maxMultipartDepth+3; i++ {
		body = strings.Join([]string{
			"--b",
			"Content-Type: multipart/mixed; boundary=b",
			"",
			body,
			"--b--",
		}, "\n")
	}
	raw := "From: a@b.c\nContent-Type: multipart/mixed; boundary=b\n\n" + body

	assert.NotPanics(t, func() {
		Parse([]byte(raw))
	})
}

func TestParseGBKBody(t *testing.T) {
	// "你好" 的 GBK 编码
	gbk := []byte{0xc4, 0xe3, 0xba, 0xc3}
	raw := append([]byte("From: a@b.c\nContent-Type: text/plain; charset=gbk\n\n"), gbk...)

	parsed := Parse(raw)
	assert.Contains(t, parsed.BodyText, "你好")
}
