package mailparse

import (
	"regexp"
	"strings"
)

var (
	// "Display Name" <addr@host> / Display Name <addr@host>
	namedAddressPattern = regexp.MustCompile(`^\s*"?([^"<]*?)"?\s*<([^>]+)>\s*$`)
	// 裸地址
	bareAddressPattern = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+`)
)

// ParseAddress 从头字段中提取 (显示名, 邮箱地址)。
//
// 支持 `"Name" <addr>`、`Name <addr>` 和裸地址三种形式；
// 提取不到地址时返回空串，绝不报错。
func ParseAddress(value string) (name, email string) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", ""
	}

	if m := namedAddressPattern.FindStringSubmatch(value); m != nil {
		name = strings.TrimSpace(decodeHeaderWords(m[1]))
		email = strings.ToLower(strings.TrimSpace(m[2]))
		return name, email
	}

	if addr := bareAddressPattern.FindString(value); addr != "" {
		return "", strings.ToLower(addr)
	}

	return "", ""
}

// ParseAddressList 解析逗号分隔的地址列表。
//
// 每个元素独立走 ParseAddress，无法提取地址的元素被跳过。
func ParseAddressList(value string) []string {
	if strings.TrimSpace(value) == "" {
		return nil
	}

	var out []string
	for _, item := range strings.Split(value, ",") {
		if _, addr := ParseAddress(item); addr != "" {
			out = append(out, addr)
		}
	}
	return out
}

// LocalPart 返回地址 @ 之前的局部名（小写），非法地址返回空串
func LocalPart(address string) string {
	idx := strings.LastIndex(address, "@")
	if idx <= 0 {
		return ""
	}
	return strings.ToLower(address[:idx])
}

// Domain 返回地址 @ 之后的域名（小写），非法地址返回空串
func Domain(address string) string {
	idx := strings.LastIndex(address, "@")
	if idx < 0 || idx == len(address)-1 {
		return ""
	}
	return strings.ToLower(address[idx+1:])
}
