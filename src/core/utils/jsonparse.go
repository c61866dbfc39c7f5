package utils

import (
	"encoding/json"
	"fmt"
	"strings"
)

// StripMarkdownFences 去掉模型回复外层的 ```json ... ``` 代码块
func StripMarkdownFences(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}

	lines := strings.Split(text, "\n")
	if len(lines) < 3 {
		return text
	}

	end := len(lines) - 1
	for i := len(lines) - 1; i > 0; i-- {
		if strings.TrimSpace(lines[i]) == "```" {
			end = i
			break
		}
	}
	return strings.Join(lines[1:end], "\n")
}

// ExtractJSONObject 从第一个 { 开始解码一个完整的JSON值，忽略其后的文字
func ExtractJSONObject(text string) (string, error) {
	start := strings.Index(text, "{")
	if start == -1 {
		return "", fmt.Errorf("no JSON object found")
	}
	var raw json.RawMessage
	if err := json.NewDecoder(strings.NewReader(text[start:])).Decode(&raw); err != nil {
		return "", err
	}
	return string(raw), nil
}

// ParseJSONObject 尽力从模型输出中解析出一个JSON对象。
// 失败时返回的错误信息以 "JSON ERROR:" 开头，并附带原文前200个字符。
func ParseJSONObject(raw string) (map[string]interface{}, error) {
	body, err := ExtractJSONObject(StripMarkdownFences(raw))
	if err == nil {
		var out map[string]interface{}
		if err = json.Unmarshal([]byte(body), &out); err == nil {
			return out, nil
		}
	}
	return nil, fmt.Errorf("JSON ERROR: %v | Raw: %s", err, Truncate(raw, 200))
}

// Truncate 按rune截断字符串
func Truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
