// Package prompt 负责根据角色设定组装系统提示词。
package prompt

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/easeaico/persona-chat/internal/character"
)

// defaultUserName 替换角色文本中的 {{user}} 占位符。
const defaultUserName = "你"

// BuildSystemPrompt 生成角色的系统提示词。
func BuildSystemPrompt(p *character.Profile) (string, error) {
	if p == nil {
		return "", fmt.Errorf("character is required")
	}

	normalize := func(text string) string {
		return strings.TrimSpace(replaceVars(text, p.Name, defaultUserName))
	}
	style := p.SpeakingStyle
	style.Raw = normalize(style.Raw)

	data := struct {
		SystemPrompt    string
		Characteristics string
		Background      string
		Style           character.SpeakingStyle
		Memories        character.MemoryBook
	}{
		SystemPrompt:    normalize(p.SystemPrompt),
		Characteristics: normalize(string(p.Characteristics)),
		Background:      normalize(string(p.Background)),
		Style:           style,
		Memories:        p.Memories,
	}

	var buf bytes.Buffer
	if err := systemPromptTemplate.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to build system prompt: %w", err)
	}
	return buf.String(), nil
}

// replaceVars 替换角色卡常见的占位符与转义换行。
func replaceVars(text, charName, userName string) string {
	replacer := strings.NewReplacer(
		"{{char}}", charName,
		"{{user}}", userName,
		"\\r\\n", "\n",
		"\\n", "\n",
		"\\\"", "\"",
	)
	return replacer.Replace(text)
}
