package prompt

import (
	"text/template"
)

// systemPromptTemplateText 按 角色特征 / 背景信息 / 说话特点 / 重要记忆 的顺序拼接角色设定。
const systemPromptTemplateText = `{{.SystemPrompt}}
{{- with .Characteristics}}

### 角色特征：
{{.}}
{{- end}}
{{- with .Background}}

### 背景信息：
{{.}}
{{- end}}
{{- if not .Style.Empty}}

### 说话特点：
{{- if .Style.Raw}}
{{.Style.Raw}}
{{- else}}
{{- with .Style.Tone}}
- 语气：{{.}}
{{- end}}
{{- with .Style.Dialect}}
- 方言：{{.}}
{{- end}}
{{- with .Style.Patterns}}
- 表达模式：
{{- range .}}
  - {{.}}
{{- end}}
{{- end}}
{{- with .Style.CommonPhrases}}
- 常用语：
{{- range .}}
  - {{.}}
{{- end}}
{{- end}}
{{- end}}
{{- end}}
{{- with .Memories}}

### 重要记忆：
{{- range .}}
- {{.Type}}：
{{- if .Scalar}}
  {{index .Items 0}}
{{- else}}
{{- range .Items}}
  - {{.}}
{{- end}}
{{- end}}
{{- end}}
{{- end}}`

var systemPromptTemplate = template.Must(template.New("system_prompt").Parse(systemPromptTemplateText))
