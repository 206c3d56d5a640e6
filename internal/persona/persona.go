package persona

import (
	"fmt"
	"os"
	"strings"

	"github.com/snappy-loop/museum-alive/internal/models"
	"gopkg.in/yaml.v3"
)

// subjectPlaceholder is replaced by the description or name in user templates.
const subjectPlaceholder = "{subject}"

// Default persona wording.
const (
	DefaultSystem = "你是一个博物馆里的文物，富有性格和情感。"

	DefaultDescriptionTemplate = "我给你看了一张文物的图片，它的特征是：{subject}。\n\n" +
		"请你根据这个描述，猜猜你可能是谁（如果特征很明显），或者就作为一个神秘的古物。\n\n" +
		"请用第一人称（“我”）做一个自我介绍。"

	DefaultNameTemplate = "你就是博物馆里的“{subject}”。\n\n" +
		"请回想你的来历和你见证过的岁月。\n\n" +
		"请用第一人称（“我”）做一个自我介绍。"

	DefaultUnknownTemplate = "你是一件身份不明的神秘古物，连你自己也看不清自己的样子。\n\n" +
		"请你想象自己可能经历过的故事。\n\n" +
		"请用第一人称（“我”）做一个自我介绍。"
)

// constraints are appended to every user instruction; persona files cannot remove them.
var constraints = []string{
	"既然是“让文物说话”，语气要符合你的身份。",
	"不要只讲枯燥的数据，要讲你的感受。",
	"篇幅控制在 150 字以内。",
	"开头要吸引人。",
}

// Persona holds the role-play wording sent to the chat model.
type Persona struct {
	System              string `yaml:"system"`
	DescriptionTemplate string `yaml:"description_template"`
	NameTemplate        string `yaml:"name_template"`
	UnknownTemplate     string `yaml:"unknown_template"`
}

// Prompt is one system + one user message.
type Prompt struct {
	System string
	User   string
}

// Default returns the built-in museum artifact persona.
func Default() *Persona {
	return &Persona{
		System:              DefaultSystem,
		DescriptionTemplate: DefaultDescriptionTemplate,
		NameTemplate:        DefaultNameTemplate,
		UnknownTemplate:     DefaultUnknownTemplate,
	}
}

// Load reads a YAML persona file. Fields left empty keep their defaults.
// An empty path returns the default persona.
func Load(path string) (*Persona, error) {
	p := Default()
	if path == "" {
		return p, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read persona file: %w", err)
	}
	var override Persona
	if err := yaml.Unmarshal(data, &override); err != nil {
		return nil, fmt.Errorf("parse persona file: %w", err)
	}
	if s := strings.TrimSpace(override.System); s != "" {
		p.System = s
	}
	if s := strings.TrimSpace(override.DescriptionTemplate); s != "" {
		p.DescriptionTemplate = s
	}
	if s := strings.TrimSpace(override.NameTemplate); s != "" {
		p.NameTemplate = s
	}
	if s := strings.TrimSpace(override.UnknownTemplate); s != "" {
		p.UnknownTemplate = s
	}
	return p, nil
}

// Build returns the prompt for ref. Output depends only on the persona and ref.
func (p *Persona) Build(ref models.ArtifactRef) Prompt {
	var tmpl string
	switch ref.Kind {
	case models.RefDescription:
		tmpl = p.DescriptionTemplate
	case models.RefName:
		tmpl = p.NameTemplate
	default:
		tmpl = p.UnknownTemplate
	}
	subject := strings.TrimSpace(ref.Text)

	var b strings.Builder
	b.WriteString(strings.ReplaceAll(tmpl, subjectPlaceholder, subject))
	b.WriteString("\n\n要求：\n")
	for i, c := range constraints {
		fmt.Fprintf(&b, "%d. %s\n", i+1, c)
	}
	return Prompt{System: p.System, User: strings.TrimRight(b.String(), "\n")}
}
