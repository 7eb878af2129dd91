// Package character loads persona definitions and exposes their seed memories.
package character

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/easeaico/persona-chat/internal/types"
)

// ErrCharacterNotFound is returned when no profile exists for an id.
var ErrCharacterNotFound = errors.New("character not found")

// Profile is an immutable persona definition.
type Profile struct {
	ID              string
	Name            string
	SystemPrompt    string
	Characteristics Freeform
	Background      Freeform
	SpeakingStyle   SpeakingStyle
	Memories        MemoryBook
	Keywords        KeywordMap
}

// profileFile is the on-disk layout of a character file.
type profileFile struct {
	Name            string        `yaml:"name"`
	SystemPrompt    string        `yaml:"system_prompt"`
	Characteristics Freeform      `yaml:"characteristics"`
	Background      Freeform      `yaml:"background"`
	SpeakingStyle   SpeakingStyle `yaml:"speaking_style"`
	Memories        MemoryBook    `yaml:"memories"`
	Keywords        KeywordMap    `yaml:"keywords"`
}

// Parse decodes a character definition.
func Parse(id string, data []byte) (*Profile, error) {
	var file profileFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse character %s: %w", id, err)
	}
	p := &Profile{
		ID:              id,
		Name:            strings.TrimSpace(file.Name),
		SystemPrompt:    file.SystemPrompt,
		Characteristics: file.Characteristics,
		Background:      file.Background,
		SpeakingStyle:   file.SpeakingStyle,
		Memories:        file.Memories,
		Keywords:        file.Keywords,
	}
	if p.Name == "" {
		p.Name = id
	}
	if p.Keywords == nil {
		p.Keywords = DefaultKeywords()
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Validate checks the fields every profile must carry.
func (p *Profile) Validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return fmt.Errorf("character id is required")
	}
	if strings.TrimSpace(p.SystemPrompt) == "" {
		return fmt.Errorf("character %s: system_prompt is required", p.ID)
	}
	return nil
}

// SeedRecords flattens the seed memories into records, in definition order.
func (p *Profile) SeedRecords(now time.Time) []types.MemoryRecord {
	var records []types.MemoryRecord
	for _, group := range p.Memories {
		for _, item := range group.Items {
			if strings.TrimSpace(item) == "" {
				continue
			}
			records = append(records, types.MemoryRecord{
				Text:        item,
				CharacterID: p.ID,
				MemoryType:  group.Type,
				CreatedAt:   now,
			})
		}
	}
	return records
}

// Freeform is a trait block written either as text or as structured YAML.
// Structured blocks are kept as their YAML rendering.
type Freeform string

func (f *Freeform) UnmarshalYAML(node *yaml.Node) error {
	if node.ShortTag() == "!!null" {
		*f = ""
		return nil
	}
	if node.Kind == yaml.ScalarNode {
		*f = Freeform(node.Value)
		return nil
	}
	out, err := yaml.Marshal(node)
	if err != nil {
		return err
	}
	*f = Freeform(strings.TrimRight(string(out), "\n"))
	return nil
}

// SpeakingStyle describes how the character talks.
// Raw is set instead of the structured fields when the style is plain text.
type SpeakingStyle struct {
	Tone          string   `yaml:"tone"`
	Dialect       string   `yaml:"dialect"`
	Patterns      []string `yaml:"patterns"`
	CommonPhrases []string `yaml:"common_phrases"`
	Raw           string   `yaml:"-"`
}

// Empty reports whether no style was defined.
func (s SpeakingStyle) Empty() bool {
	return s.Raw == "" && s.Tone == "" && s.Dialect == "" && len(s.Patterns) == 0 && len(s.CommonPhrases) == 0
}

func (s *SpeakingStyle) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		var raw Freeform
		if err := raw.UnmarshalYAML(node); err != nil {
			return err
		}
		*s = SpeakingStyle{Raw: string(raw)}
		return nil
	}
	type plain SpeakingStyle
	var decoded plain
	if err := node.Decode(&decoded); err != nil {
		return err
	}
	*s = SpeakingStyle(decoded)
	return nil
}

// MemoryGroup holds the seed memories of one memory type.
// Scalar marks a group written as a single value rather than a list.
type MemoryGroup struct {
	Type   string
	Items  []string
	Scalar bool
}

// MemoryBook is the ordered mapping from memory type to seed memories.
type MemoryBook []MemoryGroup

// ByType returns the seed memories of one type.
func (b MemoryBook) ByType(memoryType string) []string {
	for _, group := range b {
		if group.Type == memoryType {
			return group.Items
		}
	}
	return nil
}

func (b *MemoryBook) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("memories must be a mapping, got line %d", node.Line)
	}
	book := make(MemoryBook, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, value := node.Content[i], node.Content[i+1]
		group := MemoryGroup{Type: key.Value}
		switch value.Kind {
		case yaml.SequenceNode:
			for _, item := range value.Content {
				var text Freeform
				if err := text.UnmarshalYAML(item); err != nil {
					return err
				}
				group.Items = append(group.Items, string(text))
			}
		default:
			var text Freeform
			if err := text.UnmarshalYAML(value); err != nil {
				return err
			}
			group.Items = []string{string(text)}
			group.Scalar = true
		}
		book = append(book, group)
	}
	*b = book
	return nil
}

// KeywordRule maps a trigger substring to the memory types it recalls.
type KeywordRule struct {
	Keyword     string
	MemoryTypes []string
}

// KeywordMap is scanned in order by the keyword fallback.
type KeywordMap []KeywordRule

// DefaultKeywords is used for profiles that do not define their own map.
func DefaultKeywords() KeywordMap {
	return KeywordMap{
		{Keyword: "想你", MemoryTypes: []string{"family_events", "daily_life"}},
		{Keyword: "吃", MemoryTypes: []string{"special_dishes"}},
		{Keyword: "孩子", MemoryTypes: []string{"family_events"}},
		{Keyword: "累", MemoryTypes: []string{"daily_life"}},
		{Keyword: "家", MemoryTypes: []string{"family_events", "daily_life"}},
	}
}

func (k *KeywordMap) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("keywords must be a mapping, got line %d", node.Line)
	}
	rules := make(KeywordMap, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, value := node.Content[i], node.Content[i+1]
		rule := KeywordRule{Keyword: key.Value}
		switch value.Kind {
		case yaml.SequenceNode:
			if err := value.Decode(&rule.MemoryTypes); err != nil {
				return err
			}
		case yaml.ScalarNode:
			rule.MemoryTypes = []string{value.Value}
		default:
			return fmt.Errorf("keyword %q: memory types must be a list", key.Value)
		}
		rules = append(rules, rule)
	}
	*k = rules
	return nil
}
