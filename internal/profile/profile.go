package profile

import (
	"fmt"
	"strings"
)

// Known provider types. Custom OpenAI-compatible routers reuse TypeOpenAI
// with an endpoint override.
const (
	TypeOpenAI    = "openai"
	TypeAnthropic = "anthropic"
	TypeOllama    = "ollama"
)

// Profile is a saved provider configuration. The relay core treats it as an
// immutable value for the duration of one request; creation and editing belong
// to whatever owns the profile file.
type Profile struct {
	ID                 string `yaml:"id" json:"id"`
	Name               string `yaml:"name" json:"name"`
	Type               string `yaml:"type" json:"type"`
	Endpoint           string `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	APIKey             string `yaml:"api_key,omitempty" json:"apiKey,omitempty"`
	Model              string `yaml:"model" json:"model"`
	SystemPrompt       string `yaml:"system_prompt" json:"systemPrompt"`
	UserPrompt         string `yaml:"user_prompt,omitempty" json:"userPrompt,omitempty"`
	ExtraOptions       string `yaml:"extra_options,omitempty" json:"extraOptions,omitempty"`
	ProcessImmediately bool   `yaml:"process_immediately,omitempty" json:"processImmediately,omitempty"`
}

// Validate is the single boundary through which profiles enter the core.
// A profile that passes is structurally sound: the dispatcher and adapters
// never re-check these fields. ExtraOptions is deliberately not parsed here;
// invalid extra options are ignored at request time rather than rejected.
func Validate(p Profile) error {
	if strings.TrimSpace(p.ID) == "" {
		return fmt.Errorf("profile id must not be empty")
	}
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("profile %s: name must not be empty", p.ID)
	}
	switch p.Type {
	case TypeOpenAI, TypeAnthropic, TypeOllama:
	default:
		return fmt.Errorf("profile %s: type %q must be one of %q, %q or %q",
			p.ID, p.Type, TypeOpenAI, TypeAnthropic, TypeOllama)
	}
	if strings.TrimSpace(p.Model) == "" {
		return fmt.Errorf("profile %s: model must not be empty", p.ID)
	}
	if strings.TrimSpace(p.SystemPrompt) == "" {
		return fmt.Errorf("profile %s: system_prompt must not be empty", p.ID)
	}
	return nil
}
