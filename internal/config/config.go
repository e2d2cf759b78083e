package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models clipline.yml.
type Config struct {
	Project struct {
		Platform  string `yaml:"platform"`
		VideoSize string `yaml:"video_size"`
		Format    string `yaml:"format"`
	} `yaml:"project"`
	Styles   map[string]Style `yaml:"styles"`
	Voices   map[string]Voice `yaml:"voices"`
	Defaults struct {
		Style         string `yaml:"style"`
		Voice         string `yaml:"voice"`
		LengthSeconds int    `yaml:"length_seconds"`
	} `yaml:"defaults"`
	Providers Providers `yaml:"providers"`
}

// Style describes a visual style preset used for moodboard generation.
type Style struct {
	Description string `yaml:"description"`
	Prompt      string `yaml:"prompt"`
}

// Voice maps a catalog id to the TTS provider's voice identifier.
type Voice struct {
	Description string `yaml:"description"`
	ProviderID  string `yaml:"provider_id"`
}

// Providers holds base URLs for the external services. API keys come from
// the environment, never from config files.
type Providers struct {
	GenerationURL string `yaml:"generation_url"`
	SpeechURL     string `yaml:"speech_url"`
	RenderURL     string `yaml:"render_url"`
	StorageURL    string `yaml:"storage_url"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; run cl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Project.VideoSize == "" {
		return fmt.Errorf("config.project.video_size is required")
	}
	if len(c.Styles) == 0 {
		return fmt.Errorf("config.styles is required")
	}
	for id, s := range c.Styles {
		if id == "" {
			return fmt.Errorf("config.styles contains empty style id")
		}
		if s.Prompt == "" {
			return fmt.Errorf("style %s has empty prompt", id)
		}
	}
	for id, v := range c.Voices {
		if id == "" {
			return fmt.Errorf("config.voices contains empty voice id")
		}
		if v.ProviderID == "" {
			return fmt.Errorf("voice %s has empty provider_id", id)
		}
	}
	if c.Defaults.Style != "" {
		if _, ok := c.Styles[c.Defaults.Style]; !ok {
			return fmt.Errorf("default style %s not in catalog", c.Defaults.Style)
		}
	}
	if c.Defaults.Voice != "" {
		if _, ok := c.Voices[c.Defaults.Voice]; !ok {
			return fmt.Errorf("default voice %s not in catalog", c.Defaults.Voice)
		}
	}
	if c.Defaults.LengthSeconds < 0 {
		return fmt.Errorf("default length_seconds must not be negative")
	}
	return nil
}

// StylePrompt resolves a style id to its prompt modifier, falling back to the
// configured default style.
func (c *Config) StylePrompt(styleID string) string {
	if styleID == "" {
		styleID = c.Defaults.Style
	}
	if s, ok := c.Styles[styleID]; ok {
		return s.Prompt
	}
	return ""
}

// VoiceProviderID resolves a voice catalog id to the provider identifier.
// Unknown ids pass through untouched so raw provider ids keep working.
func (c *Config) VoiceProviderID(voiceID string) string {
	if voiceID == "" {
		voiceID = c.Defaults.Voice
	}
	if v, ok := c.Voices[voiceID]; ok {
		return v.ProviderID
	}
	return voiceID
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "clipline.yml")
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `project:
  platform: tiktok
  video_size: 1080x1920
  format: mp4

styles:
  cinematic:
    description: "Film-grade lighting and composition"
    prompt: "cinematic, dramatic lighting, shallow depth of field, photorealistic, 4K"
  minimal:
    description: "Flat, clean, product-focused"
    prompt: "minimalist, flat design, soft pastel palette, studio lighting"
  vibrant:
    description: "Bold colors for high-energy content"
    prompt: "vibrant saturated colors, dynamic composition, high contrast"
  noir:
    description: "Moody black-and-white"
    prompt: "black and white, film noir, hard shadows, grainy texture"

voices:
  narrator-m:
    description: "Calm male narrator"
    provider_id: "pNInz6obpgDQGcFmaJgB"
  narrator-f:
    description: "Warm female narrator"
    provider_id: "EXAVITQu4vr4xnSDxMaL"
  upbeat:
    description: "Energetic delivery for shorts"
    provider_id: "TxGEqnHWrfWFTfGW9XjX"

defaults:
  style: cinematic
  voice: narrator-m
  length_seconds: 45

providers:
  generation_url: "https://api.generation.example.com"
  speech_url: "https://api.speech.example.com"
  render_url: "https://api.render.example.com"
  storage_url: "https://storage.example.com"
`
