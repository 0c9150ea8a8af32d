// Package config loads the conversation-flow configuration: communication
// channels with their writing rules, and case categories with instructions,
// handoff conditions, and the tool-agent actions each category is allowed to
// use.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

type Text struct {
	Text string `json:"text"`
}

type ChannelType struct {
	Name string `json:"name"`
}

type Channel struct {
	ChannelTypeID string      `json:"channelTypeId"`
	ChannelType   ChannelType `json:"channelType"`
	Instructions  Text        `json:"instructions"`
}

type ActionRef struct {
	ID string `json:"id"`
}

type CategoryInstructions struct {
	Text    string      `json:"text"`
	Actions []ActionRef `json:"actions"`
}

type CaseCategory struct {
	Name              string               `json:"name"`
	Description       string               `json:"description"`
	Instructions      CategoryInstructions `json:"instructions"`
	HandoffConditions Text                 `json:"handoffConditions"`
}

type Config struct {
	Channels       []Channel      `json:"channels"`
	CaseCategories []CaseCategory `json:"caseCategories"`
}

func Load(path string) (Config, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return Config{}, fmt.Errorf("config path is required")
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to resolve config path: %w", err)
	}
	data, err := os.ReadFile(absPath)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file %q: %w", absPath, err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config file %q as JSON: %w", absPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config file %q: %w", absPath, err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if len(c.CaseCategories) == 0 {
		return fmt.Errorf("at least one case category is required")
	}
	seen := map[string]bool{}
	for _, category := range c.CaseCategories {
		name := strings.TrimSpace(category.Name)
		if name == "" {
			return fmt.Errorf("case category with empty name")
		}
		if category.Description == "" {
			return fmt.Errorf("case category %q has no description", category.Name)
		}
		key := strings.ToLower(name)
		if seen[key] {
			return fmt.Errorf("duplicate case category %q", category.Name)
		}
		seen[key] = true
	}
	for _, channel := range c.Channels {
		if channel.ChannelTypeID == "" {
			return fmt.Errorf("channel with empty channelTypeId")
		}
	}
	return nil
}

// ChannelByTypeID returns the channel configured for the given type id.
func (c Config) ChannelByTypeID(channelTypeID string) (Channel, bool) {
	for _, channel := range c.Channels {
		if channel.ChannelTypeID == channelTypeID {
			return channel, true
		}
	}
	return Channel{}, false
}

// CategoryPrompt assembles a case agent's base instructions from its category
// configuration and the channel it is answering on.
func CategoryPrompt(category CaseCategory, channel Channel) string {
	var sb strings.Builder
	sb.WriteString(category.Instructions.Text)
	if category.HandoffConditions.Text != "" {
		sb.WriteString("\n\nHand the conversation back to your supervisor when: ")
		sb.WriteString(category.HandoffConditions.Text)
	}
	if channel.ChannelType.Name != "" {
		fmt.Fprintf(&sb, "\n\nYou are answering on the %s channel.", channel.ChannelType.Name)
	}
	if channel.Instructions.Text != "" {
		fmt.Fprintf(&sb, " Channel rules: %s", channel.Instructions.Text)
	}
	return sb.String()
}
