package config

import (
	"fmt"
	"maps"
	"slices"

	"github.com/antzucaro/matchr"
)

// DefaultPersonality is used when assistant.personality is empty.
const DefaultPersonality = "assistant"

// Personality bundles what the model is told with how its replies sound.
type Personality struct {
	// Name is the display name shown by the -l flag.
	Name string `yaml:"name"`

	Instructions     string `yaml:"instructions"`
	ActivationPrompt string `yaml:"activation_prompt"`

	// Voice is the provider voice. Empty keeps provider.voice.
	Voice string `yaml:"voice"`

	// Effects applies the effects section to reply audio.
	Effects bool `yaml:"effects"`
}

const greeting = "Greet the user briefly in your character style."

var builtinPersonalities = map[string]Personality{
	"assistant": {
		Name:         "Assistant",
		Instructions: "You are a friendly voice assistant. Keep answers short and conversational.",
	},
	"glados": {
		Name: "GLaDOS",
		Instructions: "You are GLaDOS, the sardonic AI of a research facility. Help the user, " +
			"but with dry, passive-aggressive wit. Replies are spoken aloud, so keep them short.",
		ActivationPrompt: greeting,
		Effects:          true,
	},
	"jarvis": {
		Name: "JARVIS",
		Instructions: "You are JARVIS, a composed and courteous British AI butler. Be precise " +
			"and concise. Replies are spoken aloud.",
		ActivationPrompt: greeting,
	},
}

// Personalities returns the built-in personalities merged with cfg's own.
// Entries in cfg replace built-ins of the same key.
func (c *Config) Personalities() map[string]Personality {
	all := maps.Clone(builtinPersonalities)
	maps.Copy(all, c.CustomPersonalities)
	return all
}

// PersonalityNames returns the keys of [Config.Personalities], sorted.
func (c *Config) PersonalityNames() []string {
	return slices.Sorted(maps.Keys(c.Personalities()))
}

// Persona returns the selected personality with the explicit assistant and
// provider settings applied on top.
func (c *Config) Persona() (Personality, error) {
	key := c.Assistant.Personality
	if key == "" {
		key = DefaultPersonality
	}
	p, ok := c.Personalities()[key]
	if !ok {
		return Personality{}, unknownPersonality(key, c.PersonalityNames())
	}
	if c.Assistant.Instructions != "" {
		p.Instructions = c.Assistant.Instructions
	}
	if c.Assistant.ActivationPrompt != "" {
		p.ActivationPrompt = c.Assistant.ActivationPrompt
	}
	if c.Provider.Voice != "" {
		p.Voice = c.Provider.Voice
	}
	return p, nil
}

// unknownPersonality names the closest known key.
func unknownPersonality(key string, known []string) error {
	best, bestScore := "", 0.0
	for _, k := range known {
		if score := matchr.JaroWinkler(key, k, false); score > bestScore {
			best, bestScore = k, score
		}
	}
	return fmt.Errorf("assistant.personality %q is unknown (closest %q); known: %v", key, best, known)
}
