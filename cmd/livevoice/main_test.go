package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/MrWong99/livevoice/internal/config"
)

func TestPrintPersonalities(t *testing.T) {
	t.Parallel()
	cfg := loadYAML(t, "assistant:\n  personality: glados\npersonalities:\n  pirate:\n    name: Pirate\n")

	var buf bytes.Buffer
	printPersonalities(&buf, cfg)
	out := buf.String()

	for _, want := range []string{
		"  assistant: Assistant\n",
		"  glados: GLaDOS [voice effects] (selected)\n",
		"  jarvis: JARVIS\n",
		"  pirate: Pirate\n",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Index(out, "assistant:") > strings.Index(out, "pirate:") {
		t.Errorf("personalities not sorted:\n%s", out)
	}
}

func TestKeepPersonality(t *testing.T) {
	t.Parallel()
	old := loadYAML(t, "assistant:\n  instructions: Be brief.\n")
	cur := loadYAML(t, "assistant:\n  instructions: Be verbose.\n")

	var gotOld, gotCur *config.Config
	apply := keepPersonality("jarvis", func(o, c *config.Config) { gotOld, gotCur = o, c })
	apply(old, cur)

	if gotOld.Assistant.Personality != "jarvis" || gotCur.Assistant.Personality != "jarvis" {
		t.Errorf("personality = %q -> %q; want jarvis on both", gotOld.Assistant.Personality, gotCur.Assistant.Personality)
	}
	if gotCur.Assistant.Instructions != "Be verbose." {
		t.Errorf("instructions = %q; want the reloaded value", gotCur.Assistant.Instructions)
	}
	if cur.Assistant.Personality != "" || old.Assistant.Personality != "" {
		t.Error("reloaded configs modified")
	}
	if d := config.Diff(gotOld, gotCur); !d.SessionChanged {
		t.Error("instruction change lost")
	}
}
