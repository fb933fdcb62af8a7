package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/wooster-ai/wooster/runtime/config"
)

// defaultSystemPrompt is used when no base prompt file is configured or the
// file is absent. Plugins extend it through supplement files.
const defaultSystemPrompt = `You are Wooster, a personal assistant with durable memory.
You have access to tools for searching the user's knowledge base, taking
notes, scheduling reminders and reaching external services. Prefer looking
facts up over guessing. When you schedule or record something, confirm what
you did in one short sentence.`

// AssemblePrompt builds the system prompt: the base prompt file (or the
// built-in default), followed by every supplement file in the supplement
// directory in lexicographic filename order. Supplements let plugins add
// standing instructions without touching the base prompt.
func AssemblePrompt(cfg config.Prompts) (string, error) {
	base := defaultSystemPrompt
	if cfg.BaseFile != "" {
		data, err := os.ReadFile(cfg.BaseFile)
		switch {
		case err == nil:
			base = strings.TrimSpace(string(data))
		case os.IsNotExist(err):
			// Built-in default stands in.
		default:
			return "", fmt.Errorf("read base prompt %s: %w", cfg.BaseFile, err)
		}
	}

	parts := []string{base}
	if cfg.SupplementDir != "" {
		entries, err := os.ReadDir(cfg.SupplementDir)
		if err != nil && !os.IsNotExist(err) {
			return "", fmt.Errorf("read supplement dir %s: %w", cfg.SupplementDir, err)
		}
		var names []string
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
				continue
			}
			names = append(names, e.Name())
		}
		sort.Strings(names)
		for _, name := range names {
			data, err := os.ReadFile(filepath.Join(cfg.SupplementDir, name))
			if err != nil {
				return "", fmt.Errorf("read supplement %s: %w", name, err)
			}
			if text := strings.TrimSpace(string(data)); text != "" {
				parts = append(parts, text)
			}
		}
	}
	return strings.Join(parts, "\n\n"), nil
}
