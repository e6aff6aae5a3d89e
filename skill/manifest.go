package skill

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// manifestFrontMatter mirrors the required and optional front-matter keys
// from spec §6's skill manifest format.
type manifestFrontMatter struct {
	Name             string              `yaml:"name"`
	Description      string              `yaml:"description"`
	Requires         []string            `yaml:"requires"`
	Produces         []string            `yaml:"produces"`
	OptionalProduces []string            `yaml:"optional_produces"`
	Executor         string              `yaml:"executor"`
	HITLEnabled      bool                `yaml:"hitl_enabled"`
	Enabled          *bool               `yaml:"enabled"`
	Prompt           string              `yaml:"prompt"`
	SystemPrompt     string              `yaml:"system_prompt"`
	LLMModel         string              `yaml:"llm_model"`
	REST             *restFrontMatter    `yaml:"rest"`
	Action           *actionFrontMatter  `yaml:"action"`
}

type restFrontMatter struct {
	URL     string            `yaml:"url"`
	Method  string            `yaml:"method"`
	Headers map[string]string `yaml:"headers"`
	Timeout time.Duration     `yaml:"timeout"`
}

type actionFrontMatter struct {
	Type       string         `yaml:"type"`
	Module     string         `yaml:"module"`
	Function   string         `yaml:"function"`
	Blocking   bool           `yaml:"blocking"`
	Source     string         `yaml:"source"`
	Query      string         `yaml:"query"`
	Collection string         `yaml:"collection"`
	Filter     map[string]any `yaml:"filter"`
	Credential string         `yaml:"credential_ref"`
	DBConfig   string         `yaml:"db_config_file"`
}

// frontMatterDelimiter is the "---" line used to bound the YAML header in
// a skill manifest (spec §6).
const frontMatterDelimiter = "---"

// parseManifest splits raw into its YAML front matter and Markdown body
// (the body, when present, becomes the default system prompt) and decodes
// the front matter into a Skill.
func parseManifest(raw []byte) (*Skill, error) {
	text := string(raw)
	lines := strings.Split(text, "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) != frontMatterDelimiter {
		return nil, fmt.Errorf("manifest: missing front-matter delimiter")
	}
	end := -1
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == frontMatterDelimiter {
			end = i
			break
		}
	}
	if end < 0 {
		return nil, fmt.Errorf("manifest: unterminated front matter")
	}
	header := strings.Join(lines[1:end], "\n")
	body := strings.TrimSpace(strings.Join(lines[end+1:], "\n"))

	var fm manifestFrontMatter
	if err := yaml.Unmarshal([]byte(header), &fm); err != nil {
		return nil, fmt.Errorf("manifest: invalid front matter: %w", err)
	}
	if fm.Name == "" {
		return nil, fmt.Errorf("manifest: name is required")
	}
	if fm.Description == "" {
		return nil, fmt.Errorf("manifest: description is required")
	}

	s := &Skill{
		Name:             fm.Name,
		Description:      fm.Description,
		Requires:         fm.Requires,
		Produces:         fm.Produces,
		OptionalProduces: fm.OptionalProduces,
		Executor:         ExecutorKind(fm.Executor),
		HITLEnabled:      fm.HITLEnabled,
		Enabled:          true,
		Prompt:           fm.Prompt,
		SystemPrompt:     body,
		LLMModel:         fm.LLMModel,
	}
	if fm.Enabled != nil {
		s.Enabled = *fm.Enabled
	}
	if s.Executor == "" {
		s.Executor = ExecutorLLM
	}
	if fm.SystemPrompt != "" {
		s.SystemPrompt = fm.SystemPrompt
	}
	if fm.REST != nil {
		s.RESTConfig = &RESTConfig{
			URL:     fm.REST.URL,
			Method:  fm.REST.Method,
			Headers: fm.REST.Headers,
			Timeout: fm.REST.Timeout,
		}
	}
	if fm.Action != nil {
		ac := &ActionConfig{Type: ActionType(fm.Action.Type)}
		switch ac.Type {
		case ActionFunction:
			ac.Function = &FunctionConfig{
				Module:   fm.Action.Module,
				Function: fm.Action.Function,
				Blocking: fm.Action.Blocking,
			}
		case ActionQuery:
			ac.Query = &QueryConfig{
				Source:        DataSource(fm.Action.Source),
				Query:         fm.Action.Query,
				Collection:    fm.Action.Collection,
				Filter:        fm.Action.Filter,
				CredentialRef: fm.Action.Credential,
				DBConfigFile:  fm.Action.DBConfig,
			}
		}
		s.ActionConfig = ac
	}
	return s, nil
}

// LoadFilesystemSkills walks dir, where each immediate subdirectory is a
// skill: a manifest file (manifest.yaml/manifest.yml/manifest.md), an
// optional prompt.md override, an optional action code file, and an
// optional transforms file (spec §4.1). A malformed skill is logged and
// skipped; the caller continues with the rest.
func LoadFilesystemSkills(dir string, onError func(dirName string, err error)) ([]*Skill, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []*Skill
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		skillDir := filepath.Join(dir, e.Name())
		manifestPath := findManifestFile(skillDir)
		if manifestPath == "" {
			continue
		}
		raw, err := os.ReadFile(manifestPath)
		if err != nil {
			if onError != nil {
				onError(e.Name(), err)
			}
			continue
		}
		s, err := parseManifest(raw)
		if err != nil {
			if onError != nil {
				onError(e.Name(), err)
			}
			continue
		}
		if promptOverride, err := os.ReadFile(filepath.Join(skillDir, "prompt.md")); err == nil {
			s.Prompt = string(promptOverride)
		}
		s.ModuleName = "fs." + s.Name
		out = append(out, s)
	}
	return out, nil
}

func findManifestFile(skillDir string) string {
	for _, name := range []string{"manifest.yaml", "manifest.yml", "manifest.md"} {
		p := filepath.Join(skillDir, name)
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p
		}
	}
	return ""
}

// ActionCodeFileName returns the conventional sibling file name that holds
// a skill's inline action code, when present.
func ActionCodeFileName(skillDir string) string {
	return filepath.Join(skillDir, "action.go.src")
}

// TransformsFileName returns the conventional sibling file name that holds
// a skill's pipeline transform helper functions, when present.
func TransformsFileName(skillDir string) string {
	return filepath.Join(skillDir, "transforms.go.src")
}
