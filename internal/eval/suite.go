// Package eval loads task suites, runs them through the rollout engine and
// reports aggregate metrics.
package eval

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	jsoniter "github.com/json-iterator/go"
	"github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v3"

	"github.com/xkilldash9x/repoagent/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const defaultSuiteName = "unnamed"

var (
	suiteValidate     *validator.Validate
	suiteValidateOnce sync.Once
)

func getValidator() *validator.Validate {
	suiteValidateOnce.Do(func() {
		suiteValidate = validator.New()
	})
	return suiteValidate
}

// rawSuite keeps tasks as maps so defaults can be merged key by key.
type rawSuite struct {
	Name        string                   `json:"name" yaml:"name"`
	Description string                   `json:"description" yaml:"description"`
	Defaults    map[string]interface{}   `json:"defaults" yaml:"defaults"`
	Tasks       []map[string]interface{} `json:"tasks" yaml:"tasks"`
}

// LoadSuite reads a suite from a JSON or YAML file, chosen by extension.
func LoadSuite(path string) (*schemas.Suite, error) {
	expanded, err := homedir.Expand(path)
	if err != nil {
		return nil, fmt.Errorf("failed to expand suite path: %w", err)
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		return nil, fmt.Errorf("failed to read suite %s: %w", path, err)
	}
	return ParseSuite(data, isYAML(expanded))
}

// ParseSuite decodes a suite document. Task fields override suite defaults;
// metadata maps are merged rather than replaced.
func ParseSuite(data []byte, asYAML bool) (*schemas.Suite, error) {
	var raw rawSuite
	if asYAML {
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("failed to parse suite YAML: %w", err)
		}
	} else if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse suite JSON: %w", err)
	}

	suite := &schemas.Suite{
		Name:        raw.Name,
		Description: raw.Description,
		Defaults:    raw.Defaults,
		Tasks:       make([]schemas.TaskSpec, 0, len(raw.Tasks)),
	}
	if suite.Name == "" {
		suite.Name = defaultSuiteName
	}

	seen := make(map[string]int, len(raw.Tasks))
	for i, t := range raw.Tasks {
		task, err := decodeTask(mergeDefaults(raw.Defaults, t))
		if err != nil {
			return nil, fmt.Errorf("task %d: %w", i, err)
		}
		if prev, dup := seen[task.TaskID]; dup {
			return nil, fmt.Errorf("task %d: duplicate task_id %q (first seen at task %d)", i, task.TaskID, prev)
		}
		seen[task.TaskID] = i
		suite.Tasks = append(suite.Tasks, task)
	}

	if err := getValidator().Struct(suite); err != nil {
		return nil, fmt.Errorf("invalid suite: %w", err)
	}
	return suite, nil
}

// SaveSuite writes suite as JSON or YAML, chosen by extension.
func SaveSuite(suite *schemas.Suite, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create suite directory: %w", err)
	}
	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(suite)
	} else {
		data, err = json.MarshalIndent(suite, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to encode suite: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

func mergeDefaults(defaults, task map[string]interface{}) map[string]interface{} {
	merged := make(map[string]interface{}, len(defaults)+len(task))
	for k, v := range defaults {
		merged[k] = v
	}
	for k, v := range task {
		if k == "metadata" {
			if base, ok := merged[k].(map[string]interface{}); ok {
				if over, ok := v.(map[string]interface{}); ok {
					m := make(map[string]interface{}, len(base)+len(over))
					for mk, mv := range base {
						m[mk] = mv
					}
					for mk, mv := range over {
						m[mk] = mv
					}
					merged[k] = m
					continue
				}
			}
		}
		merged[k] = v
	}
	return merged
}

// decodeTask converts a merged task map. test_cmd may be a string or a list.
func decodeTask(m map[string]interface{}) (schemas.TaskSpec, error) {
	if list, ok := m["test_cmd"].([]interface{}); ok {
		parts := make([]string, 0, len(list))
		for _, p := range list {
			parts = append(parts, fmt.Sprint(p))
		}
		m["test_cmd"] = strings.Join(parts, " ")
	}

	b, err := json.Marshal(m)
	if err != nil {
		return schemas.TaskSpec{}, fmt.Errorf("failed to encode task: %w", err)
	}
	var task schemas.TaskSpec
	if err := json.Unmarshal(b, &task); err != nil {
		return schemas.TaskSpec{}, fmt.Errorf("failed to decode task: %w", err)
	}
	if task.Metadata == nil {
		task.Metadata = map[string]interface{}{}
	}
	if err := getValidator().Struct(task); err != nil {
		return schemas.TaskSpec{}, fmt.Errorf("invalid task %q: %w", task.TaskID, err)
	}
	return task, nil
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}
