package workflow

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// File is one loaded-and-validated workflow file, grounded on station
// loader.go's WorkflowFile (checksum + parsed definition side by side).
type File struct {
	FilePath   string
	Definition *Definition
	RawContent []byte
	Checksum   string
	Issues     []ValidationIssue
}

type LoadResult struct {
	Workflows  []*File
	Errors     []LoadError
	TotalFiles int
}

type LoadError struct {
	FilePath string
	Error    error
}

type Loader struct {
	workflowsDir string
}

func NewLoader(workflowsDir string) *Loader {
	return &Loader{workflowsDir: workflowsDir}
}

// LoadAll scans workflowsDir for *.workflow.{yaml,yml,json} files (station
// loader.go's glob convention) and loads each one independently, collecting
// per-file errors rather than aborting the whole scan.
func (l *Loader) LoadAll() (*LoadResult, error) {
	result := &LoadResult{
		Workflows: []*File{},
		Errors:    []LoadError{},
	}

	if _, err := os.Stat(l.workflowsDir); os.IsNotExist(err) {
		return result, nil
	}

	var allFiles []string
	for _, pattern := range []string{"*.workflow.yaml", "*.workflow.yml", "*.workflow.json"} {
		matches, err := filepath.Glob(filepath.Join(l.workflowsDir, pattern))
		if err != nil {
			return nil, fmt.Errorf("workflow: scan %s: %w", pattern, err)
		}
		allFiles = append(allFiles, matches...)
	}
	result.TotalFiles = len(allFiles)

	for _, filePath := range allFiles {
		wf, err := l.LoadFile(filePath)
		if err != nil {
			result.Errors = append(result.Errors, LoadError{FilePath: filePath, Error: err})
			continue
		}
		result.Workflows = append(result.Workflows, wf)
	}

	return result, nil
}

// LoadFile parses and validates a single workflow file. The document root
// shape distinguishes the two workflow-file forms spec.md §6.1 describes:
// a bare YAML/JSON sequence is the Simple shape (a top-level list of
// steps run in order); a mapping is the MapReduce shape (name/mode/setup/
// map/reduce).
func (l *Loader) LoadFile(filePath string) (*File, error) {
	content, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("workflow: read %s: %w", filePath, err)
	}

	checksum := computeChecksum(content)

	var root interface{}
	if strings.HasSuffix(filePath, ".json") {
		if err := json.Unmarshal(content, &root); err != nil {
			return nil, fmt.Errorf("workflow: parse json %s: %w", filePath, err)
		}
	} else {
		if err := yaml.Unmarshal(content, &root); err != nil {
			return nil, fmt.Errorf("workflow: parse yaml %s: %w", filePath, err)
		}
	}
	root = normalizeYAML(root)

	c := &converter{}
	var def Definition

	switch v := root.(type) {
	case []interface{}:
		rawSteps, err := decodeRawSteps(v)
		if err != nil {
			return nil, fmt.Errorf("workflow: %s: %w", filePath, err)
		}
		def = Definition{
			ID:   extractWorkflowID(filePath),
			Mode: ModeSimple,
			Setup: c.convertSteps(rawSteps, "", false),
		}
	case map[string]interface{}:
		raw, err := decodeRawDefinition(v)
		if err != nil {
			return nil, fmt.Errorf("workflow: %s: %w", filePath, err)
		}
		def = c.convertDefinition(raw)
		def.ID = extractWorkflowID(filePath)
	default:
		return nil, fmt.Errorf("workflow: %s: document root must be a list or an object", filePath)
	}

	if len(c.issues) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrValidation, issuesSummary(c.issues))
	}

	return &File{
		FilePath:   filePath,
		Definition: &def,
		RawContent: content,
		Checksum:   checksum,
		Issues:     c.issues,
	}, nil
}

func issuesSummary(issues []ValidationIssue) string {
	var parts []string
	for _, iss := range issues {
		parts = append(parts, fmt.Sprintf("%s (%s): %s", iss.Path, iss.Code, iss.Message))
	}
	return strings.Join(parts, "; ")
}

// decodeRawSteps round-trips a generic []interface{} through YAML so the
// existing yaml-tagged rawStep struct can decode it, avoiding a second
// hand-written reflective decoder.
func decodeRawSteps(v []interface{}) ([]rawStep, error) {
	buf, err := yaml.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out []rawStep
	if err := yaml.Unmarshal(buf, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func decodeRawDefinition(v map[string]interface{}) (rawDefinition, error) {
	buf, err := yaml.Marshal(v)
	if err != nil {
		return rawDefinition{}, err
	}
	var out rawDefinition
	if err := yaml.Unmarshal(buf, &out); err != nil {
		return rawDefinition{}, err
	}
	return out, nil
}

func extractWorkflowID(filePath string) string {
	base := filepath.Base(filePath)
	for _, suffix := range []string{".workflow.yaml", ".workflow.yml", ".workflow.json"} {
		if strings.HasSuffix(base, suffix) {
			return strings.TrimSuffix(base, suffix)
		}
	}
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func computeChecksum(content []byte) string {
	hash := md5.Sum(content)
	return hex.EncodeToString(hash[:])
}

// normalizeYAML recursively converts yaml.v3's map[string]interface{} (v3
// already decodes mapping keys as strings) plus any nested
// map[interface{}]interface{} left by generic interface{} decoding into
// map[string]interface{}, following station loader.go's convertYAMLToJSON.
func normalizeYAML(input interface{}) interface{} {
	switch v := input.(type) {
	case map[string]interface{}:
		result := make(map[string]interface{}, len(v))
		for key, val := range v {
			result[key] = normalizeYAML(val)
		}
		return result
	case map[interface{}]interface{}:
		result := make(map[string]interface{}, len(v))
		for key, val := range v {
			result[fmt.Sprintf("%v", key)] = normalizeYAML(val)
		}
		return result
	case []interface{}:
		result := make([]interface{}, len(v))
		for i, val := range v {
			result[i] = normalizeYAML(val)
		}
		return result
	default:
		return v
	}
}
