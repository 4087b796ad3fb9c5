package workflow

import (
	"fmt"
	"strconv"
	"time"

	"conductor/internal/agent"
	"conductor/internal/datapipeline"
	"conductor/internal/logging"
	"conductor/internal/step"
)

// rawStep mirrors the YAML/JSON step envelope (spec.md §3 "Step"). Exactly
// one of Shell/Agent/Nested should be set; Command is a deprecated synonym
// for Shell, normalized during conversion with a logged warning, and Test is a
// deprecated step type that is rejected.
type rawStep struct {
	Name string `yaml:"name"`

	Shell   string    `yaml:"shell"`
	Command string    `yaml:"command"` // deprecated synonym for shell, normalized with a warning
	Agent   string    `yaml:"agent"`
	Nested  []rawStep `yaml:"nested"`

	Test string `yaml:"test"` // deprecated step type, rejected

	Capture        string   `yaml:"capture"`
	CaptureFormat  string   `yaml:"capture_format"`
	CaptureStreams []string `yaml:"capture_streams"`

	Env            map[string]string `yaml:"env"`
	Timeout        string            `yaml:"timeout"`
	CommitRequired bool              `yaml:"commit_required"`
	When           string            `yaml:"when"`

	OnSuccess  *rawStep            `yaml:"on_success"`
	OnFailure  *rawOnFailure       `yaml:"on_failure"`
	OnExitCode map[string]*rawStep `yaml:"on_exit_code"`

	Validate     *rawValidate     `yaml:"validate"`
	StepValidate *rawStepValidate `yaml:"step_validate"`

	// Commands is the legacy nested-list shape this spec's loader rejects
	// inside agent_template/reduce unless the caller opts out (spec.md §6.1).
	Commands []rawStep `yaml:"commands"`
}

type rawOnFailure struct {
	Steps       []rawStep `yaml:"steps"`
	MaxAttempts int       `yaml:"max_attempts"`
	// FailWorkflow is a pointer so presence (even false) is detectable and
	// rejected: spec.md §4.6/§6.1 deprecate this field outright.
	FailWorkflow *bool  `yaml:"fail_workflow"`
	Prompt       string `yaml:"prompt"`
}

type rawValidate struct {
	Command      string           `yaml:"command"`
	Commands     []string         `yaml:"commands"`
	ResultFile   string           `yaml:"result_file"`
	Threshold    float64          `yaml:"threshold"`
	OnIncomplete *rawOnIncomplete `yaml:"on_incomplete"`
	ResultSchema string           `yaml:"result_schema"`
}

type rawOnIncomplete struct {
	Command      string   `yaml:"command"` // legacy single-command form
	Commands     []string `yaml:"commands"`
	MaxAttempts  int      `yaml:"max_attempts"`
	FailWorkflow bool     `yaml:"fail_workflow"`
}

type rawStepValidate struct {
	Commands                []string `yaml:"commands"`
	IgnoreValidationFailure bool     `yaml:"ignore_validation_failure"`
	ValidationTimeout       float64  `yaml:"validation_timeout"` // seconds
	SkipValidation          bool     `yaml:"skip_validation"`
}

type rawSortClause struct {
	Field string `yaml:"field"`
	Desc  bool   `yaml:"desc"`
}

type rawMapConfig struct {
	Input             string          `yaml:"input"`
	JSONPath          string          `yaml:"json_path"`
	Filter            string          `yaml:"filter"`
	SortBy            []rawSortClause `yaml:"sort_by"`
	MaxItems          int             `yaml:"max_items"`
	Offset            int             `yaml:"offset"`
	MaxParallel       int             `yaml:"max_parallel"`
	AgentTimeout      string          `yaml:"agent_timeout"`
	RetryOnFailure    int             `yaml:"retry_on_failure"`
	ContinueOnFailure *bool           `yaml:"continue_on_failure"`
	BatchSize         int             `yaml:"batch_size"`
	AgentTemplate     []rawStep       `yaml:"agent_template"`

	// TimeoutPerAgent is the deprecated predecessor of AgentTimeout
	// (spec.md §6.1), rejected with a migration hint.
	TimeoutPerAgent string `yaml:"timeout_per_agent"`
}

type rawDefinition struct {
	Name string        `yaml:"name"`
	Mode string        `yaml:"mode"`
	Setup []rawStep    `yaml:"setup"`
	Map   *rawMapConfig `yaml:"map"`
	Reduce []rawStep   `yaml:"reduce"`

	// RetryOnFailure at the top level is the deprecated "wrong level"
	// placement spec.md §6.1 calls out; the correct location is map.retry_on_failure.
	RetryOnFailure *int `yaml:"retry_on_failure"`
}

// converter accumulates validation issues while converting the raw YAML tree
// into the Definition/step.Step model, mirroring station validator.go's
// accumulate-then-report style rather than failing on the first problem.
type converter struct {
	issues []ValidationIssue
}

func (c *converter) reject(code, path, message, hint string) {
	c.issues = append(c.issues, ValidationIssue{Code: code, Path: path, Message: message, Hint: hint})
}

func (c *converter) convertDefinition(raw rawDefinition) Definition {
	def := Definition{Name: raw.Name, Mode: ModeMapReduce}

	if raw.Mode == "" || raw.Mode == string(ModeMapReduce) {
		def.Mode = ModeMapReduce
	} else {
		def.Mode = Mode(raw.Mode)
	}

	if raw.RetryOnFailure != nil {
		c.reject("DEPRECATED_RETRY_ON_FAILURE_LEVEL", "/retry_on_failure",
			"retry_on_failure at the workflow's top level is deprecated",
			"Move retry_on_failure under map: (map.retry_on_failure).")
	}

	def.Setup = c.convertSteps(raw.Setup, "/setup", false)

	if raw.Map != nil {
		def.Map = c.convertMapConfig(*raw.Map)
	}

	def.Reduce = c.convertSteps(raw.Reduce, "/reduce", true)

	return def
}

func (c *converter) convertMapConfig(raw rawMapConfig) *MapConfig {
	mc := &MapConfig{
		Input:       raw.Input,
		JSONPath:    raw.JSONPath,
		Filter:      raw.Filter,
		MaxItems:    raw.MaxItems,
		Offset:      raw.Offset,
		MaxParallel: raw.MaxParallel,
		RetryOnFailure: raw.RetryOnFailure,
		BatchSize:   raw.BatchSize,
	}

	if raw.ContinueOnFailure != nil {
		mc.ContinueOnFailure = *raw.ContinueOnFailure
	} else {
		mc.ContinueOnFailure = true
	}

	if raw.TimeoutPerAgent != "" {
		c.reject("DEPRECATED_TIMEOUT_PER_AGENT", "/map/timeout_per_agent",
			"timeout_per_agent is deprecated",
			"Use map.agent_timeout instead.")
	}

	if raw.AgentTimeout != "" {
		d, err := parseDuration(raw.AgentTimeout)
		if err != nil {
			c.reject("INVALID_AGENT_TIMEOUT", "/map/agent_timeout",
				fmt.Sprintf("agent_timeout %q is not a valid duration", raw.AgentTimeout),
				"Use a Go duration string, e.g. \"5m\" or \"300s\".")
		} else {
			mc.AgentTimeout = d
		}
	}

	for _, sb := range raw.SortBy {
		mc.SortBy = append(mc.SortBy, datapipeline.SortClause{Field: sb.Field, Desc: sb.Desc})
	}

	mc.AgentTemplate = c.convertSteps(raw.AgentTemplate, "/map/agent_template", true)

	return mc
}

// convertSteps converts a raw step list; rejectLegacyCommands controls
// whether a `commands:` nesting inside this list (legacy shape, spec.md
// §6.1) is rejected rather than silently flattened.
func (c *converter) convertSteps(raw []rawStep, path string, rejectLegacyCommands bool) []step.Step {
	out := make([]step.Step, 0, len(raw))
	for i, rs := range raw {
		out = append(out, c.convertStep(rs, fmt.Sprintf("%s/%d", path, i), rejectLegacyCommands))
	}
	return out
}

func (c *converter) convertStep(raw rawStep, path string, rejectLegacyCommands bool) step.Step {
	st := step.Step{
		Name:           raw.Name,
		Capture:        raw.Capture,
		CaptureFormat:  agent.CaptureFormat(raw.CaptureFormat),
		Env:            raw.Env,
		CommitRequired: raw.CommitRequired,
		When:           raw.When,
	}

	if len(raw.CaptureStreams) > 0 {
		st.CaptureStreams = make(map[string]bool, len(raw.CaptureStreams))
		for _, s := range raw.CaptureStreams {
			st.CaptureStreams[s] = true
		}
	}

	if raw.Timeout != "" {
		d, err := parseDuration(raw.Timeout)
		if err != nil {
			c.reject("INVALID_TIMEOUT", path+"/timeout",
				fmt.Sprintf("timeout %q is not a valid duration", raw.Timeout),
				"Use a Go duration string, e.g. \"30s\".")
		} else {
			st.Timeout = d
		}
	}

	if raw.Test != "" {
		c.reject("DEPRECATED_TEST_COMMAND_TYPE", path+"/test",
			"the test: command type is deprecated",
			"Use shell: instead of test:.")
		if raw.Shell == "" {
			raw.Shell = raw.Test
		}
	}

	shell := raw.Shell
	if shell == "" && raw.Command != "" {
		logging.Info("workflow: %s/command: command: is a deprecated synonym for shell:; rename it to shell:", path)
		shell = raw.Command
	}

	if len(raw.Commands) > 0 {
		if rejectLegacyCommands {
			c.reject("LEGACY_COMMANDS_NESTING", path+"/commands",
				"nested commands: lists inside agent_template/reduce are legacy",
				"Use nested: with an ordered step list instead of commands:.")
		}
		st.Kind = step.KindNested
		st.Nested = c.convertSteps(raw.Commands, path+"/commands", false)
	} else if len(raw.Nested) > 0 {
		st.Kind = step.KindNested
		st.Nested = c.convertSteps(raw.Nested, path+"/nested", false)
	} else if raw.Agent != "" {
		st.Kind = step.KindAgent
		st.Agent = raw.Agent
	} else {
		if shell == "" {
			c.reject("EMPTY_STEP", path,
				"step has none of shell:, agent:, nested:",
				"Give the step a shell:, agent: or nested: field.")
		}
		st.Kind = step.KindShell
		st.Shell = shell
	}

	if raw.OnSuccess != nil {
		sub := c.convertStep(*raw.OnSuccess, path+"/on_success", false)
		st.OnSuccess = &sub
	}

	if raw.OnFailure != nil {
		st.OnFailure = c.convertOnFailure(*raw.OnFailure, path+"/on_failure")
	}

	if len(raw.OnExitCode) > 0 {
		st.OnExitCode = make(map[int]*step.Step, len(raw.OnExitCode))
		for codeStr, sub := range raw.OnExitCode {
			code, err := strconv.Atoi(codeStr)
			if err != nil {
				c.reject("INVALID_EXIT_CODE_KEY", path+"/on_exit_code/"+codeStr,
					fmt.Sprintf("on_exit_code key %q is not an integer", codeStr),
					"Use numeric exit code keys, e.g. on_exit_code: { \"2\": ... }.")
				continue
			}
			converted := c.convertStep(*sub, fmt.Sprintf("%s/on_exit_code/%d", path, code), false)
			st.OnExitCode[code] = &converted
		}
	}

	if raw.Validate != nil {
		st.Validate = c.convertValidate(*raw.Validate)
	}

	if raw.StepValidate != nil {
		st.StepValidate = &step.StepValidate{
			Commands:                raw.StepValidate.Commands,
			IgnoreValidationFailure: raw.StepValidate.IgnoreValidationFailure,
			ValidationTimeout:       time.Duration(raw.StepValidate.ValidationTimeout * float64(time.Second)),
			SkipValidation:          raw.StepValidate.SkipValidation,
		}
	}

	return st
}

func (c *converter) convertOnFailure(raw rawOnFailure, path string) *step.OnFailure {
	if raw.FailWorkflow != nil {
		c.reject("DEPRECATED_ON_FAILURE_FAIL_WORKFLOW", path+"/fail_workflow",
			"on_failure.fail_workflow is deprecated",
			"Remove fail_workflow; an unhandled step failure already propagates per continue_on_failure.")
	}
	return &step.OnFailure{
		Steps:       c.convertSteps(raw.Steps, path+"/steps", false),
		MaxAttempts: raw.MaxAttempts,
		Prompt:      raw.Prompt,
	}
}

func (c *converter) convertValidate(raw rawValidate) *step.Validate {
	v := &step.Validate{
		Command:      raw.Command,
		Commands:     raw.Commands,
		ResultFile:   raw.ResultFile,
		Threshold:    raw.Threshold,
		ResultSchema: raw.ResultSchema,
	}
	if raw.OnIncomplete != nil {
		commands := raw.OnIncomplete.Commands
		if len(commands) == 0 && raw.OnIncomplete.Command != "" {
			commands = []string{raw.OnIncomplete.Command}
		}
		v.OnIncomplete = &step.OnIncomplete{
			Commands:     commands,
			MaxAttempts:  raw.OnIncomplete.MaxAttempts,
			FailWorkflow: raw.OnIncomplete.FailWorkflow,
		}
	}
	return v
}

func parseDuration(s string) (time.Duration, error) {
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	return 0, fmt.Errorf("not a valid duration: %q", s)
}
