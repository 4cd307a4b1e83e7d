package domain

import "fmt"

// CommandRequest is a client-issued command. RequestID is client-generated
// and echoed back on the result for correlation.
type CommandRequest struct {
	RequestID  string                 `json:"request_id"`
	Command    string                 `json:"command"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
	Origin     SessionID              `json:"-"`
}

type ErrorKind string

const (
	ErrorKindNone                   ErrorKind = ""
	ErrorKindUnknownCommand         ErrorKind = "UnknownCommand"
	ErrorKindInsufficientPermission ErrorKind = "InsufficientPermission"
	ErrorKindInvalidParameters      ErrorKind = "InvalidParameters"
	ErrorKindTimeout                ErrorKind = "Timeout"
	ErrorKindExecutionFailed        ErrorKind = "ExecutionFailed"
)

// CommandResult is the single terminal outcome of an accepted request,
// delivered only to the originating session.
type CommandResult struct {
	RequestID string    `json:"request_id"`
	Success   bool      `json:"success"`
	Output    string    `json:"output,omitempty"`
	ErrorKind ErrorKind `json:"error_kind,omitempty"`
}

type ParamType string

const (
	ParamString ParamType = "string"
	ParamNumber ParamType = "number"
	ParamBool   ParamType = "bool"
)

type ParamSpec struct {
	Name     string    `yaml:"name" json:"name"`
	Type     ParamType `yaml:"type" json:"type"`
	Required bool      `yaml:"required" json:"required"`
}

// CommandPolicy declares who may run a command and the shape of its
// parameters.
type CommandPolicy struct {
	RequiredLevel PermissionLevel
	Params        []ParamSpec
}

// PolicyTable maps command name to its policy. The table is loaded once at
// startup and replaced atomically on reload, never mutated in place.
type PolicyTable map[string]CommandPolicy

func (t PolicyTable) Validate() error {
	for name, policy := range t {
		if name == "" {
			return fmt.Errorf("policy table contains empty command name")
		}
		if policy.RequiredLevel != LevelUser && policy.RequiredLevel != LevelAdmin {
			return fmt.Errorf("command %q: invalid required level %d", name, policy.RequiredLevel)
		}
		seen := make(map[string]bool, len(policy.Params))
		for _, p := range policy.Params {
			if p.Name == "" {
				return fmt.Errorf("command %q: parameter with empty name", name)
			}
			if seen[p.Name] {
				return fmt.Errorf("command %q: duplicate parameter %q", name, p.Name)
			}
			seen[p.Name] = true
			switch p.Type {
			case ParamString, ParamNumber, ParamBool:
			default:
				return fmt.Errorf("command %q: parameter %q has invalid type %q", name, p.Name, p.Type)
			}
		}
	}
	return nil
}

// CheckParams validates the request parameters against the declared specs.
func (p CommandPolicy) CheckParams(params map[string]interface{}) error {
	specs := make(map[string]ParamSpec, len(p.Params))
	for _, spec := range p.Params {
		specs[spec.Name] = spec
		if spec.Required {
			if _, ok := params[spec.Name]; !ok {
				return fmt.Errorf("%w: missing required parameter %q", ErrInvalidParameters, spec.Name)
			}
		}
	}
	for name, value := range params {
		spec, ok := specs[name]
		if !ok {
			return fmt.Errorf("%w: unexpected parameter %q", ErrInvalidParameters, name)
		}
		switch spec.Type {
		case ParamString:
			if _, ok := value.(string); !ok {
				return fmt.Errorf("%w: parameter %q must be a string", ErrInvalidParameters, name)
			}
		case ParamNumber:
			switch value.(type) {
			case float64, float32, int, int64:
			default:
				return fmt.Errorf("%w: parameter %q must be a number", ErrInvalidParameters, name)
			}
		case ParamBool:
			if _, ok := value.(bool); !ok {
				return fmt.Errorf("%w: parameter %q must be a boolean", ErrInvalidParameters, name)
			}
		}
	}
	return nil
}
