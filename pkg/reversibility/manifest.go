package reversibility

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Mindburn-Labs/agent-hypervisor/pkg/contracts"
)

// APIVersion is the capability-manifest API version this runtime implements.
const APIVersion = "1.2.0"

var ErrManifestIncompatible = errors.New("manifest requires an incompatible runtime version")

const manifestSchemaURL = "https://agent-hypervisor.schemas.local/manifest.schema.json"

const manifestSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["agent_did", "actions"],
  "properties": {
    "agent_did": {"type": "string", "minLength": 1},
    "requires": {"type": "string"},
    "actions": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["action_id", "execute_api", "reversibility"],
        "properties": {
          "action_id": {"type": "string", "minLength": 1},
          "name": {"type": "string"},
          "execute_api": {"type": "string", "minLength": 1},
          "undo_api": {"type": "string"},
          "reversibility": {"enum": ["full", "partial", "none"]},
          "undo_window": {"type": "string"},
          "compensation_method": {"type": "string"},
          "is_read_only": {"type": "boolean"},
          "is_admin": {"type": "boolean"},
          "risk_weight": {"type": "number", "minimum": 0, "maximum": 1}
        },
        "additionalProperties": false
      }
    }
  }
}`

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func manifestValidator() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource(manifestSchemaURL, strings.NewReader(manifestSchema)); err != nil {
			schemaErr = fmt.Errorf("manifest schema load failed: %w", err)
			return
		}
		compiledSchema, schemaErr = c.Compile(manifestSchemaURL)
	})
	return compiledSchema, schemaErr
}

// Manifest is an agent's declared capability set.
type Manifest struct {
	AgentDID string                       `json:"agent_did"`
	Requires string                       `json:"requires,omitempty"`
	Actions  []contracts.ActionDescriptor `json:"-"`
}

type wireAction struct {
	ActionID           string  `json:"action_id"`
	Name               string  `json:"name"`
	ExecuteAPI         string  `json:"execute_api"`
	UndoAPI            string  `json:"undo_api"`
	Reversibility      string  `json:"reversibility"`
	UndoWindow         string  `json:"undo_window"`
	CompensationMethod string  `json:"compensation_method"`
	IsReadOnly         bool    `json:"is_read_only"`
	IsAdmin            bool    `json:"is_admin"`
	RiskWeight         float64 `json:"risk_weight"`
}

// ParseManifest validates a JSON capability manifest and converts it into
// action descriptors. undo_window uses Go duration syntax ("15m").
func ParseManifest(data []byte) (*Manifest, error) {
	schema, err := manifestValidator()
	if err != nil {
		return nil, err
	}

	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if err := schema.Validate(generic); err != nil {
		return nil, fmt.Errorf("manifest schema validation failed: %w", err)
	}

	var wire struct {
		AgentDID string       `json:"agent_did"`
		Requires string       `json:"requires"`
		Actions  []wireAction `json:"actions"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}

	if err := checkCompatible(wire.Requires); err != nil {
		return nil, err
	}

	m := &Manifest{AgentDID: wire.AgentDID, Requires: wire.Requires}
	for _, a := range wire.Actions {
		var window time.Duration
		if a.UndoWindow != "" {
			window, err = time.ParseDuration(a.UndoWindow)
			if err != nil {
				return nil, fmt.Errorf("action %q: undo_window: %w", a.ActionID, err)
			}
		}
		m.Actions = append(m.Actions, contracts.ActionDescriptor{
			ActionID:           a.ActionID,
			Name:               a.Name,
			ExecuteAPI:         a.ExecuteAPI,
			UndoAPI:            a.UndoAPI,
			Reversibility:      contracts.ReversibilityLevel(a.Reversibility),
			UndoWindow:         window,
			CompensationMethod: a.CompensationMethod,
			IsReadOnly:         a.IsReadOnly,
			IsAdmin:            a.IsAdmin,
			RiskWeight:         a.RiskWeight,
		})
	}
	return m, nil
}

func checkCompatible(requires string) error {
	if requires == "" {
		return nil
	}
	constraint, err := semver.NewConstraint(requires)
	if err != nil {
		return fmt.Errorf("manifest requires %q: %w", requires, err)
	}
	if !constraint.Check(semver.MustParse(APIVersion)) {
		return fmt.Errorf("%w: %q does not admit %s", ErrManifestIncompatible, requires, APIVersion)
	}
	return nil
}

// RegisterManifest registers every action the manifest declares under its agent.
func (r *Registry) RegisterManifest(m *Manifest) error {
	if m == nil {
		return fmt.Errorf("%w: nil manifest", ErrInvalidActionDef)
	}
	return r.RegisterAll(m.AgentDID, m.Actions)
}
