// Package automation defines the persisted automation step graph and its
// interpretation rules: trigger matching, flow edges and condition branches.
// The graph is stored as JSON and addressed by string step ids, so edges are
// ids rather than pointers.
package automation

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Step types
const (
	StepTrigger   = "trigger"
	StepWait      = "wait"
	StepCondition = "condition"
	StepAction    = "action"
)

// Trigger kinds
const (
	TriggerFormSubmitted     = "trigger.form_submitted"
	TriggerEmailOpen         = "trigger.email_open"
	TriggerLinkClick         = "trigger.link_click"
	TriggerTagAdded          = "trigger.tag_added"
	TriggerTagRemoved        = "trigger.tag_removed"
	TriggerListJoined        = "trigger.list_joined"
	TriggerListLeft          = "trigger.list_left"
	TriggerPageVisited       = "trigger.page_visited"
	TriggerPurchase          = "trigger.purchase"
	TriggerPurchaseUpgraded  = "trigger.purchase_upgraded"
	TriggerPurchaseCancelled = "trigger.purchase_cancelled"
)

// Condition kinds
const (
	CondLeadScore      = "condition.lead_score"
	CondLifecycleStage = "condition.lifecycle_stage"
	CondLastOpenDays   = "condition.last_open_days"
	CondHasTag         = "condition.has_tag"
)

// Action kinds
const (
	ActionSendEmail   = "action.send_email"
	ActionUpdateField = "action.update_field"
	ActionNotify      = "action.notify"
)

// Step is one node of an automation. The Config carries the kind, the flow
// edges and the kind-specific parameters; unknown parameters round-trip so
// admin UIs can keep writing fields this engine does not read.
type Step struct {
	ID     string `json:"id"`
	Type   string `json:"type"`
	Config Config `json:"config"`
}

// Config is the step configuration bag. Kind selects the behavior within a
// step type; Next/NextYes/NextNo are step ids.
type Config struct {
	Kind    string
	Next    string
	NextYes string
	NextNo  string

	params map[string]json.RawMessage
}

// NewConfig builds a Config from a plain parameter map, mostly for tests
// and programmatic automation construction.
func NewConfig(kind string, params map[string]any) Config {
	c := Config{Kind: kind}
	for k, v := range params {
		raw, err := json.Marshal(v)
		if err != nil {
			continue
		}
		if c.params == nil {
			c.params = make(map[string]json.RawMessage)
		}
		c.params[k] = raw
	}
	return c
}

// String returns a string parameter, or "" when absent or not a string.
func (c *Config) String(key string) string {
	raw, ok := c.params[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		// Admin UIs sometimes write numbers where strings are expected.
		var n json.Number
		if err := json.Unmarshal(raw, &n); err == nil {
			return n.String()
		}
		return ""
	}
	return s
}

// Float returns a numeric parameter. Numeric strings are accepted.
func (c *Config) Float(key string) (float64, bool) {
	raw, ok := c.params[key]
	if !ok {
		return 0, false
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f, true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			return f, true
		}
	}
	return 0, false
}

func (c *Config) UnmarshalJSON(data []byte) error {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	*c = Config{params: m}
	takeString := func(key string, dst *string) {
		if raw, ok := m[key]; ok {
			json.Unmarshal(raw, dst)
			delete(m, key)
		}
	}
	takeString("kind", &c.Kind)
	takeString("next", &c.Next)
	takeString("nextYes", &c.NextYes)
	takeString("nextNo", &c.NextNo)
	return nil
}

func (c Config) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(c.params)+4)
	for k, v := range c.params {
		out[k] = v
	}
	putString := func(key, val string) {
		if val != "" {
			raw, _ := json.Marshal(val)
			out[key] = raw
		}
	}
	putString("kind", c.Kind)
	putString("next", c.Next)
	putString("nextYes", c.NextYes)
	putString("nextNo", c.NextNo)
	return json.Marshal(out)
}

// Graph provides id-addressed access to an automation's steps.
type Graph struct {
	steps []Step
	index map[string]int
}

// NewGraph indexes a step list by id.
func NewGraph(steps []Step) *Graph {
	g := &Graph{steps: steps, index: make(map[string]int, len(steps))}
	for i, s := range steps {
		g.index[s.ID] = i
	}
	return g
}

// Step returns the step with the given id, or nil.
func (g *Graph) Step(id string) *Step {
	i, ok := g.index[id]
	if !ok {
		return nil
	}
	return &g.steps[i]
}

// SuccessorOf returns the default successor id of a step: the explicit
// config.next edge when set, otherwise the positionally next step in the
// list. Returns "" when the step is last or unknown.
func (g *Graph) SuccessorOf(id string) string {
	i, ok := g.index[id]
	if !ok {
		return ""
	}
	if next := g.steps[i].Config.Next; next != "" {
		return next
	}
	if i+1 < len(g.steps) {
		return g.steps[i+1].ID
	}
	return ""
}

// BranchOf returns the successor for a condition outcome. An empty branch
// edge means the flow ends on that outcome.
func (g *Graph) BranchOf(id string, pass bool) string {
	i, ok := g.index[id]
	if !ok {
		return ""
	}
	if pass {
		return g.steps[i].Config.NextYes
	}
	return g.steps[i].Config.NextNo
}
