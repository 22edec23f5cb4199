package model

import (
	"encoding/json"
	"fmt"
	"math"
)

// ConditionType names the item attribute a condition inspects.
type ConditionType string

// Time-based attributes are in hours except Eta (minutes). Speeds are KB/s,
// sizes GB and Progress a percentage. Boolean states evaluate to 1.0 or 0.0.
const (
	ConditionSeedingTime     ConditionType = "SeedingTime"
	ConditionStalledTime     ConditionType = "StalledTime"
	ConditionAge             ConditionType = "Age"
	ConditionEta             ConditionType = "Eta"
	ConditionSeedingRatio    ConditionType = "SeedingRatio"
	ConditionDownloadSpeed   ConditionType = "DownloadSpeed"
	ConditionUploadSpeed     ConditionType = "UploadSpeed"
	ConditionProgress        ConditionType = "Progress"
	ConditionAvailability    ConditionType = "Availability"
	ConditionSeeds           ConditionType = "Seeds"
	ConditionPeers           ConditionType = "Peers"
	ConditionFileSize        ConditionType = "FileSize"
	ConditionTotalUploaded   ConditionType = "TotalUploaded"
	ConditionTotalDownloaded ConditionType = "TotalDownloaded"
	ConditionInactive        ConditionType = "Inactive"
	ConditionCached          ConditionType = "Cached"
	ConditionFinished        ConditionType = "Finished"
	ConditionPrivate         ConditionType = "Private"
	ConditionHasMagnet       ConditionType = "HasMagnet"
	ConditionDownloadPresent ConditionType = "DownloadPresent"
)

// ConditionTypes lists every supported condition type in display order.
var ConditionTypes = []ConditionType{
	ConditionSeedingTime, ConditionStalledTime, ConditionAge, ConditionEta,
	ConditionSeedingRatio, ConditionDownloadSpeed, ConditionUploadSpeed,
	ConditionProgress, ConditionAvailability, ConditionSeeds, ConditionPeers,
	ConditionFileSize, ConditionTotalUploaded, ConditionTotalDownloaded,
	ConditionInactive, ConditionCached, ConditionFinished, ConditionPrivate,
	ConditionHasMagnet, ConditionDownloadPresent,
}

// Valid reports whether c is a known condition type.
func (c ConditionType) Valid() bool {
	for _, known := range ConditionTypes {
		if c == known {
			return true
		}
	}
	return false
}

// Boolean reports whether the attribute is a 0/1 state rather than a measure.
func (c ConditionType) Boolean() bool {
	switch c {
	case ConditionInactive, ConditionCached, ConditionFinished,
		ConditionPrivate, ConditionHasMagnet, ConditionDownloadPresent:
		return true
	}
	return false
}

func (c *ConditionType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("condition type: %w", err)
	}
	v := ConditionType(s)
	if !v.Valid() {
		return fmt.Errorf("unknown condition type %q", s)
	}
	*c = v
	return nil
}

// Operator compares an item attribute against a condition value.
type Operator string

const (
	OperatorGreaterThan        Operator = "GreaterThan"
	OperatorLessThan           Operator = "LessThan"
	OperatorGreaterThanOrEqual Operator = "GreaterThanOrEqual"
	OperatorLessThanOrEqual    Operator = "LessThanOrEqual"
	OperatorEqual              Operator = "Equal"
)

// equalTolerance absorbs float noise from unit conversions.
const equalTolerance = 1e-9

// Valid reports whether o is a known operator.
func (o Operator) Valid() bool {
	switch o {
	case OperatorGreaterThan, OperatorLessThan, OperatorGreaterThanOrEqual,
		OperatorLessThanOrEqual, OperatorEqual:
		return true
	}
	return false
}

// Apply evaluates "actual <op> threshold".
func (o Operator) Apply(actual, threshold float64) bool {
	switch o {
	case OperatorGreaterThan:
		return actual > threshold
	case OperatorLessThan:
		return actual < threshold
	case OperatorGreaterThanOrEqual:
		return actual >= threshold
	case OperatorLessThanOrEqual:
		return actual <= threshold
	case OperatorEqual:
		return math.Abs(actual-threshold) <= equalTolerance
	}
	return false
}

func (o *Operator) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("operator: %w", err)
	}
	v := Operator(s)
	if !v.Valid() {
		return fmt.Errorf("unknown operator %q", s)
	}
	*o = v
	return nil
}

// Condition is a single predicate an item must satisfy to be selected.
type Condition struct {
	Type     ConditionType `json:"type"`
	Operator Operator      `json:"operator"`
	Value    float64       `json:"value"`
}

// Validate checks a condition built in code rather than decoded from JSON.
func (c Condition) Validate() error {
	if !c.Type.Valid() {
		return invalid("type", "unknown condition type %q", c.Type)
	}
	if !c.Operator.Valid() {
		return invalid("operator", "unknown operator %q", c.Operator)
	}
	if math.IsNaN(c.Value) || math.IsInf(c.Value, 0) {
		return invalid("value", "must be a finite number")
	}
	if c.Type.Boolean() && c.Value != 0 && c.Value != 1 {
		return invalid("value", "%s expects 0 or 1", c.Type)
	}
	return nil
}

// ActionType is the control operation applied to selected items.
type ActionType string

const (
	ActionStopSeeding ActionType = "StopSeeding"
	ActionStop        ActionType = "Stop"
	ActionResume      ActionType = "Resume"
	ActionRestart     ActionType = "Restart"
	ActionForceStart  ActionType = "ForceStart"
	ActionReannounce  ActionType = "Reannounce"
	ActionDelete      ActionType = "Delete"
)

// Valid reports whether a is a known action type.
func (a ActionType) Valid() bool {
	switch a {
	case ActionStopSeeding, ActionStop, ActionResume, ActionRestart,
		ActionForceStart, ActionReannounce, ActionDelete:
		return true
	}
	return false
}

func (a *ActionType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("action type: %w", err)
	}
	v := ActionType(s)
	if !v.Valid() {
		return fmt.Errorf("unknown action type %q", s)
	}
	*a = v
	return nil
}

// Action is what a rule does to each selected item.
type Action struct {
	Type   ActionType     `json:"action_type"`
	Params map[string]any `json:"params,omitempty"`
}

// Validate checks that the action type is known.
func (a Action) Validate() error {
	if !a.Type.Valid() {
		return invalid("action.action_type", "unknown action type %q", a.Type)
	}
	return nil
}
