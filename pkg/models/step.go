package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// StepKind identifies one unit of workflow effect. The set is closed on
// purpose: unknown kinds are rejected when a step list is decoded, not when a
// queue item reaches them.
type StepKind string

const (
	StepKindSendEmail StepKind = "send_email"
	StepKindDelay     StepKind = "delay"
	StepKindAddTag    StepKind = "add_tag"
)

// IsValid checks if the step kind is a known value.
func (k StepKind) IsValid() bool {
	switch k {
	case StepKindSendEmail, StepKindDelay, StepKindAddTag:
		return true
	default:
		return false
	}
}

// Step is one entry of an automation's ordered step sequence. Exactly one of
// the typed parameter structs is set, matching Kind. Steps are addressed by
// their position in Automation.Steps; that index is the sole progress cursor.
type Step struct {
	Kind      StepKind         `json:"kind"`
	SendEmail *SendEmailParams `json:"send_email,omitempty"`
	Delay     *DelayParams     `json:"delay,omitempty"`
	AddTag    *AddTagParams    `json:"add_tag,omitempty"`
}

// SendEmailParams references a template and a sender identity owned outside
// the engine.
type SendEmailParams struct {
	TemplateID string `json:"template_id" validate:"required"`
	SenderID   string `json:"sender_id"   validate:"required"`
}

// DelayParams suspends the item until now + Duration. The wait holds no
// process resource; it is represented purely as a future execute_at.
type DelayParams struct {
	Duration Duration `json:"duration" validate:"required"`
}

// AddTagParams names the tag to add to the contact. Adding an already-present
// tag is a no-op.
type AddTagParams struct {
	Tag string `json:"tag" validate:"required"`
}

// UnmarshalJSON decodes a step and validates the kind/parameter pairing so a
// misconfigured automation fails at load time.
func (s *Step) UnmarshalJSON(data []byte) error {
	type alias Step

	var decoded alias

	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}

	*s = Step(decoded)

	return s.Validate()
}

// Validate checks that the step carries parameters matching its kind.
func (s *Step) Validate() error {
	switch s.Kind {
	case StepKindSendEmail:
		if s.SendEmail == nil {
			return fmt.Errorf("step kind %q requires send_email parameters", s.Kind)
		}
	case StepKindDelay:
		if s.Delay == nil {
			return fmt.Errorf("step kind %q requires delay parameters", s.Kind)
		}

		if s.Delay.Duration <= 0 {
			return fmt.Errorf("delay duration must be positive, got %s", time.Duration(s.Delay.Duration))
		}
	case StepKindAddTag:
		if s.AddTag == nil || s.AddTag.Tag == "" {
			return fmt.Errorf("step kind %q requires a tag name", s.Kind)
		}
	default:
		return fmt.Errorf("unknown step kind %q", s.Kind)
	}

	return nil
}

// Duration wraps time.Duration with JSON support for both "1h30m" strings and
// plain nanosecond numbers.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw any

	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	switch value := raw.(type) {
	case float64:
		*d = Duration(time.Duration(value))
	case string:
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", value, err)
		}

		*d = Duration(parsed)
	default:
		return fmt.Errorf("invalid duration value %v", raw)
	}

	return nil
}
