package models

import (
	"encoding/json"
	"fmt"
	"maps"
	"time"
)

// MaxTransitionAudit bounds how many transition audit entries the context keeps.
const MaxTransitionAudit = 50

// Well-known context keys accepted by Merge.
const (
	CtxLastIntent  = "last_intent"
	CtxLastMessage = "last_message"
	CtxCollected   = "collected"
)

// TransitionAudit records one applied transition.
type TransitionAudit struct {
	From   State     `json:"from"`
	To     State     `json:"to"`
	Action Action    `json:"action"`
	At     time.Time `json:"at"`
}

// ConversationContext is the structured document accumulated per customer.
// Core fields are typed; tenant-specific data lives in Collected (dossier
// fields extracted by rules) and Extra (anything else).
type ConversationContext struct {
	LastIntent       Action            `json:"last_intent,omitempty"`
	LastMessage      string            `json:"last_message,omitempty"`
	LastMessageAt    *time.Time        `json:"last_message_at,omitempty"`
	LastTransitionAt *time.Time        `json:"last_transition_at,omitempty"`
	TransitionSeq    int64             `json:"transition_seq"`
	Transitions      []TransitionAudit `json:"transitions,omitempty"`
	Collected        map[string]any    `json:"collected,omitempty"`
	Extra            map[string]any    `json:"extra,omitempty"`
}

// Clone deep-copies the maps and slices of the context.
func (c ConversationContext) Clone() ConversationContext {
	cp := c
	if c.Transitions != nil {
		cp.Transitions = append([]TransitionAudit(nil), c.Transitions...)
	}
	cp.Collected = maps.Clone(c.Collected)
	cp.Extra = maps.Clone(c.Extra)
	if c.LastMessageAt != nil {
		t := *c.LastMessageAt
		cp.LastMessageAt = &t
	}
	if c.LastTransitionAt != nil {
		t := *c.LastTransitionAt
		cp.LastTransitionAt = &t
	}
	return cp
}

// Merge shallow-overwrites the context key by key. Known keys land in their
// typed fields, "collected" is merged into Collected and every other key goes
// to Extra. Existing keys that are not named in fields are left untouched.
func (c *ConversationContext) Merge(fields map[string]any) {
	for k, v := range fields {
		switch k {
		case CtxLastIntent:
			switch a := v.(type) {
			case Action:
				c.LastIntent = a
			case string:
				c.LastIntent = Action(a)
			}
		case CtxLastMessage:
			if s, ok := v.(string); ok {
				c.LastMessage = s
			}
		case CtxCollected:
			c.MergeCollected(toStringMap(v))
		default:
			if c.Extra == nil {
				c.Extra = make(map[string]any)
			}
			c.Extra[k] = v
		}
	}
}

// MergeCollected overwrites collected fields key by key.
func (c *ConversationContext) MergeCollected(fields map[string]any) {
	if len(fields) == 0 {
		return
	}
	if c.Collected == nil {
		c.Collected = make(map[string]any, len(fields))
	}
	maps.Copy(c.Collected, fields)
}

// RecordTransition appends an audit entry, bumps the sequence and keeps the
// audit trail bounded.
func (c *ConversationContext) RecordTransition(from, to State, action Action, at time.Time) {
	c.Transitions = append(c.Transitions, TransitionAudit{From: from, To: to, Action: action, At: at})
	if n := len(c.Transitions); n > MaxTransitionAudit {
		c.Transitions = append([]TransitionAudit(nil), c.Transitions[n-MaxTransitionAudit:]...)
	}
	c.TransitionSeq++
	if from != to || c.LastTransitionAt == nil {
		t := at
		c.LastTransitionAt = &t
	}
}

// Reset is the only wholesale replacement of the context. The transition
// sequence survives so scheduled tasks from before the reset stay stale.
func (c *ConversationContext) Reset() {
	seq := c.TransitionSeq
	*c = ConversationContext{TransitionSeq: seq}
}

// HasField reports whether a collected field is present and meaningful.
func (c ConversationContext) HasField(name string) bool {
	v, ok := c.Collected[name]
	if !ok || v == nil {
		return false
	}
	switch t := v.(type) {
	case string:
		return t != ""
	case bool:
		return t
	}
	return true
}

// Flag reports whether a boolean-ish collected field is set.
func (c ConversationContext) Flag(name string) bool {
	switch t := c.Collected[name].(type) {
	case bool:
		return t
	case string:
		return t != "" && t != "false" && t != "0"
	case nil:
		return false
	}
	return true
}

// MarshalDocument encodes the context for stores that persist it as a
// document column.
func (c ConversationContext) MarshalDocument() ([]byte, error) {
	return json.Marshal(c)
}

// UnmarshalDocument decodes a context previously written by MarshalDocument.
func UnmarshalDocument(b []byte) (ConversationContext, error) {
	var c ConversationContext
	if len(b) == 0 {
		return c, nil
	}
	if err := json.Unmarshal(b, &c); err != nil {
		return c, fmt.Errorf("decode conversation context: %w", err)
	}
	return c, nil
}

func toStringMap(v any) map[string]any {
	switch m := v.(type) {
	case map[string]any:
		return m
	case map[string]string:
		out := make(map[string]any, len(m))
		for k, s := range m {
			out[k] = s
		}
		return out
	}
	return nil
}
