// Package models defines the shared domain types for the Parley conversation
// engine: tenants, customers, conversation state, the interaction log and the
// human escalation queue.
package models

import (
	"time"
)

// ── Tenant (Workspace) ───────────────────────────────────────

// Tenant is the isolation boundary for every other entity. Tenants are
// created by the administrative workflow; the engine only reads them.
type Tenant struct {
	ID            string    `json:"id" db:"id"`
	Name          string    `json:"name" db:"name"`
	Vertical      string    `json:"vertical" db:"vertical"` // configuration pack key
	FallbackReply string    `json:"fallback_reply,omitempty" db:"fallback_reply"`
	Active        bool      `json:"active" db:"active"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}

// ── Customer ─────────────────────────────────────────────────

// Customer is identified by (tenant, channel address) and is created lazily
// on the first inbound message. The engine never deletes customers.
type Customer struct {
	ID        string    `json:"id" db:"id"`
	TenantID  string    `json:"tenant_id" db:"tenant_id"`
	Address   string    `json:"address" db:"address"`
	Channel   string    `json:"channel" db:"channel"`
	Name      string    `json:"name,omitempty" db:"name"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// ── Conversation State ───────────────────────────────────────

// ConversationState is one-to-one with a Customer. It is only mutated by the
// state transition engine inside a transaction.
type ConversationState struct {
	TenantID   string              `json:"tenant_id" db:"tenant_id"`
	CustomerID string              `json:"customer_id" db:"customer_id"`
	State      State               `json:"state" db:"state"`
	Context    ConversationContext `json:"context" db:"context"`
	CreatedAt  time.Time           `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time           `json:"updated_at" db:"updated_at"`
}

// Clone returns a deep copy so callers can mutate without touching shared rows.
func (c *ConversationState) Clone() *ConversationState {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Context = c.Context.Clone()
	return &cp
}

// ── Interaction Log ──────────────────────────────────────────

type Direction string

const (
	DirectionInbound  Direction = "in"
	DirectionOutbound Direction = "out"
)

// InteractionRecord is an append-only log entry for one message.
type InteractionRecord struct {
	ID         string    `json:"id" db:"id"`
	TenantID   string    `json:"tenant_id" db:"tenant_id"`
	CustomerID string    `json:"customer_id" db:"customer_id"`
	Direction  Direction `json:"direction" db:"direction"`
	Channel    string    `json:"channel" db:"channel"`
	State      State     `json:"state" db:"state"`
	Text       string    `json:"text" db:"text"`
	OperatorID string    `json:"operator_id,omitempty" db:"operator_id"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// ── Inbound / Outbound ───────────────────────────────────────

// InboundMessage is what the messaging channel hands to the orchestrator.
type InboundMessage struct {
	TenantID  string    `json:"tenant_id"`
	From      string    `json:"from"`
	Name      string    `json:"name,omitempty"`
	Channel   string    `json:"channel,omitempty"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Response is the orchestrator's answer for one inbound message. The caller
// delivers Text through the outbound channel unless Silent is set.
type Response struct {
	CustomerID string   `json:"customer_id,omitempty"`
	Text       string   `json:"text"`
	State      State    `json:"state,omitempty"`
	Action     Action   `json:"action,omitempty"`
	Escalated  bool     `json:"escalated"`
	Priority   Priority `json:"priority,omitempty"`
	Reason     string   `json:"reason,omitempty"`
	EntryID    string   `json:"entry_id,omitempty"`
	Silent     bool     `json:"silent,omitempty"`
	Fallback   bool     `json:"fallback,omitempty"`
}
