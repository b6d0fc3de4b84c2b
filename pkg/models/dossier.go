package models

// FlowType is the dossier category detected from the conversation state.
type FlowType string

const (
	FlowSales     FlowType = "vendas"
	FlowTechnical FlowType = "suporte"
	FlowFinancial FlowType = "financeiro"
	FlowHuman     FlowType = "humano"
	FlowGeneral   FlowType = "geral"
)

// Dossier is the derived, scored case profile of a customer's inquiry.
type Dossier struct {
	TenantID     string         `json:"tenant_id"`
	CustomerID   string         `json:"customer_id"`
	State        State          `json:"state,omitempty"`
	FlowType     FlowType       `json:"flow_type"`
	Priority     Priority       `json:"priority"`
	Collected    map[string]any `json:"collected"`
	Pending      []string       `json:"pending"`
	Approach     string         `json:"approach,omitempty"`
	NextSteps    []string       `json:"next_steps"`
	Completeness float64        `json:"completeness"`
	Complexity   float64        `json:"complexity"`
	LastIntent   Action         `json:"last_intent,omitempty"`
	History      []string       `json:"history,omitempty"`
}

// EmptyDossier is returned for customers without conversation state.
func EmptyDossier(tenantID, customerID string) *Dossier {
	return &Dossier{
		TenantID:   tenantID,
		CustomerID: customerID,
		FlowType:   FlowGeneral,
		Priority:   PriorityLow,
		Collected:  map[string]any{},
		Pending:    []string{},
		NextSteps:  []string{},
	}
}

// Snapshot flattens the dossier into a metadata map for queue entries.
func (d *Dossier) Snapshot() map[string]any {
	return map[string]any{
		"flow_type":    string(d.FlowType),
		"priority":     string(d.Priority),
		"collected":    d.Collected,
		"pending":      d.Pending,
		"approach":     d.Approach,
		"completeness": d.Completeness,
		"complexity":   d.Complexity,
		"state":        string(d.State),
	}
}
