package planhistory

import (
	"encoding/json"
	"fmt"
)

// PlanMetrics summarizes one EXPLAIN (FORMAT JSON) document well enough
// to compare plans over time without diffing full plan trees.
type PlanMetrics struct {
	ExecutionTimeMs float64        `json:"execution_time_ms"`
	PlanningTimeMs  float64        `json:"planning_time_ms"`
	TotalCost       float64        `json:"total_cost"`
	PlanRows        float64        `json:"plan_rows"`
	NodeCount       int            `json:"node_count"`
	SeqScanCount    int            `json:"seq_scan_count"`
	NodeTypes       map[string]int `json:"node_types"`
}

// ExtractMetrics parses an EXPLAIN (FORMAT JSON) document. Execution and
// planning times are zero when the plan was not ANALYZEd.
func ExtractMetrics(planJSON string) (PlanMetrics, error) {
	var doc []struct {
		Plan         map[string]interface{} `json:"Plan"`
		PlanningTime float64                `json:"Planning Time"`
		ExecTime     float64                `json:"Execution Time"`
	}
	m := PlanMetrics{NodeTypes: make(map[string]int)}
	if err := json.Unmarshal([]byte(planJSON), &doc); err != nil {
		return m, fmt.Errorf("parse plan json: %w", err)
	}
	if len(doc) == 0 || doc[0].Plan == nil {
		return m, fmt.Errorf("parse plan json: no plan node")
	}

	m.PlanningTimeMs = doc[0].PlanningTime
	m.ExecutionTimeMs = doc[0].ExecTime
	if v, ok := doc[0].Plan["Total Cost"].(float64); ok {
		m.TotalCost = v
	}
	if v, ok := doc[0].Plan["Plan Rows"].(float64); ok {
		m.PlanRows = v
	}
	walkPlan(doc[0].Plan, &m)
	return m, nil
}

func walkPlan(node map[string]interface{}, m *PlanMetrics) {
	m.NodeCount++
	if nt, ok := node["Node Type"].(string); ok {
		m.NodeTypes[nt]++
		if nt == "Seq Scan" {
			m.SeqScanCount++
		}
	}
	children, ok := node["Plans"].([]interface{})
	if !ok {
		return
	}
	for _, c := range children {
		if child, ok := c.(map[string]interface{}); ok {
			walkPlan(child, m)
		}
	}
}

// sameShape reports whether two plans use the same node types with the
// same multiplicity. Costs and row counts may still differ.
func sameShape(a, b PlanMetrics) bool {
	if len(a.NodeTypes) != len(b.NodeTypes) {
		return false
	}
	for nt, n := range a.NodeTypes {
		if b.NodeTypes[nt] != n {
			return false
		}
	}
	return true
}
