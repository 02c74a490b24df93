package navigation

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/garyjia/erp-autoentry/internal/domain/screen"
)

// Edge is a direct move from one screen state to another
type Edge struct {
	To    screen.State            `yaml:"to"`
	Steps []screen.NavigationStep `yaml:"steps"`
}

// RouteTable is the static adjacency table the planner searches.
// Recovery steps lead from an unknown screen back to the baseline.
type RouteTable struct {
	Baseline screen.State            `yaml:"baseline"`
	Edges    map[screen.State][]Edge `yaml:"edges"`
	Recovery []screen.NavigationStep `yaml:"recovery"`
}

// DefaultRouteTable returns the routes between the remote desktop, the SAP
// desktop and the sales order form
func DefaultRouteTable() *RouteTable {
	return &RouteTable{
		Baseline: screen.StateSAPDesktop,
		Edges: map[screen.State][]Edge{
			screen.StateRemoteDesktop: {
				{To: screen.StateSAPDesktop, Steps: []screen.NavigationStep{
					{Action: screen.ActionOpenApplication, Target: "sap_launcher", Expected: screen.StateSAPDesktop, Timeout: 10 * time.Second, Retries: 2},
				}},
			},
			screen.StateSAPDesktop: {
				{To: screen.StateSalesOrderForm, Steps: []screen.NavigationStep{
					{Action: screen.ActionClickTemplate, Target: "menu_sales", Expected: screen.StateSAPDesktop, Timeout: time.Second, Retries: 1},
					{Action: screen.ActionClickTemplate, Target: "menu_sales_order", Expected: screen.StateSalesOrderForm, Timeout: 3 * time.Second, Retries: 2},
				}},
			},
			screen.StateSalesOrderForm: {
				{To: screen.StateSAPDesktop, Steps: []screen.NavigationStep{
					{Action: screen.ActionHotkey, Target: "ctrl+w", Expected: screen.StateSAPDesktop, Timeout: time.Second, Retries: 1},
				}},
			},
		},
		Recovery: []screen.NavigationStep{
			{Action: screen.ActionPressKey, Target: "Escape", Expected: screen.StateSAPDesktop, Timeout: time.Second, Retries: 2},
		},
	}
}

// LoadRouteTable reads a route table from a YAML file
func LoadRouteTable(path string) (*RouteTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read route table: %w", err)
	}

	var t RouteTable
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse route table yaml: %w", err)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

// Validate checks that every edge and step is usable
func (t *RouteTable) Validate() error {
	if t.Baseline == "" || t.Baseline.IsSentinel() {
		return fmt.Errorf("route table: baseline must be a screen state, got %q", t.Baseline)
	}
	for from, edges := range t.Edges {
		if from.IsSentinel() {
			return fmt.Errorf("route table: edges cannot start at %s", from)
		}
		for _, e := range edges {
			if e.To == "" || e.To.IsSentinel() {
				return fmt.Errorf("route table: edge from %s has invalid target %q", from, e.To)
			}
			if len(e.Steps) == 0 {
				return fmt.Errorf("route table: edge %s->%s has no steps", from, e.To)
			}
			for _, s := range e.Steps {
				if err := s.Validate(); err != nil {
					return fmt.Errorf("route table: edge %s->%s: %w", from, e.To, err)
				}
			}
		}
	}
	for _, s := range t.Recovery {
		if err := s.Validate(); err != nil {
			return fmt.Errorf("route table: recovery: %w", err)
		}
	}
	return nil
}

type hop struct {
	prev screen.State
	edge Edge
}

// Route finds the shortest edge path from one state to another and returns
// its steps in order. A state routes to itself with no steps.
func (t *RouteTable) Route(from, to screen.State) ([]screen.NavigationStep, bool) {
	if from == to {
		return nil, true
	}

	visited := map[screen.State]hop{from: {}}
	queue := []screen.State{from}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		for _, e := range t.Edges[cur] {
			if _, seen := visited[e.To]; seen {
				continue
			}
			visited[e.To] = hop{prev: cur, edge: e}
			if e.To == to {
				return unwind(visited, from, to), true
			}
			queue = append(queue, e.To)
		}
	}
	return nil, false
}

func unwind(visited map[screen.State]hop, from, to screen.State) []screen.NavigationStep {
	var edges []Edge
	for s := to; s != from; s = visited[s].prev {
		edges = append(edges, visited[s].edge)
	}

	var steps []screen.NavigationStep
	for i := len(edges) - 1; i >= 0; i-- {
		steps = append(steps, edges[i].Steps...)
	}
	return steps
}
