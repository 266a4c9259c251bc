package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tiernaugh/MF252-sub001/internal/money"
)

// Plan holds the scheduling knobs of one subscription tier.
type Plan struct {
	Name          string
	Priority      int
	MaxAttempts   int
	EstimatedCost money.Amount
}

// Plans is keyed by lower-case plan name.
type Plans map[string]Plan

type plansFile struct {
	Plans map[string]struct {
		Priority      int    `yaml:"priority"`
		MaxAttempts   int    `yaml:"max_attempts"`
		EstimatedCost string `yaml:"estimated_cost"`
	} `yaml:"plans"`
}

// LoadPlans reads a file of the form
//
//	plans:
//	  premium:
//	    priority: 10
//	    max_attempts: 5
//	    estimated_cost: "3.50"
func LoadPlans(path string, currency money.Currency) (Plans, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plans file: %w", err)
	}
	return ParsePlans(data, currency)
}

func ParsePlans(data []byte, currency money.Currency) (Plans, error) {
	var f plansFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse plans file: %w", err)
	}

	plans := make(Plans, len(f.Plans))
	for name, p := range f.Plans {
		key := strings.ToLower(strings.TrimSpace(name))
		if key == "" {
			return nil, fmt.Errorf("plans file: empty plan name")
		}
		if p.MaxAttempts < 0 {
			return nil, fmt.Errorf("plan %s: max_attempts must not be negative", key)
		}
		plan := Plan{Name: key, Priority: p.Priority, MaxAttempts: p.MaxAttempts}
		if p.EstimatedCost != "" {
			cost, err := money.Parse(p.EstimatedCost, currency)
			if err != nil {
				return nil, fmt.Errorf("plan %s: estimated_cost: %w", key, err)
			}
			plan.EstimatedCost = cost
		}
		plans[key] = plan
	}
	return plans, nil
}

func (p Plans) Lookup(name string) (Plan, bool) {
	if p == nil {
		return Plan{}, false
	}
	plan, ok := p[strings.ToLower(strings.TrimSpace(name))]
	return plan, ok
}
