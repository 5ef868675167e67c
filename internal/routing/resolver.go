// Package routing selects the execution target, and so the step plan, for a
// payment.
package routing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"payflow/internal/saga"
)

var ErrNoRouteAvailable = errors.New("no route available")

// Resolver matches payments against the rules of the current snapshot.
type Resolver struct {
	source Source
}

func NewResolver(source Source) *Resolver {
	return &Resolver{source: source}
}

// ResolveTarget returns candidate targets in preference order. Tenant
// specific rules come before wildcard rules, then higher priority, then
// declaration order; duplicate targets keep their first position.
func (r *Resolver) ResolveTarget(ctx context.Context, tenantID string, attrs saga.PaymentAttributes) ([]saga.Target, error) {
	table, err := r.source.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("routing snapshot: %w", err)
	}

	type match struct {
		rule     Rule
		specific bool
		order    int
	}
	var matches []match
	for i, rule := range table.rules {
		if !rule.matches(tenantID, attrs) {
			continue
		}
		matches = append(matches, match{rule: rule, specific: !isWildcard(rule.Tenant), order: i})
	}
	sort.SliceStable(matches, func(i, j int) bool {
		a, b := matches[i], matches[j]
		if a.specific != b.specific {
			return a.specific
		}
		if a.rule.Priority != b.rule.Priority {
			return a.rule.Priority > b.rule.Priority
		}
		return a.order < b.order
	})

	seen := make(map[string]bool)
	var targets []saga.Target
	for _, m := range matches {
		for _, name := range m.rule.Targets {
			if seen[name] {
				continue
			}
			seen[name] = true
			if target, ok := table.Target(name); ok {
				targets = append(targets, target)
			}
		}
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("%w: tenant %s, payment type %s, clearing system %s",
			ErrNoRouteAvailable, tenantID, attrs.PaymentType, attrs.ClearingSystem)
	}
	return targets, nil
}

func (r Rule) matches(tenantID string, attrs saga.PaymentAttributes) bool {
	if !field(r.Tenant, tenantID) || !field(r.PaymentType, attrs.PaymentType) ||
		!field(r.ClearingSystem, attrs.ClearingSystem) || !field(r.Currency, attrs.Currency) {
		return false
	}
	if r.MinAmount > 0 && attrs.AmountMinor < r.MinAmount {
		return false
	}
	if r.MaxAmount > 0 && attrs.AmountMinor > r.MaxAmount {
		return false
	}
	return true
}

func field(pattern, value string) bool {
	return isWildcard(pattern) || strings.EqualFold(strings.TrimSpace(pattern), strings.TrimSpace(value))
}

func isWildcard(pattern string) bool {
	p := strings.TrimSpace(pattern)
	return p == "" || p == Wildcard
}
