// Package router decides which platforms receive an event. Platform
// definitions and routing rules live in Postgres and change rarely, so
// the router holds an in-memory snapshot refreshed on an interval.
package router

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/ignite/lead-pipeline/internal/domain"
)

// PlatformSource loads the stored routing inputs.
type PlatformSource interface {
	ListActivePlatforms(ctx context.Context) ([]domain.Platform, error)
	ListActiveRules(ctx context.Context) ([]domain.RoutingRule, error)
}

type compiledRule struct {
	rule  domain.RoutingRule
	conds []condition
}

// Router matches events to delivery targets.
type Router struct {
	source PlatformSource

	mu            sync.RWMutex
	platformsByID map[int64]domain.Platform
	byCode        map[string]domain.Platform
	rulesByType   map[domain.EventType][]compiledRule
	loadedAt      time.Time
}

// New builds a router and performs the initial load.
func New(ctx context.Context, source PlatformSource) (*Router, error) {
	r := &Router{source: source}
	if err := r.Reload(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload replaces the snapshot. Rules with unparseable conditions are
// dropped with a log line rather than poisoning the whole snapshot.
func (r *Router) Reload(ctx context.Context) error {
	platforms, err := r.source.ListActivePlatforms(ctx)
	if err != nil {
		return fmt.Errorf("load platforms: %w", err)
	}
	rules, err := r.source.ListActiveRules(ctx)
	if err != nil {
		return fmt.Errorf("load routing rules: %w", err)
	}

	byID := make(map[int64]domain.Platform, len(platforms))
	byCode := make(map[string]domain.Platform, len(platforms))
	for _, p := range platforms {
		byID[p.ID] = p
		byCode[p.PlatformCode] = p
	}

	byType := make(map[domain.EventType][]compiledRule)
	for _, rule := range rules {
		if _, ok := byID[rule.PlatformID]; !ok {
			continue // rule points at an inactive platform
		}
		conds, err := parseConditions(rule.Conditions)
		if err != nil {
			log.Printf("[Router] dropping rule %d: %v", rule.ID, err)
			continue
		}
		byType[rule.EventType] = append(byType[rule.EventType], compiledRule{rule: rule, conds: conds})
	}
	// Rule priority decides the order; ties fall to the target
	// platform's own priority, then rule id for determinism.
	for _, list := range byType {
		sort.SliceStable(list, func(i, j int) bool {
			if list[i].rule.Priority != list[j].rule.Priority {
				return list[i].rule.Priority < list[j].rule.Priority
			}
			pi := byID[list[i].rule.PlatformID].Priority
			pj := byID[list[j].rule.PlatformID].Priority
			if pi != pj {
				return pi < pj
			}
			return list[i].rule.ID < list[j].rule.ID
		})
	}

	r.mu.Lock()
	r.platformsByID = byID
	r.byCode = byCode
	r.rulesByType = byType
	r.loadedAt = time.Now()
	r.mu.Unlock()

	log.Printf("[Router] snapshot loaded: %d platforms, %d rules", len(platforms), len(rules))
	return nil
}

// RefreshEvery reloads the snapshot on a ticker until ctx is done.
func (r *Router) RefreshEvery(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Reload(ctx); err != nil {
				log.Printf("[Router] reload failed, keeping old snapshot: %v", err)
			}
		}
	}
}

// RoutesFor returns the platforms that should receive the event, each
// platform at most once, ordered by rule priority with platform
// priority breaking ties. The result is deterministic for a given
// snapshot and event.
func (r *Router) RoutesFor(e *domain.Event) []domain.Platform {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []domain.Platform
	seen := make(map[int64]bool)
	for _, cr := range r.rulesByType[e.EventType] {
		if seen[cr.rule.PlatformID] {
			continue
		}
		matched := true
		for i := range cr.conds {
			if !cr.conds[i].matches(e) {
				matched = false
				break
			}
		}
		if !matched {
			continue
		}
		seen[cr.rule.PlatformID] = true
		out = append(out, r.platformsByID[cr.rule.PlatformID])
	}
	return out
}

// ValidationPlatform returns the active validation platform, or false
// when none is configured.
func (r *Router) ValidationPlatform() (domain.Platform, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.platformsByID {
		if p.PlatformType == domain.PlatformTypeValidation {
			return p, true
		}
	}
	return domain.Platform{}, false
}

// PlatformByID resolves a platform from the snapshot.
func (r *Router) PlatformByID(id int64) (domain.Platform, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.platformsByID[id]
	return p, ok
}

// PlatformCount reports how many active platforms the snapshot holds.
func (r *Router) PlatformCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.platformsByID)
}

// PlatformByCode resolves a platform by its unique code.
func (r *Router) PlatformByCode(code string) (domain.Platform, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byCode[code]
	return p, ok
}
