// Package policy holds the retention rules for download groups.
//
// Everything here is pure: a Table is built once from configuration and
// injected into the services that need it. The predicates in this package
// are the only place that decides whether a group may be rebuilt or
// destroyed.
package policy

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/templui/downloadgroups/internal/model"
	"gopkg.in/yaml.v3"
)

var (
	ErrUnknownPlan = errors.New("unknown plan tier")
	ErrUnknownKind = errors.New("unknown download kind")

	ErrMissingRetention = errors.New("expires_in is required, use \"unlimited\" for no expiry")
)

const day = 24 * time.Hour

// Cell is the retention rule for one plan tier and kind.
// A nil ExpiresIn means the group never expires.
type Cell struct {
	ExpiresIn *time.Duration
	GraceDays int
}

type Table struct {
	plans             map[string]map[model.GroupKind]Cell
	fallbackGraceDays int
}

// NewTable builds a table from explicit cells.
func NewTable(plans map[string]map[model.GroupKind]Cell, fallbackGraceDays int) (*Table, error) {
	t := &Table{plans: plans, fallbackGraceDays: fallbackGraceDays}
	err := t.validate()
	if err != nil {
		return nil, err
	}
	return t, nil
}

// DefaultTable is used when no policy file is configured.
func DefaultTable() *Table {
	days := func(n int) *time.Duration {
		d := time.Duration(n) * day
		return &d
	}
	t, err := NewTable(map[string]map[model.GroupKind]Cell{
		model.SubscriptionPlanFree: {
			model.GroupKindSnapshot: {ExpiresIn: days(7), GraceDays: 3},
			model.GroupKindLiving:   {ExpiresIn: days(30), GraceDays: 3},
		},
		model.SubscriptionPlanPro: {
			model.GroupKindSnapshot: {ExpiresIn: days(30), GraceDays: 7},
			model.GroupKindLiving:   {ExpiresIn: days(90), GraceDays: 7},
		},
		model.SubscriptionPlanEnterprise: {
			model.GroupKindSnapshot: {ExpiresIn: days(90), GraceDays: 30},
			model.GroupKindLiving:   {ExpiresIn: nil, GraceDays: 30},
		},
	}, 5)
	if err != nil {
		panic(err)
	}
	return t
}

func (t *Table) validate() error {
	if len(t.plans) == 0 {
		return errors.New("policy table has no plans")
	}
	if t.fallbackGraceDays < 0 {
		return fmt.Errorf("fallback grace days must not be negative: %d", t.fallbackGraceDays)
	}
	for plan, kinds := range t.plans {
		for _, kind := range []model.GroupKind{model.GroupKindSnapshot, model.GroupKindLiving} {
			cell, ok := kinds[kind]
			if !ok {
				return fmt.Errorf("plan %q has no rule for kind %q", plan, kind)
			}
			if cell.GraceDays < 0 {
				return fmt.Errorf("plan %q kind %q: grace days must not be negative", plan, kind)
			}
			if cell.ExpiresIn != nil && *cell.ExpiresIn <= 0 {
				return fmt.Errorf("plan %q kind %q: expiry must be positive", plan, kind)
			}
		}
	}
	return nil
}

// Cell returns the rule for a plan tier and kind.
func (t *Table) Cell(plan string, kind model.GroupKind) (Cell, error) {
	if !kind.Valid() {
		return Cell{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	kinds, ok := t.plans[plan]
	if !ok {
		return Cell{}, fmt.Errorf("%w: %q", ErrUnknownPlan, plan)
	}
	return kinds[kind], nil
}

// Plans returns the configured plan tiers in sorted order.
func (t *Table) Plans() []string {
	plans := make([]string, 0, len(t.plans))
	for plan := range t.plans {
		plans = append(plans, plan)
	}
	sort.Strings(plans)
	return plans
}

func (t *Table) FallbackGraceDays() int {
	return t.fallbackGraceDays
}

// ComputeExpiry returns the expiry for a group created at now.
// A nil expiry means unlimited. Unknown plans are an error, never unlimited.
func (t *Table) ComputeExpiry(plan string, kind model.GroupKind, now time.Time) (*time.Time, int, error) {
	cell, err := t.Cell(plan, kind)
	if err != nil {
		return nil, 0, err
	}
	if cell.ExpiresIn == nil {
		return nil, cell.GraceDays, nil
	}
	expiresAt := now.UTC().Add(*cell.ExpiresIn)
	return &expiresAt, cell.GraceDays, nil
}

// ComputeHardDelete returns expiresAt plus the grace window, or nil when
// the group never expires.
func ComputeHardDelete(expiresAt *time.Time, graceDays int) *time.Time {
	if expiresAt == nil {
		return nil
	}
	if graceDays < 0 {
		graceDays = 0
	}
	hardDeleteAt := expiresAt.UTC().Add(time.Duration(graceDays) * day)
	return &hardDeleteAt
}

// FallbackHardDelete is the hard delete time for a group without expiry
// that was removed manually at softDeletedAt.
func (t *Table) FallbackHardDelete(softDeletedAt time.Time) time.Time {
	return softDeletedAt.UTC().Add(time.Duration(t.fallbackGraceDays) * day)
}

// ShouldHardDelete is true iff hard_delete_at is set and not in the future.
func ShouldHardDelete(g *model.Group, now time.Time) bool {
	if g == nil || g.HardDeleteAt == nil {
		return false
	}
	return !g.HardDeleteAt.After(now)
}

// CanRebuildArchive is false for a snapshot whose archive is ready and for
// any failed group.
func CanRebuildArchive(g *model.Group) bool {
	if g.Status == model.GroupStatusFailed {
		return false
	}
	if g.Kind == model.GroupKindSnapshot && g.ArchiveStatus == model.ArchiveStatusReady {
		return false
	}
	return true
}

// IsExpired reports whether expires_at is set and not in the future.
func IsExpired(g *model.Group, now time.Time) bool {
	return g.ExpiresAt != nil && !g.ExpiresAt.After(now)
}

// LinksLocked reports whether the asset-link set of a group is frozen.
// Snapshots freeze once the group is ready or an archive build has been
// claimed, living groups never freeze.
func LinksLocked(g *model.Group) bool {
	if g.Kind != model.GroupKindSnapshot {
		return false
	}
	if g.Status == model.GroupStatusReady {
		return true
	}
	return g.ArchiveStatus == model.ArchiveStatusBuilding || g.ArchiveStatus == model.ArchiveStatusReady
}

type fileCell struct {
	ExpiresIn string `yaml:"expires_in"`
	GraceDays int    `yaml:"grace_days"`
}

type fileTable struct {
	FallbackGraceDays *int                           `yaml:"fallback_grace_days"`
	Plans             map[string]map[string]fileCell `yaml:"plans"`
}

// LoadTable reads a YAML policy file.
func LoadTable(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}
	return ParseTable(data)
}

// ParseTable parses a YAML policy document:
//
//	fallback_grace_days: 5
//	plans:
//	  free:
//	    snapshot: {expires_in: 7d, grace_days: 3}
//	    living:   {expires_in: unlimited, grace_days: 3}
func ParseTable(data []byte) (*Table, error) {
	var ft fileTable
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	err := dec.Decode(&ft)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}

	fallback := DefaultTable().fallbackGraceDays
	if ft.FallbackGraceDays != nil {
		fallback = *ft.FallbackGraceDays
	}

	plans := make(map[string]map[model.GroupKind]Cell, len(ft.Plans))
	for plan, kinds := range ft.Plans {
		plans[plan] = make(map[model.GroupKind]Cell, len(kinds))
		for kind, fc := range kinds {
			k := model.GroupKind(kind)
			if !k.Valid() {
				return nil, fmt.Errorf("plan %q: %w: %q", plan, ErrUnknownKind, kind)
			}
			expiresIn, err := parseRetention(fc.ExpiresIn)
			if err != nil {
				return nil, fmt.Errorf("plan %q kind %q: %w", plan, kind, err)
			}
			plans[plan][k] = Cell{ExpiresIn: expiresIn, GraceDays: fc.GraceDays}
		}
	}

	return NewTable(plans, fallback)
}

// parseRetention accepts Go durations, a "d" day suffix, or "unlimited".
// Unlimited retention must be spelled out.
func parseRetention(s string) (*time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, ErrMissingRetention
	}
	if s == "unlimited" {
		return nil, nil
	}
	if n, ok := strings.CutSuffix(s, "d"); ok {
		days, err := strconv.Atoi(n)
		if err != nil {
			return nil, fmt.Errorf("invalid retention %q", s)
		}
		d := time.Duration(days) * day
		return &d, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return nil, fmt.Errorf("invalid retention %q", s)
	}
	return &d, nil
}
