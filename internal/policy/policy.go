// Package policy implements the pure access policy functions: birthright
// entitlements by department, revocation diffs across department moves, and
// separation-of-duties conflict detection. All functions are total,
// deterministic, and side-effect free.
package policy

import (
	"fmt"
	"sort"
	"strings"
)

// SoD rule severities.
const (
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// baseAccess is granted to every identity regardless of department.
var baseAccess = []string{"AzureAD:All Users", "Slack:general", "Slack:random"}

// defaultBirthright maps a department to its department-specific grants.
var defaultBirthright = map[string][]string{
	"Engineering": {"AzureAD:Engineering", "GitHub:Engineering", "Slack:engineering"},
	"Sales":       {"AzureAD:Sales", "Slack:sales", "Salesforce:Users"},
	"Marketing":   {"AzureAD:Marketing", "Slack:marketing"},
	"HR":          {"AzureAD:HR", "Slack:general", "Workday:Users"},
}

// defaultRules are the built-in separation-of-duties conflicts.
var defaultRules = []Rule{
	{ConflictingGroups: []string{"AzureAD:Engineering", "AzureAD:HR"}, Severity: SeverityHigh},
	{ConflictingGroups: []string{"AzureAD:Sales", "AzureAD:Finance-Admin"}, Severity: SeverityCritical},
}

// Rule forbids simultaneous possession of all entitlements in
// ConflictingGroups.
type Rule struct {
	ConflictingGroups []string `json:"conflicting_groups"`
	Severity          string   `json:"severity"`
}

// Violation reports one matched SoD rule.
type Violation struct {
	Groups   []string `json:"groups"`
	Severity string   `json:"severity"`
}

func (v Violation) String() string {
	return fmt.Sprintf("conflicting entitlements %v (severity: %s)", v.Groups, v.Severity)
}

// Engine evaluates birthright and SoD policy.
type Engine struct {
	birthright map[string][]string
	rules      []Rule
}

// NewEngine creates a policy engine. departments restricts the recognized
// birthright departments; nil or empty keeps the full built-in table.
func NewEngine(departments []string) *Engine {
	birthright := defaultBirthright
	if len(departments) > 0 {
		birthright = make(map[string][]string, len(departments))
		for _, d := range departments {
			if grants, ok := defaultBirthright[d]; ok {
				birthright[d] = grants
			}
		}
	}
	return &Engine{birthright: birthright, rules: defaultRules}
}

// Birthright returns the entitlement set granted automatically for a
// department: the base set plus the department table entry. Unknown
// departments get base access only. The result is sorted and deduplicated.
func (e *Engine) Birthright(department string) []string {
	seen := make(map[string]struct{})
	out := make([]string, 0, len(baseAccess)+4)
	for _, ent := range baseAccess {
		if _, ok := seen[ent]; !ok {
			seen[ent] = struct{}{}
			out = append(out, ent)
		}
	}
	for _, ent := range e.birthright[department] {
		if _, ok := seen[ent]; !ok {
			seen[ent] = struct{}{}
			out = append(out, ent)
		}
	}
	sort.Strings(out)
	return out
}

// Revocation returns the entitlements to remove when moving between
// departments: birthright(old) minus birthright(new). Base access lies in
// both sets and is therefore never revoked.
func (e *Engine) Revocation(oldDepartment, newDepartment string) []string {
	keep := make(map[string]struct{})
	for _, ent := range e.Birthright(newDepartment) {
		keep[ent] = struct{}{}
	}

	var out []string
	for _, ent := range e.Birthright(oldDepartment) {
		if _, ok := keep[ent]; !ok {
			out = append(out, ent)
		}
	}
	sort.Strings(out)
	return out
}

// SoDViolations returns a violation for each rule whose conflicting set is a
// subset of the given entitlements.
func (e *Engine) SoDViolations(entitlements []string) []Violation {
	held := make(map[string]struct{}, len(entitlements))
	for _, ent := range entitlements {
		held[ent] = struct{}{}
	}

	var out []Violation
	for _, rule := range e.rules {
		conflict := true
		for _, g := range rule.ConflictingGroups {
			if _, ok := held[g]; !ok {
				conflict = false
				break
			}
		}
		if conflict {
			out = append(out, Violation{Groups: rule.ConflictingGroups, Severity: rule.Severity})
		}
	}
	return out
}

// SplitEntitlement parses a "System:Group" string. The system name must be
// non-empty and must not itself contain a colon; the group is free text.
func SplitEntitlement(ent string) (system, group string, err error) {
	idx := strings.Index(ent, ":")
	if idx <= 0 || idx == len(ent)-1 {
		return "", "", fmt.Errorf("invalid entitlement %q: expected System:Group", ent)
	}
	return ent[:idx], ent[idx+1:], nil
}
