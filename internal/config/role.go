package config

import "strings"

// Role is the functional category of an agent. Pipelines route stages by role.
type Role string

const (
	RoleImplementer Role = "implementer"
	RoleAnalyzer    Role = "analyzer"
	RoleMerger      Role = "merger"
	RoleBuilder     Role = "builder"
	RoleScanner     Role = "scanner"
	RoleIndexer     Role = "indexer"
	RoleMonitor     Role = "monitor"
	RoleResearcher  Role = "researcher"
	RolePlanner     Role = "planner"
	RoleFree        Role = "free"
)

// roleDirs are the agents/ subdirectories searched after agents/ itself.
var roleDirs = []string{
	"implementers",
	"analyzers",
	"mergers",
	"builders",
	"scanners",
	"indexers",
	"monitors",
	"researchers",
	"planners",
}

var roleKeywords = []struct {
	keyword string
	role    Role
}{
	{"implement", RoleImplementer},
	{"analyz", RoleAnalyzer},
	{"merge", RoleMerger},
	{"build", RoleBuilder},
	{"scan", RoleScanner},
	{"security", RoleScanner},
	{"audit", RoleScanner},
	{"index", RoleIndexer},
	{"monitor", RoleMonitor},
	{"research", RoleResearcher},
	{"plan", RolePlanner},
}

// AllRoles returns every role in display order.
func AllRoles() []Role {
	return []Role{
		RoleImplementer, RoleAnalyzer, RoleMerger, RoleBuilder, RoleScanner,
		RoleIndexer, RoleMonitor, RoleResearcher, RolePlanner, RoleFree,
	}
}

// ValidRole reports whether r is a known role.
func ValidRole(r Role) bool {
	for _, known := range AllRoles() {
		if r == known {
			return true
		}
	}
	return false
}

// InferRole derives a role from an agent name. Every keyword is located in the
// lower-cased name and the match starting furthest to the right wins, so
// "security-scan-builder" is a builder. "plan" inside "explanation" is ignored.
func InferRole(name string) Role {
	lower := strings.ToLower(name)
	best, bestAt := RoleFree, -1
	for _, kw := range roleKeywords {
		at := lastKeywordIndex(lower, kw.keyword)
		if at > bestAt {
			best, bestAt = kw.role, at
		}
	}
	return best
}

func lastKeywordIndex(s, keyword string) int {
	end := len(s)
	for end > 0 {
		at := strings.LastIndex(s[:end], keyword)
		if at < 0 {
			return -1
		}
		if keyword == "plan" && at >= 2 && strings.HasPrefix(s[at-2:], "explan") {
			end = at
			continue
		}
		return at
	}
	return -1
}
