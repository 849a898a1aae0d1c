// blocker.go classifies error text into known environment blockers.
package intervention

import (
	"encoding/json"
	"strings"
	"sync"
	"time"
)

// Blocker categories.
const (
	CategoryDependencyFailure  = "dependency_failure"
	CategoryMigrationFailure   = "migration_failure"
	CategoryCacheUnavailable   = "cache_unavailable"
	CategoryDatabaseConnection = "database_connection"
	CategoryPortConflict       = "port_conflict"
	CategoryMissingModule      = "missing_module"
	CategoryCompileError       = "compile_error"
)

// Blocker is one detected environment fault.
type Blocker struct {
	Category      string    `json:"type"`
	Pattern       string    `json:"pattern"`
	Message       string    `json:"message"`
	DetectedAt    time.Time `json:"timestamp"`
	RequiresHuman bool      `json:"requires_human_intervention"`
}

// JSON renders the blocker for persistence and notification payloads.
func (b *Blocker) JSON() string {
	data, _ := json.Marshal(b)
	return string(data)
}

type blockerRule struct {
	category string
	patterns []string
}

// blockerRules is ordered: the first matching pattern decides the category.
var blockerRules = []blockerRule{
	{CategoryPortConflict, []string{
		"already in use",
		"address already in use",
		"bind: ",
		"eaddrinuse",
	}},
	{CategoryMigrationFailure, []string{
		"migration failed",
		"alembic",
		"prisma migrate",
	}},
	{CategoryCacheUnavailable, []string{
		"redis connection",
		"could not connect to redis",
		"memcached",
	}},
	{CategoryDatabaseConnection, []string{
		"could not connect to server",
		"connection to database",
		"pq: connection refused",
		"sqlstate 08",
	}},
	{CategoryDependencyFailure, []string{
		"pip install failed",
		"npm install failed",
		"could not resolve dependencies",
		"unable to resolve dependency",
	}},
	{CategoryMissingModule, []string{
		"modulenotfounderror",
		"no module named",
		"cannot find module",
		"cannot find package",
		"package not found",
	}},
	{CategoryCompileError, []string{
		"syntaxerror",
		"compilation failed",
		"type error",
		"typeerror",
		"undefined:",
	}},
}

// BlockerDetector matches error messages against the ordered pattern table
// and remembers everything it has detected for the session.
type BlockerDetector struct {
	mu       sync.Mutex
	detected []Blocker
}

// NewBlockerDetector returns an empty detector.
func NewBlockerDetector() *BlockerDetector {
	return &BlockerDetector{}
}

// Check classifies a message. Matching is case-insensitive and the first
// matching table entry wins. Returns (false, nil) when nothing matches.
func (d *BlockerDetector) Check(message string) (bool, *Blocker) {
	lower := strings.ToLower(message)

	for _, rule := range blockerRules {
		for _, pattern := range rule.patterns {
			if !strings.Contains(lower, pattern) {
				continue
			}
			b := Blocker{
				Category:      rule.category,
				Pattern:       pattern,
				Message:       message,
				DetectedAt:    time.Now(),
				RequiresHuman: true,
			}
			d.mu.Lock()
			d.detected = append(d.detected, b)
			d.mu.Unlock()
			return true, &b
		}
	}
	return false, nil
}

// Detected returns every blocker found so far, in detection order.
func (d *BlockerDetector) Detected() []Blocker {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Blocker, len(d.detected))
	copy(out, d.detected)
	return out
}
