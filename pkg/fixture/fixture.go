// Package fixture loads the YAML scenario files that drive
// test/integration's end-to-end suite: each file names a scenario and
// an ordered list of steps, decoded straight off its YAML tags rather
// than through a bespoke parser, the same way cmd/ldbctl's callers
// would decode a resource file.
package fixture

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

// Scenario is one end-to-end script: a name, the databases to open
// against a fresh environment, and an ordered list of steps replayed
// against them in sequence.
type Scenario struct {
	Name      string         `yaml:"name"`
	Databases []DatabaseSpec `yaml:"databases,omitempty"`
	Steps     []Step         `yaml:"steps"`
}

// DatabaseSpec declares one database a scenario opens. ExpireSeconds
// and CompactBranchWatermark are the only per-scenario knobs any
// fixture currently needs to tune; everything else about a scenario's
// databases (schema, page/node size) is fixed by the harness that
// replays Scenario.
type DatabaseSpec struct {
	Name                   string `yaml:"name"`
	ExpireSeconds          uint32 `yaml:"expireSeconds,omitempty"`
	CompactBranchWatermark int    `yaml:"compactBranchWatermark,omitempty"`
}

// Step is one action in a scenario. Only the fields relevant to Op
// are populated; everything else is left at its zero value. Row/Key
// are plain field-name -> value maps (both fields are strings in
// every fixture this package currently loads) rather than a
// schema-typed structure, since the fixtures only ever exercise the
// two-column id/v schema the integration suite's databases share.
type Step struct {
	// Op selects the action: set, upsert, delete, get, begin, commit,
	// rollback, scan, reopen, sleep, branch, checkpoint, compact,
	// crash_compact, expire.
	Op string `yaml:"op"`

	// Database names which declared database the op targets; empty
	// defaults to the scenario's sole database.
	Database string `yaml:"db,omitempty"`

	// Tx names a transaction handle shared across begin/set/upsert/
	// delete/get/commit/rollback steps, so a scenario can interleave
	// more than one in-flight transaction (the MVCC conflict script).
	// Empty means autocommit — run directly against the database with
	// no explicit Begin/Commit bracketing.
	Tx string `yaml:"tx,omitempty"`

	Row    map[string]string `yaml:"row,omitempty"`
	Key    map[string]string `yaml:"key,omitempty"`
	Prefix string            `yaml:"prefix,omitempty"`

	Node  uint64 `yaml:"node,omitempty"`
	Sleep string `yaml:"sleep,omitempty"` // time.ParseDuration syntax

	Expect *Expect `yaml:"expect,omitempty"`
}

// Expect is a step's optional assertion against its own result.
type Expect struct {
	// Present, when non-nil, asserts a get step's found flag.
	Present *bool `yaml:"present,omitempty"`
	// Value asserts a get step's row, field by field.
	Value map[string]string `yaml:"value,omitempty"`
	// Outcome asserts a commit/set/upsert/delete step's mvcc.Outcome,
	// by its String() form: "OK", "ROLLBACK", "LOCK".
	Outcome string `yaml:"outcome,omitempty"`
	// Rows asserts a scan step's ordered results, field maps in
	// cursor order.
	Rows []map[string]string `yaml:"rows,omitempty"`
}

// Load reads and decodes one scenario from path.
func Load(path string) (Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Scenario{}, fmt.Errorf("fixture: read %s: %w", path, err)
	}
	var s Scenario
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Scenario{}, fmt.Errorf("fixture: parse %s: %w", path, err)
	}
	if s.Name == "" {
		s.Name = filepath.Base(path)
	}
	return s, nil
}

// LoadDir reads every *.yaml file directly under dir, sorted by
// filename so a test run's order is stable and reproducible.
func LoadDir(dir string) ([]Scenario, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, fmt.Errorf("fixture: glob %s: %w", dir, err)
	}
	sort.Strings(matches)

	scenarios := make([]Scenario, 0, len(matches))
	for _, m := range matches {
		s, err := Load(m)
		if err != nil {
			return nil, err
		}
		scenarios = append(scenarios, s)
	}
	return scenarios, nil
}
