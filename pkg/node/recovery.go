package node

import (
	"fmt"
	"strconv"
	"strings"
)

// FileKind classifies a node-directory entry by its recovery-relevant
// naming convention.
type FileKind int

const (
	KindSealed     FileKind = iota // NNNNN.db
	KindIncomplete                 // PPPPP.NNNNN.db.incomplete
	KindSeal                       // PPPPP.NNNNN.db.seal
	KindGC                         // NNNNN.db.gc
)

// FileEntry is one parsed node-directory entry.
type FileEntry struct {
	Name     string
	Kind     FileKind
	ParentID uint64 // only meaningful for KindIncomplete/KindSeal
	NodeID   uint64
}

// FinalName is the canonical sealed-node filename for a node id.
func FinalName(id uint64) string { return fmt.Sprintf("%05d.db", id) }

// SealName is the not-yet-promoted output of a split or in-place
// compaction rewrite: parentID names the node being superseded,
// childID the node the rebuilt content will become once promoted. An
// in-place compaction (no split) uses the same id for both, so its
// seal is self-parented; PlanRecovery only needs the pair to decide
// whether parentID's old file is still safe to delete.
func SealName(parentID, childID uint64) string {
	return fmt.Sprintf("%05d.%05d.db.seal", parentID, childID)
}

// GCName is the filename a superseded node's file is renamed to once
// its replacement's seal has been durably written, right before the
// seal is promoted over FinalName(parentID).
func GCName(parentID uint64) string {
	return fmt.Sprintf("%05d.db.gc", parentID)
}

// ParseFileName classifies name, recovery naming
// convention, returning ok=false for anything else in the directory
// (the schema file, WAL segments, etc.).
func ParseFileName(name string) (FileEntry, bool) {
	parts := strings.Split(name, ".")
	switch {
	case len(parts) == 2 && parts[1] == "db":
		id, err := strconv.ParseUint(parts[0], 10, 64)
		if err != nil {
			return FileEntry{}, false
		}
		return FileEntry{Name: name, Kind: KindSealed, NodeID: id}, true

	case len(parts) == 3 && parts[1] == "db" && parts[2] == "gc":
		id, err := strconv.ParseUint(parts[0], 10, 64)
		if err != nil {
			return FileEntry{}, false
		}
		return FileEntry{Name: name, Kind: KindGC, NodeID: id}, true

	case len(parts) == 4 && parts[2] == "db" && (parts[3] == "incomplete" || parts[3] == "seal"):
		parent, err := strconv.ParseUint(parts[0], 10, 64)
		if err != nil {
			return FileEntry{}, false
		}
		id, err := strconv.ParseUint(parts[1], 10, 64)
		if err != nil {
			return FileEntry{}, false
		}
		kind := KindIncomplete
		if parts[3] == "seal" {
			kind = KindSeal
		}
		return FileEntry{Name: name, Kind: kind, ParentID: parent, NodeID: id}, true

	default:
		return FileEntry{}, false
	}
}

// Plan is the result of applying per-parent recovery
// policy to a node directory's file listing.
type Plan struct {
	Delete  []string          // files to remove
	Rename  map[string]string // old name -> FinalName(id), to promote a completed compaction output
	Sealed  []uint64          // node ids already present as a final NNNNN.db
}

// PlanRecovery classifies every entry in names and decides what
// recovery must do: invalidate half-compacted output, promote
// fully-sealed output, and reap GC remnants ("Recovery
// policy is per parent" paragraph).
func PlanRecovery(names []string) Plan {
	byParent := map[uint64][]FileEntry{}
	plan := Plan{Rename: map[string]string{}}

	for _, n := range names {
		e, ok := ParseFileName(n)
		if !ok {
			continue
		}
		switch e.Kind {
		case KindSealed:
			plan.Sealed = append(plan.Sealed, e.NodeID)
		case KindGC:
			plan.Delete = append(plan.Delete, e.Name)
		case KindIncomplete, KindSeal:
			byParent[e.ParentID] = append(byParent[e.ParentID], e)
		}
	}

	for parent, children := range byParent {
		hasIncomplete, hasSeal := false, false
		for _, c := range children {
			switch c.Kind {
			case KindIncomplete:
				hasIncomplete = true
			case KindSeal:
				hasSeal = true
			}
		}
		if hasIncomplete {
			// "if a parent has both .incomplete and .seal children,
			// all children are invalid" — and an .incomplete child
			// alone is just as invalid on its own.
			for _, c := range children {
				plan.Delete = append(plan.Delete, c.Name)
			}
			continue
		}
		if hasSeal {
			for _, c := range children {
				plan.Rename[c.Name] = FinalName(c.NodeID)
			}
			plan.Delete = append(plan.Delete, FinalName(parent))
		}
	}

	return plan
}
