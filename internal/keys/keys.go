// Package keys centralizes Redis key construction.
// It is kept in internal to avoid leaking key formats to public API.
// Every key of a namespace shares the {ns} hash tag so Lua scripts touching
// several keys stay cluster-safe.
package keys

func prefix(ns string) string { return "vigil:{" + ns + "}:" }

// Record returns the hash key holding one record (fields: stage, data).
func Record(ns, kind, id string) string { return prefix(ns) + "rec:" + kind + ":" + id }

// Stage returns the set key listing the members ("kind:id") of a stage.
func Stage(ns, stage string) string { return prefix(ns) + "stage:" + stage }

// Checkpoint returns the set key tracking already-materialized source ids of a watcher.
func Checkpoint(ns, watcher string) string { return prefix(ns) + "checkpoint:" + watcher }

// Lock returns the string key used as a mutual-exclusion token for a resource.
func Lock(ns, resource string) string { return prefix(ns) + "lock:" + resource }

// Member builds the stage-set member for a record.
func Member(kind, id string) string { return kind + ":" + id }

// Namespace holds precomputed keys for a namespace to avoid repeated concatenations.
type Namespace struct {
	Name   string
	prefix string
}

// For returns a Namespace for the provided name.
func For(ns string) Namespace {
	return Namespace{Name: ns, prefix: prefix(ns)}
}

func (n Namespace) Record(kind, id string) string { return n.prefix + "rec:" + kind + ":" + id }
func (n Namespace) Stage(stage string) string     { return n.prefix + "stage:" + stage }
func (n Namespace) Checkpoint(watcher string) string {
	return n.prefix + "checkpoint:" + watcher
}
func (n Namespace) Lock(resource string) string { return n.prefix + "lock:" + resource }

// SplitMember parses a stage-set member back into kind and id. Kinds never
// contain ':' so the first separator wins.
func SplitMember(m string) (kind, id string, ok bool) {
	for i := 0; i < len(m); i++ {
		if m[i] == ':' {
			if i == 0 || i == len(m)-1 {
				return "", "", false
			}
			return m[:i], m[i+1:], true
		}
	}
	return "", "", false
}
