// Package planner computes a deterministic, typed sync plan over a Rust
// crate's path dependencies.
//
// It is a pure filesystem read: given an entry manifest and a canonical-root
// policy, it resolves path dependencies to their canonical absolute paths,
// recurses over the resulting graph, and topologically sorts the result so
// dependencies always precede their dependents. Any dependency that escapes
// the configured canonical root forces a FailOpen plan rather than a hard
// error — the planner's caller (the executor) must still proceed, falling
// back to a conservative whole-tree upload.
package planner

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// State is the overall outcome of planning.
type State int

const (
	StateReady State = iota
	StateFailOpen
)

func (s State) String() string {
	if s == StateFailOpen {
		return "fail_open"
	}
	return "ready"
}

// Risk classifies how much a package root complicates the sync.
type Risk int

const (
	RiskLow Risk = iota
	RiskMedium
	RiskHigh
)

func (r Risk) String() string {
	switch r {
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	default:
		return "low"
	}
}

// EntryReason explains why a package root appears in the sync order.
type EntryReason int

const (
	ReasonEntryPoint EntryReason = iota
	ReasonTransitivePathDependency
	ReasonAliasEntryPoint
)

func (r EntryReason) String() string {
	switch r {
	case ReasonEntryPoint:
		return "entry_point"
	case ReasonAliasEntryPoint:
		return "alias_entry_point"
	default:
		return "transitive_path_dependency"
	}
}

// SyncEntry is one package root in the plan's sync order.
type SyncEntry struct {
	PackageRoot string // canonical absolute path
	Risk        Risk
	OrderIndex  int
	Reason      EntryReason
}

// Plan is the full dependency closure plan for one entry manifest.
type Plan struct {
	State         State
	SyncOrder     []SyncEntry
	FailOpenReason string
	Issues        []string
}

// PathTopologyPolicy bounds where the planner is allowed to look.
type PathTopologyPolicy struct {
	CanonicalRoot string
	AliasRoot     string // optional symlink view of CanonicalRoot; "" if unused
}

// MaxDirectPathDepsForLowRisk caps direct path dependencies a package can
// carry before its sync entry is downgraded from Low to Medium risk.
const MaxDirectPathDepsForLowRisk = 32

// manifest is the subset of Cargo.toml the planner needs.
type manifest struct {
	Package struct {
		Name string `toml:"name"`
	} `toml:"package"`
	Dependencies    map[string]interface{} `toml:"dependencies"`
	DevDependencies map[string]interface{} `toml:"dev-dependencies"`
}

type packageNode struct {
	canonicalRoot string
	pathDeps      []string // canonical roots of direct path dependencies
	warning       bool     // e.g. dirty working tree, feature cycle — non-fatal
}

// Compute builds the closure plan for entryPath, which may itself be a
// symlink alias of the canonical project root; aliasing never changes the
// resulting package roots or their order, since every path is canonicalized
// before comparison. An entry reached through policy.AliasRoot is tagged
// ReasonAliasEntryPoint instead of ReasonEntryPoint.
func Compute(entryPath string, policy PathTopologyPolicy) *Plan {
	canonicalEntry, err := canonicalize(entryPath)
	if err != nil {
		return failOpen("outside_canonical_root", fmt.Sprintf("cannot resolve entry path: %v", err))
	}

	canonicalRoot, err := canonicalize(policy.CanonicalRoot)
	if err != nil {
		return failOpen("outside_canonical_root", fmt.Sprintf("cannot resolve canonical root: %v", err))
	}
	if !underRoot(canonicalEntry, canonicalRoot) {
		return failOpen("outside_canonical_root", fmt.Sprintf("%s is not under %s", canonicalEntry, canonicalRoot))
	}

	aliasEntry := isAliasEntry(entryPath, canonicalEntry, policy.AliasRoot)

	nodes := map[string]*packageNode{}
	var issues []string
	ok := resolveClosure(canonicalEntry, canonicalRoot, nodes, &issues)
	if !ok {
		// resolveClosure appended the precise reason to issues already.
		return failOpenWithIssues(issues[len(issues)-1], issues)
	}

	order, err := topoSort(canonicalEntry, nodes)
	if err != nil {
		return failOpenWithIssues("dependency_cycle", append(issues, err.Error()))
	}

	entries := make([]SyncEntry, 0, len(order))
	for i, root := range order {
		reason := ReasonTransitivePathDependency
		if root == canonicalEntry {
			reason = ReasonEntryPoint
			if aliasEntry {
				reason = ReasonAliasEntryPoint
			}
		}
		node := nodes[root]
		risk := RiskLow
		if len(node.pathDeps) > MaxDirectPathDepsForLowRisk {
			risk = RiskMedium
		}
		if node.warning {
			risk = RiskHigh
		}
		entries = append(entries, SyncEntry{
			PackageRoot: root,
			Risk:        risk,
			OrderIndex:  i,
			Reason:      reason,
		})
	}

	return &Plan{State: StateReady, SyncOrder: entries, Issues: issues}
}

func failOpen(reason, issue string) *Plan {
	return &Plan{State: StateFailOpen, FailOpenReason: reason, Issues: []string{issue}}
}

func failOpenWithIssues(reason string, issues []string) *Plan {
	return &Plan{State: StateFailOpen, FailOpenReason: reason, Issues: issues}
}

// resolveClosure walks path dependencies depth-first, memoizing by
// canonical path. Returns false if any dependency
// forces a fail-open condition; in that case the last entry in *issues is
// the fail-open reason string to surface to the caller.
func resolveClosure(root, canonicalRoot string, nodes map[string]*packageNode, issues *[]string) bool {
	if _, seen := nodes[root]; seen {
		return true
	}
	manifestPath := filepath.Join(root, "Cargo.toml")
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		*issues = append(*issues, manifestPath)
		*issues = append(*issues, "invalid_manifest")
		return false
	}
	var m manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		*issues = append(*issues, manifestPath)
		*issues = append(*issues, "invalid_manifest")
		return false
	}

	node := &packageNode{canonicalRoot: root}
	nodes[root] = node

	for _, rel := range pathDependencies(m.Dependencies) {
		depCanonical, ok := resolveDep(root, rel, canonicalRoot, issues)
		if !ok {
			return false
		}
		node.pathDeps = append(node.pathDeps, depCanonical)
		if !resolveClosure(depCanonical, canonicalRoot, nodes, issues) {
			return false
		}
	}
	sort.Strings(node.pathDeps)

	// Dev-dependency path deps join the closure (they must land on the
	// worker for `cargo test`) but contribute no ordering edge, since cargo
	// allows dev-dep cycles that would otherwise read as a planning cycle.
	// Their presence downgrades the declaring package to a warning: the
	// emitted order is not guaranteed complete for dev-only edges.
	for _, rel := range pathDependencies(m.DevDependencies) {
		depCanonical, ok := resolveDep(root, rel, canonicalRoot, issues)
		if !ok {
			return false
		}
		node.warning = true
		if !resolveClosure(depCanonical, canonicalRoot, nodes, issues) {
			return false
		}
	}
	return true
}

// resolveDep canonicalizes one declared path dependency of root, appending
// the fail-open reason to issues when it cannot be resolved or escapes the
// canonical root.
func resolveDep(root, rel, canonicalRoot string, issues *[]string) (string, bool) {
	depAbs := filepath.Join(root, rel)
	depCanonical, err := canonicalize(depAbs)
	if err != nil {
		*issues = append(*issues, depAbs)
		*issues = append(*issues, "invalid_manifest")
		return "", false
	}
	if !underRoot(depCanonical, canonicalRoot) {
		*issues = append(*issues, depCanonical)
		*issues = append(*issues, "outside_canonical_dep")
		return "", false
	}
	return depCanonical, true
}

// pathDependencies extracts the "path" field from a Cargo.toml dependency
// table; string-form dependencies (bare version requirements) are skipped —
// only path dependencies participate in the sync closure.
func pathDependencies(deps map[string]interface{}) []string {
	var out []string
	for _, v := range deps {
		table, ok := v.(map[string]interface{})
		if !ok {
			continue
		}
		p, ok := table["path"].(string)
		if !ok || p == "" {
			continue
		}
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// topoSort orders dependencies before dependents, breaking ties between
// siblings by canonical path, with the entry package always last.
func topoSort(entry string, nodes map[string]*packageNode) ([]string, error) {
	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := map[string]int{}
	var order []string

	var visit func(root string) error
	visit = func(root string) error {
		switch color[root] {
		case black:
			return nil
		case grey:
			return fmt.Errorf("cycle detected at %s", root)
		}
		color[root] = grey
		node := nodes[root]
		deps := append([]string(nil), node.pathDeps...)
		sort.Strings(deps)
		for _, d := range deps {
			if err := visit(d); err != nil {
				return err
			}
		}
		color[root] = black
		order = append(order, root)
		return nil
	}

	// Visit in deterministic (lexicographic) order so independent subtrees
	// are always emitted in the same relative order across runs.
	roots := make([]string, 0, len(nodes))
	for r := range nodes {
		if r != entry {
			roots = append(roots, r)
		}
	}
	sort.Strings(roots)
	for _, r := range roots {
		if err := visit(r); err != nil {
			return nil, err
		}
	}
	if err := visit(entry); err != nil {
		return nil, err
	}
	return order, nil
}

// isAliasEntry reports whether the caller handed in the entry through the
// configured alias root rather than the canonical tree: the raw path sits
// lexically under aliasRoot and resolves to a different canonical path.
func isAliasEntry(rawEntry, canonicalEntry, aliasRoot string) bool {
	if aliasRoot == "" {
		return false
	}
	absEntry, err := filepath.Abs(rawEntry)
	if err != nil {
		return false
	}
	absAlias, err := filepath.Abs(aliasRoot)
	if err != nil {
		return false
	}
	return underRoot(absEntry, absAlias) && absEntry != canonicalEntry
}

func canonicalize(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", err
	}
	return resolved, nil
}

func underRoot(path, root string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
