package graphstore

import "time"

// Call edge kinds stored on CALLS edges.
const (
	// CallDirect marks a statically resolved call site.
	CallDirect = "direct"

	// CallFptr marks a call through a function pointer.
	CallFptr = "fptr"
)

// HarnessBackend is the backend attribute stamped on CALLS edges that
// originate from harness parsing rather than pointer analysis.
const HarnessBackend = "harness"

// FunctionKey identifies a function within a snapshot. The pair
// disambiguates same-named functions across translation units. An
// external function carries an empty FilePath.
type FunctionKey struct {
	Name     string `json:"name"`
	FilePath string `json:"file_path"`
}

// FunctionRecord is one function with source provenance. A record with
// an empty FilePath has no analyzed body and is stored as an External
// node carrying only its name.
type FunctionRecord struct {
	Name         string   `json:"name"`
	FilePath     string   `json:"file_path"`
	StartLine    int      `json:"start_line"`
	EndLine      int      `json:"end_line"`
	Content      string   `json:"-"`
	Language     string   `json:"language,omitempty"`
	ReturnType   string   `json:"return_type,omitempty"`
	Parameters   []string `json:"parameters,omitempty"`
	Complexity   int      `json:"cyclomatic_complexity,omitempty"`
	IsEntryPoint bool     `json:"is_entry_point,omitempty"`
	Confidence   float64  `json:"confidence,omitempty"`
}

// Key returns the identity of the record.
func (r FunctionRecord) Key() FunctionKey {
	return FunctionKey{Name: r.Name, FilePath: r.FilePath}
}

// FunctionInfo is a body-free listing row for a function.
type FunctionInfo struct {
	Name         string `json:"name"`
	FilePath     string `json:"file_path"`
	StartLine    int    `json:"start_line"`
	EndLine      int    `json:"end_line"`
	Language     string `json:"language,omitempty"`
	IsEntryPoint bool   `json:"is_entry_point,omitempty"`
}

// CallEdge is one call-graph edge for import. Endpoints with an empty
// path are resolved by name against the imported functions.
type CallEdge struct {
	CallerName string
	CallerPath string
	CalleeName string
	CalleePath string
	CallType   string
	Confidence float64
	Backend    string
}

// CallSite is one caller or callee of a function together with the
// attributes of the connecting CALLS edge.
type CallSite struct {
	Name       string  `json:"name"`
	FilePath   string  `json:"file_path,omitempty"`
	External   bool    `json:"external,omitempty"`
	CallType   string  `json:"call_type"`
	Confidence float64 `json:"confidence"`
	Backend    string  `json:"backend"`
}

// FuzzerFile is one harness source file. Source is omitted by listing
// queries and populated by metadata fetches.
type FuzzerFile struct {
	Path   string `json:"path"`
	Source string `json:"source,omitempty"`
}

// FuzzerInfo describes one fuzzer for import. Files must be non-empty;
// the first entry is the primary harness source whose path distinguishes
// the fuzzer's entry function node. LibraryTargets are the names of
// library functions invoked from the entry function's closure.
type FuzzerInfo struct {
	Name           string
	EntryFunction  string
	Files          []FuzzerFile
	Focus          string
	Language       string
	LibraryTargets []string
}

// FuzzerRecord is the stored form of a fuzzer node, including its
// single ENTRY edge target.
type FuzzerRecord struct {
	Name          string       `json:"name"`
	EntryFunction string       `json:"entry_function"`
	EntryFile     string       `json:"entry_file"`
	Focus         string       `json:"focus,omitempty"`
	Files         []FuzzerFile `json:"files"`
}

// ReachRecord is one materialized reachability fact: the minimum call
// depth from the fuzzer's entry function to the target function.
type ReachRecord struct {
	FuzzerName       string `json:"fuzzer_name"`
	FunctionName     string `json:"function_name"`
	FunctionFilePath string `json:"function_file_path"`
	Depth            int    `json:"depth"`
}

// ReachedFunction is one row of a per-fuzzer reachability listing.
type ReachedFunction struct {
	Name     string `json:"name"`
	FilePath string `json:"file_path"`
	Depth    int    `json:"depth"`
}

// SubgraphNode is one node of an N-hop subtree.
type SubgraphNode struct {
	Name     string `json:"name"`
	FilePath string `json:"file_path,omitempty"`
	External bool   `json:"external,omitempty"`
}

// SubgraphEdge is one edge of an N-hop subtree.
type SubgraphEdge struct {
	From       FunctionKey `json:"from"`
	To         FunctionKey `json:"to"`
	CallType   string      `json:"call_type"`
	Confidence float64     `json:"confidence"`
}

// Subgraph is a local N-hop neighborhood used for visualization.
type Subgraph struct {
	Root  FunctionKey    `json:"root"`
	Nodes []SubgraphNode `json:"nodes"`
	Edges []SubgraphEdge `json:"edges"`
}

// Statistics summarizes one committed snapshot.
type Statistics struct {
	SnapshotID       string         `json:"snapshot_id"`
	RepoURL          string         `json:"repo_url"`
	Version          string         `json:"version"`
	Backend          string         `json:"backend"`
	CreatedAt        time.Time      `json:"created_at"`
	FunctionCount    int            `json:"function_count"`
	ExternalCount    int            `json:"external_count"`
	FuzzerCount      int            `json:"fuzzer_count"`
	CallCount        int            `json:"call_count"`
	ReachCount       int            `json:"reach_count"`
	DepthHistogram   map[int]int    `json:"depth_histogram"`
	ReachedPerFuzzer map[string]int `json:"reached_per_fuzzer"`
}

// RawEntry is one key-value pair returned by the raw scan escape hatch.
type RawEntry struct {
	Key   []byte
	Value []byte
}

// snapshotMeta is the stored Snapshot node.
type snapshotMeta struct {
	ID        string    `json:"id"`
	RepoURL   string    `json:"repo_url"`
	Version   string    `json:"version"`
	Backend   string    `json:"backend"`
	CreatedAt time.Time `json:"created_at"`
}

// edgeAttr is the stored value of a CALLS edge; the endpoints and call
// type live in the key.
type edgeAttr struct {
	Confidence float64 `json:"confidence"`
	Backend    string  `json:"backend"`
}

// reachAttr is the stored value of a REACHES edge.
type reachAttr struct {
	Depth int `json:"depth"`
}
