package tool

// ConcurrencyPolicy controls how the Runner schedules a tool relative to
// the rest of its batch.
type ConcurrencyPolicy string

const (
	// Concurrent tools run in parallel tasks alongside the rest of the batch.
	Concurrent ConcurrencyPolicy = "CONCURRENT"
	// SerialAfterSideEffects tools run one at a time, in submission order,
	// once any side-effectful tool in the batch has started.
	SerialAfterSideEffects ConcurrencyPolicy = "SERIAL_AFTER_SIDE_EFFECTS"
	// Exclusive tools take a session-scoped write lock; every other tool in
	// the batch waits for them to finish.
	Exclusive ConcurrencyPolicy = "EXCLUSIVE"
)

// OffloadStrategy controls post-processing of a tool's raw output.
type OffloadStrategy string

const (
	// OffloadReadTool passes output through unchanged — the tool already
	// paginates/truncates itself (e.g. read).
	OffloadReadTool OffloadStrategy = "READ_TOOL"
	// OffloadOnThreshold truncates to a head-tail summary above a length
	// threshold, writing the full output to the artifacts directory.
	OffloadOnThreshold OffloadStrategy = "ON_THRESHOLD"
)

// Metadata is the scheduling/offload metadata a tool declares (spec §4.6).
type Metadata struct {
	Policy         ConcurrencyPolicy
	HasSideEffects bool
	Offload        OffloadStrategy
}

// PolicyAware is implemented by tools that declare their own metadata;
// tools that don't implement it fall back to defaultPolicy below.
type PolicyAware interface {
	Metadata() Metadata
}

// defaultPolicies covers every built-in tool. Kept separate from each
// tool's own type (most built-ins predate this contract and are plain
// struct types, not BaseTool) rather than forcing every tool file to grow
// a Metadata method — new tools are free to implement PolicyAware directly
// when they need something other than this table's default.
var defaultPolicies = map[string]Metadata{
	"read":     {Policy: Concurrent, HasSideEffects: false, Offload: OffloadReadTool},
	"glob":     {Policy: Concurrent, HasSideEffects: false, Offload: OffloadOnThreshold},
	"grep":     {Policy: Concurrent, HasSideEffects: false, Offload: OffloadOnThreshold},
	"list":     {Policy: Concurrent, HasSideEffects: false, Offload: OffloadOnThreshold},
	"webfetch": {Policy: Concurrent, HasSideEffects: false, Offload: OffloadOnThreshold},
	"todoread": {Policy: Concurrent, HasSideEffects: false, Offload: OffloadOnThreshold},
	"batch":    {Policy: Concurrent, HasSideEffects: false, Offload: OffloadOnThreshold},

	"Write":    {Policy: SerialAfterSideEffects, HasSideEffects: true, Offload: OffloadOnThreshold},
	"bash":     {Policy: SerialAfterSideEffects, HasSideEffects: true, Offload: OffloadOnThreshold},

	"edit":     {Policy: Exclusive, HasSideEffects: true, Offload: OffloadOnThreshold},
	"todowrite": {Policy: Exclusive, HasSideEffects: true, Offload: OffloadOnThreshold},

	"Task":     {Policy: Concurrent, HasSideEffects: true, Offload: OffloadOnThreshold},
	"Explore":  {Policy: Concurrent, HasSideEffects: true, Offload: OffloadOnThreshold},
	"WebAgent": {Policy: Concurrent, HasSideEffects: true, Offload: OffloadOnThreshold},
}

// MetadataFor resolves a tool's scheduling metadata: the tool's own
// PolicyAware implementation if present, else the built-in default table,
// else a safe CONCURRENT/no-side-effects/threshold-offload fallback for
// unknown tools (e.g. MCP-provided ones).
func MetadataFor(t Tool) Metadata {
	if pa, ok := t.(PolicyAware); ok {
		return pa.Metadata()
	}
	if m, ok := defaultPolicies[t.ID()]; ok {
		return m
	}
	return Metadata{Policy: Concurrent, HasSideEffects: false, Offload: OffloadOnThreshold}
}
