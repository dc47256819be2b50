// Package episode implements the Episode Store (SPEC_FULL §4.4): a row
// store backed by badger, the configured Vector Index, the B+ Tree Time
// Index, and an episode-link adjacency with cycle detection, composed
// behind one createEpisode/update/query surface with locally-ordered
// rollback on partial failure.
package episode

import "time"

// Outcome classifies how a task execution concluded.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomePartial Outcome = "partial"
)

// LinkType classifies the directed relation between two episodes.
type LinkType string

const (
	LinkSequence     LinkType = "sequence"
	LinkReference    LinkType = "reference"
	LinkContinuation LinkType = "continuation"
	LinkCausal       LinkType = "causal"
	LinkTemporal     LinkType = "temporal"
	LinkSemantic     LinkType = "semantic"
	LinkDependency   LinkType = "dependency"
)

const (
	maxLinkedEpisodes = 100
	maxOutDegree      = 100
	maxMetadataBytes  = 100 * 1024
)

// Metadata carries the free-form fields attached to an Episode.
type Metadata struct {
	AgentType        string         `json:"agentType,omitempty"`
	TaskDescription  string         `json:"taskDescription,omitempty"`
	Outcome          Outcome        `json:"outcome,omitempty"`
	Tags             []string       `json:"tags,omitempty"`
	Extra            map[string]any `json:"extra,omitempty"`
}

// Episode is an immutable-identity record of one task execution.
type Episode struct {
	ID              string    `json:"id"`
	TaskID          string    `json:"taskId"`
	StartTime       int64     `json:"startTime"`
	EndTime         *int64    `json:"endTime,omitempty"`
	Embedding       []float32 `json:"embedding"`
	Metadata        Metadata  `json:"metadata"`
	LinkedEpisodes  []string  `json:"linkedEpisodes"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// Link is a directed edge between two episodes.
type Link struct {
	Source string   `json:"source"`
	Target string   `json:"target"`
	Type   LinkType `json:"type"`
}

// CreateOpts parameterizes createEpisode.
type CreateOpts struct {
	TaskID         string
	StartTime      *int64
	EndTime        *int64
	Embedding      []float32
	Metadata       Metadata
	LinkedEpisodes []string
}

// UpdatePatch is the set of fields update(id, patch) may change.
type UpdatePatch struct {
	StartTime      *int64
	EndTime        *int64
	Embedding      []float32
	LinkedEpisodes []string
	MetadataMerge  map[string]any
}

// TimeRangeQuery parameterizes queryByTimeRange.
type TimeRangeQuery struct {
	StartTime      int64
	EndTime        int64
	IncludeOngoing bool
	Limit          int
}

// SimilarityQuery parameterizes searchBySimilarity.
type SimilarityQuery struct {
	Embedding     []float32
	K             int
	MinSimilarity float64
	TaskIDs       []string
}

// SimilarityHit pairs an Episode with its similarity to the query embedding.
type SimilarityHit struct {
	Episode    Episode
	Similarity float64
}

// Context is the three-way result of getEpisodeContext.
type Context struct {
	Direct   []Episode
	Temporal []Episode
	Semantic []SimilarityHit
}
