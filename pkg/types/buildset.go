package types

import (
	"sort"

	"github.com/google/uuid"
)

// ResourceState tracks an asynchronous merger operation for a build set.
type ResourceState string

const (
	StateNew      ResourceState = "new"
	StatePending  ResourceState = "pending"
	StateComplete ResourceState = "complete"
)

// ConfigError describes a configuration problem surfaced by a layout load
// or a job graph freeze.
type ConfigError struct {
	Project string
	Branch  string
	Message string
	// Key is a stable-ish identity used to tell inherited errors apart
	// from errors introduced by the current item.
	Key string
}

// BuildSet is the execution context of one attempt to test an item. It is
// created on enqueue and replaced whenever the item is reset.
type BuildSet struct {
	UUID string
	Item *QueueItem

	MergeState     ResourceState
	FilesState     ResourceState
	RepoStateState ResourceState

	// Configured is set once the item's queue position has been frozen
	// into the dependent change list.
	Configured bool
	// DependentChanges lists the change refs tested together with this
	// item, furthest ahead first.
	DependentChanges []string

	// Commit is the merger-produced speculative merge commit.
	Commit string
	// Files holds per-merger-item changed file lists, nearest first.
	Files [][]string
	// RepoState maps connection/project to the refs the merger pinned.
	RepoState map[string]map[string]string

	JobGraph *JobGraph
	Builds   map[string]*Build
	// NodeRequests maps job name to the outstanding request id.
	NodeRequests map[string]string
	// NodeSets maps job name to the fulfilled node allocation.
	NodeSets map[string]*NodeSet

	UnableToMerge bool
	ConfigErrors  []*ConfigError
	FailFast      bool

	FailingReasons []string
	Warnings       []string
	// Result is the final reported result for the item, if any.
	Result string
}

// NewBuildSet creates an empty build set for an item.
func NewBuildSet(item *QueueItem) *BuildSet {
	return &BuildSet{
		UUID:           uuid.New().String(),
		Item:           item,
		MergeState:     StateNew,
		FilesState:     StateNew,
		RepoStateState: StateNew,
		Builds:         make(map[string]*Build),
		NodeRequests:   make(map[string]string),
		NodeSets:       make(map[string]*NodeSet),
		RepoState:      make(map[string]map[string]string),
	}
}

// GetBuild returns the build for a job, or nil.
func (bs *BuildSet) GetBuild(jobName string) *Build {
	return bs.Builds[jobName]
}

// AddBuild records a build for its job.
func (bs *BuildSet) AddBuild(build *Build) {
	bs.Builds[build.JobName] = build
}

// RemoveBuild forgets the build for a job, so the job may run again.
func (bs *BuildSet) RemoveBuild(jobName string) {
	delete(bs.Builds, jobName)
}

// GetBuilds returns all builds ordered by job name.
func (bs *BuildSet) GetBuilds() []*Build {
	builds := make([]*Build, 0, len(bs.Builds))
	for _, b := range bs.Builds {
		builds = append(builds, b)
	}
	sort.Slice(builds, func(i, j int) bool {
		return builds[i].JobName < builds[j].JobName
	})
	return builds
}

// SetJobNodeRequestID records the outstanding node request for a job.
func (bs *BuildSet) SetJobNodeRequestID(jobName, requestID string) {
	bs.NodeRequests[jobName] = requestID
}

// GetJobNodeRequestID returns the outstanding node request id for a job.
func (bs *BuildSet) GetJobNodeRequestID(jobName string) (string, bool) {
	id, ok := bs.NodeRequests[jobName]
	return id, ok
}

// RemoveJobNodeRequestID forgets the outstanding node request for a job.
func (bs *BuildSet) RemoveJobNodeRequestID(jobName string) {
	delete(bs.NodeRequests, jobName)
}

// SetJobNodeSetInfo records the fulfilled node allocation for a job.
func (bs *BuildSet) SetJobNodeSetInfo(jobName string, nodes *NodeSet) {
	bs.NodeSets[jobName] = nodes
}

// GetJobNodeSetInfo returns the node allocation for a job, or nil.
func (bs *BuildSet) GetJobNodeSetInfo(jobName string) *NodeSet {
	return bs.NodeSets[jobName]
}

// RemoveJobNodeSetInfo drops the node allocation for a job, used when a
// build is retried and new nodes must be requested.
func (bs *BuildSet) RemoveJobNodeSetInfo(jobName string) {
	delete(bs.NodeSets, jobName)
}

// SetExtraRepoState merges additional repo state from a global repo state
// merger run.
func (bs *BuildSet) SetExtraRepoState(state map[string]map[string]string) {
	for conn, projects := range state {
		if bs.RepoState[conn] == nil {
			bs.RepoState[conn] = make(map[string]string)
		}
		for project, ref := range projects {
			bs.RepoState[conn][project] = ref
		}
	}
}
