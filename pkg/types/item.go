package types

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SemaphoreAcquirer is the slice of the semaphore handler the item model
// needs to decide whether a job may start.
type SemaphoreAcquirer interface {
	Acquire(itemUUID string, job *Job, requestResources bool) bool
}

// QueueItem is a change's live position in a pipeline queue.
type QueueItem struct {
	UUID   string
	Change *Change
	Event  *EventInfo

	Queue *ChangeQueue

	// Live is true for directly enqueued items; ahead-of-live ancestors
	// enqueued only to provide context are non-live.
	Live bool
	// Active is true while the item is within the queue window.
	Active bool
	// Quiet suppresses start reports for the item.
	Quiet bool

	ItemAhead   *QueueItem
	ItemsBehind []*QueueItem

	EnqueueTime time.Time
	DequeueTime time.Time

	Bundle   *Bundle
	BuildSet *BuildSet

	// LayoutUUID points into the manager's layout cache; empty means the
	// layout has not been computed (or was invalidated).
	LayoutUUID string

	Reported        bool
	ReportedEnqueue bool
	ReportedStart   bool

	DequeuedNeedingChange bool
	DequeuedBundleFailing bool
}

// NewQueueItem creates an item for a change with a fresh build set.
func NewQueueItem(change *Change, event *EventInfo, queue *ChangeQueue) *QueueItem {
	item := &QueueItem{
		UUID:        uuid.New().String(),
		Change:      change,
		Event:       event,
		Queue:       queue,
		Live:        true,
		EnqueueTime: time.Now(),
	}
	item.BuildSet = NewBuildSet(item)
	return item
}

func (i *QueueItem) String() string {
	return fmt.Sprintf("<QueueItem %s for %s in %s>",
		i.UUID[:8], i.Change, i.Queue.Name)
}

// Pipeline returns the pipeline this item's queue belongs to.
func (i *QueueItem) Pipeline() *Pipeline {
	return i.Queue.Pipeline
}

// EventID returns the id of the triggering event, or "".
func (i *QueueItem) EventID() string {
	if i.Event == nil {
		return ""
	}
	return i.Event.ID
}

// ItemsAheadChain returns the items ahead of this one, nearest first.
func (i *QueueItem) ItemsAheadChain() []*QueueItem {
	var ahead []*QueueItem
	for cur := i.ItemAhead; cur != nil; cur = cur.ItemAhead {
		ahead = append(ahead, cur)
	}
	return ahead
}

// NonLiveItemsAhead returns the non-live items ahead, nearest first.
func (i *QueueItem) NonLiveItemsAhead() []*QueueItem {
	var ahead []*QueueItem
	for _, item := range i.ItemsAheadChain() {
		if !item.Live {
			ahead = append(ahead, item)
		}
	}
	return ahead
}

// ResetAllBuilds discards the current build set and starts over with a new
// one. The frozen job graph is discarded with it.
func (i *QueueItem) ResetAllBuilds() {
	i.BuildSet = NewBuildSet(i)
	i.LayoutUUID = ""
}

// GetJobs returns the frozen jobs for this item, or nil if the job graph
// has not been frozen.
func (i *QueueItem) GetJobs() []*Job {
	if i.BuildSet == nil || i.BuildSet.JobGraph == nil {
		return nil
	}
	return i.BuildSet.JobGraph.Jobs
}

// GetJob returns the frozen job with the given name, or nil.
func (i *QueueItem) GetJob(name string) *Job {
	if i.BuildSet == nil || i.BuildSet.JobGraph == nil {
		return nil
	}
	return i.BuildSet.JobGraph.GetJob(name)
}

// FreezeJobGraph fixes the set of jobs for this item from a layout. After
// this the repo state and jobs only change if the item is reset.
func (i *QueueItem) FreezeJobGraph(layout *Layout) error {
	ppc := layout.GetProjectPipelineConfig(i.Change.Key.Project, i.Pipeline().Name)
	graph := &JobGraph{}
	if ppc != nil {
		for _, job := range ppc.Jobs {
			if graph.GetJob(job.Name) != nil {
				return fmt.Errorf("job %q appears multiple times for project %s",
					job.Name, i.Change.Key.Project)
			}
			for _, dep := range job.Dependencies {
				found := false
				for _, other := range ppc.Jobs {
					if other.Name == dep {
						found = true
						break
					}
				}
				if !found {
					return fmt.Errorf("job %q depends on unknown job %q",
						job.Name, dep)
				}
			}
			graph.Jobs = append(graph.Jobs, job)
		}
		i.BuildSet.FailFast = ppc.FailFast
	}
	i.BuildSet.JobGraph = graph
	return nil
}

// SetResult records a build result and skips dependent jobs on failure.
func (i *QueueItem) SetResult(build *Build) {
	i.BuildSet.AddBuild(build)
	if build.Retry {
		i.BuildSet.RemoveBuild(build.JobName)
		return
	}
	if build.Failed() && i.BuildSet.JobGraph != nil {
		for _, dep := range i.BuildSet.JobGraph.DependentJobsRecursively(build.JobName) {
			if i.BuildSet.GetBuild(dep.Name) == nil {
				i.BuildSet.AddBuild(&Build{
					UUID:    uuid.New().String(),
					JobName: dep.Name,
					Result:  BuildSkipped,
				})
			}
		}
	}
}

// HasAnyJobFailed reports whether any voting job has a failing result.
func (i *QueueItem) HasAnyJobFailed() bool {
	for _, job := range i.GetJobs() {
		if !job.Voting {
			continue
		}
		build := i.BuildSet.GetBuild(job.Name)
		if build != nil && !build.Retry && build.Failed() {
			return true
		}
	}
	return false
}

// AreAllJobsComplete reports whether every frozen job has a final result.
// An item that cannot merge or has a broken configuration will never run
// jobs, so it counts as complete and becomes reportable.
func (i *QueueItem) AreAllJobsComplete() bool {
	if i.BuildSet != nil &&
		(i.BuildSet.UnableToMerge || len(i.BuildSet.ConfigErrors) > 0) {
		return true
	}
	if i.BuildSet == nil || i.BuildSet.JobGraph == nil {
		return false
	}
	for _, job := range i.GetJobs() {
		build := i.BuildSet.GetBuild(job.Name)
		if build == nil || build.Result == "" || build.Paused {
			return false
		}
	}
	return true
}

// DidAllJobsSucceed reports whether every voting job succeeded. Skipped
// jobs and non-voting failures do not count against the item.
func (i *QueueItem) DidAllJobsSucceed() bool {
	if i.BuildSet == nil || i.BuildSet.JobGraph == nil {
		return false
	}
	if !i.AreAllJobsComplete() {
		return false
	}
	for _, job := range i.GetJobs() {
		if !job.Voting {
			continue
		}
		build := i.BuildSet.GetBuild(job.Name)
		if build == nil || build.Failed() {
			return false
		}
	}
	return true
}

// DidMergerFail reports whether the merger could not produce a commit.
func (i *QueueItem) DidMergerFail() bool {
	return i.BuildSet.UnableToMerge
}

// GetConfigErrors returns configuration errors recorded on the item.
func (i *QueueItem) GetConfigErrors() []*ConfigError {
	return i.BuildSet.ConfigErrors
}

// SetConfigError records a single configuration error message against the
// item's own project and branch.
func (i *QueueItem) SetConfigError(msg string) {
	i.SetConfigErrors([]*ConfigError{{
		Project: i.Change.Key.Project,
		Branch:  i.Change.Key.Branch,
		Message: msg,
		Key:     fmt.Sprintf("%s/%s:%s", i.Change.Key.Project, i.Change.Key.Branch, msg),
	}})
}

// SetConfigErrors replaces the configuration errors recorded on the item.
func (i *QueueItem) SetConfigErrors(errs []*ConfigError) {
	i.BuildSet.ConfigErrors = errs
}

// SetUnableToMerge marks the item's change as unmergeable.
func (i *QueueItem) SetUnableToMerge() {
	i.BuildSet.UnableToMerge = true
	i.BuildSet.MergeState = StateComplete
}

// SetReportedResult records the final result that was (or will be)
// reported for the item.
func (i *QueueItem) SetReportedResult(result string) {
	i.BuildSet.Result = result
}

// ReportedResult returns the recorded final result, or "".
func (i *QueueItem) ReportedResult() string {
	return i.BuildSet.Result
}

// Warning attaches a warning message carried into reports.
func (i *QueueItem) Warning(msg string) {
	i.BuildSet.Warnings = append(i.BuildSet.Warnings, msg)
}

// SetDequeuedNeedingChange marks the item as dequeued because a change it
// depends on is no longer available.
func (i *QueueItem) SetDequeuedNeedingChange() {
	i.DequeuedNeedingChange = true
	i.SetReportedResult(BuildFailure)
}

// SetDequeuedBundleFailing marks the item as dequeued because its bundle
// is failing.
func (i *QueueItem) SetDequeuedBundleFailing() {
	i.DequeuedBundleFailing = true
	i.SetReportedResult(BuildFailure)
}

// WasDequeuedNeedingChange reports the missing-dependency dequeue flag.
func (i *QueueItem) WasDequeuedNeedingChange() bool {
	return i.DequeuedNeedingChange
}

// SetNodeRequestFailure records a node allocation failure as a build
// result so the job counts as complete and failed.
func (i *QueueItem) SetNodeRequestFailure(job *Job) {
	i.SetResult(&Build{
		UUID:    uuid.New().String(),
		JobName: job.Name,
		Result:  BuildNodeFailure,
	})
}

// jobReady reports whether all dependencies of a job have succeeded or are
// paused waiting on children.
func (i *QueueItem) jobReady(job *Job) bool {
	for _, dep := range job.Dependencies {
		build := i.BuildSet.GetBuild(dep)
		if build == nil {
			return false
		}
		if build.Paused {
			continue
		}
		if build.Result != BuildSuccess {
			return false
		}
	}
	return true
}

// FindJobsToRequest returns jobs that are ready for node allocation: their
// dependencies are satisfied, no request or allocation exists yet, and --
// unless the semaphore is resources-first -- the semaphore can be taken.
func (i *QueueItem) FindJobsToRequest(sem SemaphoreAcquirer) []*Job {
	var jobs []*Job
	if i.BuildSet.JobGraph == nil {
		return nil
	}
	for _, job := range i.GetJobs() {
		if i.BuildSet.GetBuild(job.Name) != nil {
			continue
		}
		if _, ok := i.BuildSet.GetJobNodeRequestID(job.Name); ok {
			continue
		}
		if i.BuildSet.GetJobNodeSetInfo(job.Name) != nil {
			continue
		}
		if !i.jobReady(job) {
			continue
		}
		if sem != nil && !sem.Acquire(i.UUID, job, true) {
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs
}

// FindJobsToRun returns jobs whose nodes are allocated, whose dependencies
// are satisfied, and whose semaphore can be acquired.
func (i *QueueItem) FindJobsToRun(sem SemaphoreAcquirer) []*Job {
	var jobs []*Job
	if i.BuildSet.JobGraph == nil {
		return nil
	}
	for _, job := range i.GetJobs() {
		if i.BuildSet.GetBuild(job.Name) != nil {
			continue
		}
		if i.BuildSet.GetJobNodeSetInfo(job.Name) == nil {
			continue
		}
		if !i.jobReady(job) {
			continue
		}
		if sem != nil && !sem.Acquire(i.UUID, job, false) {
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs
}

// IsBundleFailing reports whether any item in this item's bundle is
// failing or the bundle cannot merge.
func (i *QueueItem) IsBundleFailing() bool {
	if i.Bundle == nil {
		return false
	}
	if i.Bundle.CannotMerge || i.Bundle.FailedReporting {
		return true
	}
	for _, item := range i.Bundle.Items {
		if item.HasAnyJobFailed() || item.DidMergerFail() ||
			len(item.GetConfigErrors()) > 0 || item.DequeuedNeedingChange {
			return true
		}
	}
	return false
}

// DidBundleFinish reports whether every live item in the bundle has all
// jobs complete.
func (i *QueueItem) DidBundleFinish() bool {
	if i.Bundle == nil {
		return true
	}
	for _, item := range i.Bundle.Items {
		if item.Live && !item.AreAllJobsComplete() {
			return false
		}
	}
	return true
}

// DidBundleStartReporting reports whether this item's bundle has begun
// reporting its members.
func (i *QueueItem) DidBundleStartReporting() bool {
	return i.Bundle != nil && i.Bundle.StartedReporting
}

// CannotMergeBundle reports whether the bundle was found unmergeable just
// before reporting.
func (i *QueueItem) CannotMergeBundle() bool {
	return i.Bundle != nil && i.Bundle.CannotMerge
}

// IncludesConfigUpdates classifies configuration updates visible to this
// item: its own change, non-live items ahead, and its bundle members.
// Returns whether trusted (config-project) and untrusted updates exist.
func (i *QueueItem) IncludesConfigUpdates(layout *Layout) (bool, bool) {
	var trusted, untrusted bool
	classify := func(c *Change) {
		if !c.UpdatesConfig(layout) {
			return
		}
		if layout.IsTrustedProject(c.Key.Project) {
			trusted = true
		} else {
			untrusted = true
		}
	}
	for _, item := range i.NonLiveItemsAhead() {
		classify(item.Change)
	}
	if i.Bundle != nil {
		for _, item := range i.Bundle.Items {
			classify(item.Change)
		}
	}
	classify(i.Change)
	return trusted, untrusted
}
