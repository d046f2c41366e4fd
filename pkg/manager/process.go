package manager

import (
	"errors"

	"github.com/gantrycd/gantry/pkg/log"
	"github.com/gantrycd/gantry/pkg/types"
)

// ProcessQueue runs one pass over every queue of the pipeline, advancing
// each item as far as it can go. Returns true if anything changed, in
// which case the caller should run another pass.
func (m *PipelineManager) ProcessQueue() bool {
	m.log.Debug().Msg("Starting queue processor")
	changed := false
	queues := append([]*types.ChangeQueue(nil), m.pipeline.Queues...)
	for _, queue := range queues {
		var nnfi *types.QueueItem
		items := append([]*types.QueueItem(nil), queue.Items...)
		for _, item := range items {
			itemChanged, next := m.processOneItem(item, nnfi)
			nnfi = next
			if itemChanged {
				changed = true
			}
			m.reportStats(item, false)
		}
	}
	m.maintainCache()
	m.log.Debug().Bool("changed", changed).Msg("Finished queue processor")
	return changed
}

// processOneItem advances a single item. nnfi is the nearest non-failing
// item ahead in the queue; every live item must be based on it.
func (m *PipelineManager) processOneItem(item *types.QueueItem,
	nnfi *types.QueueItem) (bool, *types.QueueItem) {
	logger := log.WithEvent(m.log, item.EventID())
	changed := false
	ready := false
	dequeued := false
	var failingReasons []string

	itemAhead := item.ItemAhead
	if itemAhead != nil && !itemAhead.Live {
		itemAhead = nil
	}
	queue := item.Queue

	if !m.policy.CheckForChangesNeededBy(item.Change, queue, item.Event) {
		// The change's dependencies are gone; it can no longer merge.
		logger.Info().Stringer("change", item.Change).
			Msg("Dequeuing change because it can no longer merge")
		m.cancelJobs(item, true)
		if item.IsBundleFailing() {
			item.SetDequeuedBundleFailing()
		} else {
			item.SetDequeuedNeedingChange()
		}
		if item.Live {
			_ = m.reportItem(item)
		}
		m.dequeueItem(item)
		return true, nnfi
	}

	item.Active = queue.IsActionable(item)

	depItems := m.policy.GetFailingDependentItems(item)
	if len(depItems) > 0 {
		failingReasons = append(failingReasons, "a needed change is failing")
		m.cancelJobs(item, false)
	} else {
		itemAheadMerged := itemAhead != nil && itemAhead.Change.IsMerged
		if itemAhead != nnfi && !itemAheadMerged {
			// Our base is different than expected and not because it
			// merged; something ahead must have failed.
			logger.Info().Stringer("change", item.Change).
				Msg("Resetting builds: item ahead is not the nearest non-failing item")
			queue.MoveItem(item, nnfi)
			changed = true
			m.cancelJobs(item, true)
		}
		if item.Active {
			ready = m.prepareItem(item)
			if ready && len(m.pipeline.StartActions) > 0 &&
				len(item.BuildSet.JobGraph.Jobs) > 0 &&
				!item.ReportedStart && !item.Quiet {
				m.reportStart(item)
				item.ReportedStart = true
			}
			if item.BuildSet.UnableToMerge {
				failingReasons = append(failingReasons, "it has a merge conflict")
			}
			if len(item.BuildSet.ConfigErrors) > 0 {
				failingReasons = append(failingReasons, "it has an invalid configuration")
			}
			if ready && m.provisionNodes(item) {
				changed = true
			}
			if ready && item.Bundle != nil && item.DidBundleFinish() {
				// A finished bundle may unblock reporting of members at
				// the heads of their queues.
				for _, member := range item.Bundle.Items {
					if member.ItemAhead == nil {
						changed = true
						break
					}
				}
			}
		}
	}
	if ready && m.executeJobs(item) {
		changed = true
	}

	if item.HasAnyJobFailed() {
		failingReasons = append(failingReasons, "at least one job failed")
	}
	if !item.Live && len(item.ItemsBehind) == 0 && !dequeued {
		failingReasons = append(failingReasons, "is a non-live item with no items behind")
		m.dequeueItem(item)
		changed = true
		dequeued = true
	}

	canReport := itemAhead == nil && item.AreAllJobsComplete() && item.Live
	if canReport && item.Bundle != nil {
		canReport = item.IsBundleFailing() || item.DidBundleFinish()
		// Before reporting starts, make sure the cycle can still merge,
		// to reduce the chance of a partial merge.
		if canReport && !item.Bundle.StartedReporting && !m.canMergeCycle(item.Bundle) {
			item.Bundle.CannotMerge = true
			failingReasons = append(failingReasons, "cycle can not be merged")
			logger.Debug().Stringer("item", item).
				Msg("Dequeuing item because cycle can no longer merge")
		}
		item.Bundle.StartedReporting = canReport
	}

	if canReport {
		if err := m.reportItem(item); err != nil && errors.Is(err, ErrMergeFailure) {
			failingReasons = append(failingReasons, "it did not merge")
			for _, behind := range item.ItemsBehind {
				logger.Info().Stringer("change", behind.Change).
					Msg("Resetting builds: item ahead failed to merge")
				m.cancelJobs(behind, true)
			}
			// A merge failure in an otherwise successful bundle means
			// already reported members must be re-reported as failures.
			if item.Bundle != nil && !(item.IsBundleFailing() || item.CannotMergeBundle()) {
				item.Bundle.FailedReporting = true
				m.reportProcessedBundleItems(item)
			}
		}
		m.dequeueItem(item)
		changed = true
		dequeued = true
	} else if len(failingReasons) == 0 && item.Live {
		nnfi = item
	}
	if !dequeued {
		item.BuildSet.FailingReasons = failingReasons
	}
	if len(failingReasons) > 0 {
		logger.Debug().Stringer("item", item).Strs("reasons", failingReasons).
			Msg("Item is failing")
	}

	if item.Live && !dequeued && m.useRelativePriority {
		m.reviseNodeRequestPriorities(item)
	}
	return changed, nnfi
}

// reviseNodeRequestPriorities updates the relative priority of the item's
// unfulfilled node requests after queue movement.
func (m *PipelineManager) reviseNodeRequestPriorities(item *types.QueueItem) {
	priority := m.getNodePriority(item)
	for _, requestID := range item.BuildSet.NodeRequests {
		request := m.nodepool.GetRequest(requestID)
		if request == nil || request.Fulfilled {
			continue
		}
		if request.RelativePriority != priority {
			m.nodepool.ReviseRequest(request, priority)
		}
	}
}

// prepareItem drives the item's build set through file listing, merging,
// layout computation, job graph freezing, and global repo state until the
// item is ready to run jobs. Returns true once everything is ready.
func (m *PipelineManager) prepareItem(item *types.QueueItem) bool {
	bs := item.BuildSet
	layout := m.pipeline.Layout
	inLayout := layout.ProjectConfigs[item.Change.Key.Project] != nil
	if !bs.Configured {
		m.setConfiguration(item)
	}

	// A broken config ahead breaks this item too.
	if item.ItemAhead != nil && item.ItemAhead.BuildSet != nil &&
		len(item.ItemAhead.BuildSet.ConfigErrors) > 0 {
		item.SetConfigError("This change depends on a change with an invalid configuration.")
		// The reporter needs a layout to decide whether the project is
		// in the pipeline.
		m.getLayout(item)
		return false
	}

	// Start up to two merger operations in parallel as needed.
	ready := true
	if inLayout {
		if bs.FilesState == types.StateNew {
			ready = m.scheduleFilesChanges(item)
		}
		if bs.FilesState == types.StatePending {
			ready = false
		}
	}
	if bs.MergeState == types.StateNew {
		if item.Live || item.Change.UpdatesConfig(layout) ||
			(item.Bundle != nil && item.Bundle.UpdatesConfig(layout) && inLayout) {
			files, dirs := layout.ConfigFilesForProject(item.Change.Key.Project)
			ready = m.scheduleMerge(item, files, dirs)
		}
	}
	if bs.MergeState == types.StatePending {
		ready = false
	}
	if !ready {
		return false
	}

	if bs.UnableToMerge || len(bs.ConfigErrors) > 0 {
		m.getLayout(item)
		return false
	}

	// With the merges done we can get a layout: the pipeline layout, a
	// layout from a change ahead, a new speculative layout, or nil if a
	// config error made the layout unusable.
	if item.LayoutUUID == "" && bs.JobGraph == nil {
		if m.getLayout(item) == nil {
			return false
		}
	}

	// Non-live items only need the layout.
	if !item.Live {
		return false
	}

	logger := log.WithEvent(m.log, item.EventID())
	if bs.JobGraph == nil {
		logger.Debug().Stringer("item", item).Msg("Freezing job graph")
		layout := m.getLayout(item)
		if layout == nil {
			return false
		}
		if err := item.FreezeJobGraph(layout); err != nil {
			logger.Error().Err(err).Stringer("item", item).
				Msg("Error freezing job graph")
			item.SetConfigError("Unable to freeze job graph: " + err.Error())
			return false
		}
		if len(bs.JobGraph.Jobs) > 0 && m.recorder != nil {
			m.recorder.RecordBuildsetStart(item)
		}
	}

	// All frozen jobs and their repos are known; pin any repos not
	// already covered by the merge.
	if bs.RepoStateState == types.StateNew {
		bs.RepoStateState = types.StatePending
		m.scheduleGlobalRepoState(item)
	}
	if bs.RepoStateState == types.StatePending {
		return false
	}
	return true
}

// setConfiguration freezes the item's queue position into the dependent
// change list used by the merger and executor.
func (m *PipelineManager) setConfiguration(item *types.QueueItem) {
	bs := item.BuildSet
	var refs []string
	for _, mi := range m.mergerItemsFor(item) {
		refs = append(refs, mi.Ref)
	}
	bs.DependentChanges = refs
	if item.Change.Files != nil {
		// The file list is already known from another pipeline run.
		bs.FilesState = types.StateComplete
	}
	bs.Configured = true
}

// mergerItemsFor lists the changes to merge for an item: everything
// ahead, the item itself, and any bundle members behind it.
func (m *PipelineManager) mergerItemsFor(item *types.QueueItem) []MergerItem {
	var items []*types.QueueItem
	ahead := item.ItemsAheadChain()
	for i := len(ahead) - 1; i >= 0; i-- {
		items = append(items, ahead[i])
	}
	items = append(items, item)
	if item.Bundle != nil {
		for _, member := range item.Bundle.Items {
			seen := false
			for _, existing := range items {
				if existing == member {
					seen = true
					break
				}
			}
			if !seen {
				items = append(items, member)
			}
		}
	}
	merger := make([]MergerItem, 0, len(items))
	for _, it := range items {
		merger = append(merger, MergerItem{
			Connection: it.Change.Key.Connection,
			Project:    it.Change.Key.Project,
			Branch:     it.Change.Key.Branch,
			Ref:        it.Change.Key.Reference(),
		})
	}
	return merger
}

// scheduleMerge asks the merger for a speculative merge of the item and
// everything ahead of it. Always returns false: the item waits for the
// completion event.
func (m *PipelineManager) scheduleMerge(item *types.QueueItem, files, dirs []string) bool {
	logger := log.WithEvent(m.log, item.EventID())
	logger.Debug().Stringer("item", item).Msg("Scheduling merge")
	bs := item.BuildSet
	bs.MergeState = types.StatePending
	m.merger.MergeChanges(m.mergerItemsFor(item), bs.UUID, files, dirs,
		m.pipeline.Precedence, item.EventID())
	return false
}

// scheduleFilesChanges asks the merger for the item's changed file list.
func (m *PipelineManager) scheduleFilesChanges(item *types.QueueItem) bool {
	logger := log.WithEvent(m.log, item.EventID())
	logger.Debug().Stringer("item", item).Msg("Scheduling files changes")
	bs := item.BuildSet
	bs.FilesState = types.StatePending
	m.merger.GetFilesChanges(item.Change.Key.Connection, item.Change.Key.Project,
		item.Change.Ref, bs.UUID, item.EventID())
	return false
}

// scheduleGlobalRepoState pins the repo state of projects required by
// frozen jobs that the merge itself did not cover. Completes immediately
// when nothing is missing.
func (m *PipelineManager) scheduleGlobalRepoState(item *types.QueueItem) {
	logger := log.WithEvent(m.log, item.EventID())
	bs := item.BuildSet

	missing := make(map[string]bool)
	for _, job := range bs.JobGraph.Jobs {
		for _, project := range job.RequiredProjects {
			missing[project] = true
		}
	}
	for _, projects := range bs.RepoState {
		for project := range projects {
			delete(missing, project)
		}
	}
	if len(missing) == 0 {
		bs.RepoStateState = types.StateComplete
		return
	}

	logger.Info().Stringer("item", item).Msg("Scheduling global repo state")
	var items []MergerItem
	for project := range missing {
		items = append(items, MergerItem{
			Connection: item.Change.Key.Connection,
			Project:    project,
		})
	}
	m.merger.GetRepoState(items, bs.UUID, m.pipeline.Precedence, item.EventID())
}

// provisionNodes requests nodes for every job whose dependencies are
// satisfied. Returns true if any request was submitted.
func (m *PipelineManager) provisionNodes(item *types.QueueItem) bool {
	jobs := item.FindJobsToRequest(m.semaphores)
	if len(jobs) == 0 {
		return false
	}
	logger := log.WithEvent(m.log, item.EventID())
	logger.Debug().Stringer("change", item.Change).Msg("Requesting nodes")
	bs := item.BuildSet
	relativePriority := 0
	if m.useRelativePriority {
		relativePriority = m.getNodePriority(item)
	}
	for _, job := range jobs {
		priority := m.nodeRequestPriority(bs, job)
		request, err := m.nodepool.RequestNodes(bs.UUID, job, priority,
			relativePriority, item.EventID())
		if err != nil {
			logger.Error().Err(err).Str("job", job.Name).
				Msg("Failed to request nodes")
			m.semaphores.Release(item.UUID, job)
			continue
		}
		logger.Debug().Str("request", request.ID).Str("job", job.Name).
			Msg("Added node request")
		bs.SetJobNodeRequestID(job.Name, request.ID)
	}
	return true
}

// pausedParent returns a paused ancestor build of the job, if any.
func (m *PipelineManager) pausedParent(bs *types.BuildSet, job *types.Job) *types.Build {
	if bs.JobGraph == nil {
		return nil
	}
	for _, parent := range bs.JobGraph.ParentJobsRecursively(job.Name) {
		if build := bs.GetBuild(parent.Name); build != nil && build.Paused {
			return build
		}
	}
	return nil
}

// nodeRequestPriority bumps the priority of jobs whose paused parent is
// holding resources waiting on them.
func (m *PipelineManager) nodeRequestPriority(bs *types.BuildSet, job *types.Job) int {
	adjustment := 0
	if m.pausedParent(bs, job) != nil {
		adjustment = -1
	}
	priority := types.PriorityForPrecedence(m.pipeline.Precedence) + adjustment
	if priority < 0 {
		priority = 0
	}
	return priority
}

// executeJobs starts every runnable job. Returns true only when builds
// were submitted.
func (m *PipelineManager) executeJobs(item *types.QueueItem) bool {
	if item.BuildSet.JobGraph == nil {
		return false
	}
	jobs := item.FindJobsToRun(m.semaphores)
	if len(jobs) == 0 {
		return false
	}
	m.runJobs(item, jobs)
	return true
}

func (m *PipelineManager) runJobs(item *types.QueueItem, jobs []*types.Job) {
	logger := log.WithEvent(m.log, item.EventID())
	logger.Debug().Stringer("change", item.Change).Msg("Executing jobs")
	bs := item.BuildSet
	for _, job := range jobs {
		nodes := bs.GetJobNodeSetInfo(job.Name)
		build, err := m.executor.Execute(item, job, nodes, bs.DependentChanges)
		if err != nil {
			logger.Error().Err(err).Str("job", job.Name).
				Msg("Exception while executing job")
			// Without a build on the item the semaphore would never be
			// released on dequeue.
			m.semaphores.Release(item.UUID, job)
			continue
		}
		bs.AddBuild(build)
		m.OnBuildStarted(build, item)
	}
}

// cancelJobs cancels all of an item's jobs and, with prime, resets the
// build set so the item starts over. Cancellation cascades to every item
// behind. Returns true if any cascaded cancellation occurred.
func (m *PipelineManager) cancelJobs(item *types.QueueItem, prime bool) bool {
	logger := log.WithEvent(m.log, item.EventID())
	logger.Debug().Stringer("change", item.Change).Msg("Cancel jobs")
	canceled := false
	oldBuildSet := item.BuildSet
	jobs := item.GetJobs()

	// A failing bundle that already started reporting keeps its build
	// results; those items are reported right afterwards.
	if prime && item.BuildSet.Configured && !item.DidBundleStartReporting() {
		// The item was never reported, but this build set is done.
		if m.recorder != nil {
			m.recorder.RecordBuildsetEnd(item, "dequeue", false)
		}
		item.ResetAllBuilds()
	}

	for _, job := range jobs {
		m.cancelJob(oldBuildSet, job, false)
	}

	for _, behind := range item.ItemsBehind {
		logger.Debug().Stringer("change", behind.Change).
			Stringer("behind", item.Change).Msg("Canceling jobs behind change")
		if m.cancelJobs(behind, prime) {
			canceled = true
		}
	}
	return canceled
}

// cancelJob withdraws a single job's node request, cancels its running
// build, returns unused nodes, and releases its semaphore.
func (m *PipelineManager) cancelJob(bs *types.BuildSet, job *types.Job, final bool) {
	if requestID, ok := bs.GetJobNodeRequestID(job.Name); ok {
		if request := m.nodepool.GetRequest(requestID); request != nil && !request.Fulfilled {
			m.nodepool.CancelRequest(requestID)
		}
		bs.RemoveJobNodeRequestID(job.Name)
	}
	build := bs.GetBuild(job.Name)
	if build != nil && build.Result == "" {
		if err := m.executor.Cancel(build); err != nil {
			m.log.Warn().Err(err).Str("job", job.Name).Msg("Failed to cancel build")
		}
		if final {
			build.Result = types.BuildCanceled
		}
	}
	if build == nil {
		if nodes := bs.GetJobNodeSetInfo(job.Name); nodes != nil {
			m.nodepool.ReturnNodeSet(nodes)
			bs.RemoveJobNodeSetInfo(job.Name)
		}
	}
	m.semaphores.Release(bs.Item.UUID, job)
}
