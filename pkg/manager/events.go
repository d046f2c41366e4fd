package manager

import (
	"github.com/gantrycd/gantry/pkg/events"
	"github.com/gantrycd/gantry/pkg/log"
	"github.com/gantrycd/gantry/pkg/types"
)

// Completion event handlers. The scheduler dispatches collaborator
// results here while the pipeline is locked; a ProcessQueue pass follows.

// OnBuildStarted records a submitted build.
func (m *PipelineManager) OnBuildStarted(build *types.Build, item *types.QueueItem) {
	logger := log.WithEvent(m.log, item.EventID())
	logger.Debug().
		Stringer("build", build).Msg("Build started")
	if m.recorder != nil {
		m.recorder.RecordBuildStart(build, item)
	}
	m.publishEvent(events.EventBuildStarted, item, build.JobName)
}

// OnBuildPaused handles a build pausing to wait for its children.
func (m *PipelineManager) OnBuildPaused(build *types.Build, item *types.QueueItem) {
	logger := log.WithEvent(m.log, item.EventID())
	logger.Debug().
		Stringer("build", build).Stringer("change", item.Change).Msg("Build paused")
	build.Paused = true
	item.SetResult(build)
	// The paused build may have no children, or only skipped ones.
	m.resumeBuilds(item.BuildSet)
}

// OnBuildCompleted handles a build result: releases the semaphore,
// records the result, resumes paused parents, and applies retry and
// fail-fast behavior.
func (m *PipelineManager) OnBuildCompleted(build *types.Build, item *types.QueueItem) {
	logger := log.WithEvent(m.log, item.EventID())
	logger.Debug().Stringer("build", build).Stringer("change", item.Change).
		Msg("Build completed")

	job := item.GetJob(build.JobName)
	if job != nil {
		m.semaphores.Release(item.UUID, job)
	}
	if job == nil {
		logger.Info().Stringer("build", build).
			Msg("Build no longer in job graph for item")
		return
	}

	item.SetResult(build)
	m.publishEvent(events.EventBuildCompleted, item, build.JobName)

	if build.Retry {
		if item.BuildSet.GetJobNodeSetInfo(build.JobName) != nil {
			item.BuildSet.RemoveJobNodeSetInfo(build.JobName)
		}
		// A retried paused build invalidates everything built on it.
		m.resetDependentBuilds(item.BuildSet, build)
	}

	m.resumeBuilds(item.BuildSet)

	if item.BuildSet.FailFast && build.Failed() && job.Voting && !build.Retry {
		logger.Debug().Stringer("build", build).
			Msg("Build failed and fail-fast enabled, canceling running builds")
		m.cancelRunningBuilds(item.BuildSet)
	}
}

// resumeBuilds resumes every paused build whose dependent jobs all have
// results.
func (m *PipelineManager) resumeBuilds(bs *types.BuildSet) {
	if bs.JobGraph == nil {
		return
	}
	for _, build := range bs.GetBuilds() {
		if !build.Paused {
			continue
		}
		allCompleted := true
		for _, child := range bs.JobGraph.DependentJobsRecursively(build.JobName) {
			childBuild := bs.GetBuild(child.Name)
			if childBuild == nil || childBuild.Result == "" {
				allCompleted = false
				break
			}
		}
		if allCompleted {
			if err := m.executor.Resume(build); err != nil {
				m.log.Warn().Err(err).Str("job", build.JobName).
					Msg("Failed to resume build")
				continue
			}
			build.Paused = false
		}
	}
}

// resetDependentBuilds cancels and forgets every build that ran on top of
// a retried build, then replays remaining results to restore skips.
func (m *PipelineManager) resetDependentBuilds(bs *types.BuildSet, build *types.Build) {
	for _, job := range bs.JobGraph.DependentJobsRecursively(build.JobName) {
		m.cancelJob(bs, job, false)
		bs.RemoveBuild(job.Name)
	}
	for _, b := range bs.GetBuilds() {
		if b.Result != "" {
			bs.Item.SetResult(b)
		}
	}
}

// cancelRunningBuilds finally cancels every job without a result.
func (m *PipelineManager) cancelRunningBuilds(bs *types.BuildSet) {
	for _, job := range bs.Item.GetJobs() {
		build := bs.GetBuild(job.Name)
		if build == nil || build.Result == "" {
			m.cancelJob(bs, job, true)
		}
	}
}

// OnFilesChangesCompleted records the changed file list for the item's
// change.
func (m *PipelineManager) OnFilesChangesCompleted(event *types.FilesChangesCompleted,
	item *types.QueueItem) {
	if item.Change.Files == nil {
		item.Change.Files = event.Files
	}
	item.BuildSet.FilesState = types.StateComplete
}

// OnMergeCompleted dispatches a merger result: the first completion is
// the speculative merge, a later one is global repo state.
func (m *PipelineManager) OnMergeCompleted(event *types.MergeCompleted, item *types.QueueItem) {
	if item.BuildSet.MergeState == types.StateComplete {
		m.onGlobalRepoStateCompleted(event, item)
	} else {
		m.onMergeCompleted(event, item)
	}
}

func (m *PipelineManager) onMergeCompleted(event *types.MergeCompleted, item *types.QueueItem) {
	bs := item.BuildSet
	bs.SetExtraRepoState(event.RepoState)
	bs.MergeState = types.StateComplete
	if event.Merged {
		bs.Commit = event.Commit
		// One merge result carries the file lists for the whole chain;
		// share them with non-live items ahead that have none yet.
		for idx, ahead := range item.NonLiveItemsAhead() {
			if ahead.BuildSet.Files != nil {
				continue
			}
			if idx+1 <= len(event.Files) {
				ahead.BuildSet.Files = event.Files[:idx+1]
			}
		}
		if bs.Files == nil {
			bs.Files = event.Files
		}
	} else if event.Updated {
		bs.Commit = event.Commit
	}
	if bs.Commit == "" {
		logger := log.WithEvent(m.log, item.EventID())
		logger.Info().
			Stringer("change", item.Change).Msg("Unable to merge change")
		item.SetUnableToMerge()
	}
}

func (m *PipelineManager) onGlobalRepoStateCompleted(event *types.MergeCompleted,
	item *types.QueueItem) {
	if !event.Updated {
		logger := log.WithEvent(m.log, item.EventID())
		logger.Info().
			Stringer("change", item.Change).Msg("Unable to get global repo state")
		item.SetUnableToMerge()
		return
	}
	bs := item.BuildSet
	bs.SetExtraRepoState(event.RepoState)
	bs.RepoStateState = types.StateComplete
}

// OnNodesProvisioned handles a completed node request. A failed request
// records a NODE_FAILURE result for the job.
func (m *PipelineManager) OnNodesProvisioned(event *types.NodesProvisioned,
	item *types.QueueItem) {
	logger := log.WithEvent(m.log, event.EventID)
	bs := item.BuildSet
	if event.NodeSet != nil {
		bs.SetJobNodeSetInfo(event.JobName, event.NodeSet)
		bs.RemoveJobNodeRequestID(event.JobName)
	}
	if !event.Fulfilled {
		logger.Info().Str("request", event.RequestID).Str("job", event.JobName).
			Msg("Node request failed")
		if job := item.GetJob(event.JobName); job != nil {
			item.SetNodeRequestFailure(job)
			m.resumeBuilds(bs)
			m.semaphores.Release(item.UUID, job)
		}
		bs.RemoveJobNodeRequestID(event.JobName)
		return
	}
	logger.Info().Str("request", event.RequestID).Str("job", event.JobName).
		Stringer("item", item).Msg("Completed node request")
}
