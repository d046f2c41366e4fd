package manager

import (
	"errors"

	"github.com/gantrycd/gantry/pkg/events"
	"github.com/gantrycd/gantry/pkg/log"
	"github.com/gantrycd/gantry/pkg/metrics"
	"github.com/gantrycd/gantry/pkg/types"
)

// ErrMergeFailure is returned by reportItem when a successful item could
// not be submitted; items behind it must be reset.
var ErrMergeFailure = errors.New("change failed to merge")

// reportItem sends the item's final report and, in merging pipelines,
// verifies the change actually landed and adjusts the queue window.
func (m *PipelineManager) reportItem(item *types.QueueItem) error {
	logger := log.WithEvent(m.log, item.EventID())
	if !item.Reported {
		// reportItemInner returns true if reporting failed.
		item.Reported = !m.reportItemInner(item)
	}
	if !m.policy.ChangesMerge() {
		return nil
	}

	succeeded := item.DidAllJobsSucceed() && !item.IsBundleFailing()
	merged := item.Reported
	if merged {
		source := m.sources.GetSource(item.Change.Key.Connection)
		if source != nil {
			ok, err := source.IsMerged(item.Change)
			if err != nil {
				logger.Warn().Err(err).Stringer("change", item.Change).
					Msg("Unable to check if change merged")
				ok = false
			}
			merged = ok
		}
	}
	queue := item.Queue
	if !(succeeded && merged) {
		reason := "failed to merge"
		if item.BuildSet.JobGraph == nil || len(item.BuildSet.JobGraph.Jobs) == 0 {
			reason = "did not have any jobs configured"
		} else if !succeeded {
			reason = "failed tests"
		}
		logger.Info().Stringer("change", item.Change).Str("reason", reason).
			Bool("succeeded", succeeded).Bool("merged", merged).
			Msg("Reported change did not merge")
		if !succeeded {
			queue.DecreaseWindowSize()
			logger.Debug().Int("window", queue.Window).Str("queue", queue.Name).
				Msg("Window size decreased")
		}
		return ErrMergeFailure
	}
	logger.Info().Stringer("change", item.Change).Msg("Reported change merged")
	queue.IncreaseWindowSize()
	logger.Debug().Int("window", queue.Window).Str("queue", queue.Name).
		Msg("Window size increased")
	return nil
}

// reportItemInner selects the action set and result for the item and
// sends the report. Returns true if any reporter failed.
func (m *PipelineManager) reportItemInner(item *types.QueueItem) bool {
	logger := log.WithEvent(m.log, item.EventID())
	logger.Debug().Stringer("change", item.Change).Msg("Reporting change")

	// If no merge completed we may not have a layout for this item, so
	// fall back to the static layout to decide whether the project is in
	// the pipeline. If jobs ran, it obviously was.
	projectInPipeline := len(item.GetJobs()) > 0
	if !projectInPipeline {
		var layout *types.Layout
		if item.LayoutUUID != "" {
			layout = m.layoutCache[item.LayoutUUID]
		}
		if layout == nil {
			layout = m.pipeline.Layout
		}
		projectInPipeline = layout.GetProjectPipelineConfig(
			item.Change.Key.Project, m.pipeline.Name) != nil
	}

	var action string
	var actions []string
	switch {
	case !projectInPipeline:
		logger.Debug().Msg("Project not in pipeline")
		action = "no-jobs"
		actions = m.pipeline.NoJobsActions
		item.SetReportedResult("NO_JOBS")
	case len(item.GetConfigErrors()) > 0:
		logger.Debug().Msg("Invalid config for change")
		action = "merge-failure"
		actions = m.pipeline.MergeFailureActions
		item.SetReportedResult("CONFIG_ERROR")
	case item.DidMergerFail():
		logger.Debug().Msg("Merger failure")
		action = "merge-failure"
		actions = m.pipeline.MergeFailureActions
		item.SetReportedResult("MERGER_FAILURE")
	case item.WasDequeuedNeedingChange():
		logger.Debug().Msg("Dequeued needing change")
		action = "failure"
		actions = m.pipeline.FailureActions
		item.SetReportedResult(types.BuildFailure)
	case len(item.GetJobs()) == 0:
		// No empty success reports.
		logger.Debug().Msg("No jobs for change")
		action = "no-jobs"
		actions = m.pipeline.NoJobsActions
		item.SetReportedResult("NO_JOBS")
	case item.CannotMergeBundle():
		logger.Debug().Msg("Bundle can not be merged")
		action = "failure"
		actions = m.pipeline.FailureActions
		item.SetReportedResult(types.BuildFailure)
	case item.IsBundleFailing():
		logger.Debug().Msg("Bundle is failing")
		action = "failure"
		actions = m.pipeline.FailureActions
		item.SetReportedResult(types.BuildFailure)
		if !item.DidAllJobsSucceed() {
			m.pipeline.State.ConsecutiveFailures++
		}
	case item.DidAllJobsSucceed():
		action = "success"
		actions = m.pipeline.SuccessActions
		item.SetReportedResult(types.BuildSuccess)
		m.pipeline.State.ConsecutiveFailures = 0
	default:
		action = "failure"
		actions = m.pipeline.FailureActions
		item.SetReportedResult(types.BuildFailure)
		m.pipeline.State.ConsecutiveFailures++
	}

	if projectInPipeline && m.pipeline.State.Disabled {
		actions = m.pipeline.DisabledActions
	}
	// Disable only after selecting actions, so the report that crosses
	// the threshold still goes to the normal reporters.
	if m.pipeline.DisableAt > 0 && !m.pipeline.State.Disabled &&
		m.pipeline.State.ConsecutiveFailures >= m.pipeline.DisableAt {
		m.pipeline.State.Disabled = true
		m.publishEvent(events.EventPipelineDisabled, item, "too many consecutive failures")
	}
	if err := m.saveState(); err != nil {
		logger.Warn().Err(err).Msg("Failed to persist pipeline state")
	}

	reportFailed := false
	if len(actions) > 0 {
		logger.Info().Stringer("item", item).Str("action", action).
			Strs("actions", actions).Msg("Reporting item")
		if errs := m.sendReport(actions, item); len(errs) > 0 {
			logger.Error().Strs("errors", errs).Stringer("item", item).
				Msg("Reporting item failed")
			reportFailed = true
		}
	}
	metrics.Reports.WithLabelValues(m.pipeline.Tenant, m.pipeline.Name,
		item.ReportedResult()).Inc()
	m.publishEvent(events.EventChangeReported, item, item.ReportedResult())
	if m.recorder != nil {
		m.recorder.RecordBuildsetEnd(item, action, true)
	}
	return reportFailed
}

// reportProcessedBundleItems re-reports FAILURE to bundle members that
// were already reported successfully before a later member failed to
// merge.
func (m *PipelineManager) reportProcessedBundleItems(item *types.QueueItem) {
	for _, member := range item.Bundle.Items {
		if !member.Reported {
			continue
		}
		member.SetReportedResult(types.BuildFailure)
		m.sendReport(m.pipeline.FailureActions, member)
		if m.recorder != nil {
			m.recorder.RecordBuildsetEnd(member, "failure", true)
		}
	}
}

func (m *PipelineManager) reportEnqueue(item *types.QueueItem) {
	if m.pipeline.State.Disabled {
		return
	}
	m.log.Info().Stringer("item", item).Msg("Reporting enqueue")
	if errs := m.sendReport(m.pipeline.EnqueueActions, item); len(errs) > 0 {
		m.log.Error().Strs("errors", errs).Stringer("item", item).
			Msg("Reporting item enqueued failed")
	}
}

func (m *PipelineManager) reportStart(item *types.QueueItem) {
	if m.pipeline.State.Disabled {
		return
	}
	m.log.Info().Stringer("item", item).Msg("Reporting start")
	if errs := m.sendReport(m.pipeline.StartActions, item); len(errs) > 0 {
		m.log.Error().Strs("errors", errs).Stringer("item", item).
			Msg("Reporting item start failed")
	}
}

func (m *PipelineManager) reportDequeue(item *types.QueueItem) {
	if !m.pipeline.State.Disabled {
		m.log.Info().Stringer("item", item).Msg("Reporting dequeue")
		if errs := m.sendReport(m.pipeline.DequeueActions, item); len(errs) > 0 {
			m.log.Error().Strs("errors", errs).Stringer("item", item).
				Msg("Reporting item dequeue failed")
		}
	}
	if m.recorder != nil {
		m.recorder.RecordBuildsetEnd(item, "dequeue", false)
	}
}

// sendReport runs each named reporter against the item, collecting error
// strings. Unknown reporter names are skipped with a log entry.
func (m *PipelineManager) sendReport(actionNames []string, item *types.QueueItem) []string {
	logger := log.WithEvent(m.log, item.EventID())
	var reportErrors []string
	for _, name := range actionNames {
		reporter := m.reporters[name]
		if reporter == nil {
			logger.Warn().Str("reporter", name).Msg("Unknown reporter, skipping")
			continue
		}
		if err := reporter.Report(item); err != nil {
			item.SetReportedResult("ERROR")
			logger.Error().Err(err).Str("reporter", name).Msg("Exception while reporting")
			reportErrors = append(reportErrors, err.Error())
		}
	}
	return reportErrors
}
