package manager

import (
	"github.com/gantrycd/gantry/pkg/log"
	"github.com/gantrycd/gantry/pkg/types"
)

const configDependencyMessage = "This change depends on a change to a " +
	"config project.\n\nThe syntax of the configuration in this change has " +
	"been verified to be correct once the config project change upon which " +
	"it depends is merged, but it can not be used until that occurs."

// getLayout returns the effective layout for an item, computing and
// caching it if needed. A nil return means the layout cannot be computed
// yet, or a config error was recorded on the item.
func (m *PipelineManager) getLayout(item *types.QueueItem) *types.Layout {
	logger := log.WithEvent(m.log, item.EventID())
	if item.LayoutUUID != "" {
		if layout := m.layoutCache[item.LayoutUUID]; layout != nil {
			logger.Debug().Str("layout", layout.UUID).Stringer("item", item).
				Msg("Using cached layout")
			return layout
		}
		logger.Debug().Stringer("item", item).Msg("Re-calculating layout")
	}
	layout := m.computeLayout(item)
	if layout != nil {
		item.LayoutUUID = layout.UUID
		m.layoutCache[layout.UUID] = layout
	}
	return layout
}

// getFallbackLayout is the layout of the item ahead, or the pipeline's
// static layout at the head of the queue.
func (m *PipelineManager) getFallbackLayout(item *types.QueueItem) *types.Layout {
	if item.ItemAhead == nil {
		return m.pipeline.Layout
	}
	return m.getLayout(item.ItemAhead)
}

func (m *PipelineManager) computeLayout(item *types.QueueItem) *types.Layout {
	logger := log.WithEvent(m.log, item.EventID())
	if ahead := item.ItemAhead; ahead != nil {
		if (ahead.Live && ahead.BuildSet.JobGraph == nil) ||
			(!ahead.Live && ahead.LayoutUUID == "") {
			// Probably waiting on a merge job for the item ahead.
			return nil
		}
	}

	layout := m.pipeline.Layout
	inLayout := layout.ProjectConfigs[item.Change.Key.Project] != nil
	updatesConfig := item.Change.UpdatesConfig(layout) ||
		(item.Bundle != nil && item.Bundle.UpdatesConfig(layout) && inLayout)
	if !updatesConfig {
		return m.getFallbackLayout(item)
	}

	// This item updates the config; we need the merger's answer first.
	bs := item.BuildSet
	if bs.MergeState != types.StateComplete {
		return nil
	}
	if bs.UnableToMerge {
		return m.getFallbackLayout(item)
	}

	logger.Debug().Stringer("change", item.Change).Msg("Preparing dynamic layout")
	return m.loadDynamicLayout(item)
}

// loadDynamicLayout computes the speculative layout for an item that
// updates configuration. Trusted (config-project) updates are parsed but
// never used directly; only an untrusted overlay may take effect before
// merge. The branches below enumerate every combination of which layouts
// were built and whether they loaded cleanly.
func (m *PipelineManager) loadDynamicLayout(item *types.QueueItem) *types.Layout {
	logger := log.WithEvent(m.log, item.EventID())
	trustedUpdates, untrustedUpdates := item.IncludesConfigUpdates(m.pipeline.Layout)

	var trustedLayout, untrustedLayout *types.Layout
	var trustedErrors, untrustedErrors bool

	if trustedUpdates {
		// Parse with config projects included to catch syntax errors in
		// them, even though that layout is never used speculatively.
		logger.Debug().Msg("Loading dynamic layout (phase 1)")
		layout, err := m.loader.CreateDynamicLayout(item, true)
		if err != nil {
			logger.Error().Err(err).Msg("Error in dynamic layout")
			item.SetConfigError("Unknown configuration error")
			return nil
		}
		trustedLayout = layout
		trustedErrors = len(layout.LoadingErrors) > 0
	}
	if untrustedUpdates {
		logger.Debug().Msg("Loading dynamic layout (phase 2)")
		layout, err := m.loader.CreateDynamicLayout(item, false)
		if err != nil {
			logger.Error().Err(err).Msg("Error in dynamic layout")
			item.SetConfigError("Unknown configuration error")
			return nil
		}
		untrustedLayout = layout
		untrustedErrors = len(layout.LoadingErrors) > 0
	}

	switch {
	case trustedLayout != nil && !trustedErrors && untrustedLayout != nil && !untrustedErrors:
		// No errors anywhere, use the untrusted overlay.
		return untrustedLayout
	case trustedLayout == nil && untrustedLayout != nil && !untrustedErrors:
		return untrustedLayout
	case untrustedLayout == nil && trustedLayout != nil && !trustedErrors:
		// A change to a config project only; trusted config never takes
		// effect before merge, so run with the current layout.
		return m.pipeline.Layout
	case trustedLayout != nil && !trustedErrors && untrustedLayout != nil && untrustedErrors:
		// The config is valid once the config-project change it depends
		// on lands, but not before.
		logger.Info().Msg("Configuration syntax error in dynamic layout")
		item.SetConfigError(configDependencyMessage)
		return nil
	case untrustedLayout != nil && untrustedErrors:
		if relevant := m.findRelevantErrors(item, untrustedLayout); len(relevant) > 0 {
			item.SetConfigErrors(relevant)
			return nil
		}
		logger.Info().Msg("Configuration syntax error not related to change context")
		return untrustedLayout
	case trustedLayout != nil && trustedErrors:
		if relevant := m.findRelevantErrors(item, trustedLayout); len(relevant) > 0 {
			item.SetConfigErrors(relevant)
			return nil
		}
		logger.Info().Msg("Configuration syntax error not related to change context")
		return m.pipeline.Layout
	default:
		item.SetConfigError("Unknown configuration error")
		return nil
	}
}

// findRelevantErrors filters a layout's loading errors down to the ones
// attributable to this item: errors not already present in the static
// layout or in items ahead, plus any error in the item's own project and
// branch. The latter are always included because the error identity keys
// are imperfect; a partial fix would otherwise go unnoticed.
func (m *PipelineManager) findRelevantErrors(item *types.QueueItem,
	layout *types.Layout) []*types.ConfigError {
	parentKeys := make(map[string]bool)
	for _, err := range m.pipeline.Layout.LoadingErrors {
		parentKeys[err.Key] = true
	}
	for _, ahead := range item.ItemsAheadChain() {
		for _, err := range ahead.BuildSet.ConfigErrors {
			parentKeys[err.Key] = true
		}
	}

	var relevant []*types.ConfigError
	for _, err := range layout.LoadingErrors {
		if !parentKeys[err.Key] ||
			(err.Project == item.Change.Key.Project &&
				err.Branch == item.Change.Key.Branch) {
			relevant = append(relevant, err)
		}
	}
	return relevant
}
