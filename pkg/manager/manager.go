package manager

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/gantrycd/gantry/pkg/config"
	"github.com/gantrycd/gantry/pkg/coordination"
	"github.com/gantrycd/gantry/pkg/deps"
	"github.com/gantrycd/gantry/pkg/events"
	"github.com/gantrycd/gantry/pkg/log"
	"github.com/gantrycd/gantry/pkg/semaphore"
	"github.com/gantrycd/gantry/pkg/types"
)

// Default window for dependent queues that have no explicit configuration.
const defaultWindow = 20

const resultDequeued = "DEQUEUED"

// Config collects everything a pipeline manager needs.
type Config struct {
	Tenant   string
	Pipeline *config.PipelineConfig
	// Layout is the static tenant layout the pipeline runs under.
	Layout *types.Layout

	Sources  SourceRegistry
	Merger   Merger
	Executor Executor
	Nodepool Nodepool
	Loader   ConfigLoader
	Recorder BuildRecorder
	// Reporters maps reporter names, as used in the pipeline's action
	// lists, to implementations.
	Reporters map[string]Reporter

	Semaphores *semaphore.Handler
	Store      coordination.Store
	Broker     *events.Broker

	UseRelativePriority bool
	RefFilters          []RefFilter

	// Supersede is called to dequeue a change from a superseded pipeline.
	Supersede SupersedeFunc
}

// PipelineManager admits changes into one pipeline and processes its
// queues. All mutating methods must run while the pipeline lock is held;
// the scheduler threads the lock session through WithContext.
type PipelineManager struct {
	log      zerolog.Logger
	pipeline *types.Pipeline
	policy   Policy

	sources  SourceRegistry
	merger   Merger
	executor Executor
	nodepool Nodepool
	loader   ConfigLoader
	recorder BuildRecorder

	reporters map[string]Reporter

	semaphores *semaphore.Handler
	store      coordination.Store
	broker     *events.Broker

	useRelativePriority bool
	refFilters          []RefFilter
	supersede           SupersedeFunc

	// layoutCache holds speculative layouts keyed by uuid; items point
	// into it via LayoutUUID.
	layoutCache map[string]*types.Layout
	// changeCache avoids refetching the same change several times within
	// one pipeline run.
	changeCache map[string]*types.Change

	// current is the lock session while the pipeline is locked.
	current *coordination.Context
}

// New creates a pipeline manager from configuration. The pipeline state is
// not loaded until PostConfig runs under the pipeline lock.
func New(cfg Config) (*PipelineManager, error) {
	pc := cfg.Pipeline
	pipeline := &types.Pipeline{
		Name:                   pc.Name,
		Tenant:                 cfg.Tenant,
		Layout:                 cfg.Layout,
		Precedence:             pc.Precedence,
		EnqueueActions:         pc.EnqueueActions,
		StartActions:           pc.StartActions,
		SuccessActions:         pc.SuccessActions,
		FailureActions:         pc.FailureActions,
		MergeFailureActions:    pc.MergeFailureActions,
		NoJobsActions:          pc.NoJobsActions,
		DequeueActions:         pc.DequeueActions,
		DisabledActions:        pc.DisabledActions,
		Supercedes:             pc.Supercedes,
		DisableAt:              pc.DisableAfter,
		DequeueOnNewPatchset:   pc.DequeueOnNewPatchset,
		State:                  &types.PipelineState{},
		RelativePriorityQueues: make(map[string][]string),
	}

	m := &PipelineManager{
		log:                 log.WithPipeline(cfg.Tenant, pc.Name),
		pipeline:            pipeline,
		sources:             cfg.Sources,
		merger:              cfg.Merger,
		executor:            cfg.Executor,
		nodepool:            cfg.Nodepool,
		loader:              cfg.Loader,
		recorder:            cfg.Recorder,
		reporters:           cfg.Reporters,
		semaphores:          cfg.Semaphores,
		store:               cfg.Store,
		broker:              cfg.Broker,
		useRelativePriority: cfg.UseRelativePriority || pc.RelativePriority,
		refFilters:          cfg.RefFilters,
		supersede:           cfg.Supersede,
		layoutCache:         make(map[string]*types.Layout),
		changeCache:         make(map[string]*types.Change),
	}

	switch pc.Manager {
	case config.ManagerDependent:
		m.policy = &dependentPolicy{basePolicy{m}}
	case config.ManagerIndependent:
		m.policy = &independentPolicy{basePolicy{m}}
	case config.ManagerSerial:
		m.policy = &serialPolicy{basePolicy{m}}
	case config.ManagerSupercedent:
		m.policy = &supercedentPolicy{basePolicy{m}}
	default:
		return nil, fmt.Errorf("unknown manager type %q", pc.Manager)
	}
	return m, nil
}

func (m *PipelineManager) String() string {
	return fmt.Sprintf("<%sPipelineManager %s>", m.policy.Name(), m.pipeline.Name)
}

// Pipeline returns the managed pipeline.
func (m *PipelineManager) Pipeline() *types.Pipeline {
	return m.pipeline
}

// Policy returns the queueing policy.
func (m *PipelineManager) Policy() Policy {
	return m.policy
}

// WithContext runs fn with the given lock session installed as the
// current context. All pipeline mutations happen inside such a call.
func (m *PipelineManager) WithContext(ctx *coordination.Context, fn func() error) error {
	m.current = ctx
	defer func() { m.current = nil }()
	return fn()
}

// PostConfig loads or creates the persistent pipeline state and builds the
// relative priority queues. Must run under the pipeline lock.
func (m *PipelineManager) PostConfig() error {
	if err := m.loadState(); err != nil {
		return err
	}
	m.buildChangeQueues()
	return nil
}

// buildChangeQueues maps each shared queue name to the projects assigned
// to it in this pipeline, for relative priority computation.
func (m *PipelineManager) buildChangeQueues() {
	queues := make(map[string][]string)
	layout := m.pipeline.Layout
	for name, pc := range layout.ProjectConfigs {
		if pc.Pipelines[m.pipeline.Name] == nil {
			continue
		}
		queueName := layout.QueueNameForProject(name, m.pipeline.Name)
		if queueName == "" {
			continue
		}
		queues[queueName] = append(queues[queueName], name)
	}
	m.pipeline.RelativePriorityQueues = queues
}

// getNodePriority returns the item's position among live items of its
// relative priority queue; earlier items get more urgent node requests.
func (m *PipelineManager) getNodePriority(item *types.QueueItem) int {
	projects := m.pipeline.GetRelativePriorityQueue(item.Change.Key.Project)
	inQueue := func(project string) bool {
		for _, p := range projects {
			if p == project {
				return true
			}
		}
		return false
	}
	idx := 0
	for _, other := range m.pipeline.GetAllItems() {
		if !other.Live || !inQueue(other.Change.Key.Project) {
			continue
		}
		if other == item {
			return idx
		}
		idx++
	}
	return idx
}

// resolveChangeKeys turns change key references into changes, through the
// per-run cache.
func (m *PipelineManager) resolveChangeKeys(refs []string, event *types.EventInfo) []*types.Change {
	var changes []*types.Change
	for _, ref := range refs {
		if change := m.changeCache[ref]; change != nil {
			changes = append(changes, change)
			continue
		}
		key, err := types.ParseChangeKey(ref)
		if err != nil {
			m.log.Warn().Str("ref", ref).Err(err).Msg("Ignoring unparsable change reference")
			continue
		}
		source := m.sources.GetSource(key.Connection)
		if source == nil {
			continue
		}
		change, err := source.GetChangeByKey(key, event)
		if err != nil || change == nil {
			m.log.Warn().Str("ref", ref).Err(err).Msg("Unable to resolve change reference")
			continue
		}
		m.changeCache[change.Key.Reference()] = change
		changes = append(changes, change)
	}
	return changes
}

// maintainCache evicts layouts no item references anymore and changes no
// item depends on anymore.
func (m *PipelineManager) maintainCache() {
	activeLayouts := make(map[string]bool)
	referenced := make(map[string]bool)
	for _, item := range m.pipeline.GetAllItems() {
		if item.LayoutUUID != "" {
			activeLayouts[item.LayoutUUID] = true
		}
		for _, ref := range item.Change.CommitNeedsChanges {
			referenced[ref] = true
		}
		for _, ref := range item.Change.NeededByChanges {
			referenced[ref] = true
		}
	}
	for uuid := range m.layoutCache {
		if !activeLayouts[uuid] {
			delete(m.layoutCache, uuid)
		}
	}
	for ref := range m.changeCache {
		if !referenced[ref] {
			delete(m.changeCache, ref)
		}
	}
}

func (m *PipelineManager) isChangeAlreadyInPipeline(change *types.Change) bool {
	for _, item := range m.pipeline.GetAllItems() {
		if item.Live && change.Equals(item.Change) {
			return true
		}
	}
	return false
}

func (m *PipelineManager) isChangeAlreadyInQueue(change *types.Change, queue *types.ChangeQueue) bool {
	for _, item := range queue.Items {
		if change.Equals(item.Change) {
			return true
		}
	}
	return false
}

// getItemForChange returns the item for a change in the given queue, or in
// the whole pipeline if queue is nil.
func (m *PipelineManager) getItemForChange(change *types.Change, queue *types.ChangeQueue) *types.QueueItem {
	items := m.pipeline.GetAllItems()
	if queue != nil {
		items = queue.Items
	}
	for _, item := range items {
		if item.Change.Equals(change) {
			return item
		}
	}
	return nil
}

func (m *PipelineManager) getItemForChangeRef(ref string, queue *types.ChangeQueue) *types.QueueItem {
	items := m.pipeline.GetAllItems()
	if queue != nil {
		items = queue.Items
	}
	for _, item := range items {
		if item.Change.Key.Reference() == ref {
			return item
		}
	}
	return nil
}

// ItemForBuildSet locates the item owning a build set, for completion
// event dispatch.
func (m *PipelineManager) ItemForBuildSet(uuid string) *types.QueueItem {
	for _, item := range m.pipeline.GetAllItems() {
		if item.BuildSet != nil && item.BuildSet.UUID == uuid {
			return item
		}
	}
	return nil
}

func (m *PipelineManager) findOldVersionOfChangeAlreadyInQueue(change *types.Change) *types.QueueItem {
	for _, item := range m.pipeline.GetAllItems() {
		if !item.Live {
			continue
		}
		if change.IsUpdateOf(item.Change) {
			return item
		}
	}
	return nil
}

// RemoveOldVersionsOfChange dequeues the previous patchset of a change if
// the pipeline is configured to do so.
func (m *PipelineManager) RemoveOldVersionsOfChange(change *types.Change, event *types.EventInfo) {
	if !m.pipeline.DequeueOnNewPatchset {
		return
	}
	if old := m.findOldVersionOfChangeAlreadyInQueue(change); old != nil {
		logger := log.WithEvent(m.log, eventID(event))
		logger.Debug().Stringer("change", change).Stringer("old", old.Change).
			Msg("Change is a new version, removing old item")
		m.removeItem(old)
		m.publishEvent(events.EventChangeSuperseded, old, "superseded by new patchset")
	}
}

// RemoveAbandonedChange dequeues all live items for an abandoned change.
func (m *PipelineManager) RemoveAbandonedChange(change *types.Change, event *types.EventInfo) {
	logger := log.WithEvent(m.log, eventID(event))
	logger.Debug().Stringer("change", change).Msg("Change abandoned, removing")
	for _, item := range m.pipeline.GetAllItems() {
		if !item.Live {
			continue
		}
		if item.Change.Equals(change) {
			m.removeItem(item)
		}
	}
}

// RefreshDeps re-resolves commit dependencies of every item that depends
// on the updated change, and of the change itself if it is in the
// pipeline.
func (m *PipelineManager) RefreshDeps(change *types.Change, event *types.EventInfo) {
	changeInPipeline := false
	for _, item := range m.pipeline.GetAllItems() {
		if item.Change.Equals(change) {
			changeInPipeline = true
		}
		for _, ref := range item.Change.CommitNeedsChanges {
			key, err := types.ParseChangeKey(ref)
			if err != nil {
				continue
			}
			if key.IsSameChange(change.Key) {
				m.updateCommitDependencies(item.Change, event)
				break
			}
		}
	}
	if changeInPipeline {
		m.updateCommitDependencies(change, event)
	}
}

// updateCommitDependencies re-resolves the Depends-On headers of a change
// into change key references and keeps the reverse edges on the
// dependencies.
func (m *PipelineManager) updateCommitDependencies(change *types.Change, event *types.EventInfo) {
	logger := log.WithEvent(m.log, eventID(event))
	logger.Debug().Stringer("change", change).Msg("Updating commit dependencies")

	var needs []string
	var resolved []*types.Change
	for _, url := range deps.FindDependencyHeaders(change.Message) {
		dep, err := m.sources.GetChangeByURL(url, event)
		if err != nil {
			logger.Warn().Str("url", url).Err(err).Msg("Unable to resolve Depends-On")
			continue
		}
		if dep == nil || dep.IsMerged {
			continue
		}
		ref := dep.Key.Reference()
		dup := false
		for _, existing := range needs {
			if existing == ref {
				dup = true
				break
			}
		}
		if dup {
			continue
		}
		needs = append(needs, ref)
		resolved = append(resolved, dep)
	}

	if !stringSlicesEqual(change.CommitNeedsChanges, needs) {
		change.CommitNeedsChanges = needs
	}
	selfRef := change.Key.Reference()
	for _, dep := range resolved {
		m.changeCache[dep.Key.Reference()] = dep
		found := false
		for _, ref := range dep.NeededByChanges {
			if ref == selfRef {
				found = true
				break
			}
		}
		if !found {
			dep.NeededByChanges = append(dep.NeededByChanges, selfRef)
		}
	}
}

// AddChangeOptions tune change admission.
type AddChangeOptions struct {
	// Quiet suppresses enqueue and start reports.
	Quiet bool
	// IgnoreRequirements skips the pipeline's ref filters.
	IgnoreRequirements bool
	// EnqueueTime overrides the enqueue timestamp, preserved across
	// re-enqueues.
	EnqueueTime time.Time
}

// AddChange considers adding a change to the pipeline as a live item,
// pulling in dependencies per the policy. Returns true if the change is
// (or already was) enqueued.
func (m *PipelineManager) AddChange(change *types.Change, event *types.EventInfo,
	opts AddChangeOptions) bool {
	var history []string
	return m.addChange(change, event, addArgs{
		quiet:              opts.Quiet,
		ignoreRequirements: opts.IgnoreRequirements,
		live:               true,
		enqueueTime:        opts.EnqueueTime,
		history:            &history,
		graph:              deps.NewGraph(),
	})
}

type addArgs struct {
	quiet              bool
	ignoreRequirements bool
	live               bool
	enqueueTime        time.Time
	queue              *types.ChangeQueue
	history            *[]string
	graph              *deps.Graph
}

func (m *PipelineManager) addChange(change *types.Change, event *types.EventInfo, args addArgs) bool {
	logger := log.WithEvent(m.log, eventID(event))
	logger.Debug().Stringer("change", change).Msg("Considering adding change")

	// A live change already live anywhere in the pipeline is a no-op.
	// Non-live additions are deduplicated against the specific queue
	// below.
	if args.live && m.isChangeAlreadyInPipeline(change) {
		logger.Debug().Stringer("change", change).Msg("Change is already in pipeline, ignoring")
		return true
	}

	if !args.ignoreRequirements {
		for _, f := range m.refFilters {
			if f.Connection() != change.Key.Connection {
				continue
			}
			if ok, reason := f.Matches(change); !ok {
				logger.Debug().Stringer("change", change).Str("reason", reason).
					Msg("Change does not match pipeline requirement")
				return false
			}
		}
	}

	if !m.policy.IsChangeReadyToBeEnqueued(change, event) {
		logger.Debug().Stringer("change", change).Msg("Change is not ready to be enqueued, ignoring")
		return false
	}

	m.updateCommitDependencies(change, event)

	queue, release := m.policy.GetChangeQueue(change, event, args.queue)
	defer release()
	if queue == nil {
		logger.Debug().Stringer("change", change).Msg("Unable to find change queue")
		return false
	}

	if !m.policy.EnqueueChangesAhead(change, event, args.quiet,
		args.ignoreRequirements, queue, args.history, args.graph) {
		m.dequeueIncompleteCycle(change, args.graph, event, queue)
		logger.Debug().Stringer("change", change).Msg("Failed to enqueue changes ahead")
		return false
	}

	if m.isChangeAlreadyInQueue(change, queue) {
		logger.Debug().Stringer("change", change).Msg("Change is already in queue, ignoring")
		return true
	}

	cycle := m.cycleForChange(change, args.graph, event)
	if len(cycle) > 0 && !m.canProcessCycle(change.Key.Project) {
		logger.Info().Stringer("change", change).
			Msg("Dequeuing change: at least one project does not allow circular dependencies")
		m.reportNonEnqueuedCycle(queue, cycle, event)
		return false
	}

	logger.Info().Stringer("change", change).Str("queue", queue.Name).
		Msg("Adding change to queue")
	item := queue.EnqueueChange(change, event)
	m.updateBundle(item, queue, cycle)

	if !args.enqueueTime.IsZero() {
		item.EnqueueTime = args.enqueueTime
	}
	item.Live = args.live
	item.Quiet = args.quiet
	m.reportStats(item, true)
	m.publishEvent(events.EventChangeEnqueued, item, "")

	if item.Live && !item.ReportedEnqueue {
		m.reportEnqueue(item)
		item.ReportedEnqueue = true
	}

	// Cycle members must stay contiguous, so changes behind a cycle are
	// only enqueued once every member is in the queue.
	allIn := true
	cycleChanges := m.resolveChangeKeys(cycle, event)
	for _, c := range cycleChanges {
		if !m.isChangeAlreadyInQueue(c, queue) {
			allIn = false
			break
		}
	}
	if allIn {
		behind := cycleChanges
		if len(behind) == 0 {
			behind = []*types.Change{change}
		}
		for _, c := range behind {
			m.policy.EnqueueChangesBehind(c, event, args.quiet,
				args.ignoreRequirements, queue, args.history, args.graph)
		}
	}

	m.dequeueSupercededItems(item)
	m.policy.PostAddChange()
	return true
}

// reportNonEnqueuedCycle reports a forbidden dependency cycle as a
// synthetic failure on the last cycle member, without leaving it queued.
func (m *PipelineManager) reportNonEnqueuedCycle(queue *types.ChangeQueue,
	cycle []string, event *types.EventInfo) {
	members := m.resolveChangeKeys(cycle[len(cycle)-1:], event)
	if len(members) == 0 {
		return
	}
	ci := queue.EnqueueChange(members[0], event)
	ci.Warning("Dependency cycle detected")
	ci.SetReportedResult(types.BuildFailure)
	// Only report if the project participates in this pipeline, so
	// unrelated pipelines do not spam the change.
	if m.pipeline.Layout.GetProjectPipelineConfig(
		ci.Change.Key.Project, m.pipeline.Name) != nil {
		m.sendReport(m.pipeline.FailureActions, ci)
	}
	m.dequeueItem(ci)
	if m.recorder != nil {
		m.recorder.RecordBuildsetEnd(ci, "failure", true)
	}
}

// cycleForChange returns the dependency cycle containing the change, if
// the accumulated graph has one.
func (m *PipelineManager) cycleForChange(change *types.Change, graph *deps.Graph,
	event *types.EventInfo) []string {
	cycle := deps.CycleForKey(graph, change.Key.Reference())
	if len(cycle) > 0 {
		logger := log.WithEvent(m.log, eventID(event))
		logger.Debug().
			Stringer("change", change).Strs("cycle", cycle).
			Msg("Dependency cycle detected")
	}
	return cycle
}

// canProcessCycle reports whether the project's shared queue permits
// dependency cycles.
func (m *PipelineManager) canProcessCycle(project string) bool {
	return m.pipeline.Layout.AllowsCircularDependencies(project, m.pipeline.Name)
}

// canMergeCycle checks whether the cycle still fulfills the pipeline's
// ready criteria just before reporting starts.
func (m *PipelineManager) canMergeCycle(bundle *types.Bundle) bool {
	for _, item := range bundle.Items {
		if ok, err := m.sourceCanMerge(item.Change); err != nil || !ok {
			return false
		}
	}
	return true
}

func (m *PipelineManager) sourceCanMerge(change *types.Change) (bool, error) {
	source := m.sources.GetSource(change.Key.Connection)
	if source == nil {
		return false, fmt.Errorf("no source for connection %q", change.Key.Connection)
	}
	return source.CanMerge(change)
}

// updateBundle puts a cycle member into its cycle's bundle, reusing the
// bundle of an already enqueued member.
func (m *PipelineManager) updateBundle(item *types.QueueItem, queue *types.ChangeQueue,
	cycle []string) {
	if len(cycle) == 0 {
		return
	}
	bundle := types.NewBundle()
	selfRef := item.Change.Key.Reference()
	for _, ref := range cycle {
		if ref == selfRef {
			continue
		}
		if other := m.getItemForChangeRef(ref, queue); other != nil && other.Bundle != nil {
			bundle = other.Bundle
			break
		}
	}
	logger := log.WithEvent(m.log, item.EventID())
	logger.Info().
		Stringer("item", item).Stringer("bundle", bundle).
		Msg("Adding cycle item to bundle")
	bundle.AddItem(item)
}

// dequeueIncompleteCycle rolls back cycle members that were enqueued
// before admission of the whole cycle failed.
func (m *PipelineManager) dequeueIncompleteCycle(change *types.Change, graph *deps.Graph,
	event *types.EventInfo, queue *types.ChangeQueue) {
	for _, ref := range m.cycleForChange(change, graph, event) {
		if item := m.getItemForChangeRef(ref, queue); item != nil {
			logger := log.WithEvent(m.log, eventID(event))
			logger.Info().
				Stringer("item", item).Msg("Dequeuing incomplete cycle item")
			m.dequeueItem(item)
		}
	}
}

// dequeueItem unlinks an item from its queue, reporting a dequeue for
// live items that never got a result.
func (m *PipelineManager) dequeueItem(item *types.QueueItem) {
	logger := log.WithEvent(m.log, item.EventID())
	logger.Debug().
		Stringer("change", item.Change).Msg("Removing change from queue")
	if item.ReportedResult() == "" && item.Live {
		item.SetReportedResult(resultDequeued)
		m.reportDequeue(item)
	}
	queue := item.Queue
	queue.DequeueItem(item)
	if queue.Dynamic && len(queue.Items) == 0 {
		m.pipeline.RemoveQueue(queue)
	}
	m.publishEvent(events.EventChangeDequeued, item, "")
}

// removeItem cancels and dequeues an item, and its whole bundle with it.
func (m *PipelineManager) removeItem(item *types.QueueItem) {
	logger := log.WithEvent(m.log, item.EventID())
	logger.Debug().
		Stringer("change", item.Change).Msg("Canceling builds behind change being removed")
	m.cancelJobs(item, true)
	m.dequeueItem(item)
	m.reportStats(item, false)

	if item.Bundle == nil {
		return
	}
	for _, member := range item.Bundle.Items {
		if member == item {
			continue
		}
		m.cancelJobs(member, true)
		m.dequeueItem(member)
		m.reportStats(member, false)
	}
}

// DequeueLiveItem dequeues the live item for a change, used for
// management dequeue events and cross-pipeline supersedence.
func (m *PipelineManager) DequeueLiveItem(change *types.Change, event *types.EventInfo) bool {
	for _, item := range m.pipeline.GetAllItems() {
		if item.Live && item.Change.Equals(change) {
			m.removeItem(item)
			m.publishEvent(events.EventChangeSuperseded, item, "")
			return true
		}
	}
	return false
}

// dequeueSupercededItems asks each superseded pipeline to drop its live
// item for this change.
func (m *PipelineManager) dequeueSupercededItems(item *types.QueueItem) {
	if m.supersede == nil {
		return
	}
	for _, name := range m.pipeline.Supercedes {
		m.supersede(name, item.Change, item.Event)
	}
}

// ReEnqueueItem puts a dequeued item back into a queue during queue
// reconfiguration, preserving its frozen job graph and results.
func (m *PipelineManager) ReEnqueueItem(item *types.QueueItem, lastHead *types.QueueItem,
	oldItemAhead *types.QueueItem, itemAheadValid bool) bool {
	logger := log.WithEvent(m.log, item.EventID())
	queue, release := m.policy.GetChangeQueue(item.Change, item.Event, lastHead.Queue)
	defer release()
	if queue == nil {
		logger.Error().Str("project", item.Change.Key.Project).
			Msg("Unable to find change queue for re-enqueue")
		return false
	}
	logger.Debug().Stringer("change", item.Change).Str("queue", queue.Name).
		Msg("Re-enqueueing change")
	queue.EnqueueItem(item)

	// If the old item ahead was also re-enqueued, move back behind it in
	// case an item ahead is already failing.
	if itemAheadValid {
		queue.MoveItem(item, oldItemAhead)
	}

	// Keep a frozen job graph; the repo state and jobs only update if the
	// item ahead changes. Live items recompute their layout.
	hasJobGraph := item.BuildSet.JobGraph != nil
	if item.Live {
		item.LayoutUUID = ""
	}
	if item.Active || hasJobGraph {
		m.prepareItem(item)
	}

	// Replay results so jobs added to the graph pick up skips, and
	// restore derived item state.
	for _, build := range item.BuildSet.GetBuilds() {
		if build.Result != "" {
			item.SetResult(build)
		}
	}
	if item.BuildSet.UnableToMerge {
		item.SetUnableToMerge()
	}
	if len(item.BuildSet.ConfigErrors) > 0 {
		item.SetConfigErrors(item.BuildSet.ConfigErrors)
	}
	if item.DequeuedNeedingChange {
		item.SetDequeuedNeedingChange()
	}

	// All in-flight builds may have been removed, which would leave
	// paused parents waiting forever.
	m.resumeBuilds(item.BuildSet)

	m.reportStats(item, false)
	return true
}

func eventID(event *types.EventInfo) string {
	if event == nil {
		return ""
	}
	return event.ID
}

func stringSlicesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
