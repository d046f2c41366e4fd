package scheduler

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/gantrycd/gantry/pkg/config"
	"github.com/gantrycd/gantry/pkg/coordination"
	"github.com/gantrycd/gantry/pkg/events"
	"github.com/gantrycd/gantry/pkg/log"
	"github.com/gantrycd/gantry/pkg/manager"
	"github.com/gantrycd/gantry/pkg/semaphore"
	"github.com/gantrycd/gantry/pkg/types"
)

const eventQueueSize = 1024

// Config carries the tenant configuration and the collaborator services
// shared by every pipeline manager.
type Config struct {
	Tenant *config.Config

	Store  coordination.Store
	Broker *events.Broker

	Sources  manager.SourceRegistry
	Merger   manager.Merger
	Executor manager.Executor
	Nodepool manager.Nodepool
	Loader   manager.ConfigLoader
	Recorder manager.BuildRecorder

	Reporters map[string]manager.Reporter

	// RefFilters are the admission requirements per pipeline name.
	RefFilters map[string][]manager.RefFilter
}

// Scheduler runs the event loop of one tenant. All pipeline mutation
// happens on the loop goroutine while the pipeline's lock is held.
type Scheduler struct {
	log    zerolog.Logger
	cfg    Config
	layout *types.Layout
	locks  *coordination.LockManager

	managers map[string]*manager.PipelineManager
	order    []string

	triggerCh    chan *TriggerEvent
	resultCh     chan *ResultEvent
	managementCh chan *ManagementEvent

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// New builds a scheduler and one manager per configured pipeline.
func New(cfg Config) (*Scheduler, error) {
	if err := cfg.Tenant.Validate(); err != nil {
		return nil, fmt.Errorf("invalid tenant configuration: %w", err)
	}
	layout := cfg.Tenant.ToLayout()
	logger := log.WithComponent("scheduler").With().
		Str("tenant", cfg.Tenant.Tenant).Logger()

	s := &Scheduler{
		log:          logger,
		cfg:          cfg,
		layout:       layout,
		locks:        coordination.NewLockManager(),
		managers:     make(map[string]*manager.PipelineManager, len(cfg.Tenant.Pipelines)),
		triggerCh:    make(chan *TriggerEvent, eventQueueSize),
		resultCh:     make(chan *ResultEvent, eventQueueSize),
		managementCh: make(chan *ManagementEvent, eventQueueSize),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}

	semaphores := semaphore.NewHandler(cfg.Store, cfg.Tenant.Tenant, layout,
		log.WithComponent("semaphore"))
	for _, pc := range cfg.Tenant.Pipelines {
		m, err := manager.New(manager.Config{
			Tenant:              cfg.Tenant.Tenant,
			Pipeline:            pc,
			Layout:              layout,
			Sources:             cfg.Sources,
			Merger:              cfg.Merger,
			Executor:            cfg.Executor,
			Nodepool:            cfg.Nodepool,
			Loader:              cfg.Loader,
			Recorder:            cfg.Recorder,
			Reporters:           cfg.Reporters,
			Semaphores:          semaphores,
			Store:               cfg.Store,
			Broker:              cfg.Broker,
			UseRelativePriority: pc.RelativePriority,
			RefFilters:          cfg.RefFilters[pc.Name],
			Supersede:           s.supersede,
		})
		if err != nil {
			return nil, fmt.Errorf("pipeline %s: %w", pc.Name, err)
		}
		s.managers[pc.Name] = m
		s.order = append(s.order, pc.Name)
	}
	return s, nil
}

// Manager returns the named pipeline manager, or nil.
func (s *Scheduler) Manager(name string) *manager.PipelineManager {
	return s.managers[name]
}

// Start loads persistent pipeline state and launches the event loop.
func (s *Scheduler) Start() error {
	for _, name := range s.order {
		m := s.managers[name]
		if err := s.withPipeline(m, m.PostConfig); err != nil {
			return fmt.Errorf("pipeline %s: %w", name, err)
		}
	}
	go s.run()
	s.log.Info().Int("pipelines", len(s.order)).Msg("Scheduler started")
	return nil
}

// Stop shuts down the event loop and waits for it to drain.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	<-s.doneCh
}

// SubmitTrigger queues a code review event for processing.
func (s *Scheduler) SubmitTrigger(ev *TriggerEvent) {
	select {
	case s.triggerCh <- ev:
	case <-s.stopCh:
	}
}

// SubmitResult queues a collaborator completion for processing.
func (s *Scheduler) SubmitResult(ev *ResultEvent) {
	select {
	case s.resultCh <- ev:
	case <-s.stopCh:
	}
}

// SubmitManagement queues an operator request for processing.
func (s *Scheduler) SubmitManagement(ev *ManagementEvent) {
	select {
	case s.managementCh <- ev:
	case <-s.stopCh:
	}
}

// supersede is installed into every manager; it runs on the loop
// goroutine while the superseding pipeline's lock is held, so the
// dequeue in the other pipeline is deferred to a management event.
func (s *Scheduler) supersede(pipeline string, change *types.Change, event *types.EventInfo) {
	ev := &ManagementEvent{
		Type:     EventDequeue,
		Pipeline: pipeline,
		Change:   change,
		Info:     event,
	}
	select {
	case s.managementCh <- ev:
	default:
		s.log.Warn().Str("pipeline", pipeline).Stringer("change", change).
			Msg("Management queue full, dropping supersedence dequeue")
	}
}

func (s *Scheduler) run() {
	defer close(s.doneCh)
	for {
		// Results first: they unblock items already in flight.
		select {
		case ev := <-s.resultCh:
			s.handleResult(ev)
			continue
		case <-s.stopCh:
			return
		default:
		}
		select {
		case ev := <-s.resultCh:
			s.handleResult(ev)
		case ev := <-s.managementCh:
			s.handleManagement(ev)
		case ev := <-s.triggerCh:
			s.handleTrigger(ev)
		case <-s.stopCh:
			return
		}
	}
}

// withPipeline runs fn while holding the pipeline's coordination lock,
// with the manager's store context bound to the lock session.
func (s *Scheduler) withPipeline(m *manager.PipelineManager, fn func() error) error {
	p := m.Pipeline()
	lock := s.locks.Lock(fmt.Sprintf("/gantry/locks/%s/%s", p.Tenant, p.Name))
	defer lock.Unlock()
	ctx := coordination.NewContext(s.cfg.Store, lock, log.WithPipeline(p.Tenant, p.Name))
	return m.WithContext(ctx, fn)
}

// processPipeline reruns the queue processor until nothing changes.
// Must be called with the pipeline lock held.
func (s *Scheduler) processPipeline(m *manager.PipelineManager) {
	for m.ProcessQueue() {
	}
}

func (s *Scheduler) handleTrigger(ev *TriggerEvent) {
	for _, name := range s.order {
		if ev.Pipeline != "" && ev.Pipeline != name {
			continue
		}
		m := s.managers[name]
		err := s.withPipeline(m, func() error {
			switch ev.Type {
			case EventPatchsetCreated:
				m.RemoveOldVersionsOfChange(ev.Change, ev.Info)
				m.AddChange(ev.Change, ev.Info, manager.AddChangeOptions{})
			case EventChangeAbandoned:
				m.RemoveAbandonedChange(ev.Change, ev.Info)
			case EventChangeUpdated:
				m.RefreshDeps(ev.Change, ev.Info)
			default:
				s.log.Warn().Str("type", string(ev.Type)).Msg("Unknown trigger event")
			}
			s.processPipeline(m)
			return nil
		})
		if err != nil {
			s.log.Error().Err(err).Str("pipeline", name).
				Msg("Error processing trigger event")
		}
	}
}

func (s *Scheduler) handleResult(ev *ResultEvent) {
	// The loop goroutine is the only mutator, so the ownership scan
	// is safe without the pipeline lock.
	var owner *manager.PipelineManager
	for _, name := range s.order {
		if s.managers[name].ItemForBuildSet(ev.BuildSetUUID) != nil {
			owner = s.managers[name]
			break
		}
	}
	if owner == nil {
		s.log.Debug().Str("buildset", ev.BuildSetUUID).
			Msg("Ignoring result for unknown buildset")
		return
	}
	err := s.withPipeline(owner, func() error {
		item := owner.ItemForBuildSet(ev.BuildSetUUID)
		if item == nil {
			return nil
		}
		s.dispatchResult(owner, item, ev)
		s.processPipeline(owner)
		return nil
	})
	if err != nil {
		s.log.Error().Err(err).Str("buildset", ev.BuildSetUUID).
			Msg("Error processing result event")
	}
}

func (s *Scheduler) dispatchResult(m *manager.PipelineManager, item *types.QueueItem,
	ev *ResultEvent) {
	switch {
	case ev.Merge != nil:
		m.OnMergeCompleted(ev.Merge, item)
	case ev.Files != nil:
		m.OnFilesChangesCompleted(ev.Files, item)
	case ev.Nodes != nil:
		m.OnNodesProvisioned(ev.Nodes, item)
	case ev.BuildPaused != nil:
		if build := item.BuildSet.GetBuild(ev.BuildPaused.JobName); build != nil {
			m.OnBuildPaused(build, item)
		}
	case ev.BuildCompleted != nil:
		build := item.BuildSet.GetBuild(ev.BuildCompleted.JobName)
		if build == nil {
			s.log.Debug().Str("job", ev.BuildCompleted.JobName).
				Msg("Ignoring result for unknown build")
			return
		}
		build.Result = ev.BuildCompleted.Result
		build.Retry = ev.BuildCompleted.Retry
		m.OnBuildCompleted(build, item)
	}
}

func (s *Scheduler) handleManagement(ev *ManagementEvent) {
	m := s.managers[ev.Pipeline]
	if m == nil {
		s.log.Warn().Str("pipeline", ev.Pipeline).
			Msg("Management event for unknown pipeline")
		return
	}
	err := s.withPipeline(m, func() error {
		switch ev.Type {
		case EventDequeue:
			m.DequeueLiveItem(ev.Change, ev.Info)
		case EventEnqueue:
			m.AddChange(ev.Change, ev.Info, manager.AddChangeOptions{
				IgnoreRequirements: true,
			})
		case EventPromote:
			m.Promote([]*types.Change{ev.Change}, ev.Info)
		default:
			s.log.Warn().Str("type", string(ev.Type)).Msg("Unknown management event")
		}
		s.processPipeline(m)
		return nil
	})
	if err != nil {
		s.log.Error().Err(err).Str("pipeline", ev.Pipeline).
			Msg("Error processing management event")
	}
}
