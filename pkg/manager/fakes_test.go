package manager

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gantrycd/gantry/pkg/config"
	"github.com/gantrycd/gantry/pkg/coordination"
	"github.com/gantrycd/gantry/pkg/log"
	"github.com/gantrycd/gantry/pkg/semaphore"
	"github.com/gantrycd/gantry/pkg/types"
)

// fakeSource serves changes from a map and treats every change as
// mergeable unless marked otherwise.
type fakeSource struct {
	changes     map[string]*types.Change
	cannotMerge map[string]bool
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		changes:     make(map[string]*types.Change),
		cannotMerge: make(map[string]bool),
	}
}

func (s *fakeSource) GetChangeByKey(key types.ChangeKey, _ *types.EventInfo) (*types.Change, error) {
	return s.changes[key.Reference()], nil
}

func (s *fakeSource) CanMerge(change *types.Change) (bool, error) {
	return !s.cannotMerge[change.Key.Reference()], nil
}

func (s *fakeSource) IsMerged(change *types.Change) (bool, error) {
	return change.IsMerged, nil
}

func (s *fakeSource) Merge(change *types.Change) error {
	change.IsMerged = true
	return nil
}

// fakeRegistry resolves every connection to one fake source and
// Depends-On URLs through a url map.
type fakeRegistry struct {
	source *fakeSource
	byURL  map[string]*types.Change
}

func (r *fakeRegistry) GetSource(string) Source { return r.source }

func (r *fakeRegistry) GetChangeByURL(url string, _ *types.EventInfo) (*types.Change, error) {
	return r.byURL[url], nil
}

const (
	callMerge     = "merge"
	callRepoState = "repostate"
	callFiles     = "files"
)

type mergeCall struct {
	kind         string
	items        []MergerItem
	buildSetUUID string
	ref          string
}

// fakeMerger records requests; the fixture's settle loop answers them.
type fakeMerger struct {
	calls []mergeCall
	// failRefs marks change refs whose speculative merge fails.
	failRefs map[string]bool
}

func (f *fakeMerger) MergeChanges(items []MergerItem, buildSetUUID string, _, _ []string,
	_ types.Precedence, _ string) {
	f.calls = append(f.calls, mergeCall{kind: callMerge, items: items, buildSetUUID: buildSetUUID})
}

func (f *fakeMerger) GetRepoState(items []MergerItem, buildSetUUID string,
	_ types.Precedence, _ string) {
	f.calls = append(f.calls, mergeCall{kind: callRepoState, items: items, buildSetUUID: buildSetUUID})
}

func (f *fakeMerger) GetFilesChanges(_, _, ref, buildSetUUID, _ string) {
	f.calls = append(f.calls, mergeCall{kind: callFiles, ref: ref, buildSetUUID: buildSetUUID})
}

func (f *fakeMerger) take() []mergeCall {
	calls := f.calls
	f.calls = nil
	return calls
}

// fakeNodepool fulfills requests when the fixture settles.
type fakeNodepool struct {
	seq      int
	requests map[string]*types.NodeRequest
	pending  []*types.NodeRequest
	canceled []string
	revised  map[string]int
	returned int
	// failJobs marks jobs whose node requests come back unfulfilled.
	failJobs map[string]bool
}

func newFakeNodepool() *fakeNodepool {
	return &fakeNodepool{
		requests: make(map[string]*types.NodeRequest),
		revised:  make(map[string]int),
		failJobs: make(map[string]bool),
	}
}

func (f *fakeNodepool) RequestNodes(buildSetUUID string, job *types.Job,
	priority, relativePriority int, eventID string) (*types.NodeRequest, error) {
	f.seq++
	req := &types.NodeRequest{
		ID:               fmt.Sprintf("req-%d", f.seq),
		BuildSetUUID:     buildSetUUID,
		JobName:          job.Name,
		Priority:         priority,
		RelativePriority: relativePriority,
		EventID:          eventID,
	}
	f.requests[req.ID] = req
	f.pending = append(f.pending, req)
	return req, nil
}

func (f *fakeNodepool) GetRequest(id string) *types.NodeRequest { return f.requests[id] }

func (f *fakeNodepool) CancelRequest(id string) {
	f.canceled = append(f.canceled, id)
	delete(f.requests, id)
	for i, req := range f.pending {
		if req.ID == id {
			f.pending = append(f.pending[:i], f.pending[i+1:]...)
			break
		}
	}
}

func (f *fakeNodepool) ReviseRequest(request *types.NodeRequest, relativePriority int) {
	request.RelativePriority = relativePriority
	f.revised[request.ID] = relativePriority
}

func (f *fakeNodepool) ReturnNodeSet(*types.NodeSet) { f.returned++ }

func (f *fakeNodepool) take() []*types.NodeRequest {
	pending := f.pending
	f.pending = nil
	return pending
}

// requestFor returns the request submitted for a job of a build set.
func (f *fakeNodepool) requestFor(buildSetUUID, jobName string) *types.NodeRequest {
	for _, req := range f.requests {
		if req.BuildSetUUID == buildSetUUID && req.JobName == jobName {
			return req
		}
	}
	return nil
}

type fakeExecutor struct {
	seq      int
	executed []string
	canceled []*types.Build
	resumed  []*types.Build
}

func (f *fakeExecutor) Execute(_ *types.QueueItem, job *types.Job, _ *types.NodeSet,
	_ []string) (*types.Build, error) {
	f.seq++
	f.executed = append(f.executed, job.Name)
	return &types.Build{UUID: fmt.Sprintf("build-%d", f.seq), JobName: job.Name}, nil
}

func (f *fakeExecutor) Cancel(build *types.Build) error {
	f.canceled = append(f.canceled, build)
	return nil
}

func (f *fakeExecutor) Resume(build *types.Build) error {
	f.resumed = append(f.resumed, build)
	return nil
}

// fakeLoader hands out fixed speculative layouts.
type fakeLoader struct {
	trusted   *types.Layout
	untrusted *types.Layout
}

func (f *fakeLoader) CreateDynamicLayout(_ *types.QueueItem,
	includeConfigProjects bool) (*types.Layout, error) {
	if includeConfigProjects {
		return f.trusted, nil
	}
	return f.untrusted, nil
}

type fakeRecorder struct {
	starts      int
	buildStarts int
	ends        []string
}

func (f *fakeRecorder) RecordBuildsetStart(*types.QueueItem) { f.starts++ }

func (f *fakeRecorder) RecordBuildsetEnd(_ *types.QueueItem, action string, _ bool) {
	f.ends = append(f.ends, action)
}

func (f *fakeRecorder) RecordBuildStart(*types.Build, *types.QueueItem) { f.buildStarts++ }

type reportRecord struct {
	change string
	result string
}

// fakeReporter records reports. With merges set it submits the change on
// a SUCCESS report, like a gating code review reporter would.
type fakeReporter struct {
	name    string
	merges  bool
	fail    bool
	reports []reportRecord
}

func (r *fakeReporter) Name() string { return r.name }

func (r *fakeReporter) Report(item *types.QueueItem) error {
	r.reports = append(r.reports, reportRecord{
		change: item.Change.Key.ChangeID,
		result: item.ReportedResult(),
	})
	if r.fail {
		return errors.New("report failed")
	}
	if r.merges && item.ReportedResult() == types.BuildSuccess {
		item.Change.IsMerged = true
	}
	return nil
}

func (r *fakeReporter) results() []string {
	var results []string
	for _, rec := range r.reports {
		results = append(results, rec.result)
	}
	return results
}

// fakeFilter refuses every change on its connection.
type fakeFilter struct {
	connection string
}

func (f fakeFilter) Connection() string { return f.connection }

func (f fakeFilter) Matches(*types.Change) (bool, string) {
	return false, "does not meet pipeline requirements"
}

// fixture wires a pipeline manager to in-memory collaborators. The settle
// loop plays the role of the scheduler: it answers merger and nodepool
// requests and reruns the queue processor until nothing changes.
type fixture struct {
	t *testing.T
	m *PipelineManager

	layout   *types.Layout
	source   *fakeSource
	registry *fakeRegistry
	merger   *fakeMerger
	executor *fakeExecutor
	nodepool *fakeNodepool
	loader   *fakeLoader
	recorder *fakeRecorder
	reporter *fakeReporter
	disabled *fakeReporter

	seq int
}

func fixtureLayout(pipeline string) *types.Layout {
	layout := types.NewLayout()
	layout.Queues["integrated"] = &types.QueueConfig{
		Name:                      "integrated",
		Window:                    20,
		AllowCircularDependencies: true,
	}
	layout.ProjectConfigs["example/server"] = &types.ProjectConfig{
		Name:      "example/server",
		QueueName: "integrated",
		Pipelines: map[string]*types.ProjectPipelineConfig{
			pipeline: {
				Jobs: []*types.Job{
					{Name: "unit", Voting: true},
					{Name: "integration", Voting: true},
				},
			},
		},
	}
	return layout
}

func newFixture(t *testing.T, pc config.PipelineConfig) *fixture {
	t.Helper()
	if pc.Name == "" {
		pc.Name = "gate"
	}
	if pc.SuccessActions == nil {
		pc.SuccessActions = []string{"review"}
	}
	if pc.FailureActions == nil {
		pc.FailureActions = []string{"review"}
	}
	if pc.MergeFailureActions == nil {
		pc.MergeFailureActions = []string{"review"}
	}
	if pc.NoJobsActions == nil {
		pc.NoJobsActions = []string{"review"}
	}

	store, err := coordination.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	f := &fixture{
		t:        t,
		layout:   fixtureLayout(pc.Name),
		source:   newFakeSource(),
		merger:   &fakeMerger{failRefs: make(map[string]bool)},
		executor: &fakeExecutor{},
		nodepool: newFakeNodepool(),
		loader:   &fakeLoader{},
		recorder: &fakeRecorder{},
		reporter: &fakeReporter{name: "review", merges: pc.Manager == config.ManagerDependent},
		disabled: &fakeReporter{name: "disabled"},
	}
	f.registry = &fakeRegistry{source: f.source, byURL: make(map[string]*types.Change)}

	m, err := New(Config{
		Tenant:   "example",
		Pipeline: &pc,
		Layout:   f.layout,
		Sources:  f.registry,
		Merger:   f.merger,
		Executor: f.executor,
		Nodepool: f.nodepool,
		Loader:   f.loader,
		Recorder: f.recorder,
		Reporters: map[string]Reporter{
			"review":   f.reporter,
			"disabled": f.disabled,
		},
		Semaphores: semaphore.NewHandler(store, "example", f.layout, log.WithComponent("test")),
		Store:      store,
	})
	require.NoError(t, err)
	require.NoError(t, m.PostConfig())
	f.m = m
	return f
}

func (f *fixture) change(id int) *types.Change {
	return f.changeFor(id, "example/server", "main")
}

func (f *fixture) changeFor(id int, project, branch string) *types.Change {
	c := &types.Change{
		Key: types.ChangeKey{
			Connection: "gerrit",
			Project:    project,
			Branch:     branch,
			ChangeID:   fmt.Sprintf("%d", id),
			Patchset:   1,
		},
		Ref:   fmt.Sprintf("refs/changes/%d/1", id),
		URL:   fmt.Sprintf("https://review.example.com/%d", id),
		Files: []string{"src/main.go"},
	}
	f.source.changes[c.Key.Reference()] = c
	f.registry.byURL[c.URL] = c
	return c
}

func (f *fixture) patchset(id, ps int) *types.Change {
	c := &types.Change{
		Key: types.ChangeKey{
			Connection: "gerrit",
			Project:    "example/server",
			Branch:     "main",
			ChangeID:   fmt.Sprintf("%d", id),
			Patchset:   ps,
		},
		Ref:   fmt.Sprintf("refs/changes/%d/%d", id, ps),
		URL:   fmt.Sprintf("https://review.example.com/%d", id),
		Files: []string{"src/main.go"},
	}
	f.source.changes[c.Key.Reference()] = c
	f.registry.byURL[c.URL] = c
	return c
}

func (f *fixture) event() *types.EventInfo {
	f.seq++
	return &types.EventInfo{ID: fmt.Sprintf("ev-%d", f.seq)}
}

func (f *fixture) add(c *types.Change) bool {
	return f.m.AddChange(c, f.event(), AddChangeOptions{})
}

func (f *fixture) item(c *types.Change) *types.QueueItem {
	return f.m.getItemForChange(c, nil)
}

func (f *fixture) items() []*types.QueueItem {
	return f.m.pipeline.GetAllItems()
}

// settle answers pending merger and nodepool requests and reruns the
// queue processor until the pipeline stops changing. Builds stay running
// until the test completes them.
func (f *fixture) settle() {
	f.t.Helper()
	for i := 0; i < 100; i++ {
		progress := f.m.ProcessQueue()
		for _, call := range f.merger.take() {
			item := f.m.ItemForBuildSet(call.buildSetUUID)
			if item == nil {
				continue
			}
			progress = true
			switch call.kind {
			case callFiles:
				f.m.OnFilesChangesCompleted(&types.FilesChangesCompleted{
					BuildSetUUID: call.buildSetUUID,
					Files:        []string{"src/main.go"},
				}, item)
			case callRepoState:
				f.m.OnMergeCompleted(&types.MergeCompleted{
					BuildSetUUID: call.buildSetUUID,
					Updated:      true,
				}, item)
			default:
				merged := true
				for _, mi := range call.items {
					if f.merger.failRefs[mi.Ref] {
						merged = false
					}
				}
				ev := &types.MergeCompleted{
					BuildSetUUID: call.buildSetUUID,
					Merged:       merged,
					Updated:      merged,
				}
				if merged {
					ev.Commit = "deadbeef"
					ev.Files = make([][]string, len(call.items))
					for i := range ev.Files {
						ev.Files[i] = []string{"src/main.go"}
					}
				}
				f.m.OnMergeCompleted(ev, item)
			}
		}
		for _, req := range f.nodepool.take() {
			item := f.m.ItemForBuildSet(req.BuildSetUUID)
			if item == nil {
				continue
			}
			progress = true
			fulfilled := !f.nodepool.failJobs[req.JobName]
			req.Fulfilled = fulfilled
			req.Failed = !fulfilled
			ev := &types.NodesProvisioned{
				RequestID: req.ID,
				JobName:   req.JobName,
				Fulfilled: fulfilled,
			}
			if fulfilled {
				ev.NodeSet = &types.NodeSet{}
			}
			f.m.OnNodesProvisioned(ev, item)
		}
		if !progress {
			return
		}
	}
	f.t.Fatal("pipeline did not settle")
}

// complete finishes a running build with the given result and settles.
func (f *fixture) complete(item *types.QueueItem, job, result string) {
	f.t.Helper()
	build := item.BuildSet.GetBuild(job)
	require.NotNil(f.t, build, "no build for job %q", job)
	build.Result = result
	f.m.OnBuildCompleted(build, item)
	f.settle()
}
