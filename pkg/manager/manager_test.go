package manager

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gantrycd/gantry/pkg/config"
	"github.com/gantrycd/gantry/pkg/types"
)

func TestAddChangeSharedQueue(t *testing.T) {
	f := newFixture(t, config.PipelineConfig{Manager: config.ManagerDependent})
	c := f.change(1)

	require.True(t, f.add(c))
	require.Len(t, f.items(), 1)
	item := f.item(c)
	assert.True(t, item.Live)
	assert.Equal(t, "integrated", item.Queue.Name)
	assert.Equal(t, 20, item.Queue.Window)
	assert.True(t, item.Queue.AllowCircularDependencies)

	// Adding the same change again is a no-op.
	assert.True(t, f.add(c))
	assert.Len(t, f.items(), 1)
}

func TestAddChangeNotMergeable(t *testing.T) {
	f := newFixture(t, config.PipelineConfig{Manager: config.ManagerDependent})
	c := f.change(1)
	f.source.cannotMerge[c.Key.Reference()] = true

	assert.False(t, f.add(c))
	assert.Empty(t, f.items())
}

func TestRefFilterBlocksChange(t *testing.T) {
	f := newFixture(t, config.PipelineConfig{Manager: config.ManagerDependent})
	f.m.refFilters = []RefFilter{fakeFilter{connection: "gerrit"}}
	c := f.change(1)

	assert.False(t, f.add(c))
	assert.True(t, f.m.AddChange(c, f.event(), AddChangeOptions{IgnoreRequirements: true}))
	assert.Len(t, f.items(), 1)
}

func TestDependsOnEnqueuesAhead(t *testing.T) {
	f := newFixture(t, config.PipelineConfig{Manager: config.ManagerDependent})
	a := f.change(1)
	b := f.change(2)
	b.Message = "Depends-On: " + a.URL

	require.True(t, f.add(b))
	require.Len(t, f.items(), 2)

	ia, ib := f.item(a), f.item(b)
	require.NotNil(t, ia)
	require.NotNil(t, ib)
	assert.Equal(t, ia, ib.ItemAhead)
	assert.True(t, ia.Live)
	// The dependency was pulled in without its own enqueue report.
	assert.True(t, ia.Quiet)
	assert.False(t, ib.Quiet)
}

func TestCircularDependencyBundle(t *testing.T) {
	f := newFixture(t, config.PipelineConfig{Manager: config.ManagerDependent})
	a := f.change(1)
	b := f.change(2)
	a.Message = "Depends-On: " + b.URL
	b.Message = "Depends-On: " + a.URL

	require.True(t, f.add(a))
	require.Len(t, f.items(), 2)

	ia, ib := f.item(a), f.item(b)
	require.NotNil(t, ia.Bundle)
	assert.Same(t, ia.Bundle, ib.Bundle)
	assert.True(t, ia.Live)
	assert.True(t, ib.Live)

	f.settle()
	require.Len(t, f.executor.executed, 4)

	f.complete(ia, "unit", types.BuildSuccess)
	f.complete(ia, "integration", types.BuildSuccess)
	// The bundle only reports once every member has finished.
	require.Len(t, f.items(), 2)

	f.complete(ib, "unit", types.BuildSuccess)
	f.complete(ib, "integration", types.BuildSuccess)

	assert.Empty(t, f.items())
	assert.ElementsMatch(t, []string{types.BuildSuccess, types.BuildSuccess},
		f.reporter.results())
	assert.True(t, a.IsMerged)
	assert.True(t, b.IsMerged)
}

func TestForbiddenCycleReported(t *testing.T) {
	f := newFixture(t, config.PipelineConfig{Manager: config.ManagerDependent})
	f.layout.Queues["integrated"].AllowCircularDependencies = false
	a := f.change(1)
	b := f.change(2)
	a.Message = "Depends-On: " + b.URL
	b.Message = "Depends-On: " + a.URL

	assert.False(t, f.add(a))
	assert.Empty(t, f.items())
	require.Len(t, f.reporter.reports, 1)
	assert.Equal(t, types.BuildFailure, f.reporter.reports[0].result)
	assert.Contains(t, f.recorder.ends, "failure")
}

func TestNewPatchsetSupersedes(t *testing.T) {
	f := newFixture(t, config.PipelineConfig{
		Manager:              config.ManagerDependent,
		DequeueOnNewPatchset: true,
	})
	old := f.change(1)
	require.True(t, f.add(old))
	f.settle()
	item := f.item(old)

	f.m.RemoveOldVersionsOfChange(f.patchset(1, 2), f.event())

	assert.Empty(t, f.items())
	assert.Equal(t, resultDequeued, item.ReportedResult())
	assert.Contains(t, f.recorder.ends, "dequeue")
}

func TestNewPatchsetKeptWithoutDequeueOnNewPatchset(t *testing.T) {
	f := newFixture(t, config.PipelineConfig{Manager: config.ManagerDependent})
	old := f.change(1)
	require.True(t, f.add(old))

	f.m.RemoveOldVersionsOfChange(f.patchset(1, 2), f.event())

	assert.Len(t, f.items(), 1)
}

func TestAbandonedChangeRemoved(t *testing.T) {
	f := newFixture(t, config.PipelineConfig{Manager: config.ManagerDependent})
	c := f.change(1)
	require.True(t, f.add(c))
	f.settle()

	f.m.RemoveAbandonedChange(c, f.event())

	assert.Empty(t, f.items())
	// Running builds were withdrawn.
	assert.Len(t, f.executor.canceled, 2)
}

func TestIndependentDependencyRidesAlong(t *testing.T) {
	f := newFixture(t, config.PipelineConfig{Name: "check", Manager: config.ManagerIndependent})
	a := f.change(1)
	b := f.change(2)
	b.Message = "Depends-On: " + a.URL

	require.True(t, f.add(b))
	ia, ib := f.item(a), f.item(b)
	require.NotNil(t, ia)
	assert.False(t, ia.Live)
	assert.True(t, ib.Live)
	assert.True(t, ib.Queue.Dynamic)

	f.settle()
	// The non-live context item runs no jobs of its own.
	assert.Empty(t, ia.BuildSet.Builds)

	f.complete(ib, "unit", types.BuildSuccess)
	f.complete(ib, "integration", types.BuildSuccess)

	assert.Empty(t, f.items())
	// The dynamic queue disappears with its last item.
	assert.Empty(t, f.m.pipeline.Queues)
	assert.Equal(t, []string{types.BuildSuccess}, f.reporter.results())
	// Independent pipelines never submit.
	assert.False(t, b.IsMerged)
}

func TestSupercedentCollapsesQueue(t *testing.T) {
	f := newFixture(t, config.PipelineConfig{Name: "post", Manager: config.ManagerSupercedent})

	require.True(t, f.add(f.change(1)))
	require.True(t, f.add(f.change(2)))
	require.True(t, f.add(f.change(3)))

	q := f.m.pipeline.GetQueue("example/server/main")
	require.NotNil(t, q)
	require.Len(t, q.Items, 2)
	assert.Equal(t, "1", q.Items[0].Change.Key.ChangeID)
	assert.Equal(t, "3", q.Items[1].Change.Key.ChangeID)
	assert.Equal(t, 1, q.Window)
}

func TestSerialProcessesOneAtATime(t *testing.T) {
	f := newFixture(t, config.PipelineConfig{Name: "deploy", Manager: config.ManagerSerial})
	c1 := f.change(1)
	c2 := f.change(2)
	require.True(t, f.add(c1))
	require.True(t, f.add(c2))
	f.settle()

	q := f.item(c1).Queue
	assert.Equal(t, 1, q.Window)

	// Only the head runs; the second change waits outside the window.
	i1, i2 := f.item(c1), f.item(c2)
	require.Len(t, f.executor.executed, 2)
	assert.Empty(t, i2.BuildSet.Builds)

	f.complete(i1, "unit", types.BuildSuccess)
	f.complete(i1, "integration", types.BuildSuccess)
	require.Len(t, f.items(), 1)
	assert.Equal(t, 1, q.Window)

	// With the head gone the next change starts.
	require.Len(t, f.executor.executed, 4)
	f.complete(i2, "unit", types.BuildSuccess)
	f.complete(i2, "integration", types.BuildSuccess)
	assert.Empty(t, f.items())
}

func TestDependencyAbandonedDequeuesDependent(t *testing.T) {
	f := newFixture(t, config.PipelineConfig{Manager: config.ManagerDependent})
	a := f.change(1)
	b := f.change(2)
	b.Message = "Depends-On: " + a.URL
	require.True(t, f.add(b))
	f.settle()

	f.m.RemoveAbandonedChange(a, f.event())
	f.settle()

	assert.Empty(t, f.items())
	require.Len(t, f.reporter.reports, 1)
	assert.Equal(t, "2", f.reporter.reports[0].change)
	assert.Equal(t, types.BuildFailure, f.reporter.reports[0].result)
}
