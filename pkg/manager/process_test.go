package manager

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gantrycd/gantry/pkg/config"
	"github.com/gantrycd/gantry/pkg/types"
)

func TestGatingLifecycle(t *testing.T) {
	f := newFixture(t, config.PipelineConfig{Manager: config.ManagerDependent})
	c := f.change(1)
	require.True(t, f.add(c))
	item := f.item(c)

	f.settle()

	// Merge done, job graph frozen, nodes granted, both jobs running.
	require.NotNil(t, item.BuildSet.JobGraph)
	assert.Equal(t, "deadbeef", item.BuildSet.Commit)
	assert.ElementsMatch(t, []string{"unit", "integration"}, f.executor.executed)
	assert.Equal(t, 1, f.recorder.starts)
	assert.Equal(t, 2, f.recorder.buildStarts)

	f.complete(item, "unit", types.BuildSuccess)
	require.Len(t, f.items(), 1)
	f.complete(item, "integration", types.BuildSuccess)

	assert.Empty(t, f.items())
	assert.Equal(t, []string{types.BuildSuccess}, f.reporter.results())
	assert.True(t, c.IsMerged)
	assert.Equal(t, 21, f.m.pipeline.GetQueue("integrated").Window)
	assert.Contains(t, f.recorder.ends, "success")
	assert.Equal(t, 0, f.m.Pipeline().State.ConsecutiveFailures)
}

func TestFailedJobDecreasesWindow(t *testing.T) {
	f := newFixture(t, config.PipelineConfig{Manager: config.ManagerDependent})
	c := f.change(1)
	require.True(t, f.add(c))
	item := f.item(c)
	f.settle()

	f.complete(item, "unit", types.BuildFailure)
	f.complete(item, "integration", types.BuildSuccess)

	assert.Empty(t, f.items())
	assert.Equal(t, []string{types.BuildFailure}, f.reporter.results())
	assert.False(t, c.IsMerged)
	assert.Equal(t, 10, f.m.pipeline.GetQueue("integrated").Window)
	assert.Equal(t, 1, f.m.Pipeline().State.ConsecutiveFailures)
}

func TestItemBehindResetsWhenAheadFails(t *testing.T) {
	f := newFixture(t, config.PipelineConfig{Manager: config.ManagerDependent})
	a := f.change(1)
	b := f.change(2)
	require.True(t, f.add(a))
	require.True(t, f.add(b))
	f.settle()

	ia, ib := f.item(a), f.item(b)
	assert.Equal(t, ia, ib.ItemAhead)
	require.Len(t, f.executor.executed, 4)

	// One job of the head fails while the other is still running; the
	// item behind restarts at the head of the queue.
	f.complete(ia, "unit", types.BuildFailure)
	assert.Nil(t, ib.ItemAhead)
	require.Len(t, f.items(), 2)
	assert.Len(t, f.executor.executed, 6)

	f.complete(ia, "integration", types.BuildSuccess)
	assert.Equal(t, []string{types.BuildFailure}, f.reporter.results())
	require.Len(t, f.items(), 1)

	f.complete(ib, "unit", types.BuildSuccess)
	f.complete(ib, "integration", types.BuildSuccess)
	assert.Empty(t, f.items())
	assert.Equal(t, []string{types.BuildFailure, types.BuildSuccess}, f.reporter.results())
	assert.True(t, b.IsMerged)
	// Shrunk on the failure, grown back by one on the success.
	assert.Equal(t, 11, f.m.pipeline.GetQueue("integrated").Window)
}

func TestFailFastCancelsRunningBuilds(t *testing.T) {
	f := newFixture(t, config.PipelineConfig{Manager: config.ManagerDependent})
	f.layout.ProjectConfigs["example/server"].Pipelines["gate"].FailFast = true
	c := f.change(1)
	require.True(t, f.add(c))
	item := f.item(c)
	f.settle()

	f.complete(item, "unit", types.BuildFailure)

	require.Len(t, f.executor.canceled, 1)
	assert.Equal(t, types.BuildCanceled, item.BuildSet.GetBuild("integration").Result)
	assert.Empty(t, f.items())
	assert.Equal(t, []string{types.BuildFailure}, f.reporter.results())
}

func TestPausedBuildResumes(t *testing.T) {
	f := newFixture(t, config.PipelineConfig{Manager: config.ManagerDependent})
	f.layout.ProjectConfigs["example/server"].Pipelines["gate"].Jobs = []*types.Job{
		{Name: "unit", Voting: true},
		{Name: "integration", Voting: true, Dependencies: []string{"unit"}},
	}
	c := f.change(1)
	require.True(t, f.add(c))
	item := f.item(c)
	f.settle()

	// Only the parent runs until it produces a result or pauses.
	assert.Equal(t, []string{"unit"}, f.executor.executed)

	unitBuild := item.BuildSet.GetBuild("unit")
	f.m.OnBuildPaused(unitBuild, item)
	f.settle()

	// The paused parent satisfies the dependency and the child starts.
	assert.Equal(t, []string{"unit", "integration"}, f.executor.executed)

	f.complete(item, "integration", types.BuildSuccess)
	require.Len(t, f.executor.resumed, 1)
	assert.Same(t, unitBuild, f.executor.resumed[0])
	assert.False(t, unitBuild.Paused)
	require.Len(t, f.items(), 1)

	f.complete(item, "unit", types.BuildSuccess)
	assert.Empty(t, f.items())
	assert.Equal(t, []string{types.BuildSuccess}, f.reporter.results())
}

func TestNodeFailureFailsJob(t *testing.T) {
	f := newFixture(t, config.PipelineConfig{Manager: config.ManagerDependent})
	f.nodepool.failJobs["unit"] = true
	c := f.change(1)
	require.True(t, f.add(c))
	item := f.item(c)
	f.settle()

	build := item.BuildSet.GetBuild("unit")
	require.NotNil(t, build)
	assert.Equal(t, types.BuildNodeFailure, build.Result)
	// The unrelated job keeps running.
	assert.Equal(t, []string{"integration"}, f.executor.executed)

	f.complete(item, "integration", types.BuildSuccess)
	assert.Empty(t, f.items())
	assert.Equal(t, []string{types.BuildFailure}, f.reporter.results())
}

func TestRelativePriorityFollowsQueuePosition(t *testing.T) {
	f := newFixture(t, config.PipelineConfig{
		Manager:          config.ManagerDependent,
		RelativePriority: true,
	})
	a := f.change(1)
	b := f.change(2)
	require.True(t, f.add(a))
	require.True(t, f.add(b))
	f.settle()

	ia, ib := f.item(a), f.item(b)
	reqA := f.nodepool.requestFor(ia.BuildSet.UUID, "unit")
	reqB := f.nodepool.requestFor(ib.BuildSet.UUID, "unit")
	require.NotNil(t, reqA)
	require.NotNil(t, reqB)
	assert.Equal(t, 0, reqA.RelativePriority)
	assert.Equal(t, 1, reqB.RelativePriority)
}

func TestRetriedBuildRunsAgain(t *testing.T) {
	f := newFixture(t, config.PipelineConfig{Manager: config.ManagerDependent})
	c := f.change(1)
	require.True(t, f.add(c))
	item := f.item(c)
	f.settle()

	// A retried failure does not count against the item; the job is
	// rescheduled from node request onwards.
	build := item.BuildSet.GetBuild("unit")
	build.Result = types.BuildFailure
	build.Retry = true
	f.m.OnBuildCompleted(build, item)
	f.settle()

	assert.False(t, item.HasAnyJobFailed())
	fresh := item.BuildSet.GetBuild("unit")
	require.NotNil(t, fresh)
	assert.NotEqual(t, build.UUID, fresh.UUID)
	assert.Equal(t, []string{"unit", "integration", "unit"}, f.executor.executed)
}
