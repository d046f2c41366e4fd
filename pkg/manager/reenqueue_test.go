package manager

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gantrycd/gantry/pkg/config"
	"github.com/gantrycd/gantry/pkg/types"
)

func TestReEnqueuePreservesFrozenJobGraph(t *testing.T) {
	f := newFixture(t, config.PipelineConfig{Manager: config.ManagerDependent})
	c := f.change(1)
	require.True(t, f.add(c))
	item := f.item(c)
	f.settle()

	f.complete(item, "unit", types.BuildSuccess)
	graph := item.BuildSet.JobGraph
	unitBuild := item.BuildSet.GetBuild("unit")
	require.NotNil(t, graph)
	require.Len(t, f.executor.executed, 2)

	// Pulled out of its queue during reconfiguration, then put back.
	item.Queue.DequeueItem(item)
	require.Empty(t, f.items())
	require.True(t, f.m.ReEnqueueItem(item, item, nil, false))

	require.Len(t, f.items(), 1)
	assert.Equal(t, "integrated", item.Queue.Name)
	// The frozen graph and the completed build survive the round trip.
	assert.Same(t, graph, item.BuildSet.JobGraph)
	assert.Same(t, unitBuild, item.BuildSet.GetBuild("unit"))
	assert.Equal(t, types.BuildSuccess, item.BuildSet.GetBuild("unit").Result)

	// No job is resubmitted.
	f.settle()
	assert.Len(t, f.executor.executed, 2)

	f.complete(item, "integration", types.BuildSuccess)
	assert.Empty(t, f.items())
	assert.Equal(t, []string{types.BuildSuccess}, f.reporter.results())
	assert.True(t, c.IsMerged)
}

func TestReEnqueueResumesPausedParent(t *testing.T) {
	f := newFixture(t, config.PipelineConfig{Manager: config.ManagerDependent})
	f.layout.ProjectConfigs["example/server"].Pipelines["gate"].Jobs = []*types.Job{
		{Name: "unit", Voting: true},
		{Name: "integration", Voting: true, Dependencies: []string{"unit"}},
	}
	c := f.change(1)
	require.True(t, f.add(c))
	item := f.item(c)
	f.settle()

	unitBuild := item.BuildSet.GetBuild("unit")
	f.m.OnBuildPaused(unitBuild, item)
	f.settle()
	require.Equal(t, []string{"unit", "integration"}, f.executor.executed)

	// The child finishes while the item is out of its queue, so the
	// resume that its completion would have triggered is lost.
	item.Queue.DequeueItem(item)
	item.BuildSet.GetBuild("integration").Result = types.BuildSuccess

	require.True(t, f.m.ReEnqueueItem(item, item, nil, false))

	// Replaying the results resumes the paused parent.
	require.Len(t, f.executor.resumed, 1)
	assert.Same(t, unitBuild, f.executor.resumed[0])
	assert.False(t, unitBuild.Paused)

	f.complete(item, "unit", types.BuildSuccess)
	assert.Empty(t, f.items())
	assert.Equal(t, []string{types.BuildSuccess}, f.reporter.results())
}
