package manager

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gantrycd/gantry/pkg/config"
	"github.com/gantrycd/gantry/pkg/types"
)

func TestMergerFailureReported(t *testing.T) {
	f := newFixture(t, config.PipelineConfig{Manager: config.ManagerDependent})
	c := f.change(1)
	f.merger.failRefs[c.Key.Reference()] = true

	require.True(t, f.add(c))
	f.settle()

	assert.Empty(t, f.items())
	assert.Equal(t, []string{"MERGER_FAILURE"}, f.reporter.results())
	assert.Empty(t, f.executor.executed)
	assert.Equal(t, 10, f.m.pipeline.GetQueue("integrated").Window)
}

func TestProjectNotInPipelineReportsNoJobs(t *testing.T) {
	f := newFixture(t, config.PipelineConfig{Manager: config.ManagerDependent})
	c := f.changeFor(1, "example/other", "main")

	require.True(t, f.add(c))
	f.settle()

	assert.Empty(t, f.items())
	assert.Equal(t, []string{"NO_JOBS"}, f.reporter.results())
	assert.Empty(t, f.executor.executed)
	assert.False(t, c.IsMerged)
}

func TestConfigErrorReported(t *testing.T) {
	f := newFixture(t, config.PipelineConfig{Manager: config.ManagerDependent})
	bad := types.NewLayout()
	bad.LoadingErrors = []*types.ConfigError{{
		Project: "example/server",
		Branch:  "main",
		Message: "syntax error",
		Key:     "err-1",
	}}
	f.loader.untrusted = bad

	c := f.change(1)
	c.Files = []string{"gantry.yaml"}
	require.True(t, f.add(c))
	item := f.item(c)
	f.settle()

	assert.Empty(t, f.items())
	assert.Equal(t, []string{"CONFIG_ERROR"}, f.reporter.results())
	require.Len(t, item.GetConfigErrors(), 1)
	assert.Equal(t, "syntax error", item.GetConfigErrors()[0].Message)
	assert.Empty(t, f.executor.executed)
}

func TestDynamicLayoutAppliesToConfigChange(t *testing.T) {
	f := newFixture(t, config.PipelineConfig{Manager: config.ManagerDependent})
	dynamic := fixtureLayout("gate")
	dynamic.ProjectConfigs["example/server"].Pipelines["gate"].Jobs = []*types.Job{
		{Name: "dynamic-job", Voting: true},
	}
	f.loader.untrusted = dynamic

	c := f.change(1)
	c.Files = []string{"gantry.yaml"}
	require.True(t, f.add(c))
	item := f.item(c)
	f.settle()

	// The speculative layout, not the static one, supplies the jobs.
	assert.Equal(t, dynamic.UUID, item.LayoutUUID)
	assert.Equal(t, []string{"dynamic-job"}, f.executor.executed)

	f.complete(item, "dynamic-job", types.BuildSuccess)
	assert.Equal(t, []string{types.BuildSuccess}, f.reporter.results())
	assert.True(t, c.IsMerged)
}

func TestTrustedConfigChangeRunsWithCurrentLayout(t *testing.T) {
	f := newFixture(t, config.PipelineConfig{Manager: config.ManagerDependent})
	f.layout.ProjectConfigs["example/config"] = &types.ProjectConfig{
		Name:    "example/config",
		Trusted: true,
	}
	f.loader.trusted = types.NewLayout()

	c := f.changeFor(1, "example/config", "main")
	c.Files = []string{"gantry.yaml"}
	require.True(t, f.add(c))
	item := f.item(c)
	f.settle()

	// Trusted config never takes effect speculatively; the change runs
	// under the static layout, which gives it no jobs.
	assert.Equal(t, f.layout.UUID, item.LayoutUUID)
	assert.Equal(t, []string{"NO_JOBS"}, f.reporter.results())
	assert.Empty(t, f.items())
}

func TestDisableAfterConsecutiveFailures(t *testing.T) {
	f := newFixture(t, config.PipelineConfig{
		Manager:         config.ManagerDependent,
		DisableAfter:    2,
		DisabledActions: []string{"disabled"},
	})

	fail := func(id int) {
		c := f.change(id)
		require.True(t, f.add(c))
		item := f.item(c)
		f.settle()
		f.complete(item, "unit", types.BuildFailure)
		f.complete(item, "integration", types.BuildFailure)
	}

	fail(1)
	assert.False(t, f.m.Pipeline().State.Disabled)
	fail(2)
	assert.True(t, f.m.Pipeline().State.Disabled)
	assert.Equal(t, 2, f.m.Pipeline().State.ConsecutiveFailures)

	// A disabled pipeline reports only through its disabled actions.
	fail(3)
	require.Len(t, f.reporter.reports, 2)
	require.Len(t, f.disabled.reports, 1)
	assert.Equal(t, "3", f.disabled.reports[0].change)
	assert.Equal(t, types.BuildFailure, f.disabled.reports[0].result)
}

func TestReporterErrorMarksItem(t *testing.T) {
	f := newFixture(t, config.PipelineConfig{Manager: config.ManagerDependent})
	f.reporter.fail = true
	c := f.change(1)
	require.True(t, f.add(c))
	item := f.item(c)
	f.settle()

	f.complete(item, "unit", types.BuildSuccess)
	f.complete(item, "integration", types.BuildSuccess)

	assert.Empty(t, f.items())
	assert.Equal(t, "ERROR", item.ReportedResult())
	assert.False(t, c.IsMerged)
}

func TestUnknownReporterIsSkipped(t *testing.T) {
	f := newFixture(t, config.PipelineConfig{
		Manager:        config.ManagerDependent,
		SuccessActions: []string{"missing", "review"},
	})
	c := f.change(1)
	require.True(t, f.add(c))
	item := f.item(c)
	f.settle()

	f.complete(item, "unit", types.BuildSuccess)
	f.complete(item, "integration", types.BuildSuccess)

	// The unknown name does not fail the report.
	assert.Equal(t, []string{types.BuildSuccess}, f.reporter.results())
	assert.True(t, c.IsMerged)
}
