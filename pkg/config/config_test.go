package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const exampleConfig = `
tenant: example
pipelines:
  - name: check
    manager: independent
    precedence: low
  - name: gate
    manager: dependent
    precedence: high
    supercedes: [check]
    disable-after-consecutive-failures: 3
    dequeue-on-new-patchset: true
    relative-priority: true
    success-actions: [gerrit]
    failure-actions: [gerrit]
  - name: post
    manager: supercedent
queues:
  - name: integrated
    window: 10
    window-floor: 2
    allow-circular-dependencies: true
semaphores:
  - name: ci-cloud
    max: 5
projects:
  - name: example/server
    queue: integrated
    pipelines:
      gate:
        jobs:
          - name: unit
          - name: integration
            dependencies: [unit]
`

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(exampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "example", cfg.Tenant)
	require.Len(t, cfg.Pipelines, 3)

	gate := cfg.PipelineConfigByName("gate")
	require.NotNil(t, gate)
	assert.Equal(t, ManagerDependent, gate.Manager)
	assert.Equal(t, []string{"check"}, gate.Supercedes)
	assert.Equal(t, 3, gate.DisableAfter)
	assert.True(t, gate.DequeueOnNewPatchset)
	assert.True(t, gate.RelativePriority)
	assert.Equal(t, []string{"gerrit"}, gate.SuccessActions)

	assert.Nil(t, cfg.PipelineConfigByName("missing"))
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tenant.yaml")
	require.NoError(t, os.WriteFile(path, []byte(exampleConfig), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "example", cfg.Tenant)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestToLayout(t *testing.T) {
	cfg, err := Parse([]byte(exampleConfig))
	require.NoError(t, err)

	layout := cfg.ToLayout()
	assert.NotEmpty(t, layout.UUID)
	assert.Equal(t, 10, layout.Queues["integrated"].Window)
	assert.Equal(t, 5, layout.SemaphoreMax("ci-cloud"))
	assert.Equal(t, 1, layout.SemaphoreMax("undeclared"))
	assert.Equal(t, "integrated", layout.QueueNameForProject("example/server", "gate"))
	assert.True(t, layout.AllowsCircularDependencies("example/server", "gate"))

	ppc := layout.GetProjectPipelineConfig("example/server", "gate")
	require.NotNil(t, ppc)
	require.Len(t, ppc.Jobs, 2)
	assert.Equal(t, []string{"unit"}, ppc.Jobs[1].Dependencies)
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "missing tenant",
			yaml: "pipelines: [{name: check, manager: independent}]",
			want: "tenant name is required",
		},
		{
			name: "no pipelines",
			yaml: "tenant: example",
			want: "at least one pipeline is required",
		},
		{
			name: "duplicate pipeline",
			yaml: `
tenant: example
pipelines:
  - {name: check, manager: independent}
  - {name: check, manager: independent}
`,
			want: `duplicate pipeline "check"`,
		},
		{
			name: "unknown manager",
			yaml: `
tenant: example
pipelines:
  - {name: check, manager: parallel}
`,
			want: "unknown manager type",
		},
		{
			name: "missing manager",
			yaml: `
tenant: example
pipelines:
  - {name: check}
`,
			want: "manager type is required",
		},
		{
			name: "supercedes unknown pipeline",
			yaml: `
tenant: example
pipelines:
  - {name: gate, manager: dependent, supercedes: [check]}
`,
			want: "supercedes unknown pipeline",
		},
		{
			name: "semaphore max below one",
			yaml: `
tenant: example
pipelines:
  - {name: check, manager: independent}
semaphores:
  - {name: ci-cloud, max: 0}
`,
			want: "max must be at least 1",
		},
		{
			name: "project references unknown queue",
			yaml: `
tenant: example
pipelines:
  - {name: check, manager: independent}
projects:
  - {name: example/server, queue: integrated}
`,
			want: "unknown queue",
		},
		{
			name: "job depends on unknown job",
			yaml: `
tenant: example
pipelines:
  - {name: check, manager: independent}
projects:
  - name: example/server
    pipelines:
      check:
        jobs:
          - {name: unit, dependencies: [compile]}
`,
			want: "depends on unknown job",
		},
		{
			name: "unknown window increase type",
			yaml: `
tenant: example
pipelines:
  - {name: check, manager: independent}
queues:
  - {name: integrated, window-increase-type: quadratic}
`,
			want: "unknown window-increase-type",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
