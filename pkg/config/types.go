package config

import "github.com/gantrycd/gantry/pkg/types"

// ManagerType selects the queueing policy of a pipeline.
type ManagerType string

const (
	ManagerDependent   ManagerType = "dependent"
	ManagerIndependent ManagerType = "independent"
	ManagerSerial      ManagerType = "serial"
	ManagerSupercedent ManagerType = "supercedent"
)

// PipelineConfig defines one pipeline of the tenant.
type PipelineConfig struct {
	Name       string           `yaml:"name"`
	Manager    ManagerType      `yaml:"manager"`
	Precedence types.Precedence `yaml:"precedence"`

	DequeueOnNewPatchset bool     `yaml:"dequeue-on-new-patchset"`
	DisableAfter         int      `yaml:"disable-after-consecutive-failures"`
	Supercedes           []string `yaml:"supercedes"`
	RelativePriority     bool     `yaml:"relative-priority"`

	EnqueueActions      []string `yaml:"enqueue-actions"`
	StartActions        []string `yaml:"start-actions"`
	SuccessActions      []string `yaml:"success-actions"`
	FailureActions      []string `yaml:"failure-actions"`
	MergeFailureActions []string `yaml:"merge-failure-actions"`
	NoJobsActions       []string `yaml:"no-jobs-actions"`
	DequeueActions      []string `yaml:"dequeue-actions"`
	DisabledActions     []string `yaml:"disabled-actions"`
}

// Config is the parsed tenant configuration file.
type Config struct {
	Tenant     string                   `yaml:"tenant"`
	Pipelines  []*PipelineConfig        `yaml:"pipelines"`
	Queues     []*types.QueueConfig     `yaml:"queues"`
	Semaphores []*types.SemaphoreConfig `yaml:"semaphores"`
	Projects   []*types.ProjectConfig   `yaml:"projects"`
}
