package types

import "github.com/google/uuid"

// Default configuration file locations inspected to decide whether a
// change updates pipeline configuration.
var (
	DefaultConfigFiles = []string{"gantry.yaml", ".gantry.yaml"}
	DefaultConfigDirs  = []string{"gantry.d", ".gantry.d"}
)

// SemaphoreConfig is the tenant-wide definition of a named semaphore.
type SemaphoreConfig struct {
	Name string `yaml:"name"`
	Max  int    `yaml:"max"`
}

// QueueConfig defines a named shared queue.
type QueueConfig struct {
	Name                      string `yaml:"name"`
	AllowCircularDependencies bool   `yaml:"allow-circular-dependencies"`
	Window                    int    `yaml:"window"`
	WindowFloor               int    `yaml:"window-floor"`
	WindowIncreaseType        string `yaml:"window-increase-type"`
	WindowIncreaseFactor      int    `yaml:"window-increase-factor"`
	WindowDecreaseType        string `yaml:"window-decrease-type"`
	WindowDecreaseFactor      int    `yaml:"window-decrease-factor"`
}

// ProjectPipelineConfig is a project's configuration within one pipeline.
type ProjectPipelineConfig struct {
	QueueName string `yaml:"queue"`
	FailFast  bool   `yaml:"fail-fast"`
	Jobs      []*Job `yaml:"jobs"`
}

// ProjectConfig is a project's tenant-level configuration.
type ProjectConfig struct {
	Name string `yaml:"name"`
	// Trusted marks a config-project whose configuration is applied
	// before speculative (untrusted) overlays.
	Trusted          bool                              `yaml:"trusted"`
	QueueName        string                            `yaml:"queue"`
	ExtraConfigFiles []string                          `yaml:"extra-config-files"`
	ExtraConfigDirs  []string                          `yaml:"extra-config-dirs"`
	Pipelines        map[string]*ProjectPipelineConfig `yaml:"pipelines"`
}

// Layout is the effective pipeline and project configuration visible to an
// item. Speculative changes may produce new layouts; each carries a uuid
// used as the cache key.
type Layout struct {
	UUID string

	Queues         map[string]*QueueConfig
	ProjectConfigs map[string]*ProjectConfig
	Semaphores     map[string]*SemaphoreConfig

	// LoadingErrors holds configuration errors encountered while loading
	// this layout.
	LoadingErrors []*ConfigError
}

// NewLayout creates an empty layout with a fresh uuid.
func NewLayout() *Layout {
	return &Layout{
		UUID:           uuid.New().String(),
		Queues:         make(map[string]*QueueConfig),
		ProjectConfigs: make(map[string]*ProjectConfig),
		Semaphores:     make(map[string]*SemaphoreConfig),
	}
}

// GetProjectPipelineConfig returns a project's config for a pipeline, or
// nil if the project does not participate in it.
func (l *Layout) GetProjectPipelineConfig(project, pipeline string) *ProjectPipelineConfig {
	pc := l.ProjectConfigs[project]
	if pc == nil {
		return nil
	}
	return pc.Pipelines[pipeline]
}

// QueueNameForProject resolves the shared queue name for a project in a
// pipeline; project-level assignment has precedence over pipeline-level.
func (l *Layout) QueueNameForProject(project, pipeline string) string {
	pc := l.ProjectConfigs[project]
	if pc == nil {
		return ""
	}
	if pc.QueueName != "" {
		return pc.QueueName
	}
	if ppc := pc.Pipelines[pipeline]; ppc != nil {
		return ppc.QueueName
	}
	return ""
}

// AllowsCircularDependencies reports whether the project's shared queue
// permits dependency cycles.
func (l *Layout) AllowsCircularDependencies(project, pipeline string) bool {
	queueName := l.QueueNameForProject(project, pipeline)
	if queueName == "" {
		return false
	}
	qc := l.Queues[queueName]
	return qc != nil && qc.AllowCircularDependencies
}

// IsTrustedProject reports whether the project is a config-project.
func (l *Layout) IsTrustedProject(project string) bool {
	pc := l.ProjectConfigs[project]
	return pc != nil && pc.Trusted
}

// ConfigFilesForProject returns the config file and directory names whose
// modification makes a change a configuration update.
func (l *Layout) ConfigFilesForProject(project string) ([]string, []string) {
	files := append([]string(nil), DefaultConfigFiles...)
	dirs := append([]string(nil), DefaultConfigDirs...)
	if pc := l.ProjectConfigs[project]; pc != nil {
		files = append(files, pc.ExtraConfigFiles...)
		dirs = append(dirs, pc.ExtraConfigDirs...)
	}
	return files, dirs
}

// SemaphoreMax returns the configured maximum for a semaphore; an
// undefined semaphore has an implicit maximum of one.
func (l *Layout) SemaphoreMax(name string) int {
	if s := l.Semaphores[name]; s != nil && s.Max > 0 {
		return s.Max
	}
	return 1
}
