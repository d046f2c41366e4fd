package types

import "fmt"

// Build results as reported by the executor.
const (
	BuildSuccess     = "SUCCESS"
	BuildFailure     = "FAILURE"
	BuildSkipped     = "SKIPPED"
	BuildCanceled    = "CANCELED"
	BuildNodeFailure = "NODE_FAILURE"
)

// SemaphoreSpec attaches a named cluster-wide semaphore to a job.
type SemaphoreSpec struct {
	Name string `yaml:"name"`
	// ResourcesFirst requests nodes before acquiring the semaphore, so
	// scarce semaphores are not held while waiting for node allocation.
	ResourcesFirst bool `yaml:"resources-first"`
}

// Job is a single unit of work configured for a project in a pipeline.
type Job struct {
	Name      string         `yaml:"name"`
	Voting    bool           `yaml:"voting"`
	Semaphore *SemaphoreSpec `yaml:"semaphore"`
	// Dependencies names jobs that must succeed before this one runs.
	Dependencies []string `yaml:"dependencies"`
	// Provider optionally pins node allocation to a nodepool provider.
	Provider string `yaml:"provider"`
	// RequiredProjects names projects whose repo state must be pinned
	// before the job runs, beyond those covered by the merge itself.
	RequiredProjects []string `yaml:"required-projects"`
}

func (j *Job) String() string {
	return fmt.Sprintf("<Job %s>", j.Name)
}

// JobGraph is the frozen set of jobs for an item, with their dependencies.
// Once frozen it only changes if the item is reset.
type JobGraph struct {
	Jobs []*Job
}

// GetJob returns the job with the given name, or nil.
func (g *JobGraph) GetJob(name string) *Job {
	for _, j := range g.Jobs {
		if j.Name == name {
			return j
		}
	}
	return nil
}

// ParentJobsRecursively returns the transitive dependencies of a job.
func (g *JobGraph) ParentJobsRecursively(name string) []*Job {
	var parents []*Job
	seen := map[string]bool{name: true}
	var walk func(string)
	walk = func(n string) {
		job := g.GetJob(n)
		if job == nil {
			return
		}
		for _, dep := range job.Dependencies {
			if seen[dep] {
				continue
			}
			seen[dep] = true
			if p := g.GetJob(dep); p != nil {
				parents = append(parents, p)
				walk(dep)
			}
		}
	}
	walk(name)
	return parents
}

// DependentJobsRecursively returns every job that transitively depends on
// the named job.
func (g *JobGraph) DependentJobsRecursively(name string) []*Job {
	var dependents []*Job
	seen := map[string]bool{name: true}
	frontier := []string{name}
	for len(frontier) > 0 {
		next := frontier[0]
		frontier = frontier[1:]
		for _, j := range g.Jobs {
			if seen[j.Name] {
				continue
			}
			for _, dep := range j.Dependencies {
				if dep == next {
					seen[j.Name] = true
					dependents = append(dependents, j)
					frontier = append(frontier, j.Name)
					break
				}
			}
		}
	}
	return dependents
}

// Build is one execution of a job for an item.
type Build struct {
	UUID    string
	JobName string
	Result  string
	Paused  bool
	// Retry marks a build whose failure will be retried rather than
	// counted as a job failure.
	Retry bool
}

func (b *Build) String() string {
	return fmt.Sprintf("<Build %s of %s result=%s>", b.UUID, b.JobName, b.Result)
}

// Failed reports whether the build completed with a failing result.
func (b *Build) Failed() bool {
	switch b.Result {
	case "", BuildSuccess, BuildSkipped:
		return false
	}
	return true
}

// Node is a single allocated node.
type Node struct {
	Name  string
	Label string
}

// NodeSet is the set of nodes allocated to run one job.
type NodeSet struct {
	Nodes []Node
	// Zone is the executor zone the nodes were allocated in.
	Zone string
}

// NodeRequest tracks an outstanding or completed nodepool allocation.
type NodeRequest struct {
	ID               string
	BuildSetUUID     string
	JobName          string
	Provider         string
	Priority         int
	RelativePriority int
	Fulfilled        bool
	Failed           bool
	NodeSet          *NodeSet
	EventID          string
}
