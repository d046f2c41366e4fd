package config

import (
	"fmt"

	"github.com/gantrycd/gantry/pkg/types"
)

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if c.Tenant == "" {
		return fmt.Errorf("tenant name is required")
	}
	if len(c.Pipelines) == 0 {
		return fmt.Errorf("at least one pipeline is required")
	}

	pipelineNames := make(map[string]bool)
	for _, p := range c.Pipelines {
		if p.Name == "" {
			return fmt.Errorf("pipeline name is required")
		}
		if pipelineNames[p.Name] {
			return fmt.Errorf("duplicate pipeline %q", p.Name)
		}
		pipelineNames[p.Name] = true

		switch p.Manager {
		case ManagerDependent, ManagerIndependent, ManagerSerial, ManagerSupercedent:
		case "":
			return fmt.Errorf("pipeline %q: manager type is required", p.Name)
		default:
			return fmt.Errorf("pipeline %q: unknown manager type %q", p.Name, p.Manager)
		}

		switch p.Precedence {
		case types.PrecedenceHigh, types.PrecedenceNormal, types.PrecedenceLow, "":
		default:
			return fmt.Errorf("pipeline %q: unknown precedence %q", p.Name, p.Precedence)
		}

		if p.DisableAfter < 0 {
			return fmt.Errorf("pipeline %q: disable-after-consecutive-failures must not be negative", p.Name)
		}
	}

	for _, p := range c.Pipelines {
		for _, superceded := range p.Supercedes {
			if !pipelineNames[superceded] {
				return fmt.Errorf("pipeline %q supercedes unknown pipeline %q",
					p.Name, superceded)
			}
		}
	}

	queueNames := make(map[string]bool)
	for _, q := range c.Queues {
		if q.Name == "" {
			return fmt.Errorf("queue name is required")
		}
		if queueNames[q.Name] {
			return fmt.Errorf("duplicate queue %q", q.Name)
		}
		queueNames[q.Name] = true
		if q.Window < 0 || q.WindowFloor < 0 {
			return fmt.Errorf("queue %q: window sizes must not be negative", q.Name)
		}
		switch q.WindowIncreaseType {
		case "", types.WindowLinear, types.WindowExponential:
		default:
			return fmt.Errorf("queue %q: unknown window-increase-type %q",
				q.Name, q.WindowIncreaseType)
		}
		switch q.WindowDecreaseType {
		case "", types.WindowLinear, types.WindowExponential:
		default:
			return fmt.Errorf("queue %q: unknown window-decrease-type %q",
				q.Name, q.WindowDecreaseType)
		}
	}

	for _, s := range c.Semaphores {
		if s.Name == "" {
			return fmt.Errorf("semaphore name is required")
		}
		if s.Max < 1 {
			return fmt.Errorf("semaphore %q: max must be at least 1", s.Name)
		}
	}

	for _, project := range c.Projects {
		if project.Name == "" {
			return fmt.Errorf("project name is required")
		}
		if project.QueueName != "" && !queueNames[project.QueueName] {
			return fmt.Errorf("project %q references unknown queue %q",
				project.Name, project.QueueName)
		}
		for pipeline, ppc := range project.Pipelines {
			if !pipelineNames[pipeline] {
				return fmt.Errorf("project %q references unknown pipeline %q",
					project.Name, pipeline)
			}
			if ppc == nil {
				continue
			}
			if ppc.QueueName != "" && !queueNames[ppc.QueueName] {
				return fmt.Errorf("project %q pipeline %q references unknown queue %q",
					project.Name, pipeline, ppc.QueueName)
			}
			jobNames := make(map[string]bool)
			for _, job := range ppc.Jobs {
				if job.Name == "" {
					return fmt.Errorf("project %q pipeline %q: job name is required",
						project.Name, pipeline)
				}
				if jobNames[job.Name] {
					return fmt.Errorf("project %q pipeline %q: duplicate job %q",
						project.Name, pipeline, job.Name)
				}
				jobNames[job.Name] = true
			}
			for _, job := range ppc.Jobs {
				for _, dep := range job.Dependencies {
					if !jobNames[dep] {
						return fmt.Errorf("project %q pipeline %q: job %q depends on unknown job %q",
							project.Name, pipeline, job.Name, dep)
					}
				}
			}
		}
	}

	return nil
}
