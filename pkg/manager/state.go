package manager

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gantrycd/gantry/pkg/coordination"
	"github.com/gantrycd/gantry/pkg/types"
)

const pipelineRoot = "/gantry/pipelines"

func (m *PipelineManager) statePath() string {
	return fmt.Sprintf("%s/%s/%s/state", pipelineRoot, m.pipeline.Tenant, m.pipeline.Name)
}

// loadState reads the persistent pipeline state from the coordination
// store, creating it if this is the first scheduler to run the pipeline.
func (m *PipelineManager) loadState() error {
	if m.store == nil {
		return nil
	}
	path := m.statePath()
	data, _, err := m.store.Get(path)
	if errors.Is(err, coordination.ErrNoNode) {
		if err := m.store.EnsurePath(path); err != nil {
			return err
		}
		return m.saveState()
	}
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return m.saveState()
	}
	var state types.PipelineState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("corrupt pipeline state at %s: %w", path, err)
	}
	m.pipeline.State = &state
	return nil
}

// saveState writes the pipeline state back through a CAS loop, so
// concurrent schedulers never clobber each other.
func (m *PipelineManager) saveState() error {
	if m.store == nil {
		return nil
	}
	return coordination.UpdateVersioned(m.store, m.statePath(), func([]byte) ([]byte, error) {
		return json.Marshal(m.pipeline.State)
	})
}
