package semaphore

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"

	"github.com/rs/zerolog"

	"github.com/gantrycd/gantry/pkg/coordination"
	"github.com/gantrycd/gantry/pkg/metrics"
	"github.com/gantrycd/gantry/pkg/types"
)

const semaphoreRoot = "/gantry/semaphores"

// Handler manages cluster-wide counting semaphores for one tenant. The
// holders of a semaphore are kept as a JSON list in the coordination
// store; all mutations are version-checked appends and removals.
type Handler struct {
	store      coordination.Store
	tenant     string
	tenantRoot string
	layout     *types.Layout
	log        zerolog.Logger
}

// NewHandler creates a handler rooted at the tenant's semaphore path. The
// layout provides the configured maximum per semaphore.
func NewHandler(store coordination.Store, tenant string, layout *types.Layout, log zerolog.Logger) *Handler {
	return &Handler{
		store:      store,
		tenant:     tenant,
		tenantRoot: fmt.Sprintf("%s/%s", semaphoreRoot, tenant),
		layout:     layout,
		log:        log.With().Str("component", "semaphore").Logger(),
	}
}

// SetLayout replaces the layout used for semaphore maximums, after a
// tenant reconfiguration.
func (h *Handler) SetLayout(layout *types.Layout) {
	h.layout = layout
}

func holdersFromData(data []byte) ([]string, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var holders []string
	if err := json.Unmarshal(data, &holders); err != nil {
		return nil, err
	}
	return holders, nil
}

func holdersToData(holders []string) ([]byte, error) {
	if holders == nil {
		holders = []string{}
	}
	return json.Marshal(holders)
}

func (h *Handler) semaphorePath(name string) string {
	return fmt.Sprintf("%s/%s", h.tenantRoot, url.QueryEscape(name))
}

func semaphoreHandle(itemUUID string, job *types.Job) string {
	return fmt.Sprintf("%s-%s", itemUUID, job.Name)
}

func (h *Handler) maxCount(name string) int {
	if h.layout == nil {
		return 1
	}
	return h.layout.SemaphoreMax(name)
}

func (h *Handler) getHolders(path string) ([]string, coordination.Stat, error) {
	data, stat, err := h.store.Get(path)
	if err != nil {
		return nil, stat, err
	}
	holders, err := holdersFromData(data)
	return holders, stat, err
}

// Acquire takes the job's semaphore on behalf of an item. Returns true if
// the job has no semaphore, if the handle is already held, or once the
// handle is appended below the configured maximum. When the semaphore is
// resources-first and this is the resource request phase, acquisition is
// deferred to the run phase.
func (h *Handler) Acquire(itemUUID string, job *types.Job, requestResources bool) bool {
	if job.Semaphore == nil {
		return true
	}

	if job.Semaphore.ResourcesFirst && requestResources {
		// Nodes are requested before the semaphore is taken; the run
		// phase will re-enter and acquire for real.
		return true
	}

	path := h.semaphorePath(job.Semaphore.Name)
	handle := semaphoreHandle(itemUUID, job)

	if err := h.store.EnsurePath(path); err != nil {
		h.log.Error().Err(err).Str("semaphore", job.Semaphore.Name).
			Msg("Failed to ensure semaphore path")
		return false
	}

	holders, stat, err := h.getHolders(path)
	if err != nil {
		h.log.Error().Err(err).Str("semaphore", job.Semaphore.Name).
			Msg("Failed to read semaphore holders")
		return false
	}

	for _, holder := range holders {
		if holder == handle {
			return true
		}
	}

	for len(holders) < h.maxCount(job.Semaphore.Name) {
		next := append(append([]string(nil), holders...), handle)
		data, err := holdersToData(next)
		if err != nil {
			return false
		}
		if _, err := h.store.Set(path, data, stat.Version); err != nil {
			if errors.Is(err, coordination.ErrBadVersion) {
				h.log.Debug().Str("semaphore", job.Semaphore.Name).
					Msg("Retrying semaphore acquire due to concurrent update")
				holders, stat, err = h.getHolders(path)
				if err != nil {
					return false
				}
				continue
			}
			h.log.Error().Err(err).Str("semaphore", job.Semaphore.Name).
				Msg("Failed to write semaphore holders")
			return false
		}
		metrics.SemaphoreHolders.WithLabelValues(h.tenant, job.Semaphore.Name).
			Set(float64(len(next)))
		h.log.Debug().Str("semaphore", job.Semaphore.Name).
			Str("job", job.Name).Str("item", itemUUID).
			Msg("Semaphore acquired")
		return true
	}

	return false
}

// Release drops the item's hold on the job's semaphore. A missing
// semaphore node or a handle that is not held is logged and ignored; a
// double release must not fail the caller.
func (h *Handler) Release(itemUUID string, job *types.Job) {
	if job == nil || job.Semaphore == nil {
		return
	}

	path := h.semaphorePath(job.Semaphore.Name)
	handle := semaphoreHandle(itemUUID, job)

	for {
		holders, stat, err := h.getHolders(path)
		if err != nil {
			h.log.Error().Str("semaphore", job.Semaphore.Name).Str("item", itemUUID).
				Msg("Semaphore can not be released because it is not held")
			return
		}

		idx := -1
		for i, holder := range holders {
			if holder == handle {
				idx = i
				break
			}
		}
		if idx < 0 {
			h.log.Error().Str("semaphore", job.Semaphore.Name).Str("item", itemUUID).
				Msg("Semaphore can not be released because it is not held")
			return
		}
		next := append(append([]string(nil), holders[:idx]...), holders[idx+1:]...)

		data, err := holdersToData(next)
		if err != nil {
			return
		}
		if _, err := h.store.Set(path, data, stat.Version); err != nil {
			if errors.Is(err, coordination.ErrBadVersion) {
				h.log.Debug().Str("semaphore", job.Semaphore.Name).
					Msg("Retrying semaphore release due to concurrent update")
				continue
			}
			h.log.Error().Err(err).Str("semaphore", job.Semaphore.Name).
				Msg("Failed to write semaphore holders")
			return
		}
		metrics.SemaphoreHolders.WithLabelValues(h.tenant, job.Semaphore.Name).
			Set(float64(len(next)))
		h.log.Debug().Str("semaphore", job.Semaphore.Name).
			Str("job", job.Name).Str("item", itemUUID).
			Msg("Semaphore released")
		return
	}
}

// Holders returns the current holder handles of a semaphore; a semaphore
// that was never acquired has none.
func (h *Handler) Holders(name string) []string {
	holders, _, err := h.getHolders(h.semaphorePath(name))
	if err != nil {
		return nil
	}
	return holders
}
