/*
Package scheduler runs the event loop of one tenant.

The scheduler owns one pipeline manager per configured pipeline and is the
only goroutine that mutates them. Inbound work arrives on three buffered
queues: trigger events from code review connections, result events from
collaborator services (merger, nodepool, executor), and management events
from operators or from cross-pipeline supersedence. Results are drained
first because they unblock items already in flight.

Every dispatch takes the pipeline's coordination lock, binds the manager
to the lock session, applies the event, and then reruns the queue
processor until the pipeline stops changing. Supersedence dequeues are
deferred onto the management queue so one pipeline never reaches into
another while holding its own lock.
*/
package scheduler
