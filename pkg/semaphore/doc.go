/*
Package semaphore implements cluster-wide counting semaphores backed by
the coordination store.

A semaphore is a named JSON list of holder handles of the form
"<item-uuid>-<job-name>" stored at
/gantry/semaphores/<tenant>/<url-escaped-name>. Acquire appends the handle
while the list is below the configured maximum using a version-checked
write, retrying on conflict; it is idempotent for a handle already in the
list. Release removes the handle the same way and tolerates a missing node
or handle so double releases are harmless.
*/
package semaphore
