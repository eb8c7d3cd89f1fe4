/*
Package volume manages named storage locations that sandboxes mount: a
FilesystemDriver for plain bind-mounted directories and a MemoryDriver for
tmpfs-backed volumes sized from a parsed "<number>(B|KB|MB|GB|TB)" string.

Manager tracks the known set, enforces the naming invariant
`[A-Za-z0-9][A-Za-z0-9_-]{0,62}`, and refuses to delete a volume whose
in-use count is nonzero - Acquire/Release are called by the sandbox
builder as jobs that reference a volume start and reach a terminal state.
*/
package volume
