package domain

// MountSpec binds a path inside a runtime's prepared tree onto a path in
// the sandbox.
type MountSpec struct {
	Source   string `yaml:"source" json:"source"`
	Target   string `yaml:"target" json:"target"`
	ReadOnly bool   `yaml:"readonly" json:"readonly"`
}

// RuntimeManifest describes an installed sandbox template: the file
// "runtime.yml" at the root of a prepared filesystem tree. Immutable after
// registration with the runtime registry.
type RuntimeManifest struct {
	Name        string            `yaml:"name" json:"name"`
	Version     string            `yaml:"version" json:"version"`
	Description string            `yaml:"description,omitempty" json:"description,omitempty"`
	Mounts      []MountSpec       `yaml:"mounts" json:"mounts"`
	Environment map[string]string `yaml:"environment,omitempty" json:"environment,omitempty"`

	// RootPath is the absolute path to this runtime's prepared tree on the
	// host. It is not part of runtime.yml; the caller registering the
	// manifest supplies it, and the registry validates mounts against it
	// without changing it.
	RootPath string `yaml:"-" json:"rootPath"`
}
