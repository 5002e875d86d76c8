package domain

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

const (
	// FlockPrefix starts every lock name and lock file name.
	FlockPrefix = "EXCLUSIVE_FLOCK_"
	// DefaultLockDir is the conventional directory for inter-process lock files.
	DefaultLockDir = "/var/lock"

	// ResourceTest1 names a shared resource that requires exclusive access.
	ResourceTest1 = "TEST1"
	// ResourceTest2 names a shared resource that requires exclusive access.
	ResourceTest2 = "TEST2"
)

var resourcePattern = regexp.MustCompile(`^[A-Z0-9][A-Z0-9_]*$`)

// LockName symbolically identifies a shared resource, e.g. EXCLUSIVE_FLOCK_TEST1.
type LockName string

// LockPath is the lock file guarding a LockName.
type LockPath string

// ValidateResource checks the <RESOURCE> part of a lock name.
func ValidateResource(resource string) error {
	if !resourcePattern.MatchString(resource) {
		return fmt.Errorf("%w: resource %q must match %s", ErrInvalidName, resource, resourcePattern)
	}
	return nil
}

// NameFor derives the lock name of a resource.
func NameFor(resource string) LockName {
	return LockName(FlockPrefix + resource)
}

// PathFor derives the lock file of name inside dir. The file name is the lock
// name itself, so name and path cannot drift apart.
func PathFor(dir string, name LockName) LockPath {
	return LockPath(filepath.Join(dir, string(name)))
}

// ResourceOf returns the resource part of a conventional lock name.
func ResourceOf(name LockName) (string, bool) {
	resource, ok := strings.CutPrefix(string(name), FlockPrefix)
	if !ok || ValidateResource(resource) != nil {
		return "", false
	}
	return resource, true
}

// Resource is a catalog entry binding a lock name to its lock file.
type Resource struct {
	Name        LockName `json:"name"`
	Path        LockPath `json:"path"`
	Description string   `json:"description,omitempty"`
	Source      string   `json:"source,omitempty"` // Where the entry was loaded from
}

// NewResource builds the conventional catalog entry for resource under dir.
func NewResource(dir, resource string) (*Resource, error) {
	if err := ValidateResource(resource); err != nil {
		return nil, err
	}
	name := NameFor(resource)
	return &Resource{Name: name, Path: PathFor(dir, name)}, nil
}

// Validate checks that the entry is usable and follows the naming convention.
func (r *Resource) Validate() error {
	if strings.TrimSpace(string(r.Name)) == "" {
		return fmt.Errorf("%w: resource name cannot be empty", ErrInvalidName)
	}
	if _, ok := ResourceOf(r.Name); !ok {
		return fmt.Errorf("%w: %s does not follow %s<RESOURCE>", ErrInvalidName, r.Name, FlockPrefix)
	}
	if r.Path == "" || !filepath.IsAbs(string(r.Path)) {
		return fmt.Errorf("%w: %q must be absolute", ErrInvalidPath, r.Path)
	}
	if filepath.Base(string(r.Path)) != string(r.Name) {
		return fmt.Errorf("%w: %s must be named after %s", ErrInvalidPath, r.Path, r.Name)
	}
	return nil
}
