package http

import (
	"exclusive-flock/internal/domain"
)

// RegisterResourceRequest is the DTO for adding a lock resource at runtime.
type RegisterResourceRequest struct {
	Resource    string `json:"resource" validate:"required,resource"`
	Description string `json:"description" validate:"max=256"`
}

// ResourceResponse describes a registered lock.
type ResourceResponse struct {
	Name        domain.LockName `json:"name"`
	Path        domain.LockPath `json:"path"`
	Description string          `json:"description,omitempty"`
}

// ErrorResponse is the body of every non-2xx JSON reply.
type ErrorResponse struct {
	Error   string   `json:"error"`
	Details []string `json:"details,omitempty"`
}

// ToDomainResource converts the request into a catalog entry for name at path.
func (r *RegisterResourceRequest) ToDomainResource(name domain.LockName, path domain.LockPath) *domain.Resource {
	return &domain.Resource{
		Name:        name,
		Path:        path,
		Description: r.Description,
	}
}
