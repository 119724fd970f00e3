package stack

import (
	"errors"
	"fmt"
)

// ErrTemplate indicates a stack template could not be rendered.
var ErrTemplate = errors.New("template error")

// Role is one service slot in a stack template. Roles are ordered; port
// assignment follows declaration order.
type Role struct {
	Name          string
	Image         string
	ContainerPort int
	// Credential names the env var the service reads its generated
	// secret from. Empty means the role carries no credential.
	Credential string
	Env        map[string]string
}

// Template describes the service set an environment type is composed of.
type Template struct {
	Type  string
	Roles []Role
	// HealthRole/HealthPath point at the primary service's HTTP health
	// endpoint. Empty HealthPath means probe by settle delay instead.
	HealthRole string
	HealthPath string
}

// RoleNames returns the template's roles in declaration order.
func (t Template) RoleNames() []string {
	names := make([]string, len(t.Roles))
	for i, r := range t.Roles {
		names[i] = r.Name
	}
	return names
}

var catalog = map[string]Template{
	"tracker": {
		Type: "tracker",
		Roles: []Role{
			{Name: "jira", Image: "atlassian/jira-software:9.12", ContainerPort: 8080, Credential: "JIRA_ADMIN_PASSWORD"},
			{Name: "gitlab", Image: "gitlab/gitlab-ce:16.11.0-ce.0", ContainerPort: 80, Credential: "GITLAB_ROOT_PASSWORD"},
			{Name: "dashboard", Image: "nginx:1.27-alpine", ContainerPort: 80},
		},
		HealthRole: "dashboard",
		HealthPath: "/",
	},
	"webstack": {
		Type: "webstack",
		Roles: []Role{
			{Name: "web", Image: "nginx:1.27-alpine", ContainerPort: 80},
			{Name: "api", Image: "node:20-alpine", ContainerPort: 3000},
			{Name: "db", Image: "postgres:16-alpine", ContainerPort: 5432, Credential: "POSTGRES_PASSWORD",
				Env: map[string]string{"POSTGRES_USER": "app", "POSTGRES_DB": "app"}},
		},
		HealthRole: "web",
		HealthPath: "/",
	},
	"minimal": {
		Type: "minimal",
		Roles: []Role{
			{Name: "web", Image: "nginx:1.27-alpine", ContainerPort: 80},
		},
		HealthRole: "web",
		HealthPath: "/",
	},
}

// Lookup resolves an environment type to its template.
func Lookup(envType string) (Template, error) {
	t, ok := catalog[envType]
	if !ok {
		return Template{}, fmt.Errorf("%w: unknown environment type %q", ErrTemplate, envType)
	}
	return t, nil
}

// Types lists the catalog's environment types.
func Types() []string {
	names := make([]string, 0, len(catalog))
	for name := range catalog {
		names = append(names, name)
	}
	return names
}
