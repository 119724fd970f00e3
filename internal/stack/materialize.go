package stack

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/splax/foundry/internal/domain"
	"github.com/splax/foundry/pkg/crypto"
)

const (
	// DescriptorFile is the compose descriptor name inside an
	// environment's private directory.
	DescriptorFile = "docker-compose.yaml"
	// SecretsFile holds the generated credentials consumed by compose.
	SecretsFile = ".env"
	// StatusFile is the static status page served by the dashboard role.
	StatusFile = "status.html"

	credentialBytes = 18
)

type composeService struct {
	Image         string   `yaml:"image"`
	ContainerName string   `yaml:"container_name"`
	Ports         []string `yaml:"ports"`
	Environment   []string `yaml:"environment,omitempty"`
	Restart       string   `yaml:"restart"`
}

type composeFile struct {
	Services map[string]composeService `yaml:"services"`
}

// Materialize renders the compose descriptor, secrets file, and status
// page for env into dir, generating one credential per role that declares
// one. The returned map holds the plaintext credentials keyed by role;
// the caller owns encrypting them before persisting anywhere else.
func Materialize(env domain.Environment, tmpl Template, dir string) (map[string]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create environment directory: %w", err)
	}

	credentials := make(map[string]string)
	services := make(map[string]composeService, len(tmpl.Roles))
	for _, role := range tmpl.Roles {
		hostPort, ok := env.Ports[role.Name]
		if !ok {
			return nil, fmt.Errorf("%w: role %q has no allocated port", ErrTemplate, role.Name)
		}

		environment := make([]string, 0, len(role.Env)+1)
		for _, key := range sortedKeys(role.Env) {
			environment = append(environment, key+"="+role.Env[key])
		}
		if role.Credential != "" {
			secret, err := crypto.GenerateSecret(credentialBytes)
			if err != nil {
				return nil, fmt.Errorf("generate credential for %s: %w", role.Name, err)
			}
			credentials[role.Name] = secret
			// Value lives in the .env file, not the descriptor.
			environment = append(environment, fmt.Sprintf("%s=${%s}", role.Credential, credentialEnvKey(role.Name)))
		}

		services[role.Name] = composeService{
			Image:         role.Image,
			ContainerName: env.ContainerName(role.Name),
			Ports:         []string{fmt.Sprintf("%d:%d", hostPort, role.ContainerPort)},
			Environment:   environment,
			Restart:       "unless-stopped",
		}
	}

	descriptor, err := yaml.Marshal(composeFile{Services: services})
	if err != nil {
		return nil, fmt.Errorf("%w: encode descriptor: %v", ErrTemplate, err)
	}
	if err := os.WriteFile(filepath.Join(dir, DescriptorFile), descriptor, 0o644); err != nil {
		return nil, fmt.Errorf("write descriptor: %w", err)
	}
	if err := writeSecretsFile(dir, credentials); err != nil {
		return nil, err
	}
	if err := writeStatusPage(dir, env, tmpl); err != nil {
		return nil, err
	}
	return credentials, nil
}

func credentialEnvKey(role string) string {
	return "FOUNDRY_" + strings.ToUpper(role) + "_SECRET"
}

func writeSecretsFile(dir string, credentials map[string]string) error {
	var b strings.Builder
	for _, role := range sortedKeys(credentials) {
		fmt.Fprintf(&b, "%s=%s\n", credentialEnvKey(role), credentials[role])
	}
	if err := os.WriteFile(filepath.Join(dir, SecretsFile), []byte(b.String()), 0o600); err != nil {
		return fmt.Errorf("write secrets file: %w", err)
	}
	return nil
}

func writeStatusPage(dir string, env domain.Environment, tmpl Template) error {
	var b strings.Builder
	fmt.Fprintf(&b, "<!doctype html>\n<html>\n<head><title>%s</title></head>\n<body>\n", env.Name)
	fmt.Fprintf(&b, "<h1>%s</h1>\n<p>environment %s (%s)</p>\n<ul>\n", env.Name, env.ID, tmpl.Type)
	for _, role := range tmpl.Roles {
		fmt.Fprintf(&b, "<li><a href=\"http://localhost:%d\">%s</a></li>\n", env.Ports[role.Name], role.Name)
	}
	b.WriteString("</ul>\n</body>\n</html>\n")
	if err := os.WriteFile(filepath.Join(dir, StatusFile), []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("write status page: %w", err)
	}
	return nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
