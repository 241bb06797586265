package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"golang.org/x/crypto/ssh"
	"gopkg.in/yaml.v3"

	"github.com/jbweber/switchyard/internal/adapter"
)

// Credential is one entry of the credentials file. String fields may
// reference environment variables as ${NAME}.
type Credential struct {
	Username       string `yaml:"username,omitempty"`
	Password       string `yaml:"password,omitempty"`
	PrivateKey     string `yaml:"privateKey,omitempty"`
	PrivateKeyPath string `yaml:"privateKeyPath,omitempty"`
	Token          string `yaml:"token,omitempty"`
}

type credentialsFile struct {
	Credentials map[string]Credential `yaml:"credentials"`
}

// Credentials maps credential references to secrets.
type Credentials struct {
	secrets map[string]adapter.Secret
}

// ErrUnknownCredential is returned by Resolve for a reference with no entry.
var ErrUnknownCredential = errors.New("unknown credential reference")

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// LoadCredentialsFromFile reads a credentials file.
func LoadCredentialsFromFile(path string) (*Credentials, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials file %s: %w", path, err)
	}
	return ParseCredentials(data, os.LookupEnv)
}

// ParseCredentials parses a credentials document, expanding ${NAME}
// references with lookup. An unset variable is an error.
func ParseCredentials(data []byte, lookup func(string) (string, bool)) (*Credentials, error) {
	var f credentialsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse credentials: %w", err)
	}

	refs := make([]string, 0, len(f.Credentials))
	for ref := range f.Credentials {
		refs = append(refs, ref)
	}
	sort.Strings(refs)

	c := &Credentials{secrets: make(map[string]adapter.Secret, len(refs))}
	for _, ref := range refs {
		s, err := f.Credentials[ref].secret(lookup)
		if err != nil {
			return nil, fmt.Errorf("credential %q: %w", ref, err)
		}
		c.secrets[ref] = s
	}
	return c, nil
}

func (cr Credential) secret(lookup func(string) (string, bool)) (adapter.Secret, error) {
	var missing []string
	expand := func(v string) string {
		return envRef.ReplaceAllStringFunc(v, func(m string) string {
			name := envRef.FindStringSubmatch(m)[1]
			val, ok := lookup(name)
			if !ok {
				missing = append(missing, name)
			}
			return val
		})
	}

	s := adapter.Secret{
		Username:       expand(cr.Username),
		Password:       expand(cr.Password),
		PrivateKeyPath: expand(cr.PrivateKeyPath),
		Token:          expand(cr.Token),
	}
	if key := expand(cr.PrivateKey); key != "" {
		s.PrivateKey = []byte(key)
	}
	if len(missing) > 0 {
		return adapter.Secret{}, fmt.Errorf("environment variable not set: %s", strings.Join(missing, ", "))
	}
	if len(s.PrivateKey) > 0 {
		if _, err := ssh.ParsePrivateKey(s.PrivateKey); err != nil {
			return adapter.Secret{}, fmt.Errorf("invalid private key: %w", err)
		}
	}
	if s.Empty() {
		return adapter.Secret{}, errors.New("no credential material")
	}
	return s, nil
}

// Resolve returns the secret for ref. An empty ref resolves to an empty
// secret, leaving adapters to fall back to agent or ambient auth.
func (c *Credentials) Resolve(ref string) (adapter.Secret, error) {
	if ref == "" {
		return adapter.Secret{}, nil
	}
	if c == nil {
		return adapter.Secret{}, fmt.Errorf("%w %q: no credentials loaded", ErrUnknownCredential, ref)
	}
	s, ok := c.secrets[ref]
	if !ok {
		return adapter.Secret{}, fmt.Errorf("%w %q", ErrUnknownCredential, ref)
	}
	return s, nil
}

// Refs returns the configured references in sorted order.
func (c *Credentials) Refs() []string {
	refs := make([]string, 0, len(c.secrets))
	for ref := range c.secrets {
		refs = append(refs, ref)
	}
	sort.Strings(refs)
	return refs
}
