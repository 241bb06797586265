// Package loader reads the Backend inventory from YAML files.
//
// An inventory file is a stream of Backend documents separated by "---":
//
//	apiVersion: switchyard.cofront.xyz/v1alpha1
//	kind: Backend
//	metadata:
//	  name: vcenter-lab
//	spec:
//	  kind: vcenter
//	  endpoint: vc01.lab.example.com
//	  credentialRef: vcenter-lab
package loader

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/jbweber/switchyard/api/v1alpha1"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("backendkind", func(fl validator.FieldLevel) bool {
		_, err := v1alpha1.ParseBackendKind(fl.Field().String())
		return err == nil
	})
	return v
}

// LoadFromFile loads every Backend in the file at path.
func LoadFromFile(path string) ([]*v1alpha1.Backend, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file %s: %w", path, err)
	}

	return LoadFromYAML(data)
}

// LoadFromYAML loads every Backend document in data. Empty documents are
// skipped. Backend names must be unique.
func LoadFromYAML(data []byte) ([]*v1alpha1.Backend, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))

	var backends []*v1alpha1.Backend
	seen := make(map[string]int)
	for doc := 1; ; doc++ {
		var node yaml.Node
		err := dec.Decode(&node)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("document %d: failed to unmarshal YAML: %w", doc, err)
		}
		if isEmpty(&node) {
			continue
		}

		var b v1alpha1.Backend
		if err := node.Decode(&b); err != nil {
			return nil, fmt.Errorf("document %d: failed to unmarshal YAML: %w", doc, err)
		}

		if err := check(&b); err != nil {
			return nil, fmt.Errorf("document %d: %w", doc, err)
		}
		if prev, ok := seen[b.Name]; ok {
			return nil, fmt.Errorf("document %d: backend %q already defined in document %d", doc, b.Name, prev)
		}
		seen[b.Name] = doc
		backends = append(backends, &b)
	}

	return backends, nil
}

func isEmpty(n *yaml.Node) bool {
	if n.Kind == yaml.DocumentNode {
		if len(n.Content) == 0 {
			return true
		}
		n = n.Content[0]
	}
	return n.Kind == 0 || (n.Kind == yaml.ScalarNode && n.Tag == "!!null")
}

func check(b *v1alpha1.Backend) error {
	if b.APIVersion == "" {
		return fmt.Errorf("missing required field: apiVersion")
	}
	if b.Kind == "" {
		return fmt.Errorf("missing required field: kind")
	}

	expectedAPIVersion := v1alpha1.GroupName + "/" + v1alpha1.Version
	if b.APIVersion != expectedAPIVersion {
		return fmt.Errorf("unsupported apiVersion: %s (expected: %s)", b.APIVersion, expectedAPIVersion)
	}
	if b.Kind != v1alpha1.BackendResourceKind {
		return fmt.Errorf("unsupported kind: %s (expected: %s)", b.Kind, v1alpha1.BackendResourceKind)
	}

	applyDefaults(b)

	if err := validateSpec(b); err != nil {
		return fmt.Errorf("backend %q: validation failed: %w", b.Name, err)
	}
	return nil
}

// applyDefaults normalizes names and kinds.
func applyDefaults(b *v1alpha1.Backend) {
	b.Name = strings.ToLower(strings.TrimSpace(b.Name))
	if k, err := v1alpha1.ParseBackendKind(string(b.Spec.Kind)); err == nil {
		b.Spec.Kind = k
	}
	b.Spec.Endpoint = strings.TrimSpace(b.Spec.Endpoint)
}

func validateSpec(b *v1alpha1.Backend) error {
	if err := validate.Var(b.Name, "required,max=63"); err != nil {
		return fmt.Errorf("metadata.name is required and at most 63 characters")
	}
	if strings.ContainsAny(b.Name, "/| \t") {
		return fmt.Errorf("metadata.name %q must not contain '/', '|' or whitespace", b.Name)
	}

	err := validate.Struct(&b.Spec)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	fe := verrs[0]
	field := "spec." + lowerFirst(fe.StructField())
	switch fe.Tag() {
	case "required":
		return fmt.Errorf("%s is required", field)
	case "backendkind":
		return fmt.Errorf("%s: unknown backend kind %q", field, fe.Value())
	default:
		return fmt.Errorf("%s must satisfy %s=%s, got %v", field, fe.Tag(), fe.Param(), fe.Value())
	}
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}

// SaveToFile writes backends to path as a multi-document YAML stream.
func SaveToFile(backends []*v1alpha1.Backend, path string) error {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	for _, b := range backends {
		v1alpha1.SetDefaultAPIVersion(b)
		if err := enc.Encode(b); err != nil {
			return fmt.Errorf("failed to marshal backend %q to YAML: %w", b.Name, err)
		}
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("failed to marshal backends to YAML: %w", err)
	}

	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write file %s: %w", path, err)
	}

	return nil
}
