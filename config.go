package main

import (
	"bytes"
	"embed"
	"encoding/json"
	"os"
	"sync"

	"github.com/pkg/errors"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
	"k8s.io/apimachinery/pkg/api/resource"
	k8syaml "sigs.k8s.io/yaml"
)

//go:embed config/*
var configFS embed.FS

const (
	defaultDescriptorPath = "config/grimoirelab.yaml"
	schemaPath            = "config/schema.json"

	// BuildStack selects the image build instead of a deployment.
	BuildStack = "build"
)

var (
	// ErrUnknownEnvironment is returned when no environment matches a name.
	ErrUnknownEnvironment = errors.New("unknown environment")

	schemaOnce     sync.Once
	schemaErr      error
	compiledSchema *jsonschema.Schema
)

// LoadDescriptor reads the descriptor from path, or the embedded default when
// path is empty, and validates it.
func LoadDescriptor(path string) (*Descriptor, error) {
	var (
		content []byte
		err     error
	)
	if path == "" {
		content, err = configFS.ReadFile(defaultDescriptorPath)
	} else {
		content, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, errors.Wrap(err, "read descriptor")
	}
	return ParseDescriptor(content)
}

// ParseDescriptor validates content against the descriptor schema and decodes it.
func ParseDescriptor(content []byte) (*Descriptor, error) {
	if err := validateSchema(content); err != nil {
		return nil, err
	}

	var d Descriptor
	dec := yaml.NewDecoder(bytes.NewReader(content))
	dec.KnownFields(true)
	if err := dec.Decode(&d); err != nil {
		return nil, errors.Wrap(err, "decode descriptor")
	}
	d.applyDefaults()

	if err := d.validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

func validateSchema(content []byte) error {
	sch, err := loadSchema()
	if err != nil {
		return errors.Wrap(err, "load descriptor schema")
	}

	jsonData, err := k8syaml.YAMLToJSON(content)
	if err != nil {
		return errors.Wrap(err, "convert descriptor to json")
	}

	var document interface{}
	if err := json.Unmarshal(jsonData, &document); err != nil {
		return errors.Wrap(err, "unmarshal descriptor json")
	}

	if err := sch.Validate(document); err != nil {
		return errors.Wrap(err, "invalid descriptor")
	}
	return nil
}

func loadSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		raw, err := configFS.ReadFile(schemaPath)
		if err != nil {
			schemaErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("schema.json", bytes.NewReader(raw)); err != nil {
			schemaErr = err
			return
		}
		compiledSchema, schemaErr = compiler.Compile("schema.json")
	})
	return compiledSchema, schemaErr
}

func (d *Descriptor) applyDefaults() {
	if d.Service.Replicas == 0 {
		d.Service.Replicas = 1
	}
	if d.Service.TopologyKey == "" {
		d.Service.TopologyKey = "topology.kubernetes.io/zone"
	}
	if d.Service.ImageRetention == 0 {
		d.Service.ImageRetention = 180
	}
	if d.Service.Dockerfile == "" {
		d.Service.Dockerfile = "Dockerfile"
	}
	if d.Service.BuildContext == "" {
		d.Service.BuildContext = "."
	}
	if d.ArgoCD.Namespace == "" {
		d.ArgoCD.Namespace = "argocd"
	}
	if d.ArgoCD.Project == "" {
		d.ArgoCD.Project = "default"
	}
	for i := range d.Environments {
		env := &d.Environments[i]
		if env.SecretBundle == "" {
			env.SecretBundle = env.Bundle()
		}
		if env.ArgoCDCluster == "" {
			env.ArgoCDCluster = env.KubeContext
		}
	}
}

func (d *Descriptor) validate() error {
	if _, err := resource.ParseQuantity(d.Service.CPU); err != nil {
		return errors.Wrapf(err, "service cpu %q", d.Service.CPU)
	}
	if _, err := resource.ParseQuantity(d.Service.Memory); err != nil {
		return errors.Wrapf(err, "service memory %q", d.Service.Memory)
	}

	names := map[string]bool{}
	for _, env := range d.Environments {
		if names[env.Name] {
			return errors.Errorf("environment %q defined twice", env.Name)
		}
		names[env.Name] = true

		if env.KubeContext == "" || env.ArgoCDCluster == "" {
			return errors.Errorf("environment %q: kube context is not set", env.Name)
		}

		hosts := map[string]bool{}
		for _, host := range env.Hosts(d.Service.Name) {
			if hosts[host] {
				return errors.Errorf("environment %q: host %q listed twice", env.Name, host)
			}
			hosts[host] = true
		}
	}
	return nil
}

// Environment resolves an environment by its name or by its kube context.
func (d *Descriptor) Environment(name string) (Environment, error) {
	for _, env := range d.Environments {
		if env.Name == name {
			return env, nil
		}
	}
	for _, env := range d.Environments {
		if env.KubeContext != "" && env.KubeContext == name {
			return env, nil
		}
	}
	return Environment{}, errors.Wrapf(ErrUnknownEnvironment, "%q", name)
}

// EnvironmentNames lists the configured environments in declaration order.
// Targets lists every value Environment resolves: the environment names,
// then the kube contexts that differ from them.
func (d *Descriptor) Targets() []string {
	targets := d.EnvironmentNames()
	seen := map[string]bool{}
	for _, name := range targets {
		seen[name] = true
	}
	for _, env := range d.Environments {
		if env.KubeContext != "" && !seen[env.KubeContext] {
			seen[env.KubeContext] = true
			targets = append(targets, env.KubeContext)
		}
	}
	return targets
}

func (d *Descriptor) EnvironmentNames() []string {
	names := make([]string, 0, len(d.Environments))
	for _, env := range d.Environments {
		names = append(names, env.Name)
	}
	return names
}
