/*
Copyright (C) 2026 KTH EXPECA

SPDX-License-Identifier: Apache-2.0
*/

package provider

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Constructor builds an adapter from driver options.
type Constructor func(options map[string]string, logger zerolog.Logger) (Adapter, error)

// Registry maps driver names to constructors. It is populated at
// startup from configuration and never scanned at runtime.
type Registry struct {
	constructors map[string]Constructor
	logger       zerolog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		constructors: make(map[string]Constructor),
		logger:       logger.With().Str("component", "driver_registry").Logger(),
	}
}

// Register adds a named driver constructor. Duplicate names are a
// startup configuration error.
func (r *Registry) Register(name string, ctor Constructor) error {
	if _, exists := r.constructors[name]; exists {
		return fmt.Errorf("driver %q already registered", name)
	}
	r.constructors[name] = ctor
	return nil
}

// Build instantiates the named driver.
func (r *Registry) Build(name string, options map[string]string, logger zerolog.Logger) (Adapter, error) {
	ctor, ok := r.constructors[name]
	if !ok {
		return nil, fmt.Errorf("unknown driver %q", name)
	}
	return ctor(options, logger)
}

// DriverSpec is one entry of the driver registry file.
type DriverSpec struct {
	ResourceType string            `yaml:"resource_type"`
	Driver       string            `yaml:"driver"`
	Options      map[string]string `yaml:"options"`
}

type registryFile struct {
	Drivers []DriverSpec `yaml:"drivers"`
}

// LoadSpecs reads the yaml driver registry file.
func LoadSpecs(path string) ([]DriverSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read driver registry: %w", err)
	}
	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse driver registry: %w", err)
	}
	for i, spec := range file.Drivers {
		if spec.ResourceType == "" || spec.Driver == "" {
			return nil, fmt.Errorf("driver registry entry %d: resource_type and driver are required", i)
		}
	}
	return file.Drivers, nil
}

// BuildAll instantiates one adapter per configured resource type.
func (r *Registry) BuildAll(specs []DriverSpec) (map[string]Adapter, error) {
	adapters := make(map[string]Adapter, len(specs))
	for _, spec := range specs {
		if _, dup := adapters[spec.ResourceType]; dup {
			return nil, fmt.Errorf("resource type %q configured twice", spec.ResourceType)
		}
		options := spec.Options
		if options == nil {
			options = map[string]string{}
		}
		options["resource_type"] = spec.ResourceType
		adapter, err := r.Build(spec.Driver, options, r.logger)
		if err != nil {
			return nil, fmt.Errorf("build driver %q for %q: %w", spec.Driver, spec.ResourceType, err)
		}
		adapters[spec.ResourceType] = adapter
		r.logger.Info().
			Str("driver", spec.Driver).
			Str("resource_type", spec.ResourceType).
			Msg("driver initialized")
	}
	return adapters, nil
}
