// Package manifest loads module manifests from disk. A manifest pairs a
// Lua image with the module's declared entry points and table bindings.
package manifest

import (
	"bytes"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/gatehousedb/gatehouse/internal/contract"
)

type manifestFile struct {
	Name        string        `yaml:"name"`
	Version     string        `yaml:"version"`
	Image       string        `yaml:"image"`
	EntryPoints []string      `yaml:"entry_points"`
	Bindings    []bindingFile `yaml:"bindings"`
}

type bindingFile struct {
	Table      string `yaml:"table"`
	Operation  string `yaml:"operation"`
	EntryPoint string `yaml:"entry_point"`
}

// Module is one loaded manifest with its Lua image.
type Module struct {
	Descriptor contract.ModuleDescriptor
	Image      []byte
}

// Load reads one manifest file and its referenced image from fsys.
func Load(fsys fs.FS, manifestPath string) (Module, error) {
	if fsys == nil {
		return Module{}, fmt.Errorf("filesystem is required")
	}
	if strings.TrimSpace(manifestPath) == "" {
		return Module{}, fmt.Errorf("manifest path is required")
	}
	data, err := fs.ReadFile(fsys, manifestPath)
	if err != nil {
		return Module{}, fmt.Errorf("read manifest %s: %w", manifestPath, err)
	}

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	var file manifestFile
	if err := decoder.Decode(&file); err != nil {
		return Module{}, fmt.Errorf("parse manifest %s: %w", manifestPath, err)
	}

	descriptor, err := toDescriptor(file)
	if err != nil {
		return Module{}, fmt.Errorf("manifest %s: %w", manifestPath, err)
	}

	imagePath := path.Join(path.Dir(manifestPath), file.Image)
	image, err := fs.ReadFile(fsys, imagePath)
	if err != nil {
		return Module{}, fmt.Errorf("read image %s: %w", imagePath, err)
	}
	if len(bytes.TrimSpace(image)) == 0 {
		return Module{}, fmt.Errorf("manifest %s: image %s is empty", manifestPath, imagePath)
	}

	return Module{Descriptor: descriptor, Image: image}, nil
}

// LoadDir loads every *.yaml manifest under root in path order.
func LoadDir(fsys fs.FS, root string) ([]Module, error) {
	if fsys == nil {
		return nil, fmt.Errorf("filesystem is required")
	}
	if strings.TrimSpace(root) == "" {
		root = "."
	}
	paths, err := fs.Glob(fsys, path.Join(root, "*.yaml"))
	if err != nil {
		return nil, fmt.Errorf("glob manifests: %w", err)
	}
	sort.Strings(paths)

	var modules []Module
	seen := map[string]string{}
	for _, manifestPath := range paths {
		module, err := Load(fsys, manifestPath)
		if err != nil {
			return nil, err
		}
		if previous, exists := seen[module.Descriptor.Name]; exists {
			return nil, fmt.Errorf("manifest %s: module %q already defined in %s", manifestPath, module.Descriptor.Name, previous)
		}
		seen[module.Descriptor.Name] = manifestPath
		modules = append(modules, module)
	}
	return modules, nil
}

func toDescriptor(file manifestFile) (contract.ModuleDescriptor, error) {
	name := strings.TrimSpace(file.Name)
	if name == "" {
		return contract.ModuleDescriptor{}, fmt.Errorf("name is required")
	}
	version := strings.TrimSpace(file.Version)
	if version == "" {
		return contract.ModuleDescriptor{}, fmt.Errorf("version is required")
	}
	if strings.TrimSpace(file.Image) == "" {
		return contract.ModuleDescriptor{}, fmt.Errorf("image path is required")
	}
	if len(file.EntryPoints) == 0 {
		return contract.ModuleDescriptor{}, fmt.Errorf("at least one entry point is required")
	}

	entryPoints := make([]string, 0, len(file.EntryPoints))
	for _, entry := range file.EntryPoints {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			return contract.ModuleDescriptor{}, fmt.Errorf("entry point name cannot be blank")
		}
		entryPoints = append(entryPoints, entry)
	}

	bindings := make([]contract.TableBinding, 0, len(file.Bindings))
	for _, binding := range file.Bindings {
		op := contract.OperationKind(strings.TrimSpace(binding.Operation))
		if !op.Valid() {
			return contract.ModuleDescriptor{}, fmt.Errorf("binding for table %q: unknown operation %q", binding.Table, binding.Operation)
		}
		bindings = append(bindings, contract.TableBinding{
			Table:      strings.TrimSpace(binding.Table),
			Operation:  op,
			EntryPoint: strings.TrimSpace(binding.EntryPoint),
		})
	}

	descriptor := contract.ModuleDescriptor{
		Name:        name,
		Version:     version,
		EntryPoints: entryPoints,
		Bindings:    bindings,
	}
	if err := descriptor.Validate(); err != nil {
		return contract.ModuleDescriptor{}, err
	}
	return descriptor, nil
}
