package spec

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"spot-runner/core/models"
	"spot-runner/core/optimizer"

	"github.com/go-playground/validator/v10"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"gopkg.in/yaml.v3"
)

// ProjectSpec is the on-disk project descriptor, written in YAML or HCL
type ProjectSpec struct {
	Name           string            `yaml:"name" hcl:"name" validate:"required"`
	Path           string            `yaml:"path" hcl:"path" validate:"required"`
	EntryPoint     string            `yaml:"entry_point,omitempty" hcl:"entry_point,optional"`
	Packages       []string          `yaml:"packages,omitempty" hcl:"packages,optional" validate:"dive,required"`
	Requirements   []string          `yaml:"requirements,omitempty" hcl:"requirements,optional" validate:"dive,required"`
	Commands       []string          `yaml:"commands,omitempty" hcl:"commands,optional"`
	RuntimeVersion string            `yaml:"runtime_version,omitempty" hcl:"runtime_version,optional"`
	Instances      int               `yaml:"instances,omitempty" hcl:"instances,optional" validate:"gte=0,lte=100"`
	Duration       string            `yaml:"duration,omitempty" hcl:"duration,optional"`
	Budget         float64           `yaml:"budget,omitempty" hcl:"budget,optional" validate:"gte=0"`
	Resources      *ResourcesSpec    `yaml:"resources,omitempty" hcl:"resources,block"`
	Data           []DataSpec        `yaml:"data,omitempty" hcl:"data,block" validate:"dive"`
	Env            map[string]string `yaml:"env,omitempty" hcl:"env,optional"`
}

// ResourcesSpec is the resource requirement section of a descriptor
type ResourcesSpec struct {
	MinMemoryGiB float64         `yaml:"min_memory_gib,omitempty" hcl:"min_memory_gib,optional" validate:"gte=0"`
	MinVCPU      int             `yaml:"min_vcpu,omitempty" hcl:"min_vcpu,optional" validate:"gte=0"`
	MaxPrice     *float64        `yaml:"max_price,omitempty" hcl:"max_price,optional" validate:"omitempty,gt=0"`
	GPU          *models.GPUSpec `yaml:"gpu,omitempty" hcl:"gpu,block"`
}

// DataSpec declares one data entry; in HCL the key is the block label
type DataSpec struct {
	Key    string `yaml:"key" hcl:"key,label" validate:"required"`
	Source string `yaml:"source,omitempty" hcl:"source,optional"`
	Bucket string `yaml:"bucket,omitempty" hcl:"bucket,optional"`
}

var validate = validator.New()

// LoadFile reads a descriptor and returns the validated project. Relative
// paths are resolved against the descriptor's directory.
func LoadFile(path string) (*models.Project, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read project file: %w", err)
	}
	ps, err := Parse(data, path)
	if err != nil {
		return nil, err
	}
	return ps.Project(filepath.Dir(path))
}

// Parse decodes a descriptor; files ending in .hcl are HCL, anything else YAML
func Parse(data []byte, filename string) (*ProjectSpec, error) {
	var ps ProjectSpec
	if strings.EqualFold(filepath.Ext(filename), ".hcl") {
		parser := hclparse.NewParser()
		file, diags := parser.ParseHCL(data, filename)
		if diags.HasErrors() {
			return nil, fmt.Errorf("failed to parse HCL file %s: %w", filename, diags)
		}
		if diags := gohcl.DecodeBody(file.Body, nil, &ps); diags.HasErrors() {
			return nil, fmt.Errorf("failed to decode HCL file %s: %w", filename, diags)
		}
		return &ps, nil
	}

	if err := yaml.Unmarshal(data, &ps); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return &ps, nil
}

// Project converts the descriptor into a project with paths resolved under baseDir
func (ps *ProjectSpec) Project(baseDir string) (*models.Project, error) {
	if err := validate.Struct(ps); err != nil {
		return nil, fmt.Errorf("invalid project descriptor: %w", err)
	}

	project := &models.Project{
		Name:           ps.Name,
		Path:           resolve(baseDir, ps.Path),
		EntryPoint:     ps.EntryPoint,
		Requirements:   ps.Requirements,
		Commands:       ps.Commands,
		RuntimeVersion: ps.RuntimeVersion,
		NInstances:     ps.Instances,
		Budget:         ps.Budget,
		EnvVars:        ps.Env,
		Status:         models.ProjectPending,
	}
	for _, p := range ps.Packages {
		project.Packages = append(project.Packages, resolve(baseDir, p))
	}

	if ps.Duration != "" {
		d, err := time.ParseDuration(ps.Duration)
		if err != nil {
			return nil, fmt.Errorf("invalid duration %q: %w", ps.Duration, err)
		}
		project.Duration = d
	}

	if r := ps.Resources; r != nil {
		project.Requirement = models.ResourceRequirement{
			MinMemoryGiB: r.MinMemoryGiB,
			MinVCPU:      r.MinVCPU,
			GPU:          r.GPU,
			MaxPrice:     r.MaxPrice,
		}
	}

	for _, d := range ps.Data {
		entry := models.DataEntry{Key: d.Key, Bucket: d.Bucket}
		if d.Source != "" {
			entry.LocalSource = resolve(baseDir, d.Source)
		}
		project.Data = append(project.Data, entry)
	}

	if err := Validate(project); err != nil {
		return nil, err
	}
	return project, nil
}

// Validate checks the filesystem layout and plan of a project: a directory
// needs an entry point, a single file must not name one, every package is a
// directory holding a go.mod and data keys are unique.
func Validate(project *models.Project) error {
	if project.Name == "" || models.FormatName(project.Name) == "" {
		return fmt.Errorf("project name %q has no usable characters", project.Name)
	}
	if err := validate.Struct(project.Requirement); err != nil {
		return fmt.Errorf("invalid resource requirement: %w", err)
	}
	if project.NInstances < 0 || project.NInstances > optimizer.MaxInstances {
		return fmt.Errorf("instances must be between 0 and %d", optimizer.MaxInstances)
	}
	if project.Duration < 0 || project.Budget < 0 {
		return errors.New("duration and budget must not be negative")
	}

	info, err := os.Stat(project.Path)
	if err != nil {
		return fmt.Errorf("project path: %w", err)
	}
	if info.IsDir() {
		if project.EntryPoint == "" {
			return fmt.Errorf("project %s is a directory, an entry point is required", project.Path)
		}
		if filepath.IsAbs(project.EntryPoint) {
			return fmt.Errorf("entry point %s must be relative to the project directory", project.EntryPoint)
		}
		if _, err := os.Stat(filepath.Join(project.Path, project.EntryPoint)); err != nil {
			return fmt.Errorf("entry point: %w", err)
		}
	} else {
		if project.EntryPoint != "" {
			return fmt.Errorf("project %s is a single file, an entry point is not allowed", project.Path)
		}
		if filepath.Ext(project.Path) != ".go" {
			return fmt.Errorf("project file %s is not a Go source file", project.Path)
		}
	}

	for _, pkg := range project.Packages {
		info, err := os.Stat(pkg)
		if err != nil {
			return fmt.Errorf("package: %w", err)
		}
		if !info.IsDir() {
			return fmt.Errorf("package %s is not a directory", pkg)
		}
		if _, err := os.Stat(filepath.Join(pkg, "go.mod")); err != nil {
			return fmt.Errorf("package %s has no go.mod", pkg)
		}
	}

	if _, err := models.NewDataSet(project.Data...); err != nil {
		return err
	}
	for _, e := range project.Data {
		if e.LocalSource == "" {
			continue
		}
		if _, err := os.Stat(e.LocalSource); err != nil {
			return &models.SyncError{Op: "upload", Key: e.Key, Source: e.LocalSource, Err: err}
		}
	}
	return nil
}

func resolve(baseDir, p string) string {
	if p == "" || filepath.IsAbs(p) || baseDir == "" {
		return p
	}
	return filepath.Join(baseDir, p)
}
