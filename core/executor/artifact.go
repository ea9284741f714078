package executor

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"spot-runner/core/models"

	"github.com/klauspost/compress/zip"
	"golang.org/x/mod/modfile"
)

const (
	SourceArchive  = "src.zip"
	BootstrapFile  = "bootstrap.sh"
	defaultRuntime = "1.22.5"
)

// skipped when archiving a source tree
var ignoredDirs = map[string]bool{".git": true, "outputs": true, ".spotrun": true}

// PackageArtifact is a local Go module shipped with the project
type PackageArtifact struct {
	Name       string // directory under packages/
	ModulePath string
	Archive    string
}

// Artifact is the deployment bundle built for one project run
type Artifact struct {
	Dir        string
	Files      []string
	Packages   []PackageArtifact
	EntryPoint string // build target relative to the unpacked source
	// SingleFile is set when the project path is one Go file without a module
	SingleFile bool
	HasModule  bool
}

// Packager builds deployment artifacts
type Packager struct {
	workDir string
}

// NewPackager creates a packager writing bundles under workDir
func NewPackager(workDir string) *Packager {
	return &Packager{workDir: workDir}
}

// Package archives the project source and its local packages
func (p *Packager) Package(project *models.Project) (*Artifact, error) {
	dir := filepath.Join(p.workDir, models.FormatName(project.Name)+"-"+project.RunID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create artifact directory: %w", err)
	}
	art := &Artifact{Dir: dir}

	info, err := os.Stat(project.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat project path: %w", err)
	}
	src := filepath.Join(dir, SourceArchive)
	if info.IsDir() {
		if err := zipDir(project.Path, src); err != nil {
			return nil, fmt.Errorf("failed to archive source: %w", err)
		}
		art.EntryPoint = "./" + filepath.ToSlash(filepath.Clean(project.EntryPoint))
		_, statErr := os.Stat(filepath.Join(project.Path, "go.mod"))
		art.HasModule = statErr == nil
	} else {
		if err := zipFile(project.Path, src); err != nil {
			return nil, fmt.Errorf("failed to archive source: %w", err)
		}
		art.EntryPoint = filepath.Base(project.Path)
		art.SingleFile = true
	}
	art.Files = append(art.Files, SourceArchive)

	seen := map[string]bool{}
	for _, pkgDir := range project.Packages {
		modPath, err := ModulePath(pkgDir)
		if err != nil {
			return nil, err
		}
		name := models.FormatName(filepath.Base(filepath.Clean(pkgDir)))
		for base, i := name, 2; seen[name]; i++ {
			name = fmt.Sprintf("%s-%d", base, i)
		}
		seen[name] = true

		archive := "pkg-" + name + ".zip"
		if err := zipDir(pkgDir, filepath.Join(dir, archive)); err != nil {
			return nil, fmt.Errorf("failed to archive package %s: %w", pkgDir, err)
		}
		art.Packages = append(art.Packages, PackageArtifact{Name: name, ModulePath: modPath, Archive: archive})
		art.Files = append(art.Files, archive)
	}
	return art, nil
}

// ModulePath reads the module path declared in dir/go.mod
func ModulePath(dir string) (string, error) {
	data, err := os.ReadFile(filepath.Join(dir, "go.mod"))
	if err != nil {
		return "", fmt.Errorf("package %s is not a Go module: %w", dir, err)
	}
	modPath := modfile.ModulePath(data)
	if modPath == "" {
		return "", fmt.Errorf("package %s: go.mod declares no module path", dir)
	}
	return modPath, nil
}

func zipDir(root, dest string) error {
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer out.Close()

	zw := zip.NewWriter(out)
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && ignoredDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		return addFile(zw, path, filepath.ToSlash(rel))
	})
	if err != nil {
		_ = zw.Close()
		return err
	}
	return zw.Close()
}

func zipFile(path, dest string) error {
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer out.Close()

	zw := zip.NewWriter(out)
	if err := addFile(zw, path, filepath.Base(path)); err != nil {
		_ = zw.Close()
		return err
	}
	return zw.Close()
}

func addFile(zw *zip.Writer, path, name string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	hdr, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	hdr.Name = name
	hdr.Method = zip.Deflate
	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return err
	}
	_, err = io.Copy(w, f)
	return err
}

// runtimeVersion normalizes a Go version such as "go1.22" or "1.22.5"
func runtimeVersion(v string) string {
	v = strings.TrimPrefix(strings.TrimSpace(v), "go")
	if v == "" {
		return defaultRuntime
	}
	return v
}
