package artifact

import (
	"archive/tar"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/crownsmarket/deployer/internal/plan"
	deperrors "github.com/crownsmarket/deployer/internal/pkg/errors"
)

// Resolver maps an artifact reference to exactly one compiled unit.
type Resolver interface {
	Resolve(ref plan.ArtifactRef) (*Artifact, error)
}

// Catalog resolves artifacts from a build directory. Truffle layout
// (<dir>/<Name>.json) and Foundry layout (<dir>/<Name>.sol/<Name>.json)
// are both searched.
type Catalog struct {
	dir string

	// extracted is set when dir was unpacked from a bundle and must be removed.
	extracted bool

	mu    sync.Mutex
	cache map[plan.ArtifactRef]*Artifact
}

// Open returns a catalog over path. A path ending in .tzst or .tar.zst is
// treated as a zstd-compressed tar bundle and unpacked to a temporary
// directory that Close removes.
func Open(path string) (*Catalog, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, deperrors.WrapConfiguration("artifacts", err)
	}

	if info.IsDir() {
		return &Catalog{dir: path, cache: make(map[plan.ArtifactRef]*Artifact)}, nil
	}

	if !isBundle(path) {
		return nil, deperrors.NewConfigurationError("artifacts %s is neither a directory nor a .tzst bundle", path)
	}

	dir, err := os.MkdirTemp("", "deployer-artifacts-")
	if err != nil {
		return nil, fmt.Errorf("create extract dir: %w", err)
	}
	if err := extractTzst(path, dir); err != nil {
		os.RemoveAll(dir)
		return nil, deperrors.WrapConfiguration("extract artifact bundle", err)
	}
	slog.Debug("extracted artifact bundle", slog.String("bundle", path), slog.String("dir", dir))

	return &Catalog{dir: dir, extracted: true, cache: make(map[plan.ArtifactRef]*Artifact)}, nil
}

func isBundle(path string) bool {
	return strings.HasSuffix(path, ".tzst") || strings.HasSuffix(path, ".tar.zst")
}

// Dir returns the directory artifacts are read from.
func (c *Catalog) Dir() string {
	return c.dir
}

// Close removes an extracted bundle. It is a no-op for plain directories.
func (c *Catalog) Close() error {
	if !c.extracted {
		return nil
	}
	return os.RemoveAll(c.dir)
}

// Resolve loads the artifact for ref. A missing, ambiguous or unreadable
// artifact is reported as an unresolved artifact error.
func (c *Catalog) Resolve(ref plan.ArtifactRef) (*Artifact, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if a, ok := c.cache[ref]; ok {
		return a, nil
	}

	name := ref.String()
	if name == "" || strings.ContainsAny(name, `/\`) {
		return nil, deperrors.NewUnresolvedArtifactError(name, errors.New("invalid artifact name"))
	}

	candidates := []string{filepath.Join(c.dir, name+".json")}
	if nested, err := filepath.Glob(filepath.Join(c.dir, "*", name+".json")); err == nil {
		candidates = append(candidates, nested...)
	}

	var found []string
	for _, p := range candidates {
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			found = append(found, p)
		}
	}

	switch len(found) {
	case 0:
		return nil, deperrors.NewUnresolvedArtifactError(name, fmt.Errorf("no compiled artifact in %s", c.dir))
	case 1:
	default:
		return nil, deperrors.NewUnresolvedArtifactError(name, fmt.Errorf("ambiguous: %s", strings.Join(found, ", ")))
	}

	a, err := LoadFile(found[0])
	if err != nil {
		return nil, deperrors.NewUnresolvedArtifactError(name, err)
	}
	if a.ContractName == "" {
		a.ContractName = name
	}
	if a.ContractName != name {
		return nil, deperrors.NewUnresolvedArtifactError(name, fmt.Errorf("%s holds contract %s", found[0], a.ContractName))
	}

	c.cache[ref] = a
	return a, nil
}

// LoadFile reads a single artifact JSON file.
func LoadFile(path string) (*Artifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read artifact: %w", err)
	}

	var a Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("parse artifact %s: %w", path, err)
	}
	a.File = path
	return &a, nil
}

// extractTzst extracts a .tzst (zstd-compressed tar) file to the given directory.
// Entries escaping destDir and anything other than files and directories are skipped.
func extractTzst(tzstPath, destDir string) error {
	f, err := os.Open(tzstPath)
	if err != nil {
		return fmt.Errorf("open tzst file: %w", err)
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return fmt.Errorf("create zstd reader: %w", err)
	}
	defer zr.Close()

	absDestDir, err := filepath.Abs(destDir)
	if err != nil {
		return err
	}

	tr := tar.NewReader(zr)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read tar header: %w", err)
		}

		cleanName := filepath.Clean(header.Name)
		if cleanName == "." {
			continue
		}
		targetPath := filepath.Join(absDestDir, cleanName)
		if !strings.HasPrefix(targetPath, absDestDir+string(os.PathSeparator)) {
			continue
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(targetPath, 0755); err != nil {
				return fmt.Errorf("create directory %s: %w", targetPath, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(targetPath), 0755); err != nil {
				return fmt.Errorf("create parent directory for %s: %w", targetPath, err)
			}
			out, err := os.OpenFile(targetPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
			if err != nil {
				return fmt.Errorf("create file %s: %w", targetPath, err)
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return fmt.Errorf("write file %s: %w", targetPath, err)
			}
			if err := out.Close(); err != nil {
				return fmt.Errorf("close file %s: %w", targetPath, err)
			}
		}
	}

	return nil
}
