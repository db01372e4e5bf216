package plan

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	deperrors "github.com/crownsmarket/deployer/internal/pkg/errors"
)

// migrationFilePattern matches numbered plan files such as 2_deploy_contracts.yaml.
var migrationFilePattern = regexp.MustCompile(`^(\d+)_[^/]*\.ya?ml$`)

// Range selects numbered plan files by prefix. Zero bounds are open.
type Range struct {
	From int
	To   int
}

// Contains reports whether n falls inside the range.
func (r Range) Contains(n int) bool {
	if r.From > 0 && n < r.From {
		return false
	}
	if r.To > 0 && n > r.To {
		return false
	}
	return true
}

// document is the on-disk shape of a plan file.
type document struct {
	Steps []stepNode `yaml:"steps"`
}

// stepNode decodes one of:
//
//	- deploy: ConvertLib
//	- deploy: {artifact: CrownsMarket, args: [42]}
//	- link: {library: ConvertLib, target: CrownsMarket}
type stepNode struct {
	step Step
}

type deployNode struct {
	Artifact string `yaml:"artifact"`
	Args     []any  `yaml:"args"`
}

type linkNode struct {
	Library string `yaml:"library"`
	Target  string `yaml:"target"`
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (n *stepNode) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode || len(value.Content) != 2 {
		return fmt.Errorf("line %d: step must be a single-key mapping (deploy or link)", value.Line)
	}

	key, body := value.Content[0].Value, value.Content[1]
	switch StepKind(key) {
	case StepDeploy:
		if body.Kind == yaml.ScalarNode {
			n.step = Deploy(NewArtifactRef(body.Value))
			return nil
		}
		if err := checkKeys(body, "artifact", "args"); err != nil {
			return err
		}
		var d deployNode
		if err := body.Decode(&d); err != nil {
			return fmt.Errorf("line %d: decode deploy step: %w", body.Line, err)
		}
		n.step = Deploy(NewArtifactRef(d.Artifact), d.Args...)
		return nil

	case StepLink:
		if err := checkKeys(body, "library", "target"); err != nil {
			return err
		}
		var l linkNode
		if err := body.Decode(&l); err != nil {
			return fmt.Errorf("line %d: decode link step: %w", body.Line, err)
		}
		n.step = Link(NewArtifactRef(l.Library), NewArtifactRef(l.Target))
		return nil

	default:
		return fmt.Errorf("line %d: unknown step kind %q", value.Line, key)
	}
}

// checkKeys rejects mapping keys outside allowed. Node.Decode does not
// inherit the decoder's KnownFields setting.
func checkKeys(body *yaml.Node, allowed ...string) error {
	if body.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(body.Content); i += 2 {
		k := body.Content[i]
		if !slices.Contains(allowed, k.Value) {
			return fmt.Errorf("line %d: unknown field %q (allowed: %s)", k.Line, k.Value, strings.Join(allowed, ", "))
		}
	}
	return nil
}

// Parse decodes a plan document from r. Source is recorded on each step.
func Parse(r io.Reader, source string) (*Plan, error) {
	var doc document
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return &Plan{Sources: []string{source}}, nil
		}
		return nil, deperrors.WrapConfiguration(fmt.Sprintf("parse plan %s", source), err)
	}

	p := &Plan{Sources: []string{source}}
	for _, node := range doc.Steps {
		step := node.step
		step.Source = source
		p.Steps = append(p.Steps, step)
	}
	return p, nil
}

// LoadFile reads a single plan file.
func LoadFile(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, deperrors.WrapConfiguration("read plan", err)
	}
	return Parse(bytes.NewReader(data), path)
}

// LoadDir reads the numbered plan files in dir that fall inside rng and
// concatenates them in ascending numeric order.
func LoadDir(dir string, rng Range) (*Plan, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, deperrors.WrapConfiguration("read migrations directory", err)
	}

	type numbered struct {
		n    int
		path string
	}
	var files []numbered
	seen := make(map[int]string)

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := migrationFilePattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			return nil, deperrors.WrapConfiguration(fmt.Sprintf("plan file %s", e.Name()), err)
		}
		if prev, ok := seen[n]; ok {
			return nil, deperrors.NewConfigurationError("plan files %s and %s share number %d", prev, e.Name(), n)
		}
		seen[n] = e.Name()
		if rng.Contains(n) {
			files = append(files, numbered{n: n, path: filepath.Join(dir, e.Name())})
		}
	}

	sort.Slice(files, func(i, j int) bool { return files[i].n < files[j].n })

	combined := &Plan{}
	for _, f := range files {
		p, err := LoadFile(f.path)
		if err != nil {
			return nil, err
		}
		combined.Steps = append(combined.Steps, p.Steps...)
		combined.Sources = append(combined.Sources, f.path)
	}
	return combined, nil
}

// Load reads a plan from path, which may be a single file or a directory of
// numbered plan files. The range applies to directories only.
func Load(path string, rng Range) (*Plan, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, deperrors.WrapConfiguration("open plan", err)
	}
	if info.IsDir() {
		return LoadDir(path, rng)
	}
	return LoadFile(path)
}
