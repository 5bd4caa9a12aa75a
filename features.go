package otelapis

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// Stability marks whether a feature group's field tags are covered by the
// upstream compatibility promise.
type Stability int

const (
	StabilityStable Stability = iota
	// StabilityExperimental groups may renumber or drop fields between
	// upstream releases.
	StabilityExperimental
)

func (s Stability) String() string {
	if s == StabilityExperimental {
		return "experimental"
	}
	return "stable"
}

// ProtoFile is one upstream .proto file and the Go package it compiles to.
type ProtoFile struct {
	Path     string `yaml:"path"`
	Group    string `yaml:"-"`
	GoImport string `yaml:"go_import"`
}

// FeatureGroup is a toggle in the manifest. Groups that own no files are
// bundles: they exist only to pull in other groups.
type FeatureGroup struct {
	Name      string      `yaml:"name"`
	Files     []ProtoFile `yaml:"files"`
	Requires  []string    `yaml:"requires"`
	Stability Stability   `yaml:"-"`
	// Service is the fully-qualified name of the gRPC service declared in
	// the group's files, if any.
	Service string `yaml:"service"`
}

func (g FeatureGroup) IsBundle() bool {
	return len(g.Files) == 0
}

// Feature names of the built-in manifest.
const (
	FeatureCommon              = "common"
	FeatureResource            = "resource"
	FeatureLogs                = "logs"
	FeatureMetrics             = "metrics"
	FeatureTrace               = "trace"
	FeatureExperimentalMetrics = "experimental-metrics"
	FeatureCollectorLogs       = "collector-logs"
	FeatureCollectorMetrics    = "collector-metrics"
	FeatureCollectorTrace      = "collector-trace"

	BundleLogs    = "otel-logs"
	BundleMetrics = "otel-metrics"
	BundleTrace   = "otel-trace"
	BundleAll     = "otel-all"
	BundleGen     = "otel-gen"
)

// ServiceNameMetricConfig is the experimental metrics configuration service.
const ServiceNameMetricConfig = "opentelemetry.proto.metrics.experimental.MetricConfig"

const otlpImportPrefix = "go.opentelemetry.io/proto/otlp"

func otlpFile(path, pkg string) ProtoFile {
	return ProtoFile{
		Path:     "opentelemetry/proto/" + path,
		GoImport: otlpImportPrefix + "/" + pkg,
	}
}

// Manifest is the feature graph. It is immutable once built; use
// [Manifest.Extend] to derive a new one.
type Manifest struct {
	groups  map[string]FeatureGroup
	Default []string
}

// NewManifest builds and validates a manifest.
func NewManifest(defaults []string, groups ...FeatureGroup) (*Manifest, error) {
	m := &Manifest{
		groups:  make(map[string]FeatureGroup, len(groups)),
		Default: slices.Clone(defaults),
	}
	for _, g := range groups {
		if g.Name == "" {
			return nil, fmt.Errorf("otelapis: feature group without a name")
		}
		if _, dup := m.groups[g.Name]; dup {
			return nil, fmt.Errorf("otelapis: duplicate feature %q", g.Name)
		}
		g.Files = slices.Clone(g.Files)
		for i := range g.Files {
			g.Files[i].Group = g.Name
		}
		g.Requires = slices.Clone(g.Requires)
		m.groups[g.Name] = g
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

var defaultManifest = mustManifest(NewManifest([]string{BundleAll},
	FeatureGroup{Name: FeatureCommon, Files: []ProtoFile{otlpFile("common/v1/common.proto", "common/v1")}},
	FeatureGroup{Name: FeatureResource, Files: []ProtoFile{otlpFile("resource/v1/resource.proto", "resource/v1")},
		Requires: []string{FeatureCommon}},
	FeatureGroup{Name: FeatureLogs, Files: []ProtoFile{otlpFile("logs/v1/logs.proto", "logs/v1")},
		Requires: []string{FeatureCommon, FeatureResource}},
	FeatureGroup{Name: FeatureMetrics, Files: []ProtoFile{otlpFile("metrics/v1/metrics.proto", "metrics/v1")},
		Requires: []string{FeatureCommon, FeatureResource}},
	FeatureGroup{Name: FeatureTrace, Files: []ProtoFile{otlpFile("trace/v1/trace.proto", "trace/v1")},
		Requires: []string{FeatureCommon, FeatureResource}},
	FeatureGroup{Name: FeatureExperimentalMetrics,
		Files:     []ProtoFile{otlpFile("metrics/experimental/metrics_config_service.proto", "metrics/experimental")},
		Requires:  []string{FeatureResource},
		Stability: StabilityExperimental,
		Service:   ServiceNameMetricConfig},
	FeatureGroup{Name: FeatureCollectorLogs,
		Files:    []ProtoFile{otlpFile("collector/logs/v1/logs_service.proto", "collector/logs/v1")},
		Requires: []string{FeatureLogs},
		Service:  ServiceNameLogs},
	FeatureGroup{Name: FeatureCollectorMetrics,
		Files:    []ProtoFile{otlpFile("collector/metrics/v1/metrics_service.proto", "collector/metrics/v1")},
		Requires: []string{FeatureMetrics},
		Service:  ServiceNameMetrics},
	FeatureGroup{Name: FeatureCollectorTrace,
		Files:    []ProtoFile{otlpFile("collector/trace/v1/trace_service.proto", "collector/trace/v1")},
		Requires: []string{FeatureTrace},
		Service:  ServiceNameTraces},

	FeatureGroup{Name: BundleLogs, Requires: []string{FeatureCollectorLogs}},
	FeatureGroup{Name: BundleMetrics, Requires: []string{FeatureCollectorMetrics, FeatureExperimentalMetrics}},
	FeatureGroup{Name: BundleTrace, Requires: []string{FeatureCollectorTrace}},
	FeatureGroup{Name: BundleAll, Requires: []string{BundleLogs, BundleMetrics, BundleTrace}},
	FeatureGroup{Name: BundleGen, Requires: []string{
		FeatureCommon, FeatureResource, FeatureLogs, FeatureMetrics, FeatureTrace, FeatureExperimentalMetrics,
	}},
))

func mustManifest(m *Manifest, err error) *Manifest {
	if err != nil {
		panic(err)
	}
	return m
}

// DefaultManifest returns the built-in OTLP feature graph.
func DefaultManifest() *Manifest {
	return defaultManifest
}

// Group looks up a feature by name.
func (m *Manifest) Group(name string) (FeatureGroup, bool) {
	g, ok := m.groups[name]
	return g, ok
}

// Names returns all feature names in sorted order.
func (m *Manifest) Names() []string {
	return slices.Sorted(maps.Keys(m.groups))
}

// Validate checks that every dependency exists, that the graph is acyclic
// and that no proto file is claimed by two groups.
func (m *Manifest) Validate() error {
	owner := make(map[string]string)
	for _, name := range m.Names() {
		g := m.groups[name]
		for _, dep := range g.Requires {
			if _, ok := m.groups[dep]; !ok {
				return fmt.Errorf("%w: %q required by %q", ErrUnknownFeature, dep, name)
			}
		}
		for _, f := range g.Files {
			if prev, ok := owner[f.Path]; ok {
				return fmt.Errorf("otelapis: %s claimed by both %q and %q", f.Path, prev, name)
			}
			owner[f.Path] = name
		}
	}
	for _, name := range m.Default {
		if _, ok := m.groups[name]; !ok {
			return fmt.Errorf("%w: default %q", ErrUnknownFeature, name)
		}
	}

	const (
		visiting = iota + 1
		done
	)
	state := make(map[string]int, len(m.groups))
	var visit func(name string, path []string) error
	visit = func(name string, path []string) error {
		switch state[name] {
		case visiting:
			return fmt.Errorf("%w: %s", ErrFeatureCycle, strings.Join(append(path, name), " -> "))
		case done:
			return nil
		}
		state[name] = visiting
		path = append(slices.Clip(path), name)
		for _, dep := range m.groups[name].Requires {
			if err := visit(dep, path); err != nil {
				return err
			}
		}
		state[name] = done
		return nil
	}
	for _, name := range m.Names() {
		if err := visit(name, nil); err != nil {
			return err
		}
	}
	return nil
}

// Resolution is the outcome of enabling a set of features.
type Resolution struct {
	// Features lists every enabled feature, requested or pulled in, sorted.
	Features []string
	// Files is the exact proto file set, sorted by path, without duplicates.
	Files []ProtoFile
	// Services lists the gRPC services declared by Files, sorted.
	Services []string
	// Experimental is set when any enabled group is experimental.
	Experimental bool
}

// Paths returns the proto paths of r.Files.
func (r Resolution) Paths() []string {
	paths := make([]string, len(r.Files))
	for i, f := range r.Files {
		paths[i] = f.Path
	}
	return paths
}

func (r Resolution) HasService(name string) bool {
	_, found := slices.BinarySearch(r.Services, name)
	return found
}

func (r Resolution) Enabled(feature string) bool {
	_, found := slices.BinarySearch(r.Features, feature)
	return found
}

// Resolve returns the transitive closure of names. With no names the
// manifest default is used. The result does not depend on argument order
// or repetition.
func (m *Manifest) Resolve(names ...string) (Resolution, error) {
	if len(names) == 0 {
		names = m.Default
	}
	if len(names) == 0 {
		return Resolution{}, ErrNoFeatures
	}

	enabled := make(map[string]struct{})
	var walk func(string) error
	walk = func(name string) error {
		if _, seen := enabled[name]; seen {
			return nil
		}
		g, ok := m.groups[name]
		if !ok {
			return fmt.Errorf("%w: %q", ErrUnknownFeature, name)
		}
		enabled[name] = struct{}{}
		for _, dep := range g.Requires {
			if err := walk(dep); err != nil {
				return err
			}
		}
		return nil
	}
	for _, name := range names {
		if err := walk(strings.TrimSpace(name)); err != nil {
			return Resolution{}, err
		}
	}

	var res Resolution
	res.Features = slices.Sorted(maps.Keys(enabled))
	for _, name := range res.Features {
		g := m.groups[name]
		res.Files = append(res.Files, g.Files...)
		if g.Service != "" {
			res.Services = append(res.Services, g.Service)
		}
		if g.Stability == StabilityExperimental {
			res.Experimental = true
		}
	}
	slices.SortFunc(res.Files, func(a, b ProtoFile) int { return strings.Compare(a.Path, b.Path) })
	res.Files = slices.CompactFunc(res.Files, func(a, b ProtoFile) bool { return a.Path == b.Path })
	slices.Sort(res.Services)
	return res, nil
}

// Extend returns a copy of m with extra groups added. Existing groups
// cannot be replaced.
func (m *Manifest) Extend(groups ...FeatureGroup) (*Manifest, error) {
	return NewManifest(m.Default, append(m.all(), groups...)...)
}

type manifestDocument struct {
	Default  []string `yaml:"default"`
	Features []struct {
		FeatureGroup `yaml:",inline"`
		Stability    string `yaml:"stability"`
	} `yaml:"features"`
}

// ParseManifest reads private feature groups from YAML and layers them on
// top of the built-in manifest:
//
//	default: [otel-trace, acme-events]
//	features:
//	  - name: acme-events
//	    requires: [common, resource]
//	    stability: experimental
//	    files:
//	      - path: acme/events/v1/events.proto
//	        go_import: example.com/acme/gen/events/v1
func ParseManifest(data []byte) (*Manifest, error) {
	var doc manifestDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("otelapis: parse manifest: %w", err)
	}

	groups := make([]FeatureGroup, 0, len(doc.Features))
	for _, f := range doc.Features {
		g := f.FeatureGroup
		switch f.Stability {
		case "", "stable":
		case "experimental":
			g.Stability = StabilityExperimental
		default:
			return nil, fmt.Errorf("otelapis: feature %q: unknown stability %q", g.Name, f.Stability)
		}
		groups = append(groups, g)
	}

	m, err := defaultManifest.Extend(groups...)
	if err != nil {
		return nil, err
	}
	if len(doc.Default) > 0 {
		return NewManifest(doc.Default, m.all()...)
	}
	return m, nil
}

func (m *Manifest) all() []FeatureGroup {
	out := make([]FeatureGroup, 0, len(m.groups))
	for _, name := range m.Names() {
		out = append(out, m.groups[name])
	}
	return out
}
