package otelapis

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
)

// GenerateConfig configures stub generation with protoc.
type GenerateConfig struct {
	// ProtoRoot is the include directory holding the opentelemetry/proto
	// tree, usually a git submodule of opentelemetry-proto.
	ProtoRoot string `yaml:"protoRoot" env:"OTELAPIS_PROTO_ROOT" default:"opentelemetry-proto"`
	OutputDir string `yaml:"outputDir" env:"OTELAPIS_OUTPUT_DIR" default:"gen"`

	// Features to generate. Empty means the manifest default.
	Features []string `yaml:"features"`

	// ImportPrefix replaces go.opentelemetry.io/proto/otlp in the Go import
	// paths of the built-in schema groups.
	ImportPrefix string `yaml:"importPrefix" default:"go.opentelemetry.io/proto/otlp"`

	Protoc       string `yaml:"protoc" env:"OTELAPIS_PROTOC" default:"protoc"`
	GoPlugin     string `yaml:"goPlugin" default:"protoc-gen-go"`
	GoGRPCPlugin string `yaml:"goGrpcPlugin" default:"protoc-gen-go-grpc"`

	SourceRelative *bool `yaml:"sourceRelative" default:"true"`

	// Fetch runs `git submodule update --init` when ProtoRoot is missing.
	Fetch bool `yaml:"fetch" env:"OTELAPIS_FETCH"`
}

// DefaultGenerateConfig mirrors the struct tag defaults.
func DefaultGenerateConfig() GenerateConfig {
	sourceRelative := true
	return GenerateConfig{
		ProtoRoot:      defaultProtoRoot,
		OutputDir:      defaultOutputDir,
		ImportPrefix:   defaultImportPrefix,
		Protoc:         defaultProtoc,
		GoPlugin:       defaultGoPlugin,
		GoGRPCPlugin:   defaultGoGRPCPlugin,
		SourceRelative: &sourceRelative,
	}
}

// PlannedFile is a proto file with its resolved Go import path.
type PlannedFile struct {
	ProtoFile
	Import       string
	Experimental bool
}

// Invocation is a fully planned protoc run.
type Invocation struct {
	Protoc         string
	ProtoRoot      string
	OutputDir      string
	GoPlugin       string
	GoGRPCPlugin   string
	SourceRelative bool
	// GRPC is set when a stable service is selected; only then is
	// protoc-gen-go-grpc invoked.
	GRPC  bool
	Fetch bool
	Files []PlannedFile
}

// Plan resolves cfg.Features against m and builds the protoc invocation.
// It does not touch the filesystem.
func Plan(m *Manifest, cfg GenerateConfig) (*Invocation, error) {
	if m == nil {
		m = DefaultManifest()
	}
	res, err := m.Resolve(cfg.Features...)
	if err != nil {
		return nil, err
	}

	def := DefaultGenerateConfig()
	inv := &Invocation{
		Protoc:         or(cfg.Protoc, def.Protoc),
		ProtoRoot:      or(cfg.ProtoRoot, def.ProtoRoot),
		OutputDir:      or(cfg.OutputDir, def.OutputDir),
		GoPlugin:       or(cfg.GoPlugin, def.GoPlugin),
		GoGRPCPlugin:   or(cfg.GoGRPCPlugin, def.GoGRPCPlugin),
		SourceRelative: cfg.SourceRelative == nil || *cfg.SourceRelative,
		Fetch:          cfg.Fetch,
	}
	prefix := or(cfg.ImportPrefix, def.ImportPrefix)

	for _, name := range res.Features {
		g, _ := m.Group(name)
		if g.Service != "" && g.Stability == StabilityStable {
			inv.GRPC = true
		}
	}
	for _, f := range res.Files {
		g, _ := m.Group(f.Group)
		if f.GoImport == "" {
			return nil, fmt.Errorf("otelapis: %s has no Go import path", f.Path)
		}
		imp := f.GoImport
		if rest, ok := strings.CutPrefix(imp, otlpImportPrefix); ok {
			imp = prefix + rest
		}
		inv.Files = append(inv.Files, PlannedFile{
			ProtoFile:    f,
			Import:       imp,
			Experimental: g.Stability == StabilityExperimental,
		})
	}
	return inv, nil
}

func or(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

// Args returns the protoc argument list. Files are in path order.
func (inv *Invocation) Args() []string {
	args := []string{"-I", inv.ProtoRoot}
	if inv.GoPlugin != defaultGoPlugin {
		args = append(args, "--plugin=protoc-gen-go="+inv.GoPlugin)
	}
	args = append(args, "--go_out="+inv.OutputDir)
	if inv.SourceRelative {
		args = append(args, "--go_opt=paths=source_relative")
	}
	for _, f := range inv.Files {
		args = append(args, "--go_opt=M"+f.Path+"="+f.Import)
	}

	if inv.GRPC {
		if inv.GoGRPCPlugin != defaultGoGRPCPlugin {
			args = append(args, "--plugin=protoc-gen-go-grpc="+inv.GoGRPCPlugin)
		}
		args = append(args, "--go-grpc_out="+inv.OutputDir)
		if inv.SourceRelative {
			args = append(args, "--go-grpc_opt=paths=source_relative")
		}
		for _, f := range inv.Files {
			args = append(args, "--go-grpc_opt=M"+f.Path+"="+f.Import)
		}
	}

	for _, f := range inv.Files {
		args = append(args, f.Path)
	}
	return args
}

// String renders the command line for display.
func (inv *Invocation) String() string {
	return inv.Protoc + " " + strings.Join(inv.Args(), " ")
}

// Run executes the invocation. A missing proto root is fetched first when
// Fetch is set. Experimental files absent from the proto root are skipped
// with a warning; any other missing file is an error. Progress is logged
// through zerolog.Ctx(ctx).
func Run(ctx context.Context, inv *Invocation) error {
	logger := zerolog.Ctx(ctx)

	if err := ensureProtoRoot(ctx, inv); err != nil {
		return err
	}

	run := *inv
	run.Files = nil
	for _, f := range inv.Files {
		_, err := os.Stat(filepath.Join(inv.ProtoRoot, filepath.FromSlash(f.Path)))
		switch {
		case err == nil:
			run.Files = append(run.Files, f)
		case errors.Is(err, fs.ErrNotExist) && f.Experimental:
			logger.Warn().Str("file", f.Path).Msg("Experimental proto not present, skipping")
		case errors.Is(err, fs.ErrNotExist):
			return fmt.Errorf("%w: %s not found under %s", ErrProtoRootMissing, f.Path, inv.ProtoRoot)
		default:
			return err
		}
	}
	if len(run.Files) == 0 {
		return ErrNoFeatures
	}

	if err := os.MkdirAll(run.OutputDir, 0o755); err != nil {
		return fmt.Errorf("otelapis: create output dir: %w", err)
	}

	logger.Info().
		Int("files", len(run.Files)).
		Bool("grpc", run.GRPC).
		Str("output", run.OutputDir).
		Msg("Running protoc")
	if err := runCommand(ctx, run.Protoc, run.Args()...); err != nil {
		return err
	}
	logger.Info().Msg("Generation complete")
	return nil
}

func ensureProtoRoot(ctx context.Context, inv *Invocation) error {
	_, err := os.Stat(inv.ProtoRoot)
	if err == nil {
		return nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if !inv.Fetch {
		return fmt.Errorf("%w: %s", ErrProtoRootMissing, inv.ProtoRoot)
	}

	zerolog.Ctx(ctx).Info().Str("root", inv.ProtoRoot).Msg("Fetching proto submodule")
	if err := runCommand(ctx, "git", "submodule", "update", "--init", "--", inv.ProtoRoot); err != nil {
		return fmt.Errorf("otelapis: fetch proto root: %w", err)
	}
	if _, err := os.Stat(inv.ProtoRoot); err != nil {
		return fmt.Errorf("%w: %s", ErrProtoRootMissing, inv.ProtoRoot)
	}
	return nil
}

func runCommand(ctx context.Context, name string, args ...string) error {
	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("otelapis: %s: %w: %s", name, err, strings.TrimSpace(out.String()))
	}
	return nil
}
