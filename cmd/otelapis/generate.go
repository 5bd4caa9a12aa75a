package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/mikluko/otelapis"
)

func runFeatures(w io.Writer, args []string) error {
	a, err := newApp(flag.NewFlagSet("features", flag.ExitOnError), args, os.Stderr)
	if err != nil {
		return err
	}
	m, err := loadManifest(a.flags.manifest)
	if err != nil {
		return err
	}
	return writeFeatures(w, m)
}

func writeFeatures(w io.Writer, m *otelapis.Manifest) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "NAME\tKIND\tSTABILITY\tREQUIRES\tSERVICE")
	for _, name := range m.Names() {
		g, _ := m.Group(name)
		kind := "group"
		if g.IsBundle() {
			kind = "bundle"
		}
		if slices.Contains(m.Default, name) {
			name += " (default)"
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			name, kind, g.Stability, orDash(strings.Join(g.Requires, ",")), orDash(g.Service))
	}
	return tw.Flush()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func runDescribe(w io.Writer, args []string) error {
	a, err := newApp(flag.NewFlagSet("describe", flag.ExitOnError), args, os.Stderr)
	if err != nil {
		return err
	}
	m, err := loadManifest(a.flags.manifest)
	if err != nil {
		return err
	}
	res, err := m.Resolve(a.features(a.cfg.Generate.Features)...)
	if err != nil {
		return err
	}
	files, err := m.Describe(res.Files)
	if err != nil {
		return err
	}
	return writeSchemas(w, files)
}

func writeSchemas(w io.Writer, files []otelapis.FileSchema) error {
	for _, f := range files {
		header := f.Path
		if f.Package != "" {
			header += " (" + string(f.Package) + ")"
		}
		if f.Stability == otelapis.StabilityExperimental {
			header += " [experimental]"
		}
		if _, err := fmt.Fprintln(w, header); err != nil {
			return err
		}
		if !f.Linked {
			_, _ = fmt.Fprintln(w, "  not linked into this binary")
			continue
		}

		for _, msg := range f.Messages {
			_, _ = fmt.Fprintf(w, "  message %s\n", msg.Name)
			for _, fd := range msg.Fields {
				label := ""
				if fd.Repeated {
					label = " repeated"
				}
				if fd.Packed {
					label += " packed"
				}
				_, _ = fmt.Fprintf(w, "    %d %s %s%s\n", fd.Number, fd.Name, fd.Kind, label)
			}
		}
		for _, svc := range f.Services {
			_, _ = fmt.Fprintf(w, "  service %s\n", svc.Name)
			for _, m := range svc.Methods {
				_, _ = fmt.Fprintf(w, "    rpc %s(%s) returns (%s) %s\n", m.Name, m.Input, m.Output, m.Mode)
			}
		}
	}
	return nil
}

func runGen(args []string) error {
	fs := flag.NewFlagSet("gen", flag.ExitOnError)
	dryRun := fs.Bool("dry-run", false, "Print the protoc command without running it")
	a, err := newApp(fs, args, os.Stderr)
	if err != nil {
		return err
	}
	m, err := loadManifest(a.flags.manifest)
	if err != nil {
		return err
	}

	gcfg := a.cfg.Generate
	gcfg.Features = a.features(gcfg.Features)
	inv, err := otelapis.Plan(m, gcfg)
	if err != nil {
		return err
	}
	if *dryRun {
		_, err := fmt.Println(inv.String())
		return err
	}

	ctx, cancel := a.signalContext()
	defer cancel()
	return otelapis.Run(ctx, inv)
}
