package cli

import (
	"fmt"
	"runtime"

	"bandalign/internal/config"
)

func (r *Root) configShow() error {
	cfgPath, err := config.Path()
	if err != nil {
		return err
	}
	w := r.out
	fmt.Fprintf(w, "Current configuration:\n")
	fmt.Fprintf(w, "Config file: %s (override with %s)\n", cfgPath, config.EnvConfig)

	reg := r.cfg.Registration
	fmt.Fprintf(w, "\nRegistration:\n")
	fmt.Fprintf(w, "  Method: %s\n", reg.Method)
	fmt.Fprintf(w, "  Reference band: %d\n", reg.ReferenceBand)
	fmt.Fprintf(w, "  Segments: %d (compactness %.1f, sigma %.1f)\n", reg.Segments, reg.Compactness, reg.Sigma)
	fmt.Fprintf(w, "  Preserve metadata: %t\n", reg.PreserveMetadata)
	fmt.Fprintf(w, "  Resume: %t\n", reg.Resume)
	fmt.Fprintf(w, "  Phase upsample: %d\n", reg.PhaseUpsample)
	fmt.Fprintf(w, "  Robust threshold: %.1f px (dual %.1f px)\n", reg.Robust.Threshold, reg.DualRobust.Threshold)

	d := r.cfg.Dual
	fmt.Fprintf(w, "\nDual:\n")
	fmt.Fprintf(w, "  Method: %s\n", d.Method)
	fmt.Fprintf(w, "  Scale search: %t (%d samples, window %.2f)\n", d.Scale.Search, d.Scale.Samples, d.Scale.Window)
	fmt.Fprintf(w, "  Contrast: %t\n", d.Contrast)
	fmt.Fprintf(w, "  Overlay: %s\n", d.Overlay)

	fmt.Fprintf(w, "\nPaths:\n")
	fmt.Fprintf(w, "  Default output: %s\n", orUnset(r.cfg.Paths.DefaultOutput))
	fmt.Fprintf(w, "  Database: %s (%s)\n", r.cfg.Paths.DatabasePath, r.cfg.Paths.DatabaseDriver)

	fmt.Fprintf(w, "\nLogging:\n")
	fmt.Fprintf(w, "  Level: %s\n", r.cfg.Logging.Level)
	fmt.Fprintf(w, "  Format: %s\n", r.cfg.Logging.Format)
	if r.cfg.Logging.FileOutput {
		fmt.Fprintf(w, "  Log directory: %s\n", r.cfg.Logging.LogDir)
	}

	fmt.Fprintf(w, "\nServer:\n")
	fmt.Fprintf(w, "  HTTP: %s\n", r.cfg.Server.HTTPAddr)
	fmt.Fprintf(w, "  gRPC: %s\n", orUnset(r.cfg.Server.GRPCAddr))
	return nil
}

func (r *Root) version() error {
	fmt.Fprintf(r.out, "bandalign %s\n", Version)
	fmt.Fprintf(r.out, "Built with Go %s\n", runtime.Version())
	fmt.Fprintf(r.out, "Primitives: %s\n", r.prims.Name())
	fmt.Fprintf(r.out, "Raster codecs:\n")
	for _, c := range r.io.Codecs() {
		fmt.Fprintf(r.out, "  %s\n", c)
	}
	return nil
}

func orUnset(s string) string {
	if s == "" {
		return "(unset)"
	}
	return s
}
