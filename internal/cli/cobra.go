package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"bandalign/internal/pipeline"
	"bandalign/internal/server"
	"bandalign/internal/tasks"
)

// Version is reported by the version command.
var Version = "1.0.0-dev"

// NewRootCmd creates the root Cobra command
func NewRootCmd(root *Root) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "bandalign",
		Short: "Bandalign registers the bands of multispectral captures",
		Long: `Bandalign aligns the five bands of each multispectral capture onto a
reference band and writes a georeferenced stack. It can also place a small
image (for example thermal) inside the canvas of a larger one.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return root.prepare()
		},
	}
	rootCmd.PersistentFlags().BoolVarP(&root.verbose, "verbose", "v", false, "debug logging, also to the rotated log file when enabled")

	rootCmd.AddCommand(newRegisterCmd(root))
	rootCmd.AddCommand(newDualCmd(root))
	rootCmd.AddCommand(newScanCmd(root))
	rootCmd.AddCommand(newGPSCmd(root))
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))

	return rootCmd
}

func newRegisterCmd(root *Root) *cobra.Command {
	opts := root.registerOptions()
	var (
		output     string
		method     string
		noMetadata bool
		noResume   bool
		projectDir string
	)

	cmd := &cobra.Command{
		Use:   "register <input> [output]",
		Short: "Register every band group in a directory or one group by file",
		Long: `Discover IMG_<n>_<band>.tif groups under input, align bands 1..5 onto the
reference band and write <base>_registered.tif to the output directory.
Groups whose output already exists are skipped unless --no-resume is given.

Examples:
  bandalign register /data/flight1
  bandalign register /data/flight1/IMG_0042_1.tif -o /tmp/out --method phase
  bandalign register /data/flight1 --project /data/projects/flight1 --quicklook`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 1 && output == "" {
				output = args[1]
			}
			m, err := tasks.ParseMethod(method)
			if err != nil {
				return err
			}
			opts.Method = m
			if noMetadata {
				opts.PreserveMetadata = false
			}
			if noResume {
				opts.Resume = false
			}
			_, err = root.register(cmd.Context(), args[0], output, opts, projectDir)
			return err
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "output directory (default <input>/registered)")
	cmd.Flags().IntVar(&opts.Segments, "segments", opts.Segments, "superpixel count")
	cmd.Flags().Float64Var(&opts.Compactness, "compactness", opts.Compactness, "superpixel compactness")
	cmd.Flags().Float64Var(&opts.Sigma, "sigma", opts.Sigma, "pre-segmentation Gaussian sigma")
	cmd.Flags().IntVar(&opts.ReferenceBand, "reference-band", opts.ReferenceBand, "reference band (1..5)")
	cmd.Flags().StringVar(&method, "method", string(opts.Method), "registration method (slic|features|hybrid|phase)")
	cmd.Flags().BoolVar(&noMetadata, "no-metadata", false, "do not copy georeferencing into the output")
	cmd.Flags().BoolVar(&noResume, "no-resume", false, "register groups even when their output exists")
	cmd.Flags().StringVar(&projectDir, "project", "", "project folder recording processed files and a report")
	cmd.Flags().BoolVar(&opts.Quicklook, "quicklook", false, "write a PNG preview next to each output")

	return cmd
}

func newDualCmd(root *Root) *cobra.Command {
	opts := root.dualOptions()
	var (
		output        string
		method        string
		overlay       string
		noScaleSearch bool
		noContrast    bool
	)

	cmd := &cobra.Command{
		Use:   "dual <reference> <target>",
		Short: "Register an image onto a larger image of the same scene",
		Long: `Estimate the scale between two images of different size, align the
smaller one inside the larger one and write a two-band stack plus an overlay
PNG. The larger image by area always acts as the reference.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := tasks.ParseMethod(method)
			if err != nil {
				return err
			}
			opts.Method = m
			if overlay != "" {
				mode, err := tasks.ParseOverlay(overlay)
				if err != nil {
					return err
				}
				opts.Overlay = mode
			}
			if noScaleSearch {
				opts.Scale.Search = false
			}
			if noContrast {
				opts.Contrast = false
			}
			_, err = root.dual(cmd.Context(), args[0], args[1], output, opts)
			return err
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "output directory (default next to the target)")
	cmd.Flags().StringVar(&method, "method", string(opts.Method), "registration method (features|phase|hybrid)")
	cmd.Flags().StringVar(&overlay, "overlay", string(opts.Overlay), "overlay (blend|checkerboard|side_by_side|thermal_overlay)")
	cmd.Flags().BoolVar(&noScaleSearch, "no-scale-search", false, "use the size ratio as the scale")
	cmd.Flags().BoolVar(&noContrast, "no-contrast", false, "skip contrast normalisation")

	return cmd
}

func newScanCmd(root *Root) *cobra.Command {
	var (
		output    string
		reference int
	)
	cmd := &cobra.Command{
		Use:   "scan <input>",
		Short: "List band groups and whether they are registered",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.scan(args[0], output, reference)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "output directory checked for finished groups")
	cmd.Flags().IntVar(&reference, "reference-band", root.cfg.Registration.ReferenceBand, "reference band (1..5)")
	return cmd
}

func newGPSCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "gps <input>",
		Short: "Print the GPS fix of a band file or of every raster in a directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.gps(args[0])
		},
	}
}

func newServeCmd(root *Root) *cobra.Command {
	var (
		httpAddr string
		grpcAddr string
		watchDir string
		output   string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the status server, optionally registering groups as they arrive",
		Long: `Start an HTTP server exposing run history and live progress, plus a gRPC
health service. With --watch, complete band groups appearing in the
directory are registered as soon as their last band lands.

Examples:
  # History only
  bandalign serve --addr :8080

  # Register captures copied into /data/incoming
  bandalign serve --watch /data/incoming --output /data/registered`,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := root.registerOptions()
			if err := opts.Validate(); err != nil {
				return err
			}
			if watchDir != "" && output == "" {
				output = root.defaultOutput(watchDir)
			}

			reg := tasks.NewRegistrar(root.io, root.prims, opts, root.log)
			pipe := pipeline.New(pipeline.NewRouter(root.log, reg, nil, nil), root.log, root.store, pipeline.RunInfo{
				Kind:    pipeline.KindMultiband,
				Input:   watchDir,
				Output:  output,
				Options: opts,
			})

			var watcher *tasks.GroupWatcher
			if watchDir != "" {
				debounce := time.Duration(root.cfg.Server.WatchDebounceMS) * time.Millisecond
				w, err := tasks.NewGroupWatcher(watchDir, opts.ReferenceBand, debounce, root.log)
				if err != nil {
					return fmt.Errorf("failed to watch %s: %w", watchDir, err)
				}
				if opts.Resume {
					manifest, err := tasks.ScanOutputs(output)
					if err != nil {
						return err
					}
					for base := range manifest {
						w.Skip(base)
					}
				}
				watcher = w
			}

			srv := server.NewServer(server.Options{
				HTTPAddr: httpAddr,
				GRPCAddr: grpcAddr,
				Store:    root.store,
				Pipeline: pipe,
				Watcher:  watcher,
				OutDir:   output,
			}, root.log)

			root.log.Info("server ready",
				"addr", httpAddr,
				"grpc", grpcAddr,
				"watch", watchDir,
				"endpoints", []string{"/healthz", "/status", "/runs", "/stream", "/ws"},
			)
			return root.serveFn(cmd.Context(), srv)
		},
	}

	cmd.Flags().StringVar(&httpAddr, "addr", root.cfg.Server.HTTPAddr, "HTTP address (host:port)")
	cmd.Flags().StringVar(&grpcAddr, "grpc", root.cfg.Server.GRPCAddr, "gRPC health address, empty to disable")
	cmd.Flags().StringVar(&watchDir, "watch", "", "directory to watch for new band groups")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output directory for watched groups")

	return cmd
}

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration settings",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.configShow()
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := root.cfg.Validate(); err != nil {
				return err
			}
			fmt.Fprintln(root.out, "Configuration is valid")
			return nil
		},
	})
	return cmd
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.version()
		},
	}
}
