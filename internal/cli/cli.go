// Package cli implements the pdfsqueeze command line:
//
//	pdfsqueeze compress <in.pdf> [-o out.pdf] [-q medium] [--threshold 6MiB]
//	                    [--chunk-size 4MiB] [--timeout 5m] [--concurrency 1]
//	                    [--gs /usr/bin/gs] [--profiles profiles.yaml] [--quiet]
//	pdfsqueeze presets [--yaml]
//
// Defaults come from the same environment configuration as the service, so a
// .env file next to the binary applies to both.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/local/pdfsqueeze/internal/config"
	"github.com/local/pdfsqueeze/internal/engine"
	"github.com/local/pdfsqueeze/internal/filetype"
	"github.com/local/pdfsqueeze/internal/logger"
	"github.com/local/pdfsqueeze/internal/pdfdoc"
	"github.com/local/pdfsqueeze/internal/pipeline"
	"github.com/local/pdfsqueeze/internal/progress"
)

// Version is stamped at build time with -ldflags.
var Version = "dev"

// newLauncher builds the engine for a compress run. Tests swap it out.
var newLauncher = func(binary, workDir, compat string) (engine.Launcher, error) {
	bin, err := engine.LookupGhostscript(binary)
	if err != nil {
		return nil, err
	}
	gs := engine.NewGhostscript(bin, workDir)
	if compat != "" {
		gs.CompatibilityLevel = compat
	}
	return gs, nil
}

type rootOptions struct {
	logLevel string
	noColor  bool
}

// BuildCLI returns the root command.
func BuildCLI() *cobra.Command {
	ro := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:           "pdfsqueeze",
		Short:         "Compress PDF files with Ghostscript, splitting large documents into chunks",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if ro.noColor {
				color.NoColor = true
			}
			level := ro.logLevel
			if level == "" {
				level = os.Getenv("LOG_LEVEL")
			}
			if level == "" {
				level = "warn"
			}
			return logger.Init(logger.Options{
				Service: "pdfsqueeze-cli",
				Level:   level,
				Pretty:  true,
				Console: cmd.ErrOrStderr(),
			})
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			logger.Close()
		},
	}
	rootCmd.PersistentFlags().StringVar(&ro.logLevel, "log-level", "", "log level (debug, info, warn, error); LOG_LEVEL or warn when unset")
	rootCmd.PersistentFlags().BoolVar(&ro.noColor, "no-color", false, "disable colored output")

	rootCmd.AddCommand(buildCompressCommand())
	rootCmd.AddCommand(buildPresetsCommand())
	return rootCmd
}

type compressOptions struct {
	output      string
	quality     string
	threshold   string
	chunkSize   string
	timeout     time.Duration
	concurrency int
	gs          string
	profiles    string
	force       bool
	quiet       bool
}

func buildCompressCommand() *cobra.Command {
	cfg := config.FromEnv().Compression
	o := &compressOptions{}
	cmd := &cobra.Command{
		Use:   "compress <input.pdf>",
		Short: "Compress a PDF file",
		Long: `Compress a PDF with one of the quality presets. Files above the chunk
threshold are split into page ranges that are compressed one at a time and
merged back in order.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompress(cmd, args[0], o)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&o.output, "output", "o", "", "output path (default <input>-compressed.pdf)")
	f.StringVarP(&o.quality, "quality", "q", cfg.DefaultQuality, "quality preset: minimum, high, medium, maximum")
	f.StringVar(&o.threshold, "threshold", fmt.Sprint(cfg.ChunkThreshold), "size above which the file is chunked (e.g. 6MiB)")
	f.StringVar(&o.chunkSize, "chunk-size", fmt.Sprint(cfg.TargetChunkBytes), "target chunk size (e.g. 4MiB)")
	f.DurationVar(&o.timeout, "timeout", cfg.ChunkTimeout, "engine timeout per chunk")
	f.IntVar(&o.concurrency, "concurrency", cfg.Concurrency, "chunks compressed at once")
	f.StringVar(&o.gs, "gs", cfg.GhostscriptPath, "Ghostscript binary (default: gs on PATH)")
	f.StringVar(&o.profiles, "profiles", "", "YAML file mapping quality names to engine profiles")
	f.BoolVarP(&o.force, "force", "f", false, "overwrite an existing output file")
	f.BoolVar(&o.quiet, "quiet", false, "no progress display")
	return cmd
}

func runCompress(cmd *cobra.Command, input string, o *compressOptions) error {
	cfg := config.FromEnv().Compression

	threshold, err := config.ParseBytes(o.threshold)
	if err != nil {
		return fmt.Errorf("--threshold: %w", err)
	}
	chunkSize, err := config.ParseBytes(o.chunkSize)
	if err != nil {
		return fmt.Errorf("--chunk-size: %w", err)
	}
	presets, err := loadPresets(cfg.ProfileOverrides, o.profiles)
	if err != nil {
		return err
	}
	q, err := presets.Parse(o.quality)
	if err != nil {
		return err
	}

	info, err := filetype.New().DetectFile(input)
	if err != nil {
		return err
	}
	if !info.Supported {
		return fmt.Errorf("%s: %s", input, info.Description)
	}

	out := o.output
	if out == "" {
		out = filepath.Join(filepath.Dir(input), pipeline.OutputName(filepath.Base(input)))
	}
	if same, _ := samePath(input, out); same {
		return errors.New("output would overwrite the input file")
	}
	if _, err := os.Stat(out); err == nil && !o.force {
		return fmt.Errorf("%s exists (use --force to overwrite)", out)
	}

	src, err := os.ReadFile(input)
	if err != nil {
		return err
	}
	launcher, err := newLauncher(o.gs, cfg.WorkDir, cfg.CompatibilityLevel)
	if err != nil {
		return err
	}

	orch := pipeline.New(pipeline.Config{
		ChunkThreshold:   threshold,
		TargetChunkBytes: chunkSize,
		Concurrency:      o.concurrency,
		Presets:          presets,
	}, pipeline.PDFDocuments(pdfdoc.New()), engine.NewAdapter(launcher, presets, o.timeout))

	var disp display = quietDisplay{}
	if !o.quiet {
		disp = newTerminalDisplay(cmd.ErrOrStderr())
	}
	tracker := progress.NewTracker(progress.WithParallelism(o.concurrency))
	tracker.Subscribe(disp.Update)

	ctx, stop := signal.NotifyContext(cmdContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Debug().Str("input", input).Str("output", out).Str("quality", string(q)).
		Str("mode", string(orch.ModeFor(int64(len(src))))).Msg("starting compression")
	res, err := orch.Run(ctx, src, q, pipeline.WithProgress(tracker))
	disp.Finish()
	if err != nil {
		printFailure(cmd.ErrOrStderr(), pipeline.FailureKind(err), err)
		return &reportedError{err}
	}

	if err := writeFileAtomic(out, res.Data); err != nil {
		return fmt.Errorf("write %s: %w", out, err)
	}
	printSuccess(cmd.OutOrStdout(), out, res)
	return nil
}

// reportedError has already been shown to the user.
type reportedError struct{ error }

func (e *reportedError) Unwrap() error { return e.error }

// Reported reports whether err was already printed by the command.
func Reported(err error) bool {
	var r *reportedError
	return errors.As(err, &r)
}

func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// loadPresets applies environment overrides, then the optional YAML file.
func loadPresets(env map[string]string, file string) (engine.Presets, error) {
	p, err := engine.DefaultPresets().WithProfiles(env)
	if err != nil {
		return nil, fmt.Errorf("QUALITY_PROFILES: %w", err)
	}
	if file == "" {
		return p, nil
	}
	raw, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	var doc struct {
		Profiles map[string]string `yaml:"profiles"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", file, err)
	}
	p, err = p.WithProfiles(doc.Profiles)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", file, err)
	}
	return p, nil
}

func samePath(a, b string) (bool, error) {
	aa, err := filepath.Abs(a)
	if err != nil {
		return false, err
	}
	bb, err := filepath.Abs(b)
	if err != nil {
		return false, err
	}
	return aa == bb, nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".pdfsqueeze-*.part")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}

func buildPresetsCommand() *cobra.Command {
	var asYAML bool
	var profiles string
	cmd := &cobra.Command{
		Use:   "presets",
		Short: "List quality presets",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.FromEnv().Compression
			p, err := loadPresets(cfg.ProfileOverrides, profiles)
			if err != nil {
				return err
			}
			def, err := p.Parse(cfg.DefaultQuality)
			if err != nil {
				return fmt.Errorf("DEFAULT_QUALITY: %w", err)
			}
			return printPresets(cmd.OutOrStdout(), p, def, asYAML)
		},
	}
	cmd.Flags().BoolVar(&asYAML, "yaml", false, "print as YAML")
	cmd.Flags().StringVar(&profiles, "profiles", "", "YAML file mapping quality names to engine profiles")
	return cmd
}

func printPresets(w io.Writer, p engine.Presets, def engine.Quality, asYAML bool) error {
	if asYAML {
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(map[string]any{"default": string(def), "presets": p.Sorted()}); err != nil {
			return err
		}
		return enc.Close()
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "QUALITY\tPROFILE\tDESCRIPTION")
	for _, preset := range p.Sorted() {
		name := string(preset.Quality)
		if preset.Quality == def {
			name += " (default)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", name, preset.Profile, preset.Label)
	}
	return tw.Flush()
}
