package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"robustmni/internal/logging"
	"robustmni/internal/models"
	"robustmni/pkg/config"
	"robustmni/pkg/engine"
	"robustmni/pkg/normalization"
	"robustmni/pkg/settings"
	"robustmni/pkg/templates"
	"robustmni/pkg/validation"
)

// ReportName is the run report written into the run directory.
const ReportName = "report.yaml"

// CLI flags
var (
	configFlag  string
	envFileFlag string

	referenceFlags     []string
	movingMaskFlag     string
	referenceMaskFlag  string
	flavorFlag         string
	orientationFlag    string
	referenceModFlag   string
	movingModFlag      string
	templateFlag       string
	resolutionFlag     int
	settingsFlags      []string
	initialFlag        string
	threadsFlag        int
	noExplicitMaskFlag bool
	testingFlag        bool
	workDirFlag        string
	policyFlag         string
	snapshotsFlag      bool
)

var rootCmd = &cobra.Command{
	Use:   "robustmni",
	Short: "Robust spatial normalization to MNI template space",
	Long: `robustmni registers brain images to an MNI template with ANTs, falling
back through an ordered list of registration presets until one succeeds, and
checks the result by brain mask overlap.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if envFileFlag == "" {
			return nil
		}
		if err := godotenv.Load(envFileFlag); err != nil {
			return fmt.Errorf("error loading env file '%s': %w", envFileFlag, err)
		}
		return nil
	},
}

var runCmd = &cobra.Command{
	Use:   "run <moving image> [moving image...]",
	Short: "Normalize one or more co-registered images",
	Long: `Run normalizes the moving images to the configured template, or to the
given reference images, and writes the transforms, the engine logs of every
attempt and a YAML report into a new run directory.

Examples:
  robustmni run sub-01_T1w.nii.gz --moving-mask sub-01_brainmask.nii.gz
  robustmni run sub-01_T1w.nii.gz --flavor fast --resolution 2
  robustmni run sub-01_bold.nii.gz --moving-modality EPI --policy next-preset`,
	Args: cobra.MinimumNArgs(1),
	RunE: runNormalization,
}

var initConfigCmd = &cobra.Command{
	Use:   "init-config [path]",
	Short: "Write a default configuration file",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configFlag
		if len(args) == 1 {
			path = args[0]
		}
		if err := config.CreateDefaultConfigFile(path); err != nil {
			return err
		}
		fmt.Printf("Default configuration written to %s\n", path)
		return nil
	},
}

var writePresetsCmd = &cobra.Command{
	Use:   "write-presets <dir>",
	Short: "Copy the built-in registration presets into a directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		written, err := settings.WriteDefaultCatalog(args[0])
		if err != nil {
			return err
		}
		for _, path := range written {
			fmt.Println(path)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "robustmni.yaml", "Configuration file")
	rootCmd.PersistentFlags().StringVar(&envFileFlag, "env", "", "Path to a .env file to load before reading configuration")

	f := runCmd.Flags()
	f.StringSliceVarP(&referenceFlags, "reference", "r", nil, "Reference image(s), overriding the template")
	f.StringVar(&movingMaskFlag, "moving-mask", "", "Brain mask of the moving image; enables result validation")
	f.StringVar(&referenceMaskFlag, "reference-mask", "", "Brain mask of the reference image")
	f.StringVar(&flavorFlag, "flavor", "", "Preset flavor: precise, fast or testing")
	f.StringVar(&orientationFlag, "orientation", string(models.RAS), "Orientation of the moving images: RAS or LAS")
	f.StringVar(&referenceModFlag, "reference-modality", string(models.T1), "Template contrast: T1, T2 or PD")
	f.StringVar(&movingModFlag, "moving-modality", string(models.T1), "Moving image contrast: T1 or EPI")
	f.StringVar(&templateFlag, "template", "", "Template dataset name")
	f.IntVar(&resolutionFlag, "resolution", 0, "Template resolution in mm: 1 or 2")
	f.StringSliceVar(&settingsFlags, "settings", nil, "Preset files to try in order, bypassing the catalog")
	f.StringVar(&initialFlag, "initial-transform", "", "Initial moving transform; skips affine initialization")
	f.IntVarP(&threadsFlag, "threads", "j", 0, "Number of engine threads")
	f.BoolVar(&noExplicitMaskFlag, "no-explicit-masking", false, "Pass masks to the engine instead of masking the images")
	f.BoolVar(&testingFlag, "testing", false, "Use testing presets and the 2mm template")
	f.StringVarP(&workDirFlag, "work-dir", "w", "", "Parent directory of run directories")
	f.StringVar(&policyFlag, "policy", "", "What a rejected result does: fail-fast or next-preset")
	f.BoolVar(&snapshotsFlag, "qc-snapshots", false, "Write a mask overlap image on validation")
	f.MarkDeprecated("testing", "use --flavor testing instead")

	rootCmd.AddCommand(runCmd, initConfigCmd, writePresetsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// applyFlags overrides configuration values with the flags that were set.
func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	f := cmd.Flags()
	if f.Changed("flavor") {
		cfg.Normalization.Flavor = flavorFlag
	}
	if f.Changed("template") {
		cfg.Normalization.Template = templateFlag
	}
	if f.Changed("resolution") {
		cfg.Normalization.Resolution = resolutionFlag
	}
	if f.Changed("threads") {
		cfg.Engine.NumThreads = threadsFlag
	}
	if f.Changed("no-explicit-masking") {
		cfg.Normalization.ExplicitMasking = !noExplicitMaskFlag
	}
	if f.Changed("work-dir") {
		cfg.Normalization.WorkDir = workDirFlag
	}
	if f.Changed("policy") {
		cfg.Normalization.ValidationPolicy = policyFlag
	}
	if f.Changed("qc-snapshots") {
		cfg.Normalization.QCSnapshots = snapshotsFlag
	}
}

func runNormalization(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(configFlag)
	if err != nil {
		return err
	}
	applyFlags(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	level := cfg.Output.LogLevel
	if cfg.Output.Verbose {
		level = "debug"
	}
	logging.Init(level)

	req := cfg.Request(args...)
	req.ReferenceImages = referenceFlags
	req.MovingMask = movingMaskFlag
	req.ReferenceMask = referenceMaskFlag
	req.Orientation = models.Orientation(orientationFlag)
	req.Reference = models.Modality(referenceModFlag)
	req.Moving = models.Modality(movingModFlag)
	req.Settings = settingsFlags
	req.InitialMovingTransform = initialFlag
	req.Testing = testingFlag

	policy, err := normalization.ParsePolicy(cfg.Normalization.ValidationPolicy)
	if err != nil {
		return err
	}

	runID := uuid.New()
	runDir, err := filepath.Abs(filepath.Join(cfg.Normalization.WorkDir, runID.String()))
	if err != nil {
		return err
	}
	if err := os.MkdirAll(runDir, 0755); err != nil {
		return fmt.Errorf("error creating run directory: %w", err)
	}

	catalog := cfg.Catalog.PresetDir
	if catalog == "" && len(req.Settings) == 0 {
		catalog = filepath.Join(runDir, "presets")
		if _, err := settings.WriteDefaultCatalog(catalog); err != nil {
			return err
		}
	}

	fmt.Println("================================")
	fmt.Println("ROBUST SPATIAL NORMALIZATION TO MNI SPACE")
	fmt.Println("================================")

	log.Info().
		Str("run_id", runID.String()).
		Str("run_dir", runDir).
		Strs("moving", req.MovingImages).
		Str("flavor", string(req.Flavor)).
		Str("template", req.Template).
		Str("policy", string(policy)).
		Int("threads", req.NumThreads).
		Msg("Starting normalization")

	normalizer := normalization.NewNormalizer(&normalization.Params{
		Registration: engine.NewANTsRegistration(cfg.Engine.RegistrationBinary, engine.LogFiles{
			Stdout: cfg.Engine.StdoutLog,
			Stderr: cfg.Engine.StderrLog,
		}),
		Initializer:      &engine.ANTsAffineInitializer{Binary: cfg.Engine.InitializerBinary},
		Resampler:        &engine.ANTsApplyTransforms{Binary: cfg.Engine.ApplyTransformsBinary},
		Templates:        templates.NewResolver(cfg.Templates.Root),
		Settings:         settings.NewResolver(catalog),
		WorkDir:          runDir,
		ValidationPolicy: policy,
		OverlapThreshold: cfg.Normalization.OverlapThreshold,
		Snapshots:        cfg.Normalization.QCSnapshots,
		RunID:            runID,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	result, err := normalizer.Run(ctx, req)
	reportPath := filepath.Join(runDir, ReportName)
	if result != nil {
		if werr := result.WriteReport(reportPath); werr != nil {
			log.Error().Err(werr).Str("path", reportPath).Msg("Failed to write report")
			if err == nil {
				return werr
			}
		}
	}
	if err != nil {
		describeFailure(err)
		if result != nil {
			fmt.Printf("Attempt history: %s\n", reportPath)
		}
		return err
	}

	fmt.Printf("\nNormalization completed successfully in %.2f seconds after %d retries!\n",
		time.Since(start).Seconds(), result.Retries())
	fmt.Printf("Composite transform: %s\n", result.Outputs.CompositeTransform)
	if result.Validation != nil {
		fmt.Printf("Mask overlap: %.2f%%\n", result.Validation.Overlap)
	}
	fmt.Printf("Report: %s\n", reportPath)
	return nil
}

// describeFailure logs the diagnostic numbers carried by terminal errors.
func describeFailure(err error) {
	var (
		configErr *normalization.ConfigurationError
		initErr   *normalization.InitializationError
		exhausted *normalization.ExhaustedRetriesError
		rejection *validation.RejectionError
	)
	switch {
	case errors.As(err, &configErr):
		log.Error().Err(err).Msg("Unsupported normalization request")
	case errors.As(err, &initErr):
		log.Error().Err(err).Msg("Affine initialization failed")
	case errors.As(err, &exhausted):
		log.Error().Err(err).Int("attempts", exhausted.Attempts).Int("retries", exhausted.Retries).Msg("All registration presets failed")
	case errors.As(err, &rejection):
		log.Error().Err(err).Float64("overlap_percent", rejection.Overlap).Msg("Normalization rejected")
	default:
		log.Error().Err(err).Msg("Normalization failed")
	}
}
