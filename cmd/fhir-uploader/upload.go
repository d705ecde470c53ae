package main

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	fv "github.com/gofhir/uploader"
	"github.com/gofhir/uploader/decode"
	"github.com/gofhir/uploader/pipeline"
)

// outputFlags select how run events are printed.
type outputFlags struct {
	json    bool
	verbose bool
}

func (o *outputFlags) register(flags *pflag.FlagSet) {
	flags.BoolVar(&o.json, "json", false, "print events as NDJSON instead of console output")
	flags.BoolVarP(&o.verbose, "verbose", "v", false, "print every event, not only upload results and failures")
}

// addRunFlags registers the flags shared by every command that uploads.
func addRunFlags(flags *pflag.FlagSet) {
	d := fv.DefaultOptions()
	flags.String("mode", string(d.Mode), "upload protocol (individual, transaction)")
	flags.String("policy", string(d.Policy), "error policy (stop-on-first-error, continue-on-error)")
	flags.Bool("conditional", d.Conditional, "check existing resources and skip identical ones")
	flags.Bool("force", d.Force, "update resources even when the server copy is identical")
	flags.Bool("dry-run", d.DryRun, "report what would happen without writing to the server")
	flags.Int("upload-workers", d.UploadWorkers, "independent resources uploaded at once")
	flags.StringSlice("exclude-type", nil, "resource types not uploaded")
	flags.StringSlice("exclude-source", nil, "source patterns not uploaded")
	flags.String("filter", "", "FHIRPath expression; matching resources are not uploaded")
	flags.String("references", string(d.ReferenceStrategy), "reference discovery (structural, aggressive)")
	flags.Bool("validate", false, "validate resources before upload")
	flags.String("profile", "", "profile to validate against")
	flags.Int("workers", d.WorkerCount, "decode and validation workers")
	flags.Duration("timeout", d.RequestTimeout, "timeout of every request")
	flags.Float64("rate-limit", d.RateLimit, "maximum requests per second (0 for no limit)")
}

func newUploadCmd(a *app) *cobra.Command {
	var out outputFlags
	cmd := &cobra.Command{
		Use:   "upload <file|dir|->...",
		Short: "Upload FHIR resources from files, directories and archives",
		Long: `Upload reads every .json, .xml, .zip and .tgz file given, directories
recursively, and "-" for standard input. Bundles are split into their entries
unless they are documents or messages.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			inputs, err := collectInputs(args, cmd.InOrStdin())
			if err != nil {
				return err
			}
			return a.run(cmd, inputs, out)
		},
	}
	addRunFlags(cmd.Flags())
	out.register(cmd.Flags())
	return cmd
}

// run uploads inputs with the configured options and reports the summary.
func (a *app) run(cmd *cobra.Command, inputs []decode.Input, out outputFlags, deps ...pipeline.Dependency) error {
	opts, err := a.cfg.Options()
	if err != nil {
		return err
	}
	deps = append([]pipeline.Dependency{pipeline.WithLogger(a.log.Named("pipeline"))}, deps...)
	controller, err := pipeline.New(opts, deps...)
	if err != nil {
		return err
	}

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	start := time.Now()
	summary := controller.Execute(ctx, inputs, sink(cmd.OutOrStdout(), out.json, out.verbose))
	a.log.Debug("run %s finished in %s", summary.RunID, time.Since(start))
	switch {
	case summary.OK():
		return nil
	case fv.IsFatal(summary.Err):
		return errors.WithHint(errRunFailed, "duplicate resources and dependency cycles abort under every error policy")
	default:
		return errRunFailed
	}
}
