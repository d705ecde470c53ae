// Package main implements the fhir-uploader CLI.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/cockroachdb/errors"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	fv "github.com/gofhir/uploader"
	"github.com/gofhir/uploader/internal/config"
	"github.com/gofhir/uploader/pkg/logger"
	"github.com/gofhir/uploader/stream"
)

// errRunFailed is returned when a run did not fully succeed. The summary has
// been printed already.
var errRunFailed = errors.New("run did not succeed")

// app is the state shared by the commands of one invocation.
type app struct {
	v          *viper.Viper
	configFile string
	envFile    string
	noColor    bool
	cfg        *config.Config
	log        *logger.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{v: config.New()}

	root := &cobra.Command{
		Use:   "fhir-uploader",
		Short: "Upload FHIR resources to a FHIR server in dependency order",
		Long: `fhir-uploader reads FHIR resources from JSON and XML files, zip archives and
Implementation Guide packages, orders them so that referenced resources are
uploaded before the resources referring to them, and uploads them to a FHIR
server while reporting progress.

Configuration is read from fhir-uploader.{toml,yaml,json}, a .env file and
FHIR_UPLOADER_* environment variables; flags take precedence.

Examples:
  fhir-uploader upload --server http://localhost:8080/fhir ./resources
  fhir-uploader upload --dry-run --json bundle.json
  fhir-uploader push-ig --server http://localhost:8080/fhir --type StructureDefinition us-core.tgz
  fhir-uploader serve --server http://localhost:8080/fhir --addr :9090`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.configFile, "config", "", "config file (default ./fhir-uploader.{toml,yaml,json})")
	flags.StringVar(&a.envFile, "env-file", ".env", "dotenv file loaded before reading the environment")
	flags.String("server", "", "FHIR server base URL")
	flags.String("token", "", "bearer token sent in the Authorization header")
	flags.String("fhir-version", string(fv.R4), "FHIR version announced to the server (R4, R4B, R5)")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("log-format", "console", "log format (console, json)")
	flags.BoolVar(&a.noColor, "no-color", false, "disable colored output")

	root.AddCommand(
		newUploadCmd(a),
		newPushIGCmd(a),
		newServeCmd(a),
		newVersionCmd(),
	)
	return root
}

// flagKeys maps flag names to config keys. Only the flags of the command
// being run are bound, so commands may share flag names.
var flagKeys = map[string]string{
	"server":         "server.url",
	"token":          "server.token",
	"fhir-version":   "server.fhir_version",
	"log-level":      "log.level",
	"log-format":     "log.format",
	"mode":           "upload.mode",
	"policy":         "upload.policy",
	"conditional":    "upload.conditional",
	"force":          "upload.force",
	"dry-run":        "upload.dry_run",
	"upload-workers": "upload.workers",
	"exclude-type":   "upload.exclude_types",
	"exclude-source": "upload.exclude_sources",
	"filter":         "upload.filter",
	"references":     "upload.references",
	"validate":       "validation.enabled",
	"profile":        "validation.profile",
	"workers":        "performance.workers",
	"timeout":        "performance.request_timeout",
	"rate-limit":     "performance.rate_limit",
	"type":           "ig.types",
	"skip":           "ig.skip",
	"addr":           "listen.addr",
}

func (a *app) bind(flags *pflag.FlagSet) error {
	for name, key := range flagKeys {
		if f := flags.Lookup(name); f != nil {
			if err := a.v.BindPFlag(key, f); err != nil {
				return errors.Wrapf(err, "bind flag --%s", name)
			}
		}
	}
	return nil
}

// setup loads the configuration and installs the logger.
func (a *app) setup(cmd *cobra.Command) error {
	if err := a.bind(cmd.Flags()); err != nil {
		return err
	}
	if err := config.LoadDotEnv(a.envFile); err != nil {
		return err
	}
	cfg, err := config.Load(a.v, a.configFile)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.log = cfg.Logger()
	logger.SetDefault(a.log)
	if a.noColor {
		pterm.DisableColor()
	}
	if file := config.File(a.v); file != "" {
		a.log.Debug("using config file %s", file)
	}
	return nil
}

// sink returns where the events of a run are written.
func sink(w io.Writer, json, verbose bool) stream.Sink {
	if json {
		return stream.NewNDJSONSink(w)
	}
	return stream.NewConsoleSink(w, verbose)
}

// signalContext is canceled on SIGINT or SIGTERM.
func signalContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		if !errors.Is(err, errRunFailed) {
			fmt.Fprintln(os.Stderr, pterm.Red("Error: ")+err.Error())
		}
		for _, hint := range errors.GetAllHints(err) {
			fmt.Fprintln(os.Stderr, "  hint: "+hint)
		}
		os.Exit(1)
	}
}
