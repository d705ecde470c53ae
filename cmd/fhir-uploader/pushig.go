package main

import (
	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	fv "github.com/gofhir/uploader"
	"github.com/gofhir/uploader/decode"
	"github.com/gofhir/uploader/igpackage"
	"github.com/gofhir/uploader/pipeline"
)

func newPushIGCmd(a *app) *cobra.Command {
	var out outputFlags
	cmd := &cobra.Command{
		Use:   "push-ig <package.tgz>...",
		Short: "Upload the resources of Implementation Guide packages",
		Long: `push-ig uploads the JSON resources under package/ of FHIR NPM packages.
When the same package is given in several versions only the highest version
is pushed. Bundles in a package are uploaded as Bundle resources.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			inputs, err := collectInputs(args, cmd.InOrStdin())
			if err != nil {
				return err
			}
			return a.pushIG(cmd, inputs, out)
		},
	}
	addRunFlags(cmd.Flags())
	cmd.Flags().StringSlice("type", nil, "resource types to push (default all)")
	cmd.Flags().StringSlice("skip", nil, "package members not pushed, e.g. package/ImplementationGuide-x.json")
	out.register(cmd.Flags())
	return cmd
}

func (a *app) pushIG(cmd *cobra.Command, inputs []decode.Input, out outputFlags) error {
	pkgs, failures := igpackage.ReadAll(inputs)
	for _, f := range failures {
		a.log.Warn("skipping %s: %v", f.SourceRef, f.Cause)
	}
	if len(failures) > 0 && fv.ErrorPolicy(a.cfg.Upload.Policy) == fv.PolicyStopOnFirstError {
		return errors.WithHint(failures[0], "use --policy continue-on-error to push the readable packages")
	}
	if len(pkgs) == 0 {
		return errors.New("no readable packages")
	}

	latest := igpackage.Latest(pkgs)
	for _, p := range latest {
		a.log.Info("pushing %s from %s", p.Manifest.Ref(), p.Input.Name)
	}
	if dropped := len(pkgs) - len(latest); dropped > 0 {
		a.log.Info("ignoring %d older package versions", dropped)
	}

	sel := igpackage.NewSelection(a.cfg.IG.Types, a.cfg.IG.Skip)
	decoderOpts := append(sel.DecoderOptions(), decode.WithMaxMemberSize(a.cfg.Performance.MaxMemberSize))
	return a.run(cmd, igpackage.Inputs(latest), out,
		pipeline.WithDecoder(decode.New(decoderOpts...)),
		pipeline.WithSelect(sel.Resource),
	)
}
