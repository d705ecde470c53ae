package main

import (
	"github.com/spf13/cobra"

	fv "github.com/gofhir/uploader"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Printf("fhir-uploader version %s\n", fv.Version)
			cmd.Printf("FHIR versions: %s, %s, %s\n", fv.R4, fv.R4B, fv.R5)
		},
	}
}
