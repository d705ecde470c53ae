package main

import (
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/gofhir/uploader/decode"
)

// inputExtensions are the files picked up when walking a directory.
var inputExtensions = []string{".json", ".xml", ".zip", ".tgz", ".tar.gz"}

func isInputFile(name string) bool {
	lower := strings.ToLower(name)
	for _, ext := range inputExtensions {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

// collectInputs reads the files named by args. Directories are walked in
// lexical order; "-" reads stdin.
func collectInputs(args []string, stdin io.Reader) ([]decode.Input, error) {
	var inputs []decode.Input
	for _, arg := range args {
		if arg == "-" {
			data, err := io.ReadAll(stdin)
			if err != nil {
				return nil, errors.Wrap(err, "failed to read stdin")
			}
			inputs = append(inputs, decode.Input{Name: "stdin", Data: data})
			continue
		}

		info, err := os.Stat(arg)
		if err != nil {
			return nil, errors.WithHint(errors.Wrapf(err, "cannot read %s", arg),
				"pass files, directories or - for stdin")
		}
		if !info.IsDir() {
			in, err := readInput(arg)
			if err != nil {
				return nil, err
			}
			inputs = append(inputs, in)
			continue
		}

		err = filepath.WalkDir(arg, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				if path != arg && strings.HasPrefix(d.Name(), ".") {
					return filepath.SkipDir
				}
				return nil
			}
			if !d.Type().IsRegular() || !isInputFile(d.Name()) {
				return nil
			}
			in, err := readInput(path)
			if err != nil {
				return err
			}
			inputs = append(inputs, in)
			return nil
		})
		if err != nil {
			return nil, errors.Wrapf(err, "failed to walk %s", arg)
		}
	}
	if len(inputs) == 0 {
		return nil, errors.WithHint(errors.New("no input files found"),
			"supported files: "+strings.Join(inputExtensions, ", "))
	}
	return inputs, nil
}

func readInput(path string) (decode.Input, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return decode.Input{}, errors.Wrapf(err, "failed to read %s", path)
	}
	return decode.Input{Name: filepath.ToSlash(path), Data: data}, nil
}
