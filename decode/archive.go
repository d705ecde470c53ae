package decode

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"io"
	"path"
	"strings"

	"github.com/cockroachdb/errors"

	fv "github.com/gofhir/uploader"
)

// Entry is one unit produced by Expand. Err is set when the unit could not be read.
type Entry struct {
	Input
	Err *fv.DecodeError
}

// Expand returns the decodable units of in: in itself for a plain document,
// or the selected members of a zip or tgz archive in archive order. Member
// names are reported as "archive!member".
func (d *Decoder) Expand(in Input) []Entry {
	switch Sniff(in) {
	case KindZip:
		return d.expandZip(in)
	case KindTarGzip:
		return d.expandTarGz(in)
	default:
		return []Entry{{Input: in}}
	}
}

func (d *Decoder) expandZip(in Input) []Entry {
	zr, err := zip.NewReader(bytes.NewReader(in.Data), int64(len(in.Data)))
	if err != nil {
		return []Entry{archiveFailure(in.Name, errors.Wrap(err, "failed to open zip archive"))}
	}

	var out []Entry
	for _, f := range zr.File {
		if f.FileInfo().IsDir() || !d.keepMember(f.Name) {
			continue
		}
		ref := in.Name + "!" + f.Name
		if err := checkMemberPath(f.Name); err != nil {
			out = append(out, archiveFailure(ref, err))
			continue
		}

		rc, err := f.Open()
		if err != nil {
			out = append(out, archiveFailure(ref, errors.Wrap(err, "failed to open member")))
			continue
		}
		data, err := d.readMember(rc)
		_ = rc.Close()
		if err != nil {
			out = append(out, archiveFailure(ref, err))
			continue
		}
		out = append(out, Entry{Input: Input{Name: ref, Data: data}})
	}
	return out
}

func (d *Decoder) expandTarGz(in Input) []Entry {
	gzr, err := gzip.NewReader(bytes.NewReader(in.Data))
	if err != nil {
		return []Entry{archiveFailure(in.Name, errors.Wrap(err, "failed to create gzip reader"))}
	}
	defer gzr.Close()

	tr := tar.NewReader(gzr)
	var out []Entry
	for {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			// The stream cannot be resynchronized after a corrupt header.
			out = append(out, archiveFailure(in.Name, errors.Wrap(err, "failed to read tar entry")))
			break
		}
		if header.Typeflag != tar.TypeReg || !d.keepMember(header.Name) {
			continue
		}
		ref := in.Name + "!" + header.Name
		if err := checkMemberPath(header.Name); err != nil {
			out = append(out, archiveFailure(ref, err))
			continue
		}

		data, err := d.readMember(tr)
		if err != nil {
			out = append(out, archiveFailure(ref, err))
			continue
		}
		out = append(out, Entry{Input: Input{Name: ref, Data: data}})
	}
	return out
}

// readMember reads a member, refusing members larger than the configured limit.
func (d *Decoder) readMember(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, d.maxMemberSize+1))
	if err != nil {
		return nil, errors.Wrap(err, "failed to read member")
	}
	if int64(len(data)) > d.maxMemberSize {
		return nil, errors.Newf("member exceeds %d bytes", d.maxMemberSize)
	}
	return data, nil
}

// checkMemberPath rejects absolute paths and paths escaping the archive root.
func checkMemberPath(name string) error {
	clean := path.Clean(strings.ReplaceAll(name, `\`, "/"))
	if path.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") {
		return errors.Newf("invalid archive path: %s", name)
	}
	return nil
}

func archiveFailure(ref string, err error) Entry {
	return Entry{
		Input: Input{Name: ref},
		Err:   fv.NewDecodeError(ref, err),
	}
}
