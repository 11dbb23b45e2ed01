package repair

import (
	"context"
	"path"
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/godaddy/asherah/go/fileencryption"
)

// Orphan is a key folder whose file no longer exists.
type Orphan struct {
	// Owner is the user whose key root holds the folder. It is empty for the system key root.
	Owner string `json:"owner,omitempty"`
	// KeyDir is the folder to remove, the parent of the module directory.
	KeyDir string `json:"keyDir"`
	// Path is the file the keys belonged to. For the system key root it is relative to a user's home.
	Path string `json:"path"`
}

// Confirmer decides whether an orphaned key folder may be deleted.
type Confirmer interface {
	Confirm(o Orphan) bool
}

// ConfirmFunc is an adapter to allow the use of ordinary functions as a Confirmer, e.g. an interactive prompt.
type ConfirmFunc func(o Orphan) bool

// Confirm calls f(o).
func (f ConfirmFunc) Confirm(o Orphan) bool {
	return f(o)
}

type confirmAll struct{}

func (confirmAll) Confirm(Orphan) bool {
	return true
}

// ConfirmAll confirms every orphan.
var ConfirmAll Confirmer = confirmAll{}

// OrphanScanner finds key folders of deleted files.
type OrphanScanner struct {
	util *fileencryption.Util
	fs   afero.Fs
	opts options
}

// NewOrphanScanner returns an OrphanScanner.
func NewOrphanScanner(util *fileencryption.Util, opts ...Option) *OrphanScanner {
	return &OrphanScanner{
		util: util,
		fs:   util.Keys().Fs(),
		opts: newOptions(opts),
	}
}

// Scan walks every user key root and the system key root and returns the key folders whose file does not exist.
// Folders of unexpected shape are logged as errors and never returned.
func (o *OrphanScanner) Scan(ctx context.Context) ([]Orphan, error) {
	defer timer("orphan.scan").UpdateSince(time.Now())

	layout := o.util.Keys().Layout()

	var (
		users []string
		out   []Orphan
	)

	err := o.util.EachUser(ctx, func(uid string) error {
		users = append(users, uid)

		return o.scanRoot(ctx, layout.UserKeyRoot(uid), uid, func(rel string) (bool, error) {
			return afero.Exists(o.fs, path.Join("/", uid, rel))
		}, &out)
	})
	if err != nil {
		return nil, err
	}

	// files of system-wide mounts are visible in the home of every user of the mount
	err = o.scanRoot(ctx, layout.SystemKeyRoot(), "", func(rel string) (bool, error) {
		for _, uid := range users {
			if ok, err := afero.Exists(o.fs, path.Join("/", uid, rel)); err != nil || ok {
				return ok, err
			}
		}

		return false, nil
	}, &out)
	if err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool { return out[i].KeyDir < out[j].KeyDir })

	return out, nil
}

func (o *OrphanScanner) scanRoot(
	ctx context.Context, root, owner string, exists func(rel string) (bool, error), out *[]Orphan,
) error {
	entry, err := NewFsEntry(o.fs, root)
	if errors.Is(err, fileencryption.ErrNotFound) {
		return nil
	}

	if err != nil {
		return err
	}

	return o.walk(ctx, entry, root, "", owner, exists, out)
}

func (o *OrphanScanner) walk(
	ctx context.Context, entry DirEntry, dir, rel, owner string, exists func(rel string) (bool, error), out *[]Orphan,
) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	shape, err := ClassifyKeyFolder(entry, o.util.Keys().Layout().ModuleID)
	if err != nil {
		return err
	}

	switch shape {
	case ShapeLeaf:
		ok, err := exists(rel)
		if err != nil {
			return errors.Wrapf(err, "error checking %s", rel)
		}

		if !ok {
			file := rel
			if owner != "" {
				file = path.Join("/", owner, rel)
			}

			*out = append(*out, Orphan{Owner: owner, KeyDir: dir, Path: file})
		}

		return nil
	case ShapeMalformed:
		o.opts.logger.WithFields(logrus.Fields{"path": dir, "shape": shape}).Error("unexpected key folder shape")
		return nil
	}

	children, err := entry.Children()
	if err != nil {
		return err
	}

	for _, c := range children {
		if err := o.walk(ctx, c, path.Join(dir, c.Name()), path.Join(rel, c.Name()), owner, exists, out); err != nil {
			return err
		}
	}

	return nil
}

// Clean removes the orphans confirmed by confirm. Folders whose file reappeared since the scan are skipped.
func (o *OrphanScanner) Clean(ctx context.Context, orphans []Orphan, confirm Confirmer) (*Report, error) {
	defer timer("orphan.clean").UpdateSince(time.Now())

	report := newReport("clean-orphans", o.opts.logger)

	for _, orphan := range orphans {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		if !confirm.Confirm(orphan) {
			report.add(orphan.KeyDir, StatusSkipped, "not confirmed")
			continue
		}

		if orphan.Owner != "" {
			if ok, err := afero.Exists(o.fs, orphan.Path); err != nil {
				return report, err
			} else if ok {
				report.add(orphan.KeyDir, StatusSkipped, "%s exists", orphan.Path)
				continue
			}
		}

		if err := o.util.Keys().RemoveFolder(orphan.KeyDir); err != nil {
			return report, err
		}

		report.add(orphan.KeyDir, StatusFixed, "removed keys of %s", orphan.Path)
	}

	return report.done()
}
