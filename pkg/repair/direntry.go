package repair

import (
	"os"
	"path"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/godaddy/asherah/go/fileencryption"
)

// DirEntry is a node of a key tree.
type DirEntry interface {
	Name() string
	IsDir() bool
	// Children returns the entries of a directory sorted by name. It returns nil for files.
	Children() ([]DirEntry, error)
}

type fsEntry struct {
	fs   afero.Fs
	path string
	info os.FileInfo
}

// NewFsEntry returns the DirEntry of p in fs. A missing p fails with fileencryption.ErrNotFound.
func NewFsEntry(fs afero.Fs, p string) (DirEntry, error) {
	info, err := fs.Stat(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.WithMessagef(fileencryption.ErrNotFound, "%s", p)
		}

		return nil, errors.Wrapf(err, "error reading %s", p)
	}

	return &fsEntry{fs: fs, path: p, info: info}, nil
}

func (e *fsEntry) Name() string {
	return e.info.Name()
}

func (e *fsEntry) IsDir() bool {
	return e.info.IsDir()
}

func (e *fsEntry) Children() ([]DirEntry, error) {
	if !e.IsDir() {
		return nil, nil
	}

	// afero.ReadDir sorts by name
	infos, err := afero.ReadDir(e.fs, e.path)
	if err != nil {
		return nil, errors.Wrapf(err, "error reading %s", e.path)
	}

	out := make([]DirEntry, 0, len(infos))
	for _, info := range infos {
		out = append(out, &fsEntry{fs: e.fs, path: path.Join(e.path, info.Name()), info: info})
	}

	return out, nil
}

type memEntry struct {
	name     string
	dir      bool
	children []DirEntry
}

// NewDir returns an in-memory directory entry.
func NewDir(name string, children ...DirEntry) DirEntry {
	sorted := append([]DirEntry(nil), children...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name() < sorted[j].Name() })

	return &memEntry{name: name, dir: true, children: sorted}
}

// NewFile returns an in-memory file entry.
func NewFile(name string) DirEntry {
	return &memEntry{name: name}
}

func (e *memEntry) Name() string {
	return e.name
}

func (e *memEntry) IsDir() bool {
	return e.dir
}

func (e *memEntry) Children() ([]DirEntry, error) {
	return e.children, nil
}

// Shape is the classification of a node in a key tree.
type Shape int

const (
	// ShapeRecurse is an intermediate directory mirroring a folder of the file tree.
	ShapeRecurse Shape = iota
	// ShapeLeaf is the key folder of one file.
	ShapeLeaf
	// ShapeMalformed is anything else. It is reported, never deleted.
	ShapeMalformed
)

func (s Shape) String() string {
	switch s {
	case ShapeRecurse:
		return "recurse"
	case ShapeLeaf:
		return "leaf"
	}

	return "malformed"
}

// ClassifyKeyFolder classifies entry by the grammar of a key tree:
//
//	leaf    = dir{ module }
//	module  = dir named moduleID{ [fileKey] shareKey+ }
//	recurse = dir without a child named moduleID
//
// A file, a directory holding the module directory next to other entries, or a module directory with unexpected
// content is malformed.
func ClassifyKeyFolder(entry DirEntry, moduleID string) (Shape, error) {
	if !entry.IsDir() {
		return ShapeMalformed, nil
	}

	children, err := entry.Children()
	if err != nil {
		return ShapeMalformed, err
	}

	var module DirEntry

	for _, c := range children {
		if c.Name() == moduleID {
			module = c
		}
	}

	if module == nil {
		return ShapeRecurse, nil
	}

	if len(children) != 1 || !module.IsDir() {
		return ShapeMalformed, nil
	}

	keys, err := module.Children()
	if err != nil {
		return ShapeMalformed, err
	}

	shareKeys := 0

	for _, k := range keys {
		switch {
		case k.IsDir():
			return ShapeMalformed, nil
		case k.Name() == fileencryption.FileKeyName:
		case strings.HasSuffix(k.Name(), fileencryption.ShareKeySuffix):
			shareKeys++
		default:
			return ShapeMalformed, nil
		}
	}

	if shareKeys == 0 {
		return ShapeMalformed, nil
	}

	return ShapeLeaf, nil
}
