package repair_test

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/godaddy/asherah/go/fileencryption"
	"github.com/godaddy/asherah/go/fileencryption/pkg/crypt"
	. "github.com/godaddy/asherah/go/fileencryption/pkg/repair"
)

const moduleID = crypt.DefaultModuleID

func TestClassifyKeyFolder(t *testing.T) {
	tests := []struct {
		name  string
		entry DirEntry
		want  Shape
	}{
		{
			name:  "leaf",
			entry: NewDir("a.txt", NewDir(moduleID, NewFile("fileKey"), NewFile("alice.shareKey"))),
			want:  ShapeLeaf,
		},
		{
			name:  "leaf without file key",
			entry: NewDir("a.txt", NewDir(moduleID, NewFile("alice.shareKey"))),
			want:  ShapeLeaf,
		},
		{
			name: "leaf with two recipients",
			entry: NewDir("a.txt", NewDir(moduleID,
				NewFile("fileKey"), NewFile("alice.shareKey"), NewFile("bob.shareKey"))),
			want: ShapeLeaf,
		},
		{
			name:  "folder",
			entry: NewDir("docs", NewDir("a.txt", NewDir(moduleID, NewFile("alice.shareKey")))),
			want:  ShapeRecurse,
		},
		{
			name:  "empty folder",
			entry: NewDir("docs"),
			want:  ShapeRecurse,
		},
		{
			name:  "file",
			entry: NewFile("stray"),
			want:  ShapeMalformed,
		},
		{
			name: "module next to other entries",
			entry: NewDir("a.txt",
				NewDir(moduleID, NewFile("alice.shareKey")), NewDir("b.txt")),
			want: ShapeMalformed,
		},
		{
			name:  "module is a file",
			entry: NewDir("a.txt", NewFile(moduleID)),
			want:  ShapeMalformed,
		},
		{
			name:  "no share key",
			entry: NewDir("a.txt", NewDir(moduleID, NewFile("fileKey"))),
			want:  ShapeMalformed,
		},
		{
			name:  "unexpected file",
			entry: NewDir("a.txt", NewDir(moduleID, NewFile("alice.shareKey"), NewFile("notes"))),
			want:  ShapeMalformed,
		},
		{
			name:  "nested directory",
			entry: NewDir("a.txt", NewDir(moduleID, NewFile("alice.shareKey"), NewDir("x.shareKey"))),
			want:  ShapeMalformed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			shape, err := ClassifyKeyFolder(tt.entry, moduleID)
			require.NoError(t, err)
			assert.Equal(t, tt.want, shape, shape.String())
		})
	}
}

func TestShape_String(t *testing.T) {
	assert.Equal(t, "recurse", ShapeRecurse.String())
	assert.Equal(t, "leaf", ShapeLeaf.String())
	assert.Equal(t, "malformed", ShapeMalformed.String())
}

func TestNewDir_SortsChildren(t *testing.T) {
	dir := NewDir("root", NewFile("b"), NewFile("a"), NewDir("c"))

	children, err := dir.Children()
	require.NoError(t, err)

	names := make([]string, 0, len(children))
	for _, c := range children {
		names = append(names, c.Name())
	}

	assert.Equal(t, []string{"a", "b", "c"}, names)
}

func TestNewFsEntry(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/keys/a.txt/"+moduleID+"/alice.shareKey", []byte("k"), 0o640))
	require.NoError(t, afero.WriteFile(fs, "/keys/a.txt/"+moduleID+"/fileKey", []byte("k"), 0o640))
	require.NoError(t, afero.WriteFile(fs, "/keys/b/"+moduleID, []byte("k"), 0o640))

	root, err := NewFsEntry(fs, "/keys")
	require.NoError(t, err)
	assert.True(t, root.IsDir())
	assert.Equal(t, "keys", root.Name())

	children, err := root.Children()
	require.NoError(t, err)
	require.Len(t, children, 2)

	shape, err := ClassifyKeyFolder(children[0], moduleID)
	require.NoError(t, err)
	assert.Equal(t, ShapeLeaf, shape)

	shape, err = ClassifyKeyFolder(children[1], moduleID)
	require.NoError(t, err)
	assert.Equal(t, ShapeMalformed, shape)

	shape, err = ClassifyKeyFolder(root, moduleID)
	require.NoError(t, err)
	assert.Equal(t, ShapeRecurse, shape)
}

func TestNewFsEntry_Missing(t *testing.T) {
	_, err := NewFsEntry(afero.NewMemMapFs(), "/missing")
	assert.True(t, errors.Is(err, fileencryption.ErrNotFound))
}
