package main

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/godaddy/asherah/go/fileencryption/pkg/repair"
)

func TestPrompt(t *testing.T) {
	confirm := prompt(strings.NewReader("y\nn\n Y \n"))

	o := repair.Orphan{KeyDir: "/alice/files_encryption/keys/files/a.txt", Path: "files/a.txt"}

	assert.True(t, confirm.Confirm(o))
	assert.False(t, confirm.Confirm(o))
	assert.True(t, confirm.Confirm(o))

	// end of input declines
	assert.False(t, confirm.Confirm(o))
}

func TestUserPath(t *testing.T) {
	assert.Equal(t, "/alice/files/docs/a.txt", UserPath("alice", "docs/a.txt"))
	assert.Equal(t, "/alice/files", UserPath("alice", ""))
}

func TestCreateAWSPassphrase_InvalidTuple(t *testing.T) {
	saved := opts
	defer func() { opts = saved }()

	opts.RegionMap = ""
	_, err := CreateAWSPassphrase()
	require.Error(t, err)

	opts.RegionMap = "us-west-2"
	_, err = CreateAWSPassphrase()
	assert.EqualError(t, err, `invalid region tuple "us-west-2"`)
}
