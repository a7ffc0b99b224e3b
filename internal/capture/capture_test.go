package capture

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOpenFileMissing(t *testing.T) {
	src, err := OpenFile(filepath.Join(t.TempDir(), "missing.mp4"))
	assert.Nil(t, src)
	assert.ErrorIs(t, err, ErrOpen)
}

func TestOpenerSignatures(t *testing.T) {
	var _ Opener = OpenFile
	var _ Opener = OpenDevice
}
