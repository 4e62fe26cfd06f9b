package logging

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNew_WithoutFileSucceeds(t *testing.T) {
	logger := New(Options{})
	assert.NotNil(t, logger)
	logger.Info("hello")
}

func TestNew_WithFileSucceeds(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ultrareplay.log")
	logger := New(Options{FilePath: path, Verbose: true})
	assert.NotNil(t, logger)
	logger.Debug("verbose message")
}
