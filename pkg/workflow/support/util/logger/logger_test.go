package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSetLogLevel(t *testing.T) {
	defer SetLogLevel("INFO")

	SetLogLevel("debug")
	assert.Equal(t, LevelDebug, GetLogLevel())

	SetLogLevel("WARN")
	assert.Equal(t, LevelWarn, GetLogLevel())

	SetLogLevel("bogus")
	assert.Equal(t, LevelInfo, GetLogLevel())
}

func TestExtractMeaningfulFunctionName(t *testing.T) {
	assert.Equal(t, "github.com/x/pkg.NewThing", extractMeaningfulFunctionName("github.com/x/pkg.NewThing.func1"))
	assert.Equal(t, "pkg.Plain", extractMeaningfulFunctionName("pkg.Plain"))
}

func TestSetFormatDoesNotPanic(t *testing.T) {
	defer SetFormat("console")
	assert.NotPanics(t, func() {
		SetFormat("json")
		Infof("json line %d", 1)
		SetFormat("console")
		Debugf("console line")
	})
}
