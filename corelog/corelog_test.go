package corelog_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"

	"github.com/joeycumines/corio/corelog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withBuffer(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	l := stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(&buf)),
		stumpy.L.WithLevel(logiface.LevelInformational),
	)
	prev := corelog.Get()
	corelog.SetLogger(l)
	t.Cleanup(func() { corelog.SetLogger(prev) })
	return &buf
}

func TestPanicLogsFiberIDAndValue(t *testing.T) {
	buf := withBuffer(t)
	corelog.Panic(42, "boom")
	require.Contains(t, buf.String(), `"fiber_id":"42"`)
	assert.Contains(t, buf.String(), "boom")
}

func TestEpollCtlFailureLogsFdAndErr(t *testing.T) {
	buf := withBuffer(t)
	corelog.EpollCtlFailure("ADD", 7, errors.New("no space left"))
	out := buf.String()
	assert.Contains(t, out, `"fd":"7"`)
	assert.Contains(t, out, "no space left")
}

func TestSetLoggerNilResetsToDefault(t *testing.T) {
	prev := corelog.Get()
	defer corelog.SetLogger(prev)

	corelog.SetLogger(nil)
	assert.NotNil(t, corelog.Get())
}
