package output

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWriter_Status_PrintsIconAndMessage(t *testing.T) {
	buf := &bytes.Buffer{}
	w := New(buf)

	w.Status("🔍", "searching index")

	assert.Contains(t, buf.String(), "🔍")
	assert.Contains(t, buf.String(), "searching index")
}

func TestWriter_Status_IndentsWhenIconEmpty(t *testing.T) {
	buf := &bytes.Buffer{}
	w := New(buf)

	w.Status("", "nested line")

	assert.Equal(t, "   nested line\n", buf.String())
}

func TestWriter_Successf_PrintsCheckmark(t *testing.T) {
	buf := &bytes.Buffer{}
	w := New(buf)

	w.Successf("indexed %d files", 12)

	assert.Contains(t, buf.String(), "✅")
	assert.Contains(t, buf.String(), "indexed 12 files")
}

func TestWriter_Warnf_PrintsWarningIcon(t *testing.T) {
	buf := &bytes.Buffer{}
	w := New(buf)

	w.Warnf("skipped %s", "bad.go")

	assert.Contains(t, buf.String(), "⚠️")
	assert.Contains(t, buf.String(), "skipped bad.go")
}

func TestWriter_Errorf_PrintsErrorIcon(t *testing.T) {
	buf := &bytes.Buffer{}
	w := New(buf)

	w.Errorf("sync failed: %s", "locked")

	assert.Contains(t, buf.String(), "❌")
	assert.Contains(t, buf.String(), "sync failed: locked")
}

func TestWriter_KV_AlignsValues(t *testing.T) {
	buf := &bytes.Buffer{}
	w := New(buf)

	w.KV("files", 42)
	w.KV("chunks", 128)

	assert.Contains(t, buf.String(), "files:")
	assert.Contains(t, buf.String(), "42")
	assert.Contains(t, buf.String(), "chunks:")
}
