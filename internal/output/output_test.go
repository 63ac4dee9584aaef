package output

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPlainWriterPrefixes(t *testing.T) {
	var buf bytes.Buffer
	w := NewWithColor(&buf, false)

	w.Status("loading index")
	w.Successf("ingested %d chunks", 12)
	w.Warning("reranker unavailable")
	w.Error("provider timeout")
	w.Detail("doc-abc123")

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	assert.Equal(t, []string{
		"• loading index",
		"✓ ingested 12 chunks",
		"! reranker unavailable",
		"✗ provider timeout",
		"  doc-abc123",
	}, lines)
}

func TestPlainWriterHasNoEscapeCodes(t *testing.T) {
	var buf bytes.Buffer
	w := NewWithColor(&buf, false)
	w.Status("plain")
	w.Error("also plain")
	assert.NotContains(t, buf.String(), "\x1b[")
}

func TestBlockIndentsEveryLine(t *testing.T) {
	var buf bytes.Buffer
	w := NewWithColor(&buf, false)
	w.Block("Tuition is free. [1]\nSemester fees apply. [2]\n")
	assert.Equal(t, "  Tuition is free. [1]\n  Semester fees apply. [2]\n", buf.String())
}

func TestProgressPlainMode(t *testing.T) {
	var buf bytes.Buffer
	w := NewWithColor(&buf, false)
	w.Progress("ingest", 2, 4)
	w.Progress("ingest", 4, 4)
	assert.Equal(t, "ingest: 2/4\ningest: 4/4\n", buf.String())
}

func TestProgressClampsOverflow(t *testing.T) {
	var buf bytes.Buffer
	w := NewWithColor(&buf, false)
	w.Progress("ingest", 9, 4)
	assert.Equal(t, "ingest: 4/4\n", buf.String())
}

func TestProgressStyledRendersBar(t *testing.T) {
	var buf bytes.Buffer
	w := NewWithColor(&buf, true)
	w.Progress("rebuild", 1, 2)
	out := buf.String()
	assert.Contains(t, out, "█")
	assert.Contains(t, out, "░")
	assert.Contains(t, out, "1/2")
	assert.True(t, strings.HasPrefix(out, "\r"))
}

func TestProgressZeroTotalIsSilent(t *testing.T) {
	var buf bytes.Buffer
	w := NewWithColor(&buf, false)
	w.Progress("ingest", 0, 0)
	assert.Zero(t, buf.Len())
}

func TestNewDisablesColorForNonFiles(t *testing.T) {
	var buf bytes.Buffer
	w := New(&buf)
	w.Status("piped")
	assert.Equal(t, "• piped\n", buf.String())
}
