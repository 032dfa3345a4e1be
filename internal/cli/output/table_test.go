package output

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testRows is a minimal TableRenderer for the output tests.
type testRows [][]string

func (r testRows) Headers() []string { return []string{"Name", "Value"} }
func (r testRows) Rows() [][]string  { return r }

func TestPrintTable(t *testing.T) {
	rows := testRows{
		{"key1", "value1"},
		{"key2", "value2"},
	}

	var buf bytes.Buffer
	require.NoError(t, PrintTable(&buf, rows))

	out := buf.String()
	assert.Contains(t, out, "NAME")
	assert.Contains(t, out, "VALUE")
	assert.Contains(t, out, "key1")
	assert.Contains(t, out, "value1")
	assert.Contains(t, out, "key2")
	assert.Contains(t, out, "value2")
}

func TestPrintTableEmpty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, PrintTable(&buf, testRows{}))
	assert.Contains(t, buf.String(), "NAME")
}
