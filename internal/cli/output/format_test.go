package output

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFormat(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Format
		wantErr bool
	}{
		{name: "table", input: "table", want: FormatTable},
		{name: "empty defaults to table", input: "", want: FormatTable},
		{name: "json", input: "json", want: FormatJSON},
		{name: "JSON uppercase", input: "JSON", want: FormatJSON},
		{name: "yaml", input: "yaml", want: FormatYAML},
		{name: "yml alias", input: "yml", want: FormatYAML},
		{name: "whitespace trimmed", input: "  table  ", want: FormatTable},
		{name: "invalid format", input: "xml", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseFormat(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFormatString(t *testing.T) {
	assert.Equal(t, "table", FormatTable.String())
	assert.Equal(t, "json", FormatJSON.String())
	assert.Equal(t, "yaml", FormatYAML.String())
}

func TestPrinterDispatch(t *testing.T) {
	rows := testRows{{"a", "1"}, {"b", "2"}}

	var table bytes.Buffer
	require.NoError(t, NewPrinter(&table, FormatTable).Print(rows))
	assert.Contains(t, table.String(), "NAME")
	assert.Contains(t, table.String(), "a")

	var jsonBuf bytes.Buffer
	require.NoError(t, NewPrinter(&jsonBuf, FormatJSON).Print(map[string]int{"n": 1}))
	assert.Contains(t, jsonBuf.String(), `"n": 1`)

	var yamlBuf bytes.Buffer
	require.NoError(t, NewPrinter(&yamlBuf, FormatYAML).Print(map[string]int{"n": 1}))
	assert.Contains(t, yamlBuf.String(), "n: 1")
}

func TestPrinterPrintln(t *testing.T) {
	var buf bytes.Buffer
	NewPrinter(&buf, FormatTable).Println("no rows")
	assert.Equal(t, "no rows\n", buf.String())
}
