package output

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    Format
		wantErr bool
	}{
		{"", FormatTable, false},
		{"table", FormatTable, false},
		{" JSON ", FormatJSON, false},
		{"yml", FormatYAML, false},
		{"xml", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseFormat(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPrint_Table(t *testing.T) {
	table := NewTable("Name", "Size")
	table.AddRow("thing_name", "7")
	table.AddRow("mqtt_endpoint", "18")

	var buf bytes.Buffer
	require.NoError(t, Print(&buf, FormatTable, table))

	out := buf.String()
	assert.Contains(t, out, "NAME")
	assert.Contains(t, out, "SIZE")
	assert.Contains(t, out, "mqtt_endpoint")
	assert.Contains(t, out, "18")
}

func TestPrint_TableFallsBackToJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Print(&buf, FormatTable, map[string]int{"files": 2}))
	assert.JSONEq(t, `{"files": 2}`, buf.String())
}

func TestPrint_YAML(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Print(&buf, FormatYAML, struct {
		Version string `yaml:"version"`
	}{"1.1.0"}))
	assert.Equal(t, "version: 1.1.0\n", buf.String())
}

func TestPrintPairs(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, PrintPairs(&buf, [][2]string{{"Phase", "idle"}, {"Bank", "1"}}))
	assert.Contains(t, buf.String(), "Phase")
	assert.Contains(t, buf.String(), "idle")
}

func TestPrintHexdump(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, PrintHexdump(&buf, []byte{0x00, 0x01, 'A'}))
	assert.Contains(t, buf.String(), "00 01 41")
	assert.Contains(t, buf.String(), "|..A|")
}
