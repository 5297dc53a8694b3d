package health

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResponse_Decode(t *testing.T) {
	body := `{"status":"healthy","timestamp":"2026-01-02T03:04:05Z","data":{"running_version":"1.1.0","running_bank":1}}`

	var resp Response
	require.NoError(t, json.Unmarshal([]byte(body), &resp))
	assert.True(t, resp.Healthy())

	var st struct {
		Running string `json:"running_version"`
		Bank    int    `json:"running_bank"`
	}
	require.NoError(t, resp.Decode(&st))
	assert.Equal(t, "1.1.0", st.Running)
	assert.Equal(t, 1, st.Bank)
}

func TestResponse_Unhealthy(t *testing.T) {
	var resp Response
	require.NoError(t, json.Unmarshal([]byte(`{"status":"unhealthy","error":"device: closed"}`), &resp))
	assert.False(t, resp.Healthy())
	assert.Equal(t, "device: closed", resp.Error)

	var st map[string]any
	require.NoError(t, resp.Decode(&st))
	assert.Nil(t, st)
}
