package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/browserstep/pkg/devices"
	"github.com/entrhq/browserstep/pkg/types"
)

func TestReadParams(t *testing.T) {
	path := filepath.Join(t.TempDir(), "step.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
url: https://example.com
globalOptions:
  device: iPhone 13
  timeout: 5000
queryParameters:
  - name: q
    value: go
interactions:
  - type: click
    selector: "#go"
output:
  type: text
  max_length: 100
`), 0o644))

	params, err := readParams(path)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com", params.URL)
	assert.Equal(t, "iPhone 13", params.GlobalOptions.Device)
	assert.Equal(t, 5000, params.GlobalOptions.Timeout)
	assert.Equal(t, []types.QueryParameter{{Name: "q", Value: "go"}}, params.QueryParameters)
	require.Len(t, params.Interactions, 1)
	assert.Equal(t, "#go", params.Interactions[0].Selector)
	assert.Equal(t, 100, params.Output.MaxLength)
}

func TestReadParamsErrors(t *testing.T) {
	_, err := readParams(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("url: [unterminated"), 0o644))
	_, err = readParams(path)
	assert.Error(t, err)
}

func TestDevicesCommand(t *testing.T) {
	var out bytes.Buffer
	cmd := newDevicesCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--json"})
	require.NoError(t, cmd.Execute())

	var opts []devices.Option
	require.NoError(t, json.Unmarshal(out.Bytes(), &opts))
	assert.Equal(t, devices.List(), opts)

	out.Reset()
	cmd = newDevicesCmd()
	cmd.SetOut(&out)
	cmd.SetArgs(nil)
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "NAME")
	assert.Contains(t, out.String(), devices.List()[0].Description)
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	cmd := newVersionCmd()
	cmd.SetOut(&out)
	cmd.SetArgs(nil)
	require.NoError(t, cmd.Execute())
	assert.Equal(t, "browserstep "+version+"\n", out.String())
}
