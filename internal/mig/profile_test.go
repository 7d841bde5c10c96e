package mig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTemplate = `
profiles:
  - name: "MIG disabled"
    migEnabled: false
  - name: "3g.71gb x2"
    migEnabled: true
    devices:
      - sliceType: "3g.71gb"
        count: 2
  - name: "1g.18gb x7"
    migEnabled: true
    devices:
      - sliceType: "1g.18gb"
        count: 7
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func loadTestTemplate(t *testing.T) Template {
	t.Helper()
	tmpl, err := LoadTemplate(writeFile(t, "profiles.yaml", testTemplate))
	require.NoError(t, err)
	return tmpl
}

func TestLoadTemplate(t *testing.T) {
	tmpl := loadTestTemplate(t)

	require.Len(t, tmpl.Profiles, 3)

	p, ok := tmpl.Lookup("3g.71gb x2")
	require.True(t, ok)
	assert.True(t, p.MigEnabled)
	require.Len(t, p.Devices, 1)
	assert.Equal(t, DeviceSpec{SliceType: "3g.71gb", Count: 2}, p.Devices[0])

	p, ok = tmpl.Lookup("MIG disabled")
	require.True(t, ok)
	assert.False(t, p.MigEnabled)
	assert.Empty(t, p.Devices)

	_, ok = tmpl.Lookup("nope")
	assert.False(t, ok)
}

func TestLoadTemplate_Errors(t *testing.T) {
	_, err := LoadTemplate(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = LoadTemplate(writeFile(t, "empty.yaml", "profiles: []"))
	assert.Error(t, err)

	_, err = LoadTemplate(writeFile(t, "bad.yaml", "profiles: {not a list}"))
	assert.Error(t, err)
}

func TestLoadIntent(t *testing.T) {
	tmpl := loadTestTemplate(t)
	intent := writeFile(t, "intent.yaml", `
gpus:
  "0": "3g.71gb x2"
  "1": "3g.71gb x2"
  "2": "MIG disabled"
  "3": "MIG disabled"
`)

	dc, err := LoadIntent(intent, tmpl)
	require.NoError(t, err)

	assert.Equal(t, []int{0, 1, 2, 3}, dc.Indices())
	assert.True(t, dc.GPUs[0].MigEnabled)
	assert.False(t, dc.GPUs[3].MigEnabled)
}

func TestLoadIntent_Errors(t *testing.T) {
	tmpl := loadTestTemplate(t)

	cases := []struct {
		name    string
		content string
	}{
		{"gap in indices", "gpus:\n  \"0\": \"MIG disabled\"\n  \"2\": \"MIG disabled\"\n"},
		{"unknown profile", "gpus:\n  \"0\": \"8g.huge x9\"\n"},
		{"negative index", "gpus:\n  \"-1\": \"MIG disabled\"\n"},
		{"non-numeric index", "gpus:\n  \"two\": \"MIG disabled\"\n"},
		{"no gpus", "gpus: {}\n"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadIntent(writeFile(t, "intent.yaml", tc.content), tmpl)
			assert.Error(t, err)
		})
	}
}
