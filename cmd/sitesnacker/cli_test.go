package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	color.NoColor = true
}

func TestNormalizeArgs(t *testing.T) {
	tests := []struct {
		name string
		in   []string
		want []string
	}{
		{"no args", []string{"s"}, []string{"s"}},
		{"bare url defaults to run", []string{"s", "https://x.test/"}, []string{"s", "run", "https://x.test/"}},
		{
			"flags after url",
			[]string{"s", "run", "https://x.test/p", "--timeout=60000", "--wait", "5000", "--puppeteer"},
			[]string{"s", "run", "--timeout=60000", "--wait", "5000", "--puppeteer", "https://x.test/p"},
		},
		{
			"two positionals",
			[]string{"s", "convert", "page.html", "https://x.test/", "-o", "out.md"},
			[]string{"s", "convert", "-o", "out.md", "page.html", "https://x.test/"},
		},
		{"leading flag untouched", []string{"s", "--help"}, []string{"s", "--help"}},
		{"double dash", []string{"s", "run", "--", "-odd"}, []string{"s", "run", "--", "-odd"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, normalizeArgs(tt.in))
		})
	}
}

func writeConfig(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "site-snacker.config.yml")
	body := "registry:\n  path: " + filepath.Join(dir, "registry.json") + "\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func runApp(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	err := newCLIApp(&stdout, &stderr).Run(normalizeArgs(append([]string{"sitesnacker"}, args...)))
	return stdout.String(), err
}

func TestConvertCommand(t *testing.T) {
	dir := t.TempDir()
	htmlPath := filepath.Join(dir, "page.html")
	require.NoError(t, os.WriteFile(htmlPath, []byte(`<html><head><title>Hello Page</title></head>
<body><main><h1>Hello</h1><p>Some words on the page.</p></main></body></html>`), 0644))

	out, err := runApp(t, "convert", htmlPath, "https://x.test/page", "--config", writeConfig(t, dir))
	require.NoError(t, err)

	mdPath := filepath.Join(dir, "page.md")
	assert.True(t, strings.HasPrefix(out, mdPath))
	data, err := os.ReadFile(mdPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "title: Hello Page")
}

func TestConvertCommand_MissingArgs(t *testing.T) {
	_, err := runApp(t, "convert", "only.html")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "[INVALID_FORMAT]")
}

func TestRunCommand_RequiresAPIKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	dir := t.TempDir()

	_, err := runApp(t, "https://x.test/", "--config", writeConfig(t, dir))
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(err.Error(), "[MISSING_API_KEY]"), err.Error())
}

func TestRunCommand_MissingConfig(t *testing.T) {
	_, err := runApp(t, "run", "https://x.test/", "--config", filepath.Join(t.TempDir(), "none.yml"))
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(err.Error(), "[CONFIG]"), err.Error())
}

func TestRegistryCommand(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir)

	out, err := runApp(t, "registry", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "Total files:     0")

	out, err = runApp(t, "registry", "--json", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, `"totalFiles": 0`)
}

func TestVersionAndVerboseFlags(t *testing.T) {
	cfgPath := writeConfig(t, t.TempDir())

	tests := []struct {
		name    string
		args    []string
		wantOut string
		wantErr string
	}{
		{name: "short version", args: []string{"-v"}, wantOut: "sitesnacker version " + Version},
		{name: "long version", args: []string{"--version"}, wantOut: "sitesnacker version " + Version},
		{name: "verbose", args: []string{"registry", "--verbose", "--config", cfgPath}, wantOut: "Total files:"},
		{name: "short flag is not verbose", args: []string{"registry", "-v", "--config", cfgPath}, wantErr: "flag provided but not defined: -v"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := runApp(t, tt.args...)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Contains(t, out, tt.wantOut)
		})
	}
}

func TestProcessCommand_ReportsRegistrySaveFailure(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")
	dir := t.TempDir()
	mdPath := filepath.Join(dir, "page.md")
	require.NoError(t, os.WriteFile(mdPath, []byte("# Plain page\n\nNo media here.\n"), 0644))

	// The registry lives under the processed output file, so writing that
	// file leaves no directory to save the registry into.
	outBase := filepath.Join(dir, "output")
	processed := filepath.Join(outBase, "processed", "x.test", "index", "index", "page.md")
	cfgPath := filepath.Join(dir, "site-snacker.config.yml")
	body := "directories:\n  output:\n    base: " + outBase + "\n" +
		"registry:\n  path: " + filepath.Join(processed, "registry.json") + "\n"
	require.NoError(t, os.WriteFile(cfgPath, []byte(body), 0644))

	out, err := runApp(t, "process", mdPath, "https://x.test/", "--config", cfgPath)
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(err.Error(), "[SAVE_FAILED]"), err.Error())
	assert.Contains(t, out, processed, "the page itself was processed")
}
