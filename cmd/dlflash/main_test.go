package main

import (
	"bytes"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, cmd string, args ...string) (string, error) {
	t.Helper()
	// Flag variables outlive a single Execute.
	configFile, symModule = "", ""
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	base := []string{cmd, "--flash.path=/flash.img", "--flash.size=65536", "--log.level=error", "--device=0"}
	rootCmd.SetArgs(append(base, args...))
	err := rootCmd.Execute()
	return out.String(), err
}

func TestCLI(t *testing.T) {
	fs = afero.NewMemMapFs()
	t.Cleanup(func() { fs = afero.NewOsFs() })

	out, err := run(t, "format")
	require.NoError(t, err)
	require.Contains(t, out, "device flash formatted")

	out, err = run(t, "stats")
	require.NoError(t, err)
	require.Contains(t, out, "flash")
	require.Contains(t, out, "20 B")

	_, err = run(t, "list")
	require.NoError(t, err)

	_, err = run(t, "open", "libnothere.so")
	require.ErrorContains(t, err, "not found")

	_, err = run(t, "sym", "nothing")
	require.ErrorContains(t, err, "not found")

	_, err = run(t, "truncate", "zzz")
	require.ErrorContains(t, err, "invalid address")

	_, err = run(t, "flash", "/missing.elf")
	require.Error(t, err)

	require.NoError(t, afero.WriteFile(fs, "/dlflash.yaml", []byte("auto_format: true\npsram:\n  path: /psram.img\n"), 0o644))
	out, err = run(t, "stats", "--config.file=/dlflash.yaml")
	require.NoError(t, err)
	require.Contains(t, out, "psram")
}

func TestCLIInvalidLogLevel(t *testing.T) {
	fs = afero.NewMemMapFs()
	t.Cleanup(func() { fs = afero.NewOsFs() })

	_, err := run(t, "stats", "--log.level=loud")
	require.ErrorContains(t, err, "invalid log level")
}
