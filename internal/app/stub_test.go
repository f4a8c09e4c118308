package app

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"
)

// parseOutputTemplate leaves the value of -o in $tmpl and $out points at the file a real
// yt-dlp would write for a title of "My Clip".
const parseOutputTemplate = `while [ $# -gt 0 ]; do
  if [ "$1" = "-o" ]; then shift; tmpl="$1"; fi
  shift
done
out=$(printf '%s\n' "$tmpl" | sed 's/%(title).*$/My Clip.mp4/')
`

// writeStub writes an executable shell script standing in for yt-dlp.
func writeStub(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("stub yt-dlp scripts need a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "yt-dlp")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func dirEntries(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}
