package cmd

import (
	"os"
	"testing"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing %s: %v", path, err)
	}
}

// withTempProject points workDir at a freshly-initialized .nexus project
// for the duration of fn, restoring the prior workDir afterward.
func withTempProject(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	prev := workDir
	workDir = dir
	t.Cleanup(func() { workDir = prev })

	if err := runInit(initCmd, nil); err != nil {
		t.Fatalf("runInit: %v", err)
	}
	return dir
}
