package app_test

import (
	"os"
	"path/filepath"
	"testing"

	"redress/internal/app"
	"redress/internal/config"
)

func TestOpenDefaultsLeaveAdvisorOff(t *testing.T) {
	a, err := app.Open(app.Options{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer a.Close()
	if a.Legal.Advisor != nil {
		t.Fatal("advisor must stay unset without the config toggle")
	}
}

func TestOpenWiresAdvisorToggle(t *testing.T) {
	dir := t.TempDir()
	cfg := `service:
  name: redress
signing:
  key: test-signing-key
advisor:
  enabled: true
`
	if err := os.WriteFile(filepath.Join(dir, "redress.yml"), []byte(cfg), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	a, err := app.Open(app.Options{Workspace: dir})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer a.Close()
	if a.Legal.Advisor == nil {
		t.Fatal("advisor.enabled must attach the keyword advisor")
	}
	if !a.Config.Advisor.Enabled {
		t.Fatalf("config not loaded from %s", config.Path(dir))
	}
}
