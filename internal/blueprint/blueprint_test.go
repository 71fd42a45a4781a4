package blueprint

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/harshul/devsup/internal/analyzer"
)

func TestWriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	bp := Blueprint{Name: "web", DevCommand: "bun run dev", Ports: []int{5173}}
	if err := Write(PathFor(dir), bp); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, ok, err := Load(dir)
	if err != nil || !ok {
		t.Fatalf("Load() ok=%v err=%v", ok, err)
	}
	if got.Name != "web" || got.DevCommand != "bun run dev" || len(got.Ports) != 1 {
		t.Errorf("Load() = %+v", got)
	}
}

func TestLoadMissing(t *testing.T) {
	_, ok, err := Load(t.TempDir())
	if err != nil || ok {
		t.Errorf("Load(empty dir) ok=%v err=%v, want false, nil", ok, err)
	}
}

func TestReadRejectsMissingName(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	if err := os.WriteFile(path, []byte("devCommand: npm run dev\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Read(path); err == nil {
		t.Error("expected error for blueprint without name")
	}
	if _, _, err := Load(filepath.Dir(path)); err == nil {
		t.Error("Load should surface invalid files")
	}
}

func TestFromResolved(t *testing.T) {
	rc := analyzer.ResolvedCommand{
		Cwd:        "/work/shop",
		Manager:    "pnpm",
		Command:    analyzer.Command{Bin: "pnpm", Args: []string{"run", "dev"}},
		Confidence: analyzer.High,
		Detection:  analyzer.Detection{FrameworkPort: 5173},
	}
	bp := FromResolved(rc)
	if bp.Name != "shop" {
		t.Errorf("Name = %q, want directory name", bp.Name)
	}
	if bp.DevCommand != "pnpm run dev" {
		t.Errorf("DevCommand = %q", bp.DevCommand)
	}
	if len(bp.Ports) != 1 || bp.Ports[0] != 5173 {
		t.Errorf("Ports = %v", bp.Ports)
	}
}
