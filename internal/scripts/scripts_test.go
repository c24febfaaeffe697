package scripts

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestRead(t *testing.T) {
	dir := t.TempDir()
	pkg := `{"name":"web","scripts":{"dev":"vite","build":"vite build","test":"vitest"}}`
	os.WriteFile(filepath.Join(dir, Manifest), []byte(pkg), 0o644)

	got := Read(dir)
	want := map[string]string{"dev": "vite", "build": "vite build", "test": "vitest"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Read = %v, want %v", got, want)
	}
	if names := Names(got); !reflect.DeepEqual(names, []string{"build", "dev", "test"}) {
		t.Errorf("Names = %v", names)
	}
}

func TestRead_Missing(t *testing.T) {
	got := Read(t.TempDir())
	if got == nil || len(got) != 0 {
		t.Errorf("expected empty map, got %#v", got)
	}
}

func TestRead_Malformed(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, Manifest), []byte("{oops"), 0o644)
	if got := Read(dir); len(got) != 0 {
		t.Errorf("expected empty map, got %v", got)
	}
}

func TestRead_NoScripts(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, Manifest), []byte(`{"name":"lib"}`), 0o644)
	if got := Read(dir); got == nil || len(got) != 0 {
		t.Errorf("expected empty map, got %#v", got)
	}
}
