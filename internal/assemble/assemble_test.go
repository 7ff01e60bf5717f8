package assemble

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

// Builds a directory tree from a map of relative path to file content.
//
// Keys ending in "/" create empty directories.
func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		path := filepath.Join(root, rel)
		if rel[len(rel)-1] == '/' {
			if err := os.MkdirAll(path, 0755); err != nil {
				t.Fatal(err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
}

func setup(t *testing.T, envFiles, srcFiles map[string]string) (envRoot, srcRoot, treeRoot string) {
	t.Helper()
	dir := t.TempDir()
	envRoot = filepath.Join(dir, "env")
	srcRoot = filepath.Join(dir, "src")
	treeRoot = filepath.Join(dir, "build")

	if err := os.MkdirAll(envRoot, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(srcRoot, 0755); err != nil {
		t.Fatal(err)
	}
	writeTree(t, envRoot, envFiles)
	writeTree(t, srcRoot, srcFiles)
	return envRoot, srcRoot, treeRoot
}

func TestOverlay(t *testing.T) {
	envRoot, srcRoot, treeRoot := setup(t,
		map[string]string{
			"pkgs/foo-1.2.3/artifact": "foo@1.2.3",
			"bin/foo":                 "#!/bin/sh\n",
		},
		map[string]string{
			"main.py":         "print('hi')",
			"utils/helper.py": "pass",
		},
	)

	if err := Overlay(envRoot, srcRoot, treeRoot); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, want := range []string{
		"app/env/pkgs/foo-1.2.3/artifact",
		"app/env/bin/foo",
		"app/main.py",
		"app/utils/helper.py",
	} {
		if _, err := os.Stat(filepath.Join(treeRoot, want)); err != nil {
			t.Errorf("missing %s: %v", want, err)
		}
	}
}

func TestOverlayPathConflict(t *testing.T) {
	tests := []struct {
		name string
		src  map[string]string
	}{
		{
			name: "source directory shadows environment root",
			src:  map[string]string{"env/evil.py": "boom"},
		},
		{
			name: "source file shadows environment root",
			src:  map[string]string{"env": "not a dir"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			envRoot, srcRoot, treeRoot := setup(t,
				map[string]string{"bin/foo": "x"},
				tt.src,
			)

			err := Overlay(envRoot, srcRoot, treeRoot)
			if !errors.Is(err, ErrPathConflict) {
				t.Fatalf("err = %v, want ErrPathConflict", err)
			}

			// A failed assembly must leave no tree behind.
			if _, err := os.Stat(treeRoot); !os.IsNotExist(err) {
				t.Errorf("build tree %s still exists after conflict", treeRoot)
			}
		})
	}
}

func TestOverlayTreeExists(t *testing.T) {
	envRoot, srcRoot, treeRoot := setup(t, nil, nil)
	if err := os.MkdirAll(treeRoot, 0755); err != nil {
		t.Fatal(err)
	}

	if err := Overlay(envRoot, srcRoot, treeRoot); !errors.Is(err, ErrAssembly) {
		t.Fatalf("err = %v, want ErrAssembly", err)
	}
}

func TestOverlayIdempotent(t *testing.T) {
	envFiles := map[string]string{"pkgs/foo-1.0.0/artifact": "foo"}
	srcFiles := map[string]string{"main.py": "print('hi')", "data/values.txt": "1\n2\n"}

	envRoot, srcRoot, treeRoot := setup(t, envFiles, srcFiles)
	otherTree := treeRoot + "-2"

	if err := Overlay(envRoot, srcRoot, treeRoot); err != nil {
		t.Fatalf("first overlay: %v", err)
	}
	if err := Overlay(envRoot, srcRoot, otherTree); err != nil {
		t.Fatalf("second overlay: %v", err)
	}

	assertTreesEqual(t, treeRoot, otherTree)
}

func TestOverlayPreservesMode(t *testing.T) {
	envRoot, srcRoot, treeRoot := setup(t, nil, nil)
	script := filepath.Join(srcRoot, "run.sh")
	if err := os.WriteFile(script, []byte("#!/bin/sh\n"), 0755); err != nil {
		t.Fatal(err)
	}

	if err := Overlay(envRoot, srcRoot, treeRoot); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	info, err := os.Stat(filepath.Join(treeRoot, "app", "run.sh"))
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0755 {
		t.Errorf("mode = %v, want 0755", info.Mode().Perm())
	}
}

// Compares two trees by relative structure and file content.
func assertTreesEqual(t *testing.T, a, b string) {
	t.Helper()
	entries := collectTree(t, a)
	other := collectTree(t, b)

	if len(entries) != len(other) {
		t.Fatalf("tree sizes differ: %d vs %d", len(entries), len(other))
	}
	for rel, content := range entries {
		got, ok := other[rel]
		if !ok {
			t.Errorf("missing %s in second tree", rel)
			continue
		}
		if got != content {
			t.Errorf("content of %s differs", rel)
		}
	}
}

func collectTree(t *testing.T, root string) map[string]string {
	t.Helper()
	out := make(map[string]string)
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if d.IsDir() {
			out[rel+"/"] = ""
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		out[rel] = string(data)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	return out
}
