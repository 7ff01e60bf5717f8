package env

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/kilnbuild/kiln/internal/manifest"
)

// In-memory installer for tests.
//
// Writes a marker file per package and optionally fails a configurable
// number of times per ref before succeeding.
type fakeInstaller struct {
	mu        sync.Mutex
	attempts  map[string]int
	completed []string
	failures  map[string][]error // Errors returned per ref, in order, before succeeding.
	bins      map[string][]string
	block     bool // Blocks until the context is cancelled.
	partial   bool // Writes a leftover file before each failing attempt.
}

func newFakeInstaller() *fakeInstaller {
	return &fakeInstaller{
		attempts: make(map[string]int),
		failures: make(map[string][]error),
		bins:     make(map[string][]string),
	}
}

func (f *fakeInstaller) Install(ctx context.Context, pkg manifest.Package, dir string) error {
	if f.block {
		<-ctx.Done()
		return ctx.Err()
	}

	f.mu.Lock()
	f.attempts[pkg.Ref()]++
	queued := f.failures[pkg.Ref()]
	if len(queued) > 0 {
		err := queued[0]
		f.failures[pkg.Ref()] = queued[1:]
		f.mu.Unlock()
		if f.partial {
			if werr := os.WriteFile(filepath.Join(dir, "partial-download"), []byte("truncated"), 0644); werr != nil {
				return werr
			}
		}
		return err
	}
	f.mu.Unlock()

	if err := os.WriteFile(filepath.Join(dir, "artifact"), []byte(pkg.Ref()), 0644); err != nil {
		return err
	}

	for _, name := range f.bins[pkg.Ref()] {
		if err := os.MkdirAll(filepath.Join(dir, "bin"), 0755); err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(dir, "bin", name), []byte("#!/bin/sh\n"), 0755); err != nil {
			return err
		}
	}

	f.mu.Lock()
	f.completed = append(f.completed, pkg.Ref())
	f.mu.Unlock()
	return nil
}

func (f *fakeInstaller) Resolve(ctx context.Context, manifestPath, dir string) error {
	if f.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return os.WriteFile(filepath.Join(dir, "resolved"), []byte(manifestPath), 0644)
}

func (f *fakeInstaller) attemptCount(ref string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts[ref]
}

func (f *fakeInstaller) completedOrder() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.completed...)
}

func pkg(name, version string, deps ...string) manifest.Package {
	return manifest.Package{Name: name, Version: version, Dependencies: deps}
}

func envRoot(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "env")
}

func TestProvisionInstallsAll(t *testing.T) {
	installer := newFakeInstaller()
	installer.bins["foo@1.2.3"] = []string{"foo"}

	pkgs := []manifest.Package{
		pkg("foo", "1.2.3", "bar"),
		pkg("bar", "0.9.0"),
	}

	root := envRoot(t)
	key := digest.FromString("lock")

	environment, err := Provision(context.Background(), root, pkgs, key, Options{Installer: installer})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if environment.Key != key {
		t.Errorf("key = %s, want %s", environment.Key, key)
	}

	for _, want := range []string{"pkgs/foo-1.2.3/artifact", "pkgs/bar-0.9.0/artifact", "bin/foo"} {
		if _, err := os.Stat(filepath.Join(root, want)); err != nil {
			t.Errorf("missing %s: %v", want, err)
		}
	}
}

func TestProvisionDependencyOrder(t *testing.T) {
	installer := newFakeInstaller()

	pkgs := []manifest.Package{
		pkg("app", "1.0.0", "lib"),
		pkg("lib", "2.0.0", "base"),
		pkg("base", "3.0.0"),
	}

	_, err := Provision(context.Background(), envRoot(t), pkgs, "", Options{Installer: installer})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	order := installer.completedOrder()
	pos := make(map[string]int, len(order))
	for i, ref := range order {
		pos[ref] = i
	}

	if pos["base@3.0.0"] > pos["lib@2.0.0"] {
		t.Errorf("base installed after lib: %v", order)
	}
	if pos["lib@2.0.0"] > pos["app@1.0.0"] {
		t.Errorf("lib installed after app: %v", order)
	}
}

func TestProvisionRetriesTransient(t *testing.T) {
	installer := newFakeInstaller()
	installer.failures["foo@1.0.0"] = []error{
		fmt.Errorf("%w: connection reset", ErrFetchTransient),
		fmt.Errorf("%w: connection reset", ErrFetchTransient),
	}

	pkgs := []manifest.Package{pkg("foo", "1.0.0")}

	_, err := Provision(context.Background(), envRoot(t), pkgs, "", Options{
		Installer:   installer,
		MaxAttempts: 3,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := installer.attemptCount("foo@1.0.0"); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
}

func TestProvisionRetriesExhausted(t *testing.T) {
	installer := newFakeInstaller()
	installer.failures["foo@1.0.0"] = []error{
		fmt.Errorf("%w: timeout", ErrFetchTransient),
		fmt.Errorf("%w: timeout", ErrFetchTransient),
		fmt.Errorf("%w: timeout", ErrFetchTransient),
	}

	pkgs := []manifest.Package{pkg("foo", "1.0.0")}

	_, err := Provision(context.Background(), envRoot(t), pkgs, "", Options{
		Installer:   installer,
		MaxAttempts: 2,
	})
	if !errors.Is(err, ErrFetchTransient) {
		t.Fatalf("err = %v, want ErrFetchTransient", err)
	}
	if !errors.Is(err, ErrResolution) {
		t.Fatalf("err = %v, want ErrResolution", err)
	}
	if got := installer.attemptCount("foo@1.0.0"); got != 2 {
		t.Errorf("attempts = %d, want 2", got)
	}
}

func TestProvisionRetryClearsPartialState(t *testing.T) {
	installer := newFakeInstaller()
	installer.partial = true
	installer.failures["foo@1.0.0"] = []error{
		fmt.Errorf("%w: connection reset", ErrFetchTransient),
	}

	pkgs := []manifest.Package{pkg("foo", "1.0.0")}
	root := envRoot(t)

	_, err := Provision(context.Background(), root, pkgs, "", Options{
		Installer:   installer,
		MaxAttempts: 2,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	dir := filepath.Join(root, "pkgs", "foo-1.0.0")
	if _, err := os.Stat(filepath.Join(dir, "partial-download")); !os.IsNotExist(err) {
		t.Error("failed attempt's leftovers survived into the environment")
	}
	if _, err := os.Stat(filepath.Join(dir, "artifact")); err != nil {
		t.Errorf("missing artifact: %v", err)
	}
}

func TestProvisionPermanentNotRetried(t *testing.T) {
	installer := newFakeInstaller()
	installer.failures["foo@9.9.9"] = []error{
		fmt.Errorf("%w: foo 9.9.9", ErrVersionNotFound),
	}

	pkgs := []manifest.Package{pkg("foo", "9.9.9")}

	_, err := Provision(context.Background(), envRoot(t), pkgs, "", Options{
		Installer:   installer,
		MaxAttempts: 5,
	})
	if !errors.Is(err, ErrVersionNotFound) {
		t.Fatalf("err = %v, want ErrVersionNotFound", err)
	}
	if got := installer.attemptCount("foo@9.9.9"); got != 1 {
		t.Errorf("attempts = %d, want 1 (permanent errors must not be retried)", got)
	}
}

func TestProvisionStepTimeout(t *testing.T) {
	installer := newFakeInstaller()
	installer.block = true

	pkgs := []manifest.Package{pkg("foo", "1.0.0")}

	_, err := Provision(context.Background(), envRoot(t), pkgs, "", Options{
		Installer:   installer,
		MaxAttempts: 1,
		StepTimeout: 50 * time.Millisecond,
	})
	if !errors.Is(err, ErrInstallTimeout) {
		t.Fatalf("err = %v, want ErrInstallTimeout", err)
	}
}

func TestProvisionCycle(t *testing.T) {
	installer := newFakeInstaller()

	pkgs := []manifest.Package{
		pkg("a", "1.0.0", "b"),
		pkg("b", "1.0.0", "a"),
	}

	_, err := Provision(context.Background(), envRoot(t), pkgs, "", Options{Installer: installer})
	if !errors.Is(err, ErrResolution) {
		t.Fatalf("err = %v, want ErrResolution", err)
	}
	if len(installer.completedOrder()) != 0 {
		t.Error("no package should install when the graph has a cycle")
	}
}

func TestProvisionRootExists(t *testing.T) {
	root := envRoot(t)
	if err := os.MkdirAll(root, 0755); err != nil {
		t.Fatal(err)
	}

	_, err := Provision(context.Background(), root, nil, "", Options{Installer: newFakeInstaller()})
	if !errors.Is(err, ErrResolution) {
		t.Fatalf("err = %v, want ErrResolution", err)
	}
}

func TestProvisionExecutableConflict(t *testing.T) {
	installer := newFakeInstaller()
	installer.bins["a@1.0.0"] = []string{"tool"}
	installer.bins["b@1.0.0"] = []string{"tool"}

	pkgs := []manifest.Package{
		pkg("a", "1.0.0"),
		pkg("b", "1.0.0"),
	}

	_, err := Provision(context.Background(), envRoot(t), pkgs, "", Options{Installer: installer})
	if !errors.Is(err, ErrResolution) {
		t.Fatalf("err = %v, want ErrResolution", err)
	}
}

func TestResolveUnlocked(t *testing.T) {
	installer := newFakeInstaller()
	root := envRoot(t)

	environment, err := Resolve(context.Background(), root, "kiln.toml", Options{Installer: installer})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if environment.Key != "" {
		t.Errorf("key = %s, want empty (unlocked environments have no content key)", environment.Key)
	}
	if _, err := os.Stat(filepath.Join(root, "resolved")); err != nil {
		t.Errorf("installer did not resolve into the root: %v", err)
	}
}

func TestResolveStepTimeout(t *testing.T) {
	installer := newFakeInstaller()
	installer.block = true

	_, err := Resolve(context.Background(), envRoot(t), "kiln.toml", Options{
		Installer:   installer,
		StepTimeout: 50 * time.Millisecond,
	})
	if !errors.Is(err, ErrInstallTimeout) {
		t.Fatalf("err = %v, want ErrInstallTimeout", err)
	}
}

func TestWaves(t *testing.T) {
	pkgs := []manifest.Package{
		pkg("app", "1.0.0", "lib", "other"),
		pkg("lib", "2.0.0", "base"),
		pkg("other", "1.0.0"),
		pkg("base", "3.0.0"),
	}

	order, err := waves(pkgs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(order) != 3 {
		t.Fatalf("len(waves) = %d, want 3", len(order))
	}

	first := []string{order[0][0].Ref(), order[0][1].Ref()}
	if first[0] != "base@3.0.0" || first[1] != "other@1.0.0" {
		t.Errorf("first wave = %v, want [base@3.0.0 other@1.0.0]", first)
	}
	if order[1][0].Ref() != "lib@2.0.0" {
		t.Errorf("second wave = %v, want [lib@2.0.0]", order[1])
	}
	if order[2][0].Ref() != "app@1.0.0" {
		t.Errorf("third wave = %v, want [app@1.0.0]", order[2])
	}
}

func TestWavesIgnoresExternalDeps(t *testing.T) {
	pkgs := []manifest.Package{
		pkg("foo", "1.0.0", "excluded-by-policy"),
	}

	order, err := waves(pkgs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(order) != 1 || len(order[0]) != 1 {
		t.Fatalf("waves = %v, want a single wave with foo", order)
	}
}
