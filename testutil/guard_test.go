package testutil

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestPredicates(t *testing.T) {
	cases := []struct {
		name string
		pred Predicate
		in   string
		want bool
	}{
		{"internal", InternalImportForbidden, "identitycore/internal/events", true},
		{"internal/pkg", InternalImportForbidden, "identitycore/pkg/domain", false},
		{"infra", InfraImportForbidden, "identitycore/internal/infra/persistence/sqlite", true},
		{"infra/core", InfraImportForbidden, "identitycore/internal/core", false},
		{"core", CoreImportForbidden, "identitycore/internal/core", true},
		{"core/blob", CoreImportForbidden, "identitycore/internal/blob/core", false},
		{"core/events", CoreImportForbidden, "identitycore/internal/events", false},
		{"third-party", ThirdPartyImport, "github.com/redis/go-redis/v9", true},
		{"third-party/x", ThirdPartyImport, "golang.org/x/sync/errgroup", true},
		{"stdlib", ThirdPartyImport, "encoding/json", false},
		{"module", ThirdPartyImport, "identitycore/pkg/domain", false},
	}
	for _, c := range cases {
		if got := c.pred(c.in); got != c.want {
			t.Fatalf("%s: predicate(%q)=%v want %v", c.name, c.in, got, c.want)
		}
	}
	both := Any(CoreImportForbidden, ThirdPartyImport)
	if !both("github.com/spf13/cobra") || !both("x/internal/core") || both("fmt") {
		t.Fatalf("Any did not combine predicates")
	}
	if Any()("anything") {
		t.Fatalf("empty Any must match nothing")
	}
}

func writeFile(t *testing.T, dir, name, src string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(src), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestDirectImportViolations(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.go", "package tmp\nimport (\n\t\"fmt\"\n\t\"identitycore/internal/infra/blob/fs\"\n)\nvar _ = fmt.Sprint\n")
	writeFile(t, dir, "a_test.go", "package tmp\nimport \"identitycore/internal/infra/persistence/memory\"\n")
	writeFile(t, dir, "notes.txt", "import \"identitycore/internal/infra/x\"")
	if err := os.Mkdir(filepath.Join(dir, "sub"), 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	viols, err := directImportViolations(dir, InfraImportForbidden)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(viols) != 1 || viols[0] != "identitycore/internal/infra/blob/fs (in a.go)" {
		t.Fatalf("unexpected violations %v", viols)
	}

	AssertNoDirectImports(t, dir, CoreImportForbidden, "none expected")
}

func TestDirectImportViolations_Errors(t *testing.T) {
	if _, err := directImportViolations(filepath.Join(t.TempDir(), "missing"), InfraImportForbidden); err == nil {
		t.Fatalf("expected error for missing dir")
	}
	dir := t.TempDir()
	writeFile(t, dir, "broken.go", "package tmp\nimport (\n")
	if _, err := directImportViolations(dir, InfraImportForbidden); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestTransitiveDependencyViolations(t *testing.T) {
	orig := goListDeps
	t.Cleanup(func() { goListDeps = orig })

	goListDeps = func(pattern string) ([]byte, error) {
		if pattern != "./pkg/..." {
			return nil, fmt.Errorf("unexpected pattern %s", pattern)
		}
		return []byte("fmt\n\nidentitycore/pkg/domain\n  github.com/spf13/viper  \n"), nil
	}
	viols, _, err := transitiveDependencyViolations("./pkg/...", ThirdPartyImport)
	if err != nil {
		t.Fatalf("violations: %v", err)
	}
	if len(viols) != 1 || viols[0] != "github.com/spf13/viper" {
		t.Fatalf("unexpected violations %v", viols)
	}
	AssertNoTransitiveDependency(t, "./pkg/...", InternalImportForbidden, "none expected")

	goListDeps = func(string) ([]byte, error) { return []byte("boom"), errors.New("exit 1") }
	if _, out, err := transitiveDependencyViolations(".", ThirdPartyImport); err == nil || string(out) != "boom" {
		t.Fatalf("expected go list failure to surface output, got %q %v", out, err)
	}
}

type recordingFatal struct{ msg string }

func (r *recordingFatal) Fatalf(format string, args ...any) { r.msg = fmt.Sprintf(format, args...) }

func TestFailIfViolations(t *testing.T) {
	var r recordingFatal
	failIfViolations(&r, "direct imports", "layering", nil)
	if r.msg != "" {
		t.Fatalf("no violations must not fail, got %q", r.msg)
	}
	failIfViolations(&r, "direct imports", "layering", []string{"a", "b"})
	if !strings.Contains(r.msg, "forbidden direct imports detected (layering)") || !strings.HasSuffix(r.msg, "a\nb") {
		t.Fatalf("unexpected message %q", r.msg)
	}
}
