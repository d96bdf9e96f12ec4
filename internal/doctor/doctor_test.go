package doctor_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/h3ow3d/infragraph/internal/doctor"
	"github.com/h3ow3d/infragraph/internal/xdg"
)

const demoManifest = "../../stacks/demo/deployment.yaml"

func find(t *testing.T, results []doctor.CheckResult, name string) doctor.CheckResult {
	t.Helper()
	for _, r := range results {
		if r.Name == name {
			return r
		}
	}
	t.Fatalf("%s check not found", name)
	return doctor.CheckResult{}
}

func tempDirs(t *testing.T) xdg.Dirs {
	return xdg.Dirs{State: filepath.Join(t.TempDir(), "state", "infragraph")}
}

func TestRun_ReturnsResults(t *testing.T) {
	t.Setenv("ACCOUNT_ID", "")
	t.Setenv("REGION", "")

	results := doctor.Run(tempDirs(t), demoManifest)
	if len(results) != 4 {
		t.Fatalf("Run returned %d results, want 4", len(results))
	}
	for _, r := range results {
		if r.Name == "" {
			t.Errorf("CheckResult has empty Name: %+v", r)
		}
		if r.Message == "" {
			t.Errorf("CheckResult %q has empty Message", r.Name)
		}
		if !r.OK && r.HowToFix == "" {
			t.Errorf("failed check %q is missing HowToFix hint", r.Name)
		}
	}
	if find(t, results, doctor.CheckEnvironment).OK {
		t.Error("expected environment check to fail without ACCOUNT_ID")
	}
	if !doctor.Failed(results) {
		t.Error("Failed should report the environment failure")
	}
}

func TestRun_AllPass(t *testing.T) {
	t.Setenv("ACCOUNT_ID", "123456789012")
	t.Setenv("REGION", "ap-northeast-1")

	results := doctor.Run(tempDirs(t), demoManifest)
	for _, r := range results {
		if !r.OK {
			t.Errorf("check %q failed: %s", r.Name, r.Message)
		}
	}
	if got := find(t, results, doctor.CheckRuleFiles).Message; got != "4 rules in 2 files" {
		t.Errorf("rule files message = %q", got)
	}
}

func TestRun_WithoutManifest(t *testing.T) {
	results := doctor.Run(tempDirs(t), "")
	for _, r := range results {
		if r.Name == doctor.CheckManifest || r.Name == doctor.CheckRuleFiles {
			t.Errorf("unexpected %s check without a manifest", r.Name)
		}
	}
}

func TestRun_BadRuleFile(t *testing.T) {
	dir := t.TempDir()
	doc := `apiVersion: infragraph.io/v1alpha1
kind: Deployment
metadata:
  name: bad
spec:
  accessGroups:
    WEB:
      rules: [web.csv]
`
	if err := os.WriteFile(filepath.Join(dir, "deployment.yaml"), []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "web.csv"), []byte("any_ipv4,,http\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	res := find(t, doctor.Run(tempDirs(t), filepath.Join(dir, "deployment.yaml")), doctor.CheckRuleFiles)
	if res.OK {
		t.Fatal("expected rule files check to fail")
	}
	if !strings.Contains(res.Message, "web.csv") {
		t.Errorf("message should name the file, got: %s", res.Message)
	}
}

func TestRun_InvalidManifestSkipsRules(t *testing.T) {
	results := doctor.Run(tempDirs(t), "/nonexistent/deployment.yaml")
	if find(t, results, doctor.CheckManifest).OK {
		t.Error("expected manifest check to fail")
	}
	for _, r := range results {
		if r.Name == doctor.CheckRuleFiles {
			t.Error("rule files check should be skipped for an invalid manifest")
		}
	}
}

func TestRun_OutputDirFailsOnReadOnly(t *testing.T) {
	res := find(t, doctor.Run(xdg.Dirs{State: "/proc/infragraph/state"}, ""), doctor.CheckOutputDir)
	if res.OK {
		t.Error("expected output directory check to fail for unwritable path")
	}
	if res.HowToFix == "" {
		t.Error("failed output directory check must provide a HowToFix hint")
	}
}
