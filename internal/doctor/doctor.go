// Package doctor checks that a deployment can be compiled before any step
// runs: the environment inputs, the manifest, its rule files and the output
// directory.
package doctor

import (
	"fmt"
	"os"
	"sort"

	"github.com/h3ow3d/infragraph/internal/config"
	"github.com/h3ow3d/infragraph/internal/manifest"
	"github.com/h3ow3d/infragraph/internal/rules"
	"github.com/h3ow3d/infragraph/internal/stack"
	"github.com/h3ow3d/infragraph/internal/types"
	"github.com/h3ow3d/infragraph/internal/xdg"
)

// Check names.
const (
	CheckEnvironment = "environment"
	CheckManifest    = "manifest"
	CheckRuleFiles   = "rule files"
	CheckOutputDir   = "output directory"
)

// CheckResult holds the outcome of a single doctor check.
type CheckResult struct {
	Name     string
	OK       bool
	Message  string
	HowToFix string
}

// Run performs every check and returns the results. It never returns an
// error itself; pass/fail is encoded in each CheckResult. The manifest and
// rule-file checks are skipped when manifestPath is empty.
func Run(dirs xdg.Dirs, manifestPath string) []CheckResult {
	results := []CheckResult{checkEnvironment()}
	if manifestPath != "" {
		m, res := checkManifest(manifestPath)
		results = append(results, res)
		if m != nil {
			results = append(results, checkRuleFiles(m))
		}
	}
	return append(results, checkOutputDir(dirs))
}

// Failed reports whether any result did not pass.
func Failed(results []CheckResult) bool {
	for _, r := range results {
		if !r.OK {
			return true
		}
	}
	return false
}

func checkEnvironment() CheckResult {
	env, err := config.Load()
	if err != nil {
		return CheckResult{
			Name:    CheckEnvironment,
			Message: err.Error(),
			HowToFix: "Export the target account and region, e.g.:\n" +
				"  export ACCOUNT_ID=123456789012 REGION=ap-northeast-1",
		}
	}
	return CheckResult{
		Name:    CheckEnvironment,
		OK:      true,
		Message: fmt.Sprintf("account %s in %s", env.AccountID, env.Region),
	}
}

func checkManifest(path string) (*types.DeploymentManifest, CheckResult) {
	m, err := manifest.Load(path)
	if err != nil {
		return nil, CheckResult{
			Name:     CheckManifest,
			Message:  err.Error(),
			HowToFix: fmt.Sprintf("Fix the listed fields in %s.", path),
		}
	}
	return m, CheckResult{
		Name:    CheckManifest,
		OK:      true,
		Message: fmt.Sprintf("%s is a valid %s", path, m.Kind),
	}
}

// checkRuleFiles parses every rule file of every access group.
func checkRuleFiles(m *types.DeploymentManifest) CheckResult {
	names := make([]string, 0, len(m.Spec.AccessGroups))
	for name := range m.Spec.AccessGroups {
		names = append(names, name)
	}
	sort.Strings(names)

	files, count := 0, 0
	for _, name := range names {
		ag := m.Spec.AccessGroups[name]
		header, err := stack.ParseHeader(ag.Header)
		if err != nil {
			return ruleFailure(err)
		}
		loader := rules.Loader{Header: header}
		for _, p := range ag.Rules {
			rs, err := loader.Load(m.ResolvePath(p))
			if err != nil {
				return ruleFailure(fmt.Errorf("access group %s: %w", name, err))
			}
			files++
			count += len(rs)
		}
	}
	return CheckResult{
		Name:    CheckRuleFiles,
		OK:      true,
		Message: fmt.Sprintf("%d rules in %d files", count, files),
	}
}

func ruleFailure(err error) CheckResult {
	return CheckResult{
		Name:    CheckRuleFiles,
		Message: err.Error(),
		HowToFix: "Each row needs kind, peer, description and port, e.g.:\n" +
			"  any_ipv4,,allow http,80\n" +
			"  prefix,pl-58a54031,office,443",
	}
}

// checkOutputDir verifies that synthesized deployments can be written.
func checkOutputDir(dirs xdg.Dirs) CheckResult {
	fail := func(err error) CheckResult {
		return CheckResult{
			Name:     CheckOutputDir,
			Message:  fmt.Sprintf("cannot write to %s: %v", dirs.OutRoot(), err),
			HowToFix: "Set XDG_STATE_HOME to a writable directory or pass --out to synth.",
		}
	}
	if err := dirs.EnsureDirs(); err != nil {
		return fail(err)
	}
	f, err := os.CreateTemp(dirs.OutRoot(), ".doctor-*")
	if err != nil {
		return fail(err)
	}
	f.Close()
	os.Remove(f.Name())
	return CheckResult{Name: CheckOutputDir, OK: true, Message: fmt.Sprintf("%s is writable", dirs.OutRoot())}
}
