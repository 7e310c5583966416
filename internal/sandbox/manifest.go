package sandbox

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	apperrors "github.com/pairroom/host/internal/errors"
	"github.com/pairroom/host/internal/filetree"
)

// OverrideFile lets a tree choose its own commands.
const OverrideFile = "sandbox.yaml"

// Runtime maps a manifest file at the tree root to its commands.
type Runtime struct {
	Manifest string
	Install  []string
	Start    []string
}

// ParseCommand splits a configured command line on whitespace. Commands
// are executed directly, without a shell.
func ParseCommand(s string) []string {
	return strings.Fields(s)
}

// DefaultRuntimes mirrors the default config table.
func DefaultRuntimes() []Runtime {
	return []Runtime{
		{Manifest: "package.json", Install: ParseCommand("npm install"), Start: ParseCommand("npm start")},
		{Manifest: "requirements.txt", Install: ParseCommand("pip install -r requirements.txt"), Start: ParseCommand("python app.py")},
		{Manifest: "go.mod", Install: ParseCommand("go build ./..."), Start: ParseCommand("go run .")},
	}
}

// Plan is what a run executes.
type Plan struct {
	Manifest string
	Install  []string
	Start    []string
	Env      map[string]string
}

type override struct {
	Install *string           `yaml:"install"`
	Start   *string           `yaml:"start"`
	Env     map[string]string `yaml:"env"`
}

type packageJSON struct {
	Scripts map[string]string `json:"scripts"`
}

// DetectPlan picks the commands for tree. The first runtime whose manifest
// is present wins; sandbox.yaml may then replace the install or start
// command (an empty install skips the install step). Any failure is a
// missing-manifest error.
func DetectPlan(tree filetree.Tree, runtimes []Runtime) (*Plan, error) {
	if len(tree) == 0 {
		return nil, apperrors.MissingManifest("file tree is empty")
	}

	var plan *Plan
	for _, rt := range runtimes {
		if tree.Has(rt.Manifest) {
			plan = &Plan{
				Manifest: rt.Manifest,
				Install:  append([]string(nil), rt.Install...),
				Start:    append([]string(nil), rt.Start...),
			}
			break
		}
	}

	var ov *override
	if contents, ok := tree[OverrideFile]; ok {
		ov = &override{}
		if err := yaml.Unmarshal([]byte(contents), ov); err != nil {
			return nil, apperrors.MissingManifest(fmt.Sprintf("%s: %v", OverrideFile, err))
		}
	}

	if plan == nil {
		if ov == nil || ov.Start == nil {
			return nil, apperrors.MissingManifest("")
		}
		plan = &Plan{Manifest: OverrideFile}
	}

	if plan.Manifest == "package.json" {
		if err := checkPackageJSON(tree, plan, ov); err != nil {
			return nil, err
		}
	}

	if ov != nil {
		if ov.Install != nil {
			plan.Install = ParseCommand(*ov.Install)
		}
		if ov.Start != nil {
			plan.Start = ParseCommand(*ov.Start)
		}
		plan.Env = ov.Env
	}

	if len(plan.Start) == 0 {
		return nil, apperrors.MissingManifest("no start command configured")
	}
	return plan, nil
}

// checkPackageJSON rejects a package.json that npm could not start. Comments
// and trailing commas are tolerated.
func checkPackageJSON(tree filetree.Tree, plan *Plan, ov *override) error {
	var pkg packageJSON
	if err := json.Unmarshal(jsonc.ToJSON([]byte(tree["package.json"])), &pkg); err != nil {
		return apperrors.MissingManifest("package.json is not valid JSON")
	}

	overridden := ov != nil && ov.Start != nil
	npmStart := len(plan.Start) == 2 && plan.Start[0] == "npm" && plan.Start[1] == "start"
	if !overridden && npmStart && pkg.Scripts["start"] == "" && !tree.Has("server.js") {
		return apperrors.MissingManifest("package.json has no start script")
	}
	return nil
}
