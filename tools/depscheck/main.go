// depscheck fails when a package of the deterministic core imports the
// transport layer, or when transport reaches into the simulation.
package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
)

const module = "rollback-arena/"

type packageInfo struct {
	ImportPath string
	Imports    []string
}

type rule struct {
	from      []string
	forbidden []string
}

var rules = []rule{
	{
		from:      []string{"internal/sim", "internal/world", "internal/snapshot", "internal/input", "internal/tick", "internal/desync"},
		forbidden: []string{"internal/net", "internal/app", "internal/observability"},
	},
	{
		from:      []string{"internal/net", "internal/session"},
		forbidden: []string{"internal/sim", "internal/world"},
	},
}

func main() {
	cmd := exec.Command("go", "list", "-json", "./internal/...")
	cmd.Env = os.Environ()
	output, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			os.Stderr.Write(exitErr.Stderr)
		}
		fmt.Fprintf(os.Stderr, "depscheck: failed to list packages: %v\n", err)
		os.Exit(1)
	}

	violations, err := check(bytes.NewReader(output))
	if err != nil {
		fmt.Fprintf(os.Stderr, "depscheck: failed to decode package info: %v\n", err)
		os.Exit(1)
	}
	if len(violations) > 0 {
		fmt.Fprintln(os.Stderr, "depscheck: found forbidden imports:")
		for _, violation := range violations {
			fmt.Fprintf(os.Stderr, "  %s\n", violation)
		}
		os.Exit(1)
	}
}

func check(r io.Reader) ([]string, error) {
	decoder := json.NewDecoder(r)
	var violations []string
	for {
		var pkg packageInfo
		if err := decoder.Decode(&pkg); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, err
		}
		for _, imp := range pkg.Imports {
			if forbidden(pkg.ImportPath, imp) {
				violations = append(violations, fmt.Sprintf("%s -> %s", pkg.ImportPath, imp))
			}
		}
	}
	sort.Strings(violations)
	return violations, nil
}

func forbidden(pkg, imp string) bool {
	for _, r := range rules {
		if !within(pkg, r.from) {
			continue
		}
		if within(imp, r.forbidden) {
			return true
		}
	}
	return false
}

func within(path string, roots []string) bool {
	rel, ok := strings.CutPrefix(path, module)
	if !ok {
		return false
	}
	for _, root := range roots {
		if rel == root || strings.HasPrefix(rel, root+"/") {
			return true
		}
	}
	return false
}
