package policy

import (
	"fmt"
	"os"

	"github.com/open-policy-agent/opa/ast"
)

// LoadFile reads a policy file and checks that it declares Package.
func LoadFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read policy %s: %w", path, err)
	}
	if err := checkModule(path, string(data)); err != nil {
		return "", err
	}
	return string(data), nil
}

func checkModule(name, src string) error {
	module, err := ast.ParseModule(name, src)
	if err != nil {
		return fmt.Errorf("failed to parse policy: %w", err)
	}
	if got := module.Package.Path.String(); got != "data."+Package {
		return fmt.Errorf("policy %s declares %s, want package %s", name, got, Package)
	}
	return nil
}
