package module

import (
	"context"
	"fmt"
	"strings"
)

// PackageModuleName is the package management module.
const PackageModuleName = "package"

type packageModule struct {
	run    Runner
	detect func() (string, error)
}

// NewPackageModule creates the package module. Functions take the package in
// the name var, plus optional version, manager and options vars.
func NewPackageModule(run Runner) *Module {
	p := &packageModule{run: run, detect: detectPackageManager}
	return New(PackageModuleName, map[string]Func{
		"install": p.install,
		"remove":  p.remove,
		"upgrade": p.upgrade,
		"query":   p.query,
	})
}

type packageCall struct {
	name    string
	version string
	manager string
	options []string
}

func (p *packageModule) parse(args Args) (*packageCall, error) {
	name, err := args.Require("name")
	if err != nil {
		return nil, err
	}
	call := &packageCall{
		name:    name,
		version: args.String("version"),
		manager: args.String("manager"),
		options: args.Strings("options"),
	}
	if call.manager == "" {
		if call.manager, err = p.detect(); err != nil {
			return nil, Failf(CodeExecFailed, "%v", err)
		}
	}
	switch call.manager {
	case "apt", "dnf", "yum", "zypper":
	default:
		return nil, Failf(CodeInvalidArgs, "unsupported package manager: %s", call.manager)
	}
	return call, nil
}

func (p *packageModule) installed(ctx context.Context, c *packageCall) (bool, string) {
	var out []byte
	var err error
	if c.manager == "apt" {
		out, err = p.run.Run(ctx, "dpkg-query", "-W", "-f=${Version}", c.name)
	} else {
		out, err = p.run.Run(ctx, "rpm", "-q", "--queryformat", "%{VERSION}-%{RELEASE}", c.name)
	}
	if err != nil {
		return false, ""
	}
	return true, strings.TrimSpace(string(out))
}

func (p *packageModule) exec(ctx context.Context, c *packageCall, verb string, target string) error {
	if c.manager == "zypper" && verb == "upgrade" {
		verb = "update"
	}
	args := append([]string{verb, "-y"}, c.options...)
	args = append(args, target)
	if _, err := p.run.Run(ctx, c.manager, args...); err != nil {
		return Failf(CodeExecFailed, "%s %s %s: %v", c.manager, verb, target, err)
	}
	return nil
}

func (c *packageCall) versioned() string {
	if c.version == "" {
		return c.name
	}
	switch c.manager {
	case "apt":
		return fmt.Sprintf("%s=%s", c.name, c.version)
	case "dnf", "yum":
		return fmt.Sprintf("%s-%s", c.name, c.version)
	}
	return c.name
}

func (p *packageModule) install(ctx context.Context, args Args) ([]Var, error) {
	c, err := p.parse(args)
	if err != nil {
		return nil, err
	}
	present, prev := p.installed(ctx, c)
	if present {
		return packageResult("already_present", false, prev, prev), nil
	}
	if err := p.exec(ctx, c, "install", c.versioned()); err != nil {
		return nil, err
	}
	_, now := p.installed(ctx, c)
	return packageResult("installed", true, prev, now), nil
}

func (p *packageModule) remove(ctx context.Context, args Args) ([]Var, error) {
	c, err := p.parse(args)
	if err != nil {
		return nil, err
	}
	present, prev := p.installed(ctx, c)
	if !present {
		return packageResult("already_absent", false, "", ""), nil
	}
	if err := p.exec(ctx, c, "remove", c.name); err != nil {
		return nil, err
	}
	return packageResult("removed", true, prev, ""), nil
}

func (p *packageModule) upgrade(ctx context.Context, args Args) ([]Var, error) {
	c, err := p.parse(args)
	if err != nil {
		return nil, err
	}
	present, prev := p.installed(ctx, c)
	action := "upgraded"
	if present {
		err = p.exec(ctx, c, "upgrade", c.name)
	} else {
		action = "installed"
		err = p.exec(ctx, c, "install", c.name)
	}
	if err != nil {
		return nil, err
	}
	_, now := p.installed(ctx, c)
	return packageResult(action, prev != now, prev, now), nil
}

func (p *packageModule) query(ctx context.Context, args Args) ([]Var, error) {
	c, err := p.parse(args)
	if err != nil {
		return nil, err
	}
	present, version := p.installed(ctx, c)
	return []Var{
		Bool("installed", present),
		String("installed_version", version),
	}, nil
}

func packageResult(action string, changed bool, prev, now string) []Var {
	return []Var{
		String("action", action),
		Bool("changed", changed),
		String("previous_version", prev),
		String("installed_version", now),
	}
}

func detectPackageManager() (string, error) {
	for _, mgr := range []string{"apt", "dnf", "yum", "zypper"} {
		if LookPath(mgr) {
			return mgr, nil
		}
	}
	return "", fmt.Errorf("no supported package manager found")
}
