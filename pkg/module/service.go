package module

import (
	"context"
	"strings"
)

// ServiceModuleName is the systemd service control module.
const ServiceModuleName = "service"

type serviceModule struct {
	run Runner
}

// NewServiceModule creates the service control module. Every function takes
// the unit in the servicename var.
func NewServiceModule(run Runner) *Module {
	s := &serviceModule{run: run}
	return New(ServiceModuleName, map[string]Func{
		"start":   s.action("start"),
		"stop":    s.action("stop"),
		"restart": s.action("restart"),
		"reload":  s.action("reload"),
		"enable":  s.action("enable"),
		"disable": s.action("disable"),
		"status":  s.status,
	})
}

type serviceState struct {
	active   string
	enabled  bool
	subState string
}

func (s *serviceModule) state(ctx context.Context, name string) serviceState {
	active, _ := s.run.Run(ctx, "systemctl", "is-active", name)
	enabled, _ := s.run.Run(ctx, "systemctl", "is-enabled", name)
	sub, _ := s.run.Run(ctx, "systemctl", "show", name, "--property=SubState", "--value")
	return serviceState{
		active:   strings.TrimSpace(string(active)),
		enabled:  strings.TrimSpace(string(enabled)) == "enabled",
		subState: strings.TrimSpace(string(sub)),
	}
}

func (s *serviceModule) action(verb string) Func {
	return func(ctx context.Context, args Args) ([]Var, error) {
		name, err := args.Require("servicename")
		if err != nil {
			return nil, err
		}

		before := s.state(ctx, name)
		changed := true
		result := verb + "ed"
		switch verb {
		case "start":
			changed = before.active != "active"
			result = "started"
		case "stop":
			changed = before.active == "active"
			result = "stopped"
		case "enable":
			changed = !before.enabled
			result = "enabled"
		case "disable":
			changed = before.enabled
			result = "disabled"
		case "restart":
			result = "restarted"
		case "reload":
			result = "reloaded"
		}

		if changed {
			if _, err := s.run.Run(ctx, "systemctl", verb, name); err != nil {
				return nil, Failf(CodeExecFailed, "failed to %s service %s: %v", verb, name, err)
			}
		} else {
			result = "already_" + result
		}

		after := s.state(ctx, name)
		return []Var{
			String("action", result),
			Bool("changed", changed),
			String("status", after.active),
			Bool("enabled", after.enabled),
			String("substate", after.subState),
		}, nil
	}
}

func (s *serviceModule) status(ctx context.Context, args Args) ([]Var, error) {
	name, err := args.Require("servicename")
	if err != nil {
		return nil, err
	}
	st := s.state(ctx, name)
	return []Var{
		String("status", st.active),
		Bool("enabled", st.enabled),
		String("substate", st.subState),
	}, nil
}
