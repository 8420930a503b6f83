// Package config holds the agent daemon configuration.
//
// Configuration is a typed object with named slots for every fixed
// filesystem location (certificates, pinned clients, batch queue, worker
// and module executables), plus listen and session options. Defaults are
// built in; an optional YAML file overlays them and command-line flags
// override both. Validation uses struct tags.
//
//	cfg, err := config.Load("/etc/froyo-agent/agent.yaml")
//	if err != nil {
//	    return err
//	}
//	cfg.Port = 11112
//	if err := cfg.Validate(); err != nil {
//	    return err
//	}
package config
