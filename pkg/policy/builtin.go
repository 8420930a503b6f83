package policy

// Package is the Rego package every access policy declares.
const Package = "nodeagent.access"

const decisionQuery = "data." + Package + ".decision"

const builtinName = "builtin/access.rego"

// BuiltinPolicy is the default access policy.
const BuiltinPolicy = `package nodeagent.access

import rego.v1

public_functions := {"authenticate", "unauthenticate", "force_reboot", "self_fence"}

default allow := false

allow if input.authenticated

allow if input.function in public_functions

default disclose_identity := false

disclose_identity if input.full

disclose_identity if input.advertise

default disclose_platform := false

disclose_platform if {
	disclose_identity
	input.authenticated
}

decision := {
	"allow": allow,
	"disclose_identity": disclose_identity,
	"disclose_platform": disclose_platform,
}
`
