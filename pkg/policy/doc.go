// Package policy evaluates the agent's access and disclosure rules with
// Open Policy Agent.
//
// Every request a session handles is described as an Input and evaluated
// against the Rego package nodeagent.access. The policy answers two
// questions: whether the function may run for the current session, and how
// much host metadata the response header may reveal.
//
// # Rules
//
// The built-in policy allows authenticate, unauthenticate, force_reboot and
// self_fence for everyone and everything else only for authenticated
// sessions. Host identity (hostname and cluster names) is disclosed in full
// headers or when the agent advertises itself; platform details (os,
// xen_host) additionally require authentication.
//
// # Custom policies
//
// An operator can replace the built-in rules with a file that declares the
// same package and defines a decision object:
//
//	package nodeagent.access
//
//	import rego.v1
//
//	decision := {
//		"allow": allow,
//		"disclose_identity": input.full,
//		"disclose_platform": false,
//	}
//
// The file is compiled once at startup; a policy that fails to compile keeps
// the daemon from starting.
package policy
