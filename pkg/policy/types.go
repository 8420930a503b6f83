package policy

// Input is the document a decision is made on.
type Input struct {
	// Function is the requested function, empty for the greeting header.
	Function string `json:"function"`
	// Authenticated is the session's trust state when the request arrives.
	Authenticated bool `json:"authenticated"`
	// Full is set for headers that carry full metadata: the greeting and a
	// successful authenticate.
	Full bool `json:"full"`
	// Advertise mirrors the daemon's advertise flag.
	Advertise bool `json:"advertise"`
	// Fencing mirrors the daemon's fencing flag.
	Fencing bool `json:"fencing"`
}

// Decision is the policy outcome for one Input.
type Decision struct {
	Allow            bool `json:"allow"`
	DiscloseIdentity bool `json:"disclose_identity"`
	DisclosePlatform bool `json:"disclose_platform"`
}

// Deny is the decision used when evaluation fails.
var Deny = Decision{}
