package session

import "strconv"

// Code is the success attribute of a response header.
type Code int

// Response codes.
const (
	CodeSuccess            Code = 0
	CodeMissingVersion     Code = 1
	CodeUnsupportedVersion Code = 2 // reserved; version mismatches report CodeMissingVersion
	CodeMissingFunction    Code = 3
	CodeInvalidFunction    Code = 4
	CodeNeedAuth           Code = 5
	CodeInternalError      Code = 6
	CodeAuthFailed         Code = 10
	CodeMissingBatch       Code = 11
	CodeInvalidBatchID     Code = 12
)

func (c Code) String() string {
	return strconv.Itoa(int(c))
}

// Protocol documents.
const (
	ProtocolVersion = "1.0"

	TagRicci          = "ricci"
	TagBye            = "bye"
	TagNotRicci       = "not_ricci_message"
	TagSSLRequired    = "SSL_required"
	TagCertRequired   = "Clients_SSL_certificate_required"
	TagReceiveTimeout = "Timeout_reached_without_valid_XML_request"
	TagModule         = "module"
)

// Functions.
const (
	FuncAuthenticate   = "authenticate"
	FuncUnauthenticate = "unauthenticate"
	FuncListModules    = "list_modules"
	FuncProcessBatch   = "process_batch"
	FuncBatchReport    = "batch_report"
	FuncForceReboot    = "force_reboot"
	FuncSelfFence      = "self_fence"
)

// State is the position of a session in its lifecycle.
type State int32

const (
	StateHandshaking State = iota
	StateCertChecked
	StateHelloSent
	StateUnauthenticated
	StateAuthenticated
	StateClosed
)

var stateNames = [...]string{
	StateHandshaking:     "handshaking",
	StateCertChecked:     "cert_checked",
	StateHelloSent:       "hello_sent",
	StateUnauthenticated: "unauthenticated",
	StateAuthenticated:   "authenticated",
	StateClosed:          "closed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}
