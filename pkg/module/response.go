package module

import "github.com/openfroyo/froyo-agent/pkg/xmldoc"

// Outcome classifies a module response.
type Outcome int

const (
	// OutcomeSuccess means every function reported success.
	OutcomeSuccess Outcome = iota
	// OutcomeRequestFailure means the module ran and rejected the request.
	OutcomeRequestFailure
	// OutcomeModuleFailure means the module itself failed.
	OutcomeModuleFailure
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRequestFailure:
		return "request_failure"
	default:
		return "module_failure"
	}
}

// Classify inspects a module response. internal_error is a module failure;
// API_error, or any function_response carrying success=false, is a request
// failure.
func Classify(resp *xmldoc.Element) Outcome {
	if resp == nil || resp.Tag == TagInternalError {
		return OutcomeModuleFailure
	}
	if resp.Tag == TagAPIError {
		return OutcomeRequestFailure
	}
	for _, fr := range resp.ChildrenByTag(TagFunctionResponse) {
		for _, v := range fr.ChildrenByTag(tagVar) {
			if v.Attr("name") == "success" && v.Attr("value") == "false" {
				return OutcomeRequestFailure
			}
		}
	}
	return OutcomeSuccess
}

// ResponseVars decodes the vars of the first function_response.
func ResponseVars(resp *xmldoc.Element) Args {
	args := Args{}
	if resp == nil {
		return args
	}
	fr := resp.Child(TagFunctionResponse)
	if fr == nil {
		return args
	}
	for _, c := range fr.Children {
		if v, err := ParseVar(c); err == nil {
			args[v.Name] = v
		}
	}
	return args
}
