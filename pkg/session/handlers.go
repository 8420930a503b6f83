package session

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/openfroyo/froyo-agent/pkg/policy"
	"github.com/openfroyo/froyo-agent/pkg/queue"
	"github.com/openfroyo/froyo-agent/pkg/stores"
	"github.com/openfroyo/froyo-agent/pkg/telemetry"
	"github.com/openfroyo/froyo-agent/pkg/xmldoc"
)

// reply is the outcome of one function.
type reply struct {
	code     Code
	children []*xmldoc.Element
	// full requests full host metadata in the header.
	full bool
	// done ends the session after this response.
	done bool
}

type handlerFunc func(s *Session, ctx context.Context, req *xmldoc.Element) reply

var handlers = map[string]handlerFunc{
	FuncAuthenticate:   (*Session).authenticate,
	FuncUnauthenticate: (*Session).unauthenticate,
	FuncListModules:    (*Session).listModules,
	FuncProcessBatch:   (*Session).processBatch,
	FuncBatchReport:    (*Session).batchReport,
	FuncForceReboot:    (*Session).forceReboot,
	FuncSelfFence:      (*Session).forceReboot,
}

// handle answers one request document. done reports that the session must
// end after the response is sent.
func (s *Session) handle(ctx context.Context, req *xmldoc.Element) (*xmldoc.Element, bool) {
	if req.Tag != TagRicci {
		s.log.WithField("tag", req.Tag).Warn("not a ricci message")
		return xmldoc.New(TagNotRicci), true
	}

	function := req.Attr("function")
	label := function
	if _, ok := handlers[function]; !ok {
		label = "invalid"
	}

	ctx, span := s.cfg.Telemetry.Tracer.StartRequestSpan(ctx, label)
	defer span.End()

	r := s.dispatch(ctx, req, function)

	resp := s.header(ctx, function, r.full)
	resp.Append(r.children...)
	resp.SetAttr("success", r.code.String())

	span.SetAttributes(telemetry.AttrCode.Int(int(r.code)))
	s.cfg.Telemetry.Metrics.RecordRequest(label, r.code.String())
	s.log.WithField("function", function).WithField("code", int(r.code)).Debug("request handled")
	return resp, r.done
}

func (s *Session) dispatch(ctx context.Context, req *xmldoc.Element, function string) reply {
	switch version := req.Attr("version"); {
	case version == "":
		return reply{code: CodeMissingVersion}
	case version != ProtocolVersion:
		// Mismatches report the same code as a missing version.
		return reply{code: CodeMissingVersion}
	}

	if function == "" {
		return reply{code: CodeMissingFunction}
	}
	h, ok := handlers[function]
	if !ok {
		return reply{code: CodeInvalidFunction}
	}
	if (function == FuncForceReboot || function == FuncSelfFence) && !s.cfg.Fencing {
		return reply{code: CodeInvalidFunction}
	}

	d, err := s.cfg.Policy.Decide(ctx, s.policyInput(function, false))
	if err != nil {
		s.log.WithError(err).Error("policy evaluation failed")
		return reply{code: CodeInternalError}
	}
	if !d.Allow {
		return reply{code: CodeNeedAuth}
	}
	return h(s, ctx, req)
}

func (s *Session) policyInput(function string, full bool) policy.Input {
	return policy.Input{
		Function:      function,
		Authenticated: s.authenticated,
		Full:          full,
		Advertise:     s.cfg.Advertise,
		Fencing:       s.cfg.Fencing,
	}
}

// header builds the response root. Host metadata is included as far as the
// policy discloses it.
func (s *Session) header(ctx context.Context, function string, full bool) *xmldoc.Element {
	h := xmldoc.New(TagRicci,
		"version", ProtocolVersion,
		"authenticated", strconv.FormatBool(s.authenticated),
	)

	d, err := s.cfg.Policy.Decide(ctx, s.policyInput(function, full))
	if err != nil {
		s.log.WithError(err).Warn("policy evaluation failed, disclosing nothing")
		return h
	}

	if d.DiscloseIdentity {
		id := s.cfg.Host.Identity()
		setNonEmpty(h, "hostname", id.Hostname)
		setNonEmpty(h, "clustername", id.ClusterName)
		setNonEmpty(h, "clusteralias", id.ClusterAlias)
	}
	if d.DisclosePlatform {
		p := s.cfg.Host.Platform(ctx)
		setNonEmpty(h, "os", p.OS)
		h.SetAttr("xen_host", strconv.FormatBool(p.XenHost))
	}
	return h
}

func setNonEmpty(el *xmldoc.Element, name, value string) {
	if value != "" {
		el.SetAttr(name, value)
	}
}

func (s *Session) authenticate(ctx context.Context, req *xmldoc.Element) reply {
	ok, err := s.cfg.Auth.Authenticate(ctx, req.Attr("password"))
	if err != nil {
		s.log.WithError(err).Warn("password backend error")
		ok = false
	}

	if ok {
		if !s.authenticated {
			if err := s.cfg.Trust.Pin(s.cert); err != nil {
				s.log.WithError(err).Error("failed to pin client certificate")
			}
		}
		s.authenticated = true
		s.failedAuth = 0
		s.updateAuthState()
		s.cfg.Telemetry.Metrics.RecordAuthAttempt(stores.OutcomeSuccess)
		s.audit(ctx, &stores.AuditEntry{Action: stores.ActionAuthenticate, Outcome: stores.OutcomeSuccess})
		s.log.Info("console authenticated")
		return reply{code: CodeSuccess, full: true}
	}

	s.failedAuth++
	s.cfg.Telemetry.Metrics.RecordAuthAttempt(stores.OutcomeFailure)
	s.audit(ctx, &stores.AuditEntry{Action: stores.ActionAuthenticate, Outcome: stores.OutcomeFailure})
	s.log.WithField("attempt", s.failedAuth).Warn("authentication failed")
	return reply{code: CodeAuthFailed, done: s.failedAuth >= maxFailedAuth}
}

func (s *Session) unauthenticate(ctx context.Context, _ *xmldoc.Element) reply {
	if s.authenticated {
		if err := s.cfg.Trust.Unpin(s.cert); err != nil {
			s.log.WithError(err).Error("failed to unpin client certificate")
		}
		s.audit(ctx, &stores.AuditEntry{Action: stores.ActionUnauthenticate, Outcome: stores.OutcomeSuccess})
	}
	s.authenticated = false
	s.updateAuthState()
	return reply{code: CodeSuccess}
}

func (s *Session) listModules(ctx context.Context, _ *xmldoc.Element) reply {
	names, err := s.cfg.Bus.Modules(ctx)
	if err != nil {
		s.log.WithError(err).Error("failed to list modules")
		return reply{code: CodeInternalError}
	}
	r := reply{code: CodeSuccess}
	for _, n := range names {
		r.children = append(r.children, xmldoc.New(TagModule, "name", n))
	}
	return r
}

func (s *Session) processBatch(ctx context.Context, req *xmldoc.Element) reply {
	batchReq := req.Child(queue.TagBatch)
	if batchReq == nil {
		return reply{code: CodeMissingBatch}
	}
	async := req.Attr("async") == "true"

	b, err := s.cfg.Queue.Create(ctx, batchReq)
	if err != nil {
		s.log.WithError(err).Error("failed to create batch")
		return reply{code: CodeInternalError}
	}
	mode := "sync"
	if async {
		mode = "async"
	}
	s.cfg.Telemetry.Metrics.RecordBatchSubmitted(mode)
	id := int64(b.ID)
	s.audit(ctx, &stores.AuditEntry{Action: stores.ActionBatchSubmitted, Outcome: stores.OutcomeSuccess, BatchID: &id})
	log := s.log.WithBatchID(b.ID)
	log.WithField("mode", mode).Info("batch submitted")

	if async {
		return reply{code: CodeSuccess, children: []*xmldoc.Element{b.Doc}}
	}

	timer := telemetry.NewTimer()
	report, err := s.waitBatch(ctx, b.ID)
	s.cfg.Telemetry.Metrics.RecordBatchWait(timer.Duration())
	if err != nil {
		log.WithError(err).Error("waiting for batch failed")
		return reply{code: CodeInternalError}
	}
	return reply{code: CodeSuccess, children: []*xmldoc.Element{report.Doc}}
}

// waitBatch re-reads the batch every poll interval until it is terminal or
// its worker has failed.
func (s *Session) waitBatch(ctx context.Context, id uint32) (*queue.Batch, error) {
	ticker := time.NewTicker(s.cfg.Timeouts.BatchPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
		b, err := s.cfg.Queue.Report(ctx, id)
		if err != nil {
			return nil, err
		}
		if b.Status().Terminal() {
			return b, nil
		}
	}
}

func (s *Session) batchReport(ctx context.Context, req *xmldoc.Element) reply {
	id, err := queue.ParseID(req.Attr(queue.AttrID))
	if err != nil {
		return reply{code: CodeInvalidBatchID}
	}
	b, err := s.cfg.Queue.Report(ctx, id)
	switch {
	case errors.Is(err, queue.ErrWorkerFailed):
		s.log.WithBatchID(id).WithError(err).Error("batch abandoned by its worker")
		return reply{code: CodeInternalError}
	case errors.Is(err, queue.ErrNotFound):
		return reply{code: CodeInvalidBatchID}
	case err != nil:
		s.log.WithBatchID(id).WithError(err).Warn("failed to read batch")
		return reply{code: CodeInvalidBatchID}
	}
	return reply{code: CodeSuccess, children: []*xmldoc.Element{b.Doc}}
}

func (s *Session) forceReboot(ctx context.Context, req *xmldoc.Element) reply {
	s.log.WithField("function", req.Attr("function")).Warn("rebooting on console request")
	s.audit(ctx, &stores.AuditEntry{Action: stores.ActionReboot, Outcome: stores.OutcomeSuccess})
	if err := s.cfg.Rebooter.Reboot(ctx); err != nil {
		s.log.WithError(err).Error("reboot failed")
		return reply{code: CodeInternalError}
	}
	return reply{code: CodeSuccess}
}
