package coordinator

import "github.com/cuemby/sentinel/pkg/types"

// Merge combines a pending request with a newly submitted one. The result
// always carries the higher of the two priorities.
func Merge(pending, incoming types.Request) types.Request {
	if pending.Kind == types.KindEnterDeviceIdle || incoming.Kind == types.KindEnterDeviceIdle {
		return pickHigher(pending, incoming)
	}
	if merged, ok := mergeBumpAndRecover(pending, incoming); ok {
		return merged
	}
	if pending.IsResetStyle() && incoming.IsResetStyle() {
		return mergeResets(pending, incoming)
	}
	return pickHigher(pending, incoming)
}

// mergeBumpAndRecover keeps a network bump together with a recovery when
// both sides hold only bumps and recovers and at least one of each is
// present. Of several recovers the highest-priority one is kept.
func mergeBumpAndRecover(pending, incoming types.Request) (types.Request, bool) {
	var bump, rec *types.Request
	for _, r := range append(pending.Leaves(), incoming.Leaves()...) {
		switch r.Kind {
		case types.KindNetworkBump:
			if bump == nil {
				bump = &r
			}
		case types.KindRecover:
			if rec == nil || r.Priority() > rec.Priority() {
				rec = &r
			}
		default:
			return types.Request{}, false
		}
	}
	if bump == nil || rec == nil {
		return types.Request{}, false
	}

	merged := types.NewComposite([]types.Request{*bump, *rec},
		types.MergeReason(pending.Reason, incoming.Reason))
	merged.ID = pending.ID
	return merged, true
}

// pickHigher keeps the higher-priority request and appends the other's
// reason. Ties keep the pending request.
func pickHigher(pending, incoming types.Request) types.Request {
	chosen, other := pending, incoming
	if incoming.Priority() > pending.Priority() {
		chosen, other = incoming, pending
	}
	return chosen.WithReason(types.MergeReason(chosen.Reason, other.Reason))
}

// mergeResets keeps at most one connection reset and one core reset, each
// the highest-priority instance seen
func mergeResets(pending, incoming types.Request) types.Request {
	var conn, core *types.Request

	keep := func(slot **types.Request, r types.Request) {
		switch {
		case *slot == nil:
			*slot = &r
		case r.Priority() > (*slot).Priority():
			r.SkipDebounce = r.SkipDebounce || (*slot).SkipDebounce
			*slot = &r
		default:
			(*slot).SkipDebounce = (*slot).SkipDebounce || r.SkipDebounce
		}
	}

	for _, r := range append(pending.Leaves(), incoming.Leaves()...) {
		switch r.Kind {
		case types.KindResetConnections:
			keep(&conn, r)
		case types.KindResetCoreNetwork:
			keep(&core, r)
		}
	}

	reason := types.MergeReason(pending.Reason, incoming.Reason)

	switch {
	case conn != nil && core != nil:
		merged := types.NewComposite([]types.Request{*core, *conn}, reason)
		merged.ID = pending.ID
		return merged
	case core != nil:
		return core.WithReason(reason)
	default:
		return conn.WithReason(reason)
	}
}
