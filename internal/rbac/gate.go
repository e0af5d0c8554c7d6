package rbac

// Decision is the outcome of gating protected content.
type Decision int

const (
	// GateLoading means the permission set is not settled; render neither content nor denial.
	GateLoading Decision = iota
	// GateDenied means the denial view should be rendered.
	GateDenied
	// GateAllowed means the protected content may be rendered.
	GateAllowed
)

func (d Decision) String() string {
	switch d {
	case GateLoading:
		return "loading"
	case GateAllowed:
		return "allowed"
	default:
		return "denied"
	}
}

// Gate decides whether content requiring all of required may be shown.
// It never allows while the state is loading, and denies on fetch errors.
func Gate(s State, required ...Permission) Decision {
	if s.Loading {
		return GateLoading
	}
	if s.Err != nil || !s.HasIdentity {
		return GateDenied
	}
	if s.evaluator.HasAll(required...) {
		return GateAllowed
	}
	return GateDenied
}
