package aggregate

// Evaluate reports whether snapshot qualifies for spec. The membership
// override wins over the filter predicate; a spec with neither counts every
// child. A nil snapshot never qualifies.
func Evaluate(spec *Spec, snapshot Snapshot) bool {
	if snapshot == nil {
		return false
	}
	if spec.Membership != nil {
		return spec.Membership(snapshot)
	}
	if spec.Filter == nil {
		return true
	}
	return spec.Filter.Match(snapshot)
}
