package devices

// allowedTransitions is the complete workflow graph. Statuses absent from a
// successor list, including the status itself, are unreachable from it.
var allowedTransitions = map[Status][]Status{
	StatusDraft:                 {StatusReview, StatusCancelled},
	StatusReview:                {StatusDraft, StatusReadyForManufacturing, StatusCancelled},
	StatusReadyForManufacturing: {StatusSubmitted, StatusReview, StatusCancelled},
	StatusSubmitted:             {StatusInProduction, StatusCancelled},
	StatusInProduction:          {StatusCompleted, StatusCancelled},
	StatusCompleted:             {},
	StatusCancelled:             {},
}

// IsAllowed reports whether the workflow graph has an edge from → to.
func IsAllowed(from, to Status) bool {
	for _, candidate := range allowedTransitions[from] {
		if candidate == to {
			return true
		}
	}
	return false
}

// AllowedTargets returns the successors of a status in table order.
func AllowedTargets(from Status) []Status {
	return append([]Status(nil), allowedTransitions[from]...)
}
