package models

type Status string

const (
	StatusPending          Status = "pending"
	StatusSearching        Status = "searching"
	StatusScheduled        Status = "scheduled"
	StatusProviderAssigned Status = "provider_assigned"
	StatusNoProviders      Status = "no_providers"
	StatusExpired          Status = "expired"
	StatusEnRoute          Status = "en_route"
	StatusArrived          Status = "arrived"
	StatusInProgress       Status = "in_progress"
	StatusCompleted        Status = "completed"
	StatusCancelled        Status = "cancelled"
)

// transitions lists the allowed successor states of each state.
var transitions = map[Status][]Status{
	StatusPending:          {StatusSearching, StatusScheduled, StatusNoProviders, StatusCancelled},
	StatusSearching:        {StatusProviderAssigned, StatusNoProviders, StatusExpired, StatusCancelled},
	StatusScheduled:        {StatusCancelled},
	StatusProviderAssigned: {StatusEnRoute, StatusCancelled},
	StatusEnRoute:          {StatusArrived, StatusCancelled},
	StatusArrived:          {StatusInProgress, StatusCancelled},
	StatusInProgress:       {StatusCompleted},
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSearching, StatusScheduled, StatusProviderAssigned,
		StatusNoProviders, StatusExpired, StatusEnRoute, StatusArrived,
		StatusInProgress, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return len(transitions[s]) == 0
}

// CanTransition reports whether from -> to is an edge of the lifecycle.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Predecessors returns every state that may move to s. Stores use it to guard
// updates with a single conditional write.
func Predecessors(s Status) []Status {
	var out []Status
	for _, from := range orderedStatuses {
		if CanTransition(from, s) {
			out = append(out, from)
		}
	}
	return out
}

var orderedStatuses = []Status{
	StatusPending, StatusSearching, StatusScheduled, StatusProviderAssigned,
	StatusNoProviders, StatusExpired, StatusEnRoute, StatusArrived,
	StatusInProgress, StatusCompleted, StatusCancelled,
}

// IsActiveService reports whether a provider is bound to the job.
func (s Status) IsActiveService() bool {
	switch s {
	case StatusProviderAssigned, StatusEnRoute, StatusArrived, StatusInProgress:
		return true
	}
	return false
}
