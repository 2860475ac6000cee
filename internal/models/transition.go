package models

// Action is one of the closed set of workflow operations on an opportunity
type Action string

const (
	ActionRecommend     Action = "recommend"
	ActionApprove       Action = "approve"
	ActionReject        Action = "reject"
	ActionMarkExecuting Action = "mark_executing"
	ActionMarkExecuted  Action = "mark_executed"
	ActionExpire        Action = "expire"
	ActionFlagRisk      Action = "flag_wash_sale_risk"
)

type transitionRule struct {
	from []OpportunityStatus
	to   OpportunityStatus
}

// transitions is the complete state machine. Anything not listed is
// rejected; terminal statuses appear in no from-list.
var transitions = map[Action]transitionRule{
	ActionRecommend: {
		from: []OpportunityStatus{StatusIdentified},
		to:   StatusRecommended,
	},
	ActionApprove: {
		from: []OpportunityStatus{StatusIdentified, StatusRecommended},
		to:   StatusApproved,
	},
	ActionReject: {
		from: []OpportunityStatus{StatusIdentified, StatusRecommended, StatusApproved, StatusExecuting, StatusWashSaleRisk},
		to:   StatusRejected,
	},
	ActionMarkExecuting: {
		from: []OpportunityStatus{StatusApproved},
		to:   StatusExecuting,
	},
	ActionMarkExecuted: {
		from: []OpportunityStatus{StatusExecuting},
		to:   StatusExecuted,
	},
	ActionExpire: {
		from: []OpportunityStatus{StatusIdentified, StatusRecommended, StatusWashSaleRisk},
		to:   StatusExpired,
	},
	ActionFlagRisk: {
		from: []OpportunityStatus{StatusIdentified, StatusRecommended, StatusApproved},
		to:   StatusWashSaleRisk,
	},
}

// Target returns the status the action moves to
func (a Action) Target() OpportunityStatus {
	return transitions[a].to
}

// Allows reports whether the action may start from status s
func (a Action) Allows(s OpportunityStatus) bool {
	rule, ok := transitions[a]
	if !ok {
		return false
	}
	for _, from := range rule.from {
		if from == s {
			return true
		}
	}
	return false
}
