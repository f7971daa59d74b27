package models

// ConsolidatedIdentity is the aggregated view of one identity.
type ConsolidatedIdentity struct {
	PrimaryContactID    int64    `json:"primaryContactId"`
	Emails              []string `json:"emails"`
	PhoneNumbers        []string `json:"phoneNumbers"`
	SecondaryContactIDs []int64  `json:"secondaryContactIds"`
}

// Outcome describes what a resolution wrote.
type Outcome string

const (
	// OutcomeMatched means the request added nothing new.
	OutcomeMatched Outcome = "matched"
	// OutcomeCreated means a brand-new primary was inserted.
	OutcomeCreated Outcome = "created"
	// OutcomeLinked means a new secondary was inserted.
	OutcomeLinked Outcome = "linked"
	// OutcomeMerged means two or more primaries were merged.
	OutcomeMerged Outcome = "merged"
)

// Resolution is the result of one Resolve call.
type Resolution struct {
	Identity *ConsolidatedIdentity
	Outcome  Outcome
	// Created is the contact inserted by this call, if any.
	Created *Contact
	// Demoted holds the ids of primaries demoted by a merge.
	Demoted []int64
}

// Wrote reports whether the resolution changed stored state.
func (r *Resolution) Wrote() bool {
	return r.Created != nil || len(r.Demoted) > 0
}
