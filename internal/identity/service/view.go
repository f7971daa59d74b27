package service

import (
	"reconciler/internal/identity/models"
	pstrings "reconciler/pkg/platform/strings"
)

// groupAggregate folds a group's contacts into ordered distinct sets. It is
// built per call and never shared.
type groupAggregate struct {
	primaryID    int64
	emails       *pstrings.OrderedSet
	phones       *pstrings.OrderedSet
	secondaryIDs []int64
}

// aggregate folds group, putting the primary's values first and keeping the
// rest in group order.
func aggregate(primaryID int64, group []*models.Contact) *groupAggregate {
	agg := &groupAggregate{
		primaryID:    primaryID,
		emails:       pstrings.NewOrderedSet(),
		phones:       pstrings.NewOrderedSet(),
		secondaryIDs: make([]int64, 0, len(group)),
	}
	for _, c := range group {
		if c.ID == primaryID {
			agg.emails.Add(c.EmailValue())
			agg.phones.Add(c.PhoneValue())
		}
	}
	for _, c := range group {
		if c.ID != primaryID {
			agg.add(c)
		}
	}
	return agg
}

func (a *groupAggregate) add(c *models.Contact) {
	a.emails.Add(c.EmailValue())
	a.phones.Add(c.PhoneValue())
	if c.ID != a.primaryID {
		a.secondaryIDs = append(a.secondaryIDs, c.ID)
	}
}

// needsSecondary reports whether a request carrying both fields adds a fact
// the group does not have yet.
func needsSecondary(agg *groupAggregate, email, phone *string) bool {
	if email == nil || phone == nil {
		return false
	}
	return !agg.emails.Contains(*email) || !agg.phones.Contains(*phone)
}

// view renders the consolidated identity with the requested values first.
func (a *groupAggregate) view(email, phone *string) *models.ConsolidatedIdentity {
	ids := make([]int64, len(a.secondaryIDs))
	copy(ids, a.secondaryIDs)
	return &models.ConsolidatedIdentity{
		PrimaryContactID:    a.primaryID,
		Emails:              leadWith(email, a.emails),
		PhoneNumbers:        leadWith(phone, a.phones),
		SecondaryContactIDs: ids,
	}
}

func leadWith(first *string, set *pstrings.OrderedSet) []string {
	if first == nil || !set.Contains(*first) {
		return set.Values()
	}
	return pstrings.LeadWith(*first, set.Values())
}
