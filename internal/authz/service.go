package authz

import (
	"fmt"
	"strings"

	"github.com/odyssey-erp/backoffice/internal/shared"
)

// Require returns shared.ErrForbidden unless the principal holds one of the capabilities.
func Require(p Principal, caps ...Capability) error {
	if len(caps) == 0 {
		return nil
	}
	for _, c := range caps {
		if p.Can(c) {
			return nil
		}
	}
	names := make([]string, 0, len(caps))
	for _, c := range caps {
		names = append(names, c.Name)
	}
	return fmt.Errorf("%w: requires %s", shared.ErrForbidden, strings.Join(names, " or "))
}

// CanViewDocument applies the document visibility rule shared by proposals and invoices:
// the owning customer, an explicitly granted viewer, or any staff member.
func CanViewDocument(p Principal, customerUserID *int64, allowedViewers []int64) bool {
	if p.IsAnonymous() {
		return false
	}
	if p.Can(Staff) {
		return true
	}
	if customerUserID != nil && *customerUserID == p.UserID {
		return true
	}
	for _, id := range allowedViewers {
		if id == p.UserID {
			return true
		}
	}
	return false
}
