package proposals

import (
	"context"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/backoffice/internal/authz"
	"github.com/odyssey-erp/backoffice/internal/shared"
)

var validate = validator.New()

// ParseEmails splits a comma, semicolon or whitespace separated list,
// lower-cases every address and drops duplicates keeping the first order.
func ParseEmails(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		switch r {
		case ',', ';', ' ', '\t', '\n', '\r':
			return true
		}
		return false
	})
	seen := make(map[string]struct{}, len(fields))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		email := strings.ToLower(strings.TrimSpace(f))
		if email == "" {
			continue
		}
		if _, ok := seen[email]; ok {
			continue
		}
		seen[email] = struct{}{}
		out = append(out, email)
	}
	return out
}

// UpsertRecipients adds recipients keyed by (proposal, email). The first
// recipient of a proposal becomes primary; existing rows keep their flag.
func (s *Service) UpsertRecipients(ctx context.Context, actor authz.Principal, id int64, raw string, inputs []RecipientInput) (UpsertResult, error) {
	if err := authz.Require(actor, authz.Staff); err != nil {
		return UpsertResult{}, err
	}
	names := map[string]string{}
	var emails []string
	for _, in := range inputs {
		email := strings.ToLower(strings.TrimSpace(in.Email))
		if email != "" {
			emails = append(emails, email)
			names[email] = strings.TrimSpace(in.Name)
		}
	}
	emails = ParseEmails(strings.Join(append(ParseEmails(raw), emails...), ","))
	for _, email := range emails {
		if err := validate.Var(email, "email"); err != nil {
			return UpsertResult{}, shared.NewValidationError(shared.KindInvalidField, "recipients", "invalid email address: "+email)
		}
	}
	if len(emails) == 0 {
		return UpsertResult{}, shared.NewValidationError(shared.KindInvalidField, "recipients", "no email addresses given")
	}

	var res UpsertResult
	err := s.repo.WithTx(ctx, func(ctx context.Context, repo Repository) error {
		if _, err := repo.GetForUpdate(ctx, id); err != nil {
			return err
		}
		existing, err := repo.ListRecipients(ctx, id)
		if err != nil {
			return err
		}
		hasAny := len(existing) > 0
		for _, email := range emails {
			created, err := repo.InsertRecipientIfAbsent(ctx, Recipient{
				ProposalID: id,
				Email:      email,
				Name:       names[email],
				IsPrimary:  !hasAny,
			})
			if err != nil {
				return err
			}
			if created {
				res.Created++
				hasAny = true
			} else {
				res.Existing++
			}
		}
		return nil
	})
	return res, err
}

// Send upserts the raw recipient list and then sends the proposal.
func (s *Service) Send(ctx context.Context, actor authz.Principal, id int64, req SendRequest) (*Proposal, UpsertResult, error) {
	var res UpsertResult
	if strings.TrimSpace(req.Recipients) != "" {
		var err error
		res, err = s.UpsertRecipients(ctx, actor, id, req.Recipients, nil)
		if err != nil {
			return nil, res, err
		}
	}
	p, err := s.MarkSent(ctx, actor, id, SendOptions{Subject: req.Subject, Message: req.Message})
	return p, res, err
}
