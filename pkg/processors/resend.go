package processors

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"github.com/resend/resend-go/v2"
)

// ResendAudience implements Audience against the Resend contacts API.
//
// Resend upserts on create and 404s on removing an unknown contact, so
// both operations come out idempotent here: the 404 is swallowed.
type ResendAudience struct {
	client     *resend.Client
	audienceID string
}

func NewResendAudience(apiKey, audienceID string) *ResendAudience {
	return &ResendAudience{
		client:     resend.NewClient(apiKey),
		audienceID: audienceID,
	}
}

func (a *ResendAudience) AddContact(ctx context.Context, email string) error {
	_, err := a.client.Contacts.CreateWithContext(ctx, &resend.CreateContactRequest{
		Email:        email,
		AudienceId:   a.audienceID,
		Unsubscribed: false,
	})
	return errors.Wrap(err, "resend: add contact")
}

func (a *ResendAudience) RemoveContact(ctx context.Context, email string) error {
	_, err := a.client.Contacts.RemoveWithContext(ctx, a.audienceID, email)
	if err != nil && strings.Contains(err.Error(), "not_found") {
		// Removing an absent contact is a success no-op.
		return nil
	}
	return errors.Wrap(err, "resend: remove contact")
}
