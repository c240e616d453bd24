package cms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/JakeFAU/stateofplay-edge/internal/edge"
)

// ErrInvalidEmail is returned for addresses that cannot be used in a filter.
var ErrInvalidEmail = errors.New("invalid email for member lookup")

type membersEnvelope struct {
	Members []ghostMember `json:"members"`
}

type ghostMember struct {
	Email         string              `json:"email"`
	Name          string              `json:"name"`
	Status        string              `json:"status"`
	Subscriptions []ghostSubscription `json:"subscriptions"`
}

type ghostSubscription struct {
	Status           string     `json:"status"`
	StartDate        *time.Time `json:"start_date"`
	CurrentPeriodEnd *time.Time `json:"current_period_end"`
}

// VerifyMember looks a member up by email through the Admin API. A member
// that does not exist is a normal result, not an error.
func (c *Client) VerifyMember(ctx context.Context, email string) (edge.Verification, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || strings.ContainsAny(email, "'\",[]") {
		return edge.Verification{}, ErrInvalidEmail
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, "ghost-admin"); err != nil {
			return edge.Verification{}, fmt.Errorf("throttle member lookup: %w", err)
		}
	}

	token, err := AdminToken(c.cfg.AdminKey, c.clock.Now())
	if err != nil {
		return edge.Verification{}, err
	}

	query := url.Values{}
	query.Set("filter", "email:'"+email+"'")
	query.Set("limit", "1")
	query.Set("include", "subscriptions")
	headers := http.Header{}
	headers.Set("Authorization", "Ghost "+token)

	resp, err := c.get(ctx, c.endpoint("/ghost/api/admin/members/", query), headers)
	if err != nil {
		return edge.Verification{}, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return edge.Verification{}, &StatusError{Endpoint: "admin/members", StatusCode: resp.StatusCode}
	}

	var env membersEnvelope
	if err := json.Unmarshal(resp.Body, &env); err != nil {
		return edge.Verification{}, fmt.Errorf("decode members: %w", err)
	}
	for _, m := range env.Members {
		if strings.EqualFold(m.Email, email) {
			return edge.Verification{Exists: true, Record: toRecord(m)}, nil
		}
	}
	return edge.Verification{Exists: false, Record: edge.Anonymous()}, nil
}

func toRecord(m ghostMember) edge.MembershipRecord {
	record := edge.MembershipRecord{
		Email:  strings.ToLower(m.Email),
		Name:   m.Name,
		Status: edge.ParseMembershipStatus(m.Status),
	}
	if record.Status == edge.StatusNone {
		record.Status = edge.StatusFree
	}
	if sub := pickSubscription(m.Subscriptions); sub != nil {
		if sub.StartDate != nil {
			start := sub.StartDate.UTC()
			record.SubscriptionStart = &start
		}
		if sub.CurrentPeriodEnd != nil {
			end := sub.CurrentPeriodEnd.UTC()
			record.SubscriptionEnd = &end
		}
	}
	return record
}

// pickSubscription prefers a live subscription and otherwise falls back to
// the most recent one Ghost lists first.
func pickSubscription(subs []ghostSubscription) *ghostSubscription {
	for i := range subs {
		if subs[i].Status == "active" || subs[i].Status == "trialing" {
			return &subs[i]
		}
	}
	if len(subs) > 0 {
		return &subs[0]
	}
	return nil
}
