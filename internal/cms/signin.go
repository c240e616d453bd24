package cms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	collyfetcher "github.com/JakeFAU/stateofplay-edge/internal/fetcher/colly"
	"github.com/JakeFAU/stateofplay-edge/internal/edge"
)

// SendSignInLink asks Ghost to email a sign-in magic link to the address.
// Only the owner of the mailbox can redeem it.
func (c *Client) SendSignInLink(ctx context.Context, email string) error {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return ErrInvalidEmail
	}
	body, err := json.Marshal(map[string]string{"email": email, "emailType": "signin"})
	if err != nil {
		return fmt.Errorf("encode magic link request: %w", err)
	}
	headers := http.Header{}
	headers.Set("Content-Type", "application/json")
	resp, err := c.do(ctx, collyfetcher.Request{
		Method:  http.MethodPost,
		URL:     c.endpoint("/members/api/send-magic-link/", nil),
		Headers: headers,
		Body:    body,
	})
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Endpoint: "members/send-magic-link", StatusCode: resp.StatusCode}
	}
	return nil
}

// CurrentMember resolves the Ghost member signed in with the given Cookie
// header, which Ghost sets once a magic link is redeemed. It returns
// edge.ErrNoMemberSession when nobody is signed in.
func (c *Client) CurrentMember(ctx context.Context, cookie string) (edge.MembershipRecord, error) {
	if strings.TrimSpace(cookie) == "" {
		return edge.Anonymous(), edge.ErrNoMemberSession
	}
	headers := http.Header{}
	headers.Set("Cookie", cookie)
	resp, err := c.get(ctx, c.endpoint("/members/api/member/", nil), headers)
	if err != nil {
		return edge.Anonymous(), err
	}
	switch {
	case resp.StatusCode == http.StatusNoContent,
		resp.StatusCode == http.StatusUnauthorized,
		resp.StatusCode == http.StatusForbidden:
		return edge.Anonymous(), edge.ErrNoMemberSession
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return edge.Anonymous(), &StatusError{Endpoint: "members/member", StatusCode: resp.StatusCode}
	}

	if len(bytes.TrimSpace(resp.Body)) == 0 {
		return edge.Anonymous(), edge.ErrNoMemberSession
	}
	var m *ghostMember
	if err := json.Unmarshal(resp.Body, &m); err != nil {
		return edge.Anonymous(), fmt.Errorf("decode member: %w", err)
	}
	if m == nil || strings.TrimSpace(m.Email) == "" {
		return edge.Anonymous(), edge.ErrNoMemberSession
	}
	return toRecord(*m), nil
}
