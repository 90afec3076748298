package identity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestContextProvider(t *testing.T) {
	ctx := context.Background()
	if _, ok := (Context{}).Current(ctx); ok {
		t.Error("empty context reported a user")
	}
	userID, ok := Context{}.Current(WithUser(ctx, "alice"))
	if !ok || userID != "alice" {
		t.Errorf("Current() = %q, %v", userID, ok)
	}
	if _, ok := FromContext(WithUser(ctx, "")); ok {
		t.Error("empty user id reported as present")
	}
}

func TestStaticAndChain(t *testing.T) {
	ctx := context.Background()
	if _, ok := Static("").Current(ctx); ok {
		t.Error("empty Static reported a user")
	}
	p := Chain{Context{}, Static("device-owner")}
	if got, _ := p.Current(ctx); got != "device-owner" {
		t.Errorf("fallback = %q", got)
	}
	if got, _ := p.Current(WithUser(ctx, "bob")); got != "bob" {
		t.Errorf("context user = %q", got)
	}
}

func TestTokensRoundTrip(t *testing.T) {
	req := require.New(t)
	tokens, err := NewTokens([]byte("secret"), time.Hour)
	req.NoError(err)

	tok, err := tokens.Issue("alice")
	req.NoError(err)
	userID, err := tokens.Verify(tok)
	req.NoError(err)
	req.Equal("alice", userID)
}

func TestTokensReject(t *testing.T) {
	req := require.New(t)
	tokens, err := NewTokens([]byte("secret"), time.Minute)
	req.NoError(err)
	other, err := NewTokens([]byte("other"), time.Minute)
	req.NoError(err)

	forged, err := other.Issue("alice")
	req.NoError(err)
	_, err = tokens.Verify(forged)
	req.True(errors.Is(err, ErrInvalidToken))

	tok, err := tokens.Issue("alice")
	req.NoError(err)
	tokens.now = func() time.Time { return time.Now().Add(time.Hour) }
	_, err = tokens.Verify(tok)
	req.True(errors.Is(err, ErrInvalidToken), "expired token accepted")

	_, err = tokens.Verify("not-a-token")
	req.Error(err)

	_, err = NewTokens(nil, time.Minute)
	req.Error(err)
}
