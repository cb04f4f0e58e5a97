package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/RomanDovgii/testing-lms/internal/models"
)

// ErrUnknownLogin is returned when the account does not exist
var ErrUnknownLogin = errors.New("unknown github login")

// Client wraps the GitHub API client with rate limiting
type Client struct {
	client      *github.Client
	rateLimiter *rate.Limiter
}

// NewClient creates a GitHub client limited to rateLimit requests per second.
// Without a token requests are anonymous, which GitHub caps at 60 per hour.
func NewClient(ctx context.Context, token string, rateLimit int) *Client {
	var httpClient *http.Client
	if token != "" {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
		httpClient = oauth2.NewClient(ctx, ts)
	}

	limit := rate.Limit(rateLimit)
	if rateLimit <= 0 {
		limit = rate.Every(time.Second)
	}

	return &Client{
		client:      github.NewClient(httpClient),
		rateLimiter: rate.NewLimiter(limit, 1),
	}
}

// FetchProfile looks up a contributor's public profile by login
func (c *Client) FetchProfile(ctx context.Context, login string) (*models.Contributor, error) {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	user, resp, err := c.client.Users.Get(ctx, login)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %s", ErrUnknownLogin, login)
		}
		return nil, fmt.Errorf("fetch user %s: %w", login, err)
	}

	return &models.Contributor{
		Login:      user.GetLogin(),
		Name:       user.GetName(),
		ProfileURL: user.GetHTMLURL(),
		FetchedAt:  time.Now().UTC(),
	}, nil
}
