package notify

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultPushoverURL is the Pushover messages endpoint.
const DefaultPushoverURL = "https://api.pushover.net/1/messages.json"

// Pushover sends notifications through the Pushover API.
type Pushover struct {
	Token  string
	User   string
	APIURL string
	HTTP   *http.Client
}

// NewPushover returns a client for the given application token and user
// key.
func NewPushover(token, user string) *Pushover {
	return &Pushover{
		Token:  token,
		User:   user,
		APIURL: DefaultPushoverURL,
		HTTP:   &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *Pushover) Notify(ctx context.Context, title, message string) error {
	params := url.Values{}
	params.Set("token", c.Token)
	params.Set("user", c.User)
	params.Set("title", title)
	params.Set("message", message)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.APIURL, strings.NewReader(params.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("pushover api error: status %s, body %s", resp.Status, string(body))
	}
	return nil
}
