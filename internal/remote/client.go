// Package remote talks to the planning portal's AJAX proxy.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"esfcal/internal/config"
	"esfcal/internal/esfdate"
	appLog "esfcal/internal/log"
	"esfcal/internal/model"
)

// maxBodyBytes caps how much of a response is read.
const maxBodyBytes = 8 << 20

// Error is a classified fetch failure. Kind is one of model.ErrTransport,
// model.ErrAPI or model.ErrMalformedResponse.
type Error struct {
	Kind   model.ErrorKind
	Status int
	Err    error
}

func (e *Error) Error() string {
	switch e.Kind {
	case model.ErrAPI:
		return fmt.Sprintf("portal returned HTTP %d", e.Status)
	case model.ErrMalformedResponse:
		return fmt.Sprintf("malformed portal response: %v", e.Err)
	default:
		return fmt.Sprintf("portal request failed: %v", e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Client fetches a monitor's schedule from the portal.
type Client struct {
	cfg  config.PortalConfig
	http *http.Client
}

// NewClient creates a portal client. When hc is nil a client bounded by
// cfg.TimeoutSeconds is used.
func NewClient(cfg config.PortalConfig, hc *http.Client) *Client {
	if hc == nil {
		timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	return &Client{cfg: cfg, http: hc}
}

// URL is the full request URL, including the contract/method query the
// proxy routes on.
func (c *Client) URL() string {
	return c.cfg.BaseURL + c.cfg.Endpoint + "?" + c.cfg.ServiceContract + "&" + c.cfg.ServiceMethod
}

// FetchSchedule requests every entry for identity between windowStart and
// windowEnd. sessionToken is sent verbatim as the Cookie header.
func (c *Client) FetchSchedule(ctx context.Context, identity, sessionToken string, windowStart, windowEnd time.Time) (*Response, error) {
	body, err := json.Marshal(c.newRequest(identity, windowStart, windowEnd))
	if err != nil {
		return nil, &Error{Kind: model.ErrTransport, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL(), bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Kind: model.ErrTransport, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if sessionToken != "" {
		req.Header.Set("Cookie", sessionToken)
	}

	appLog.Debug("portal fetch start", "host", redactURL(c.cfg.BaseURL), "identity", identity,
		"from", windowStart.Format(time.RFC3339), "to", windowEnd.Format(time.RFC3339))

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &Error{Kind: model.ErrTransport, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Drain a little so the connection can be reused.
		_, _ = io.CopyN(io.Discard, resp.Body, 4096)
		return nil, &Error{Kind: model.ErrAPI, Status: resp.StatusCode, Err: errors.New(resp.Status)}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes+1))
	if err != nil {
		return nil, &Error{Kind: model.ErrTransport, Status: resp.StatusCode, Err: err}
	}
	if len(data) > maxBodyBytes {
		return nil, &Error{Kind: model.ErrMalformedResponse, Status: resp.StatusCode,
			Err: fmt.Errorf("body exceeds %d bytes", maxBodyBytes)}
	}

	var out Response
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, &Error{Kind: model.ErrMalformedResponse, Status: resp.StatusCode, Err: err}
	}
	for i, item := range out.Items {
		if item.ID == 0 {
			return nil, &Error{Kind: model.ErrMalformedResponse, Status: resp.StatusCode,
				Err: fmt.Errorf("item %d has no id", i)}
		}
	}

	appLog.Info("portal fetch success", "items", len(out.Items), "total", out.Total, "status", resp.StatusCode)
	return &out, nil
}

func (c *Client) newRequest(identity string, from, to time.Time) request {
	p := c.cfg
	return request{
		ServiceContract: p.ServiceContract,
		ServiceMethod:   p.ServiceMethod,
		MethodParams: methodParams{
			TypeLibelle:         p.TypeLibelle,
			Language:            p.Language,
			IDGenCaisse:         p.IDGenCaisse,
			IDGenPosteTechnique: p.IDGenPosteTechnique,
			IDComLangue:         p.IDComLangue,
			IDComSaison:         p.IDComSaison,
			NoEcole:             p.NoEcole,
			CodeUC:              p.CodeUC,
			CodeApplication:     p.CodeApplication,
			IDTecMoniteurList:   []string{identity},
			DateHeureDebut:      esfdate.Instant(from),
			DateHeureFin:        esfdate.Instant(to),
		},
	}
}

// redactURL keeps only scheme and host for logging.
func redactURL(u string) string {
	i := strings.Index(u, "://")
	if i < 0 {
		return "(redacted)"
	}
	rest := u[i+3:]
	if j := strings.IndexByte(rest, '/'); j >= 0 {
		rest = rest[:j]
	}
	return u[:i+3] + rest
}
