package publisher

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/pkg/errors"
)

// HTTPClient talks to a JSON publishing API:
//
//	POST {base}/publications                      publish (Idempotency-Key: token)
//	POST {base}/publications/{id}/comments        secondary action
//	GET  {base}/publications?idempotency_key=...  lookup
type HTTPClient struct {
	base   string
	apiKey string
	hc     *http.Client
}

func NewHTTPClient(base, apiKey string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &HTTPClient{base: base, apiKey: apiKey, hc: &http.Client{Timeout: timeout}}
}

type publishBody struct {
	Content   string   `json:"content"`
	Media     []string `json:"media,omitempty"`
	Secondary *struct {
		Text string `json:"text"`
	} `json:"comment,omitempty"`
}

type publishResponse struct {
	ID      string `json:"id"`
	Comment *struct {
		ID    string `json:"id"`
		Error string `json:"error"`
		// Retryable is set by the remote side when the comment failed for a
		// transient reason.
		Retryable bool `json:"retryable"`
	} `json:"comment"`
}

func (c *HTTPClient) Publish(ctx context.Context, req Request) (Result, error) {
	body := publishBody{Content: req.Content, Media: req.Media}
	if req.Secondary != nil {
		body.Secondary = &struct {
			Text string `json:"text"`
		}{Text: req.Secondary.Text}
	}
	var resp publishResponse
	if err := c.do(ctx, http.MethodPost, "/publications", req.Token, body, &resp); err != nil {
		return Result{}, err
	}
	res := Result{ExternalID: resp.ID}
	if req.Secondary != nil {
		sr := &SecondaryResult{Success: true}
		switch {
		case resp.Comment == nil:
			sr = &SecondaryResult{Err: &Error{Kind: Transient, Message: "comment result missing"}}
		case resp.Comment.Error != "":
			kind := Permanent
			if resp.Comment.Retryable {
				kind = Transient
			}
			sr = &SecondaryResult{Err: &Error{Kind: kind, Message: resp.Comment.Error}}
		default:
			sr.ID = resp.Comment.ID
		}
		res.Secondary = sr
	}
	return res, nil
}

func (c *HTTPClient) PostSecondary(ctx context.Context, externalID, token string, req SecondaryRequest) (SecondaryResult, error) {
	var resp struct {
		ID string `json:"id"`
	}
	path := "/publications/" + url.PathEscape(externalID) + "/comments"
	if err := c.do(ctx, http.MethodPost, path, token+":secondary", map[string]string{"text": req.Text}, &resp); err != nil {
		return SecondaryResult{Err: err}, err
	}
	return SecondaryResult{Success: true, ID: resp.ID}, nil
}

func (c *HTTPClient) Lookup(ctx context.Context, token string) (string, bool, error) {
	var resp struct {
		Items []struct {
			ID string `json:"id"`
		} `json:"items"`
	}
	path := "/publications?idempotency_key=" + url.QueryEscape(token)
	if err := c.do(ctx, http.MethodGet, path, "", nil, &resp); err != nil {
		return "", false, err
	}
	if len(resp.Items) == 0 {
		return "", false, nil
	}
	return resp.Items[0].ID, true, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path, idemKey string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return errors.Wrap(err, "encode request")
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idemKey != "" {
		req.Header.Set("Idempotency-Key", idemKey)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, path)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &Error{Kind: ClassifyStatus(resp.StatusCode), Status: resp.StatusCode, Message: string(bytes.TrimSpace(msg))}
	}
	if out == nil {
		return nil
	}
	return errors.Wrap(json.NewDecoder(resp.Body).Decode(out), "decode response")
}
