package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/goccy/go-json"
)

// APIRequest describes a backend call requested by a cloud user. The field
// names follow the request objects the cloud sends.
type APIRequest struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Params  map[string]any    `json:"params,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Data    json.RawMessage   `json:"data,omitempty"`
}

// internalServerError is the error body sent back when the backend gave no
// usable response.
var internalServerError = json.RawMessage(`{"message":"Internal Server Error","status":500}`)

// Forward performs req against the API root and returns the response body as
// JSON. A non-JSON body is returned as a JSON string; an empty body as null.
func (c *Client) Forward(ctx context.Context, req APIRequest) (json.RawMessage, error) {
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}

	target, err := c.resolve(req.URL, req.Params)
	if err != nil {
		return nil, err
	}

	var body []byte
	if len(req.Data) > 0 && string(req.Data) != "null" {
		body = req.Data
	}

	header := make(http.Header, len(req.Headers))
	for k, v := range req.Headers {
		header.Set(k, v)
	}

	data, err := c.do(ctx, c.forward, method, target, body, header)
	if err != nil {
		return nil, err
	}
	return asJSON(data)
}

// ErrorBody returns the payload to report for a failed forward: the
// backend's response body if it is JSON, otherwise a generic 500.
func ErrorBody(err error) json.RawMessage {
	var respErr *ResponseError
	if errors.As(err, &respErr) && len(respErr.Body) > 0 && json.Valid(respErr.Body) {
		return json.RawMessage(respErr.Body)
	}
	return internalServerError
}

func (c *Client) resolve(path string, params map[string]any) (string, error) {
	u, err := url.Parse(c.baseURL + "/" + strings.TrimLeft(path, "/"))
	if err != nil {
		return "", fmt.Errorf("%w: invalid url %q: %w", ErrRequestFailed, path, err)
	}
	if len(params) > 0 {
		q := u.Query()
		for k, v := range params {
			q.Set(k, fmt.Sprint(v))
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func asJSON(data []byte) (json.RawMessage, error) {
	if len(data) == 0 {
		return json.RawMessage("null"), nil
	}
	if json.Valid(data) {
		return json.RawMessage(data), nil
	}
	text, err := json.Marshal(string(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidResponse, err)
	}
	return text, nil
}
