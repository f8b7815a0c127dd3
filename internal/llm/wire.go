package llm

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nugget/mandarin/internal/httpkit"
)

// scanSSE reads a server-sent event stream and calls fn with the payload
// of every data line. It stops at "[DONE]", at EOF or when fn errors.
func scanSSE(body io.Reader, fn func(data []byte) error) error {
	scanner := bufio.NewScanner(body)
	// Increase scanner buffer for large responses
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		data, ok := strings.CutPrefix(scanner.Text(), "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "" {
			continue
		}
		if data == "[DONE]" {
			return nil
		}
		if err := fn([]byte(data)); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read stream: %w", err)
	}
	return nil
}

// decodeBody reads a complete JSON response into out. Undecodable bodies
// become a *ProtocolError.
func decodeBody(provider string, body io.Reader, out any) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("%s: read response: %w", provider, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &ProtocolError{Provider: provider, Err: err}
	}
	return nil
}

// getJSON issues a GET and decodes the JSON response into out.
func getJSON(ctx context.Context, client *http.Client, provider, url string, headers map[string]string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &httpkit.StatusError{
			Service:    provider,
			StatusCode: resp.StatusCode,
			Body:       httpkit.ReadErrorBody(resp.Body, 4096),
		}
	}
	return decodeBody(provider, resp.Body, out)
}

// newVendorHTTPClient builds the shared client shape for LLM vendors.
// Responses can take a long time before headers arrive, and streams
// are long-lived, so there is no global timeout; callers rely on ctx.
func newVendorHTTPClient() *http.Client {
	t := httpkit.NewTransport()
	t.ResponseHeaderTimeout = 120 * time.Second
	return httpkit.NewClient(
		httpkit.WithTimeout(0),
		httpkit.WithTransport(t),
		httpkit.WithRetry(2, time.Second),
	)
}
