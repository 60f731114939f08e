package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/pkg/errors"
)

type responsesBody struct {
	Model              string          `json:"model"`
	Input              interface{}     `json:"input"`
	Stream             bool            `json:"stream"`
	PreviousResponseID string          `json:"previous_response_id,omitempty"`
	Tools              []responsesTool `json:"tools,omitempty"`
	Reasoning          *reasoning      `json:"reasoning,omitempty"`
}

type responsesTool struct {
	Type           string   `json:"type"`
	VectorStoreIDs []string `json:"vector_store_ids,omitempty"`
}

type reasoning struct {
	Effort string `json:"effort"`
}

type inputMessage struct {
	Role    string         `json:"role"`
	Content []inputContent `json:"content"`
}

type inputContent struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

// streamEvent is the subset of Responses API stream events the relay reads.
type streamEvent struct {
	Type     string `json:"type"`
	Delta    string `json:"delta"`
	Message  string `json:"message"`
	Response *struct {
		ID    string `json:"id"`
		Usage *struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
	} `json:"response"`
}

func buildResponsesBody(req *ResponseRequest) *responsesBody {
	body := &responsesBody{
		Model:              req.Model,
		Input:              req.Prompt,
		Stream:             true,
		PreviousResponseID: req.PreviousResponseID,
	}

	if len(req.ImageURLs) > 0 {
		content := []inputContent{{Type: "input_text", Text: req.Prompt}}
		for _, url := range req.ImageURLs {
			content = append(content, inputContent{Type: "input_image", ImageURL: url, Detail: "auto"})
		}
		body.Input = []inputMessage{{Role: "user", Content: content}}
	}

	if req.UseWebSearch {
		body.Tools = append(body.Tools, responsesTool{Type: "web_search_preview"})
	}
	if len(req.VectorStoreIDs) > 0 {
		body.Tools = append(body.Tools, responsesTool{Type: "file_search", VectorStoreIDs: req.VectorStoreIDs})
	}
	if req.ReasoningEffort != "" {
		body.Reasoning = &reasoning{Effort: req.ReasoningEffort}
	}
	return body
}

// StreamResponse sends a streaming Responses API request.
func (c *Client) StreamResponse(ctx context.Context, req *ResponseRequest, callback DeltaCallback) (*ResponseResult, error) {
	body, err := json.Marshal(buildResponsesBody(req))
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/responses", bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create request")
	}
	c.setHeaders(httpReq, "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, errors.Wrap(err, "failed to send request")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, apiError(resp.StatusCode, respBody)
	}

	return parseResponseStream(ctx, resp.Body, callback)
}

// parseResponseStream reads SSE data lines until response.completed.
func parseResponseStream(ctx context.Context, r io.Reader, callback DeltaCallback) (*ResponseResult, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var text strings.Builder
	var responseID string

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" || data == "[DONE]" {
			continue
		}

		var event streamEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			// Skip malformed chunks
			continue
		}

		switch event.Type {
		case "response.created":
			if event.Response != nil {
				responseID = event.Response.ID
			}
		case "response.output_text.delta":
			if event.Delta == "" {
				continue
			}
			text.WriteString(event.Delta)
			if err := callback(event.Delta); err != nil {
				return nil, err
			}
		case "response.completed":
			result := &ResponseResult{ResponseID: responseID, Text: text.String()}
			if event.Response != nil {
				if event.Response.ID != "" {
					result.ResponseID = event.Response.ID
				}
				if event.Response.Usage != nil {
					result.InputTokens = event.Response.Usage.InputTokens
					result.OutputTokens = event.Response.Usage.OutputTokens
				}
			}
			return result, nil
		case "response.failed", "response.incomplete":
			msg := event.Type
			if event.Response != nil && event.Response.Error != nil {
				msg = event.Response.Error.Message
			}
			return nil, errors.Errorf("provider stream failed: %s", msg)
		case "error":
			return nil, errors.Errorf("provider stream error: %s", event.Message)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to read stream")
	}
	return nil, errors.New("provider stream ended before completion")
}
