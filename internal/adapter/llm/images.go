package llm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/pkg/errors"
	openai "github.com/sashabaranov/go-openai"
)

// GenerateImage creates a single image and returns its PNG bytes.
func (c *Client) GenerateImage(ctx context.Context, req *ImageRequest) ([]byte, error) {
	resp, err := c.sdk.CreateImage(ctx, openai.ImageRequest{
		Model:   req.Model,
		Prompt:  req.Prompt,
		N:       1,
		Size:    req.Size,
		Quality: req.Quality,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to generate image")
	}
	return decodeImage(resp)
}

// EditImage creates a single image from the prompt and input images. The
// multipart body carries every input as an image[] part.
func (c *Client) EditImage(ctx context.Context, req *ImageRequest, images []InputImage) ([]byte, error) {
	if len(images) == 0 {
		return nil, errors.New("edit requires at least one input image")
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	fields := map[string]string{
		"model":   req.Model,
		"prompt":  req.Prompt,
		"size":    req.Size,
		"quality": req.Quality,
		"n":       "1",
	}
	for k, v := range fields {
		if v == "" {
			continue
		}
		if err := w.WriteField(k, v); err != nil {
			return nil, errors.Wrap(err, "failed to write field")
		}
	}
	for _, img := range images {
		part, err := w.CreateFormFile("image[]", img.Name)
		if err != nil {
			return nil, errors.Wrap(err, "failed to create image part")
		}
		if _, err := part.Write(img.Data); err != nil {
			return nil, errors.Wrap(err, "failed to write image part")
		}
	}
	if err := w.Close(); err != nil {
		return nil, errors.Wrap(err, "failed to close multipart body")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/images/edits", &buf)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create request")
	}
	c.setHeaders(httpReq, w.FormDataContentType())

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, errors.Wrap(err, "failed to send request")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read response")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp.StatusCode, respBody)
	}

	var result openai.ImageResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal response")
	}
	return decodeImage(result)
}

func decodeImage(resp openai.ImageResponse) ([]byte, error) {
	if len(resp.Data) == 0 || resp.Data[0].B64JSON == "" {
		return nil, errors.New("image is not available")
	}
	data, err := base64.StdEncoding.DecodeString(resp.Data[0].B64JSON)
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode image")
	}
	return data, nil
}
