package llm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sseServer(t *testing.T, check func(r *http.Request), events ...string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if check != nil {
			check(r)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, e := range events {
			fmt.Fprintf(w, "event: x\ndata: %s\n\n", e)
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func TestStreamResponseAccumulatesDeltas(t *testing.T) {
	var body map[string]interface{}
	server := sseServer(t, func(r *http.Request) {
		assert.Equal(t, "/v1/responses", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)
	},
		`{"type":"response.created","response":{"id":"resp_1"}}`,
		`{"type":"response.output_text.delta","delta":"Hel"}`,
		`{"type":"response.output_text.delta","delta":"lo"}`,
		`{"type":"response.completed","response":{"id":"resp_1","usage":{"input_tokens":4,"output_tokens":2}}}`,
	)

	client := NewClient(server.URL, "test-key", 5*time.Second)
	var deltas []string
	result, err := client.StreamResponse(context.Background(), &ResponseRequest{
		Model:              "gpt-4o",
		Prompt:             "Hi",
		PreviousResponseID: "resp_0",
		UseWebSearch:       true,
		VectorStoreIDs:     []string{"vs_1"},
		ReasoningEffort:    "low",
	}, func(delta string) error {
		deltas = append(deltas, delta)
		return nil
	})
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.Equal(t, []string{"Hel", "lo"}, deltas)
	assert.Equal(t, "Hello", result.Text)
	assert.Equal(t, "resp_1", result.ResponseID)
	assert.Equal(t, 4, result.InputTokens)
	assert.Equal(t, 2, result.OutputTokens)

	assert.Equal(t, "resp_0", body["previous_response_id"])
	assert.Equal(t, true, body["stream"])
	assert.Equal(t, "Hi", body["input"])
	assert.Len(t, body["tools"], 2)
	assert.Equal(t, map[string]interface{}{"effort": "low"}, body["reasoning"])
}

func TestStreamResponseSendsImagesAsInputContent(t *testing.T) {
	var body map[string]interface{}
	server := sseServer(t, func(r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)
	}, `{"type":"response.completed","response":{"id":"r"}}`)

	client := NewClient(server.URL, "", 5*time.Second)
	_, err := client.StreamResponse(context.Background(), &ResponseRequest{
		Model: "gpt-4o", Prompt: "what is this", ImageURLs: []string{"http://x/a.png"},
	}, func(string) error { return nil })
	require.NoError(t, err)

	input, ok := body["input"].([]interface{})
	require.True(t, ok)
	require.Len(t, input, 1)
	content := input[0].(map[string]interface{})["content"].([]interface{})
	require.Len(t, content, 2)
	assert.Equal(t, "input_image", content[1].(map[string]interface{})["type"])
	assert.NotContains(t, body, "previous_response_id")
	assert.NotContains(t, body, "reasoning")
}

func TestStreamResponseFailures(t *testing.T) {
	tests := []struct {
		name   string
		events []string
	}{
		{"failed event", []string{`{"type":"response.output_text.delta","delta":"x"}`, `{"type":"response.failed","response":{"error":{"message":"boom"}}}`}},
		{"error event", []string{`{"type":"error","message":"rate limited"}`}},
		{"truncated stream", []string{`{"type":"response.output_text.delta","delta":"x"}`}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := sseServer(t, nil, tt.events...)
			client := NewClient(server.URL, "", 5*time.Second)
			result, err := client.StreamResponse(context.Background(), &ResponseRequest{Model: "m", Prompt: "p"}, func(string) error { return nil })
			assert.Error(t, err)
			assert.Nil(t, result)
		})
	}
}

func TestStreamResponseHTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"bad key","type":"auth"}}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "", 5*time.Second)
	_, err := client.StreamResponse(context.Background(), &ResponseRequest{Model: "m", Prompt: "p"}, func(string) error { return nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad key")
}

func TestGenerateImage(t *testing.T) {
	png := []byte("png-bytes")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/images/generations", r.URL.Path)
		var req map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&req)
		assert.Equal(t, "gpt-image-1", req["model"])
		assert.Equal(t, "1024x1024", req["size"])
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"created":1,"data":[{"b64_json":%q}]}`, base64.StdEncoding.EncodeToString(png))
	}))
	defer server.Close()

	client := NewClient(server.URL, "k", 5*time.Second)
	data, err := client.GenerateImage(context.Background(), &ImageRequest{Model: "gpt-image-1", Prompt: "a cat", Size: "1024x1024", Quality: "low"})
	require.NoError(t, err)
	assert.Equal(t, png, data)
}

func TestEditImageSendsEveryInput(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/images/edits", r.URL.Path)
		assert.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Len(t, r.MultipartForm.File["image[]"], 2)
		assert.Equal(t, "make it blue", r.FormValue("prompt"))
		fmt.Fprintf(w, `{"data":[{"b64_json":%q}]}`, base64.StdEncoding.EncodeToString([]byte("out")))
	}))
	defer server.Close()

	client := NewClient(server.URL, "k", 5*time.Second)
	data, err := client.EditImage(context.Background(), &ImageRequest{Model: "gpt-image-1", Prompt: "make it blue"},
		[]InputImage{{Name: "a.png", Data: []byte("a")}, {Name: "b.png", Data: []byte("b")}})
	require.NoError(t, err)
	assert.Equal(t, []byte("out"), data)
}

func TestEditImageWithoutData(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":[]}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "k", 5*time.Second)
	_, err := client.EditImage(context.Background(), &ImageRequest{Prompt: "x"}, []InputImage{{Name: "a.png", Data: []byte("a")}})
	assert.Error(t, err)
}

func TestRetrieveVectorStore(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/vector_stores/vs_1", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"vs_1","object":"vector_store","file_counts":{"in_progress":0,"completed":1,"failed":0,"cancelled":0,"total":1}}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "k", 5*time.Second)
	status, err := client.RetrieveVectorStore(context.Background(), "vs_1")
	require.NoError(t, err)
	assert.Equal(t, 1, status.Completed)
	assert.Equal(t, 1, status.Total)
}

func TestMockClientStreamsWholeRunes(t *testing.T) {
	client := NewMockClient()
	var got strings.Builder
	result, err := client.StreamResponse(context.Background(), &ResponseRequest{Prompt: "سلام دنیا"}, func(delta string) error {
		got.WriteString(delta)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, result.Text, got.String())
	assert.Contains(t, got.String(), "سلام دنیا")
	assert.NotEmpty(t, result.ResponseID)
}

func TestCountTokens(t *testing.T) {
	assert.Equal(t, 0, CountTokens(""))
	assert.Greater(t, CountTokens("hello world"), 0)
}
