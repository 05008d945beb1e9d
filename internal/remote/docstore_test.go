package remote

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

type capturedRequest struct {
	Method string
	Path   string
	Auth   string
	Body   string
}

func newDocumentTestServer(t *testing.T, status int, body string) (*httptest.Server, *[]capturedRequest) {
	t.Helper()
	var mu sync.Mutex
	var captured []capturedRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		payload, _ := io.ReadAll(r.Body)
		mu.Lock()
		captured = append(captured, capturedRequest{
			Method: r.Method,
			Path:   r.URL.Path,
			Auth:   r.Header.Get("Authorization"),
			Body:   string(payload),
		})
		mu.Unlock()
		w.WriteHeader(status)
		w.Write([]byte(body)) //nolint:errcheck
	}))
	t.Cleanup(server.Close)
	return server, &captured
}

func newDocumentTestClient(t *testing.T, baseURL string) *DocumentClient {
	t.Helper()
	client, err := NewDocumentClient(DocumentClientConfig{BaseURL: baseURL, APIKey: "test-key"})
	if err != nil {
		t.Fatalf("failed to construct client: %v", err)
	}
	return client
}

func TestUpsertSendsPut(t *testing.T) {
	server, captured := newDocumentTestServer(t, http.StatusOK, "")
	client := newDocumentTestClient(t, server.URL)

	if err := client.Upsert(context.Background(), "clientes", "c1", `{"n":1}`); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	requests := *captured
	if len(requests) != 1 {
		t.Fatalf("expected one request, got %d", len(requests))
	}
	if requests[0].Method != http.MethodPut || requests[0].Path != "/documents/clientes/c1" {
		t.Fatalf("unexpected request: %#v", requests[0])
	}
	if requests[0].Auth != "Bearer test-key" {
		t.Fatalf("expected api key header, got %q", requests[0].Auth)
	}
	if requests[0].Body != `{"n":1}` {
		t.Fatalf("unexpected body: %q", requests[0].Body)
	}
}

func TestDeleteTreats404AsSuccess(t *testing.T) {
	server, _ := newDocumentTestServer(t, http.StatusNotFound, "")
	client := newDocumentTestClient(t, server.URL)

	if err := client.Delete(context.Background(), "clientes", "missing"); err != nil {
		t.Fatalf("expected idempotent delete, got %v", err)
	}
}

func TestUpsertClassifiesServerErrorAsConnectivity(t *testing.T) {
	server, _ := newDocumentTestServer(t, http.StatusBadGateway, "upstream down")
	client := newDocumentTestClient(t, server.URL)

	err := client.Upsert(context.Background(), "clientes", "c1", `{}`)
	if !IsConnectivity(err) {
		t.Fatalf("expected connectivity classification, got %v", err)
	}
}

func TestUpsertClassifiesRejectionAsStructural(t *testing.T) {
	server, _ := newDocumentTestServer(t, http.StatusUnprocessableEntity, "bad payload")
	client := newDocumentTestClient(t, server.URL)

	err := client.Upsert(context.Background(), "clientes", "c1", `{}`)
	if !IsStructural(err) {
		t.Fatalf("expected structural classification, got %v", err)
	}
}

func TestUpsertClassifiesTransportFailureAsConnectivity(t *testing.T) {
	server, _ := newDocumentTestServer(t, http.StatusOK, "")
	client := newDocumentTestClient(t, server.URL)
	server.Close()

	err := client.Upsert(context.Background(), "clientes", "c1", `{}`)
	if !IsConnectivity(err) {
		t.Fatalf("expected connectivity classification, got %v", err)
	}
}

func TestNewDocumentClientRequiresBaseURL(t *testing.T) {
	if _, err := NewDocumentClient(DocumentClientConfig{}); err == nil {
		t.Fatalf("expected missing base url rejection")
	}
}
