package genai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hazyhaar/dcepipe/tender"
)

func newTestClient(t *testing.T, answer string) *Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		resp := map[string]any{
			"choices": []map[string]any{{
				"message":       map[string]string{"role": "assistant", "content": answer},
				"finish_reason": "stop",
			}},
			"usage": map[string]int{"total_tokens": 12},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return New(Config{BaseURL: srv.URL, Model: "test-model"})
}

func TestLabelMapping(t *testing.T) {
	tests := []struct {
		answer string
		want   tender.Role
	}{
		{"AVIS", tender.RoleNotice},
		{"avis", tender.RoleNotice},
		{" RC \n", tender.RoleRules},
		{"CPS", tender.RoleSpecifications},
		{"ANNEXE", tender.RoleAmendment},
		{"AUTRE", tender.RoleUnknown},
		{"je pense que c'est un avis", tender.RoleUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.answer, func(t *testing.T) {
			c := newTestClient(t, tt.answer)
			got, err := c.Label(context.Background(), "texte du document", "doc.pdf")
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("Label(%q) = %v, want %v", tt.answer, got, tt.want)
			}
		})
	}
}

func TestLabelServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	if _, err := c.Label(context.Background(), "texte", "doc.pdf"); err == nil {
		t.Fatal("expected error")
	}
}

func TestExtractNoticeMetadata(t *testing.T) {
	c := newTestClient(t, `{"reference": "AO 45/2026", "objet": "fournitures", "date_limite": null}`)

	meta, err := c.ExtractNoticeMetadata(context.Background(), "AVIS DE CONSULTATION ...")
	if err != nil {
		t.Fatal(err)
	}
	var fields map[string]any
	if err := json.Unmarshal(meta, &fields); err != nil {
		t.Fatal(err)
	}
	if fields["reference"] != "AO 45/2026" {
		t.Errorf("fields = %v", fields)
	}
}

func TestExtractNoticeMetadataStripsFences(t *testing.T) {
	c := newTestClient(t, "```json\n{\"objet\": \"travaux\"}\n```")

	meta, err := c.ExtractNoticeMetadata(context.Background(), "texte")
	if err != nil {
		t.Fatal(err)
	}
	if string(meta) != `{"objet": "travaux"}` {
		t.Errorf("meta = %s", meta)
	}
}

func TestExtractNoticeMetadataRejectsProse(t *testing.T) {
	c := newTestClient(t, "Voici les métadonnées : référence AO 45")
	if _, err := c.ExtractNoticeMetadata(context.Background(), "texte"); err == nil {
		t.Fatal("expected error for non-JSON answer")
	}
}

func TestEmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"choices": []any{}})
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	_, err := c.Label(context.Background(), "texte", "doc.pdf")
	if err == nil {
		t.Fatal("expected ErrEmptyCompletion")
	}
}
