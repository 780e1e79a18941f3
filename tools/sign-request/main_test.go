package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestRequestBodyBuildsEvent(t *testing.T) {
	body, err := requestBody("", "demo.item.created", "item", "", `{"n":1}`)
	if err != nil {
		t.Fatal(err)
	}
	var got map[string]any
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatal(err)
	}
	if got["event_type"] != "demo.item.created" || got["aggregate_type"] != "item" {
		t.Fatalf("unexpected body %s", body)
	}
	if id, _ := got["aggregate_id"].(string); id == "" {
		t.Fatal("expected a generated aggregate id")
	}

	if _, err := requestBody("", "demo.item.created", "item", "1", `{bad`); err == nil {
		t.Fatal("expected invalid payload error")
	}
}

func TestRequestBodyFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "body.json")
	if err := os.WriteFile(path, []byte(`raw`), 0o600); err != nil {
		t.Fatal(err)
	}
	body, err := requestBody(path, "", "", "", "")
	if err != nil || string(body) != "raw" {
		t.Fatalf("got %q, %v", body, err)
	}
}
