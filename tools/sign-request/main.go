// Command sign-request sends a signed event to the ingress service, or
// prints the signing headers with -print.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cetech1001/nlc-ai-test-sub013/libs/ingress"
)

func main() {
	var (
		baseURL   = flag.String("base-url", getenv("BASE_URL", "http://localhost:8080"), "ingress base url")
		path      = flag.String("path", "/internal/v1/events", "request path including any query")
		secret    = flag.String("secret", getenv("INGRESS_SHARED_SECRET", ""), "shared ingress secret")
		evtType   = flag.String("type", "demo.item.created", "event type")
		aggType   = flag.String("aggregate-type", "item", "aggregate type")
		aggID     = flag.String("aggregate-id", "", "aggregate id (random when empty)")
		payload   = flag.String("payload", `{}`, "event payload json")
		bodyFile  = flag.String("body-file", "", "send this file verbatim instead of building an event")
		printOnly = flag.Bool("print", false, "print the headers and body instead of sending")
	)
	flag.Parse()

	if strings.TrimSpace(*secret) == "" {
		fatal("INGRESS_SHARED_SECRET is required")
	}

	body, err := requestBody(*bodyFile, *evtType, *aggType, *aggID, *payload)
	if err != nil {
		fatal(err.Error())
	}

	req, err := http.NewRequest(http.MethodPost, strings.TrimRight(*baseURL, "/")+*path, nil)
	if err != nil {
		fatal(err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	ingress.SignRequest(req, *secret, body, time.Now())

	if *printOnly {
		for _, h := range []string{ingress.HeaderTimestamp, ingress.HeaderSignature} {
			fmt.Printf("%s: %s\n", h, req.Header.Get(h))
		}
		fmt.Printf("\n%s\n", body)
		return
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatal(err.Error())
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	fmt.Printf("status=%d\n%s", resp.StatusCode, respBody)
}

func requestBody(file, eventType, aggregateType, aggregateID, payload string) ([]byte, error) {
	if file != "" {
		return os.ReadFile(file)
	}
	if !json.Valid([]byte(payload)) {
		return nil, fmt.Errorf("payload is not valid json")
	}
	if aggregateID == "" {
		aggregateID = uuid.NewString()
	}
	return json.Marshal(map[string]any{
		"event_type":     eventType,
		"aggregate_type": aggregateType,
		"aggregate_id":   aggregateID,
		"payload":        json.RawMessage(payload),
	})
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(2)
}
