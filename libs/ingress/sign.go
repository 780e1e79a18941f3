package ingress

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"strconv"
	"time"
)

const (
	HeaderToken     = "X-Internal-Token"
	HeaderTimestamp = "X-Timestamp"
	HeaderSignature = "X-Signature"
)

// Sign returns the hex HMAC-SHA256 of METHOD|PATH|BODY|TIMESTAMP. path is the
// request URI as sent (path plus raw query).
func Sign(secret, method, path string, body []byte, timestamp string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	writeCanonical(mac, method, path, body, timestamp)
	return hex.EncodeToString(mac.Sum(nil))
}

func writeCanonical(w io.Writer, method, path string, body []byte, timestamp string) {
	_, _ = io.WriteString(w, method)
	_, _ = io.WriteString(w, "|")
	_, _ = io.WriteString(w, path)
	_, _ = io.WriteString(w, "|")
	_, _ = w.Write(body)
	_, _ = io.WriteString(w, "|")
	_, _ = io.WriteString(w, timestamp)
}

// SignRequest sets the token, timestamp and signature headers on req and
// replaces its body with body.
func SignRequest(req *http.Request, secret string, body []byte, now time.Time) {
	ts := strconv.FormatInt(now.UnixMilli(), 10)
	req.Header.Set(HeaderToken, secret)
	req.Header.Set(HeaderTimestamp, ts)
	req.Header.Set(HeaderSignature, Sign(secret, req.Method, req.URL.RequestURI(), body, ts))
	req.Body = io.NopCloser(bytes.NewReader(body))
	req.ContentLength = int64(len(body))
}
