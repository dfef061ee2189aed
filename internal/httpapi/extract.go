package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"attnd/internal/inference"
)

// extractText pulls the "text" field from a JSON object body. Missing or
// empty input is a client error (400); a body that cannot be read or parsed
// is reported as ExtractionFailed (500). Content-Type is not enforced.
func extractText(w http.ResponseWriter, r *http.Request) (string, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		return "", inference.NewError(inference.ExtractionFailed, fmt.Errorf("read body: %w", err))
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return "", inference.NewError(inference.NoTextProvided, errors.New("empty body"))
	}

	var body any
	if err := json.Unmarshal(raw, &body); err != nil {
		return "", inference.NewError(inference.ExtractionFailed, fmt.Errorf("decode body: %w", err))
	}
	obj, ok := body.(map[string]any)
	if !ok || len(obj) == 0 {
		return "", inference.NewError(inference.NoTextProvided, fmt.Errorf("body is %T, not a non-empty object", body))
	}
	v, ok := obj["text"]
	if !ok {
		return "", inference.NewError(inference.NoTextProvided, errors.New(`missing "text"`))
	}
	text, ok := v.(string)
	if !ok {
		return "", inference.NewError(inference.ExtractionFailed, fmt.Errorf(`"text" is %T, not a string`, v))
	}
	return text, nil
}
