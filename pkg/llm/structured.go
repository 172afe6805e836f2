package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"consilium/pkg/llm/llmerrors"
)

// ExtractJSON strips markdown code fences and surrounding prose from a model
// response, returning the JSON payload. Models frequently wrap JSON in
// ```json fences even when told not to.
func ExtractJSON(content string) string {
	trimmed := strings.TrimSpace(content)

	// Fenced block takes priority.
	if idx := strings.Index(trimmed, "```"); idx != -1 {
		rest := trimmed[idx+3:]
		rest = strings.TrimPrefix(rest, "json")
		rest = strings.TrimPrefix(rest, "JSON")
		if end := strings.Index(rest, "```"); end != -1 {
			return strings.TrimSpace(rest[:end])
		}
		return strings.TrimSpace(rest)
	}

	// Otherwise take the outermost brace pair so leading prose is dropped.
	start := strings.IndexAny(trimmed, "{[")
	if start == -1 {
		return trimmed
	}
	var closer byte = '}'
	if trimmed[start] == '[' {
		closer = ']'
	}
	end := strings.LastIndexByte(trimmed, closer)
	if end <= start {
		return trimmed
	}
	return trimmed[start : end+1]
}

// CompleteObject runs a completion and unmarshals the response into out.
// On malformed output it retries exactly once with a stricter instruction
// appended; a second failure returns an ErrorTypeMalformedOutput error so
// the caller can apply its component-specific fallback.
func CompleteObject(ctx context.Context, client LLMClient, req CompletionRequest, out any) error {
	resp, err := client.Complete(ctx, req)
	if err != nil {
		return err
	}

	firstErr := json.Unmarshal([]byte(ExtractJSON(resp.Content)), out)
	if firstErr == nil {
		return nil
	}

	strictReq := req
	strictReq.Messages = append(append([]CompletionMessage{}, req.Messages...),
		NewUserMessage("Your previous reply was not valid JSON. Respond with ONLY a single valid JSON object matching the requested schema. No prose, no code fences."))

	resp, err = client.Complete(ctx, strictReq)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(ExtractJSON(resp.Content)), out); err != nil {
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeMalformedOutput, err,
			fmt.Sprintf("model %s returned malformed JSON twice", client.GetModelName()))
	}
	return nil
}
