package council

import (
	"context"
	"fmt"
	"strings"
)

const maxTitleLen = 50

// ModelTitler generates titles by asking a single fast model.
type ModelTitler struct {
	Invoker Invoker
	Model   string
}

// GenerateTitle returns a cleaned up title, or an error when the model fails
// or answers with nothing usable.
func (t *ModelTitler) GenerateTitle(ctx context.Context, firstMessage string) (string, error) {
	if t.Invoker == nil || t.Model == "" {
		return "", fmt.Errorf("title generator not configured")
	}
	resp, err := t.Invoker.Invoke(ctx, t.Model, TitleMessages(firstMessage))
	if err != nil {
		return "", fmt.Errorf("generate title: %w", err)
	}
	title := CleanTitle(resp.Content)
	if title == "" {
		return "", fmt.Errorf("generate title: %w", ErrBadResponse)
	}
	return title, nil
}

// CleanTitle strips quotes and whitespace and truncates long titles.
func CleanTitle(raw string) string {
	title := strings.TrimSpace(raw)
	if i := strings.IndexByte(title, '\n'); i >= 0 {
		title = strings.TrimSpace(title[:i])
	}
	title = strings.Trim(title, "\"'`* ")
	if r := []rune(title); len(r) > maxTitleLen {
		title = string(r[:maxTitleLen-3]) + "..."
	}
	return title
}
