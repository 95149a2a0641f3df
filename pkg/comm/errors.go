package comm

import (
	"errors"
	"fmt"
)

// Stable error categories reported in error events.
const (
	CategoryRouting          = "routing"
	CategoryBot              = "bot"
	CategoryLoad             = "load"
	CategoryMissingReference = "missing_reference"
)

// Error is a categorized failure of a request.
type Error struct {
	Category string
	Detail   string
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Detail == "" {
		return e.Category
	}

	return fmt.Sprintf("%s: %s", e.Category, e.Detail)
}

func newError(category string, format string, args ...any) error {
	return &Error{Category: category, Detail: fmt.Sprintf(format, args...)}
}

// CategoryFromError returns the category of err. Uncategorized errors come
// from bots.
func CategoryFromError(err error) string {
	if err == nil {
		return ""
	}

	var categorized *Error
	if errors.As(err, &categorized) {
		return categorized.Category
	}

	return CategoryBot
}
