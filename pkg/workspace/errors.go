package workspace

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
)

// Category tells why a data file reference was refused.
type Category string

const (
	InvalidName  Category = "invalid_name"
	OutsideRoot  Category = "outside_data_root"
	NotFound     Category = "not_found"
	NotPermitted Category = "not_permitted"
	Unreadable   Category = "unreadable"
)

// Error is a refused data file reference. Name is the reference as the user
// typed it and never the resolved absolute path.
type Error struct {
	Category Category
	Name     string
	Err      error
}

func (e *Error) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("%s: %v", e.Category, e.Err)
	}
	return fmt.Sprintf("data file %q %s: %v", e.Name, e.Category, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func refuse(category Category, name string, reason string) error {
	return &Error{Category: category, Name: name, Err: errors.New(reason)}
}

// fileError classifies an os error. The os.PathError wrapper is dropped so
// the data root location does not leak into replies.
func fileError(err error, name string) error {
	category := Unreadable
	switch {
	case errors.Is(err, fs.ErrNotExist):
		category = NotFound
	case errors.Is(err, fs.ErrPermission):
		category = NotPermitted
	}

	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		err = pathErr.Err
	}
	return &Error{Category: category, Name: name, Err: err}
}

// CategoryOf returns the refusal category of err, or an empty category when
// err did not come from the guard.
func CategoryOf(err error) Category {
	var refused *Error
	if errors.As(err, &refused) {
		return refused.Category
	}
	return ""
}
