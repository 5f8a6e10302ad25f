package surrealdb

import (
	"errors"
	"strings"

	"github.com/surrealdb/surrealdb.go"

	"github.com/bobmcallan/mcpnotes/internal/interfaces"
)

// isNotFoundError reports whether err means the record does not exist.
func isNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, interfaces.ErrNotFound) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "not found") || strings.Contains(msg, "does not exist")
}

// firstRows returns the rows of the first statement's result.
func firstRows[T any](results *[]surrealdb.QueryResult[[]T]) []T {
	if results == nil || len(*results) == 0 {
		return nil
	}
	return (*results)[0].Result
}
