package pagination

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	// DefaultLimit is the page size used when the registry is not configured otherwise
	DefaultLimit = 50

	// MaxLimit is the largest page size a registry may be configured with
	MaxLimit = 200

	// MaxPages bounds Collect so a misbehaving peer cannot loop forever
	MaxPages = 1000

	cursorPrefix = "offset:"
)

var (
	// ErrInvalidLimit is returned when a page size is out of range
	ErrInvalidLimit = errors.New("pagination limit must be greater than 0 and less than or equal to MaxLimit")

	// ErrInvalidCursor is returned when a cursor was not produced by EncodeCursor
	ErrInvalidCursor = errors.New("invalid pagination cursor format")

	// ErrTooManyPages is returned by Collect after MaxPages pages
	ErrTooManyPages = errors.New("pagination exceeded maximum page count")
)

// ValidateLimit checks that limit is usable as a page size
func ValidateLimit(limit int) error {
	if limit <= 0 || limit > MaxLimit {
		return fmt.Errorf("%w: got %d", ErrInvalidLimit, limit)
	}
	return nil
}

// NormalizeLimit applies DefaultLimit to zero or negative values and caps at MaxLimit
func NormalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}

// EncodeCursor turns an offset into an opaque cursor
func EncodeCursor(offset int) string {
	return base64.RawURLEncoding.EncodeToString([]byte(cursorPrefix + strconv.Itoa(offset)))
}

// DecodeCursor returns the offset held by cursor. The empty cursor is offset 0.
func DecodeCursor(cursor string) (int, error) {
	if cursor == "" {
		return 0, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	s := string(raw)
	if !strings.HasPrefix(s, cursorPrefix) {
		return 0, ErrInvalidCursor
	}
	offset, err := strconv.Atoi(strings.TrimPrefix(s, cursorPrefix))
	if err != nil || offset < 0 {
		return 0, ErrInvalidCursor
	}
	return offset, nil
}

// Page returns the slice of items starting at cursor, at most limit long,
// and the cursor of the following page ("" on the last page).
func Page[T any](items []T, cursor string, limit int) ([]T, string, error) {
	offset, err := DecodeCursor(cursor)
	if err != nil {
		return nil, "", err
	}
	if offset > len(items) {
		return nil, "", fmt.Errorf("%w: offset %d beyond %d items", ErrInvalidCursor, offset, len(items))
	}
	limit = NormalizeLimit(limit)

	end := offset + limit
	if end > len(items) {
		end = len(items)
	}

	next := ""
	if end < len(items) {
		next = EncodeCursor(end)
	}
	return items[offset:end], next, nil
}

// FetchFunc retrieves one page and the cursor of the next
type FetchFunc[T any] func(ctx context.Context, cursor string) ([]T, string, error)

// Collect follows cursors until the peer stops returning one
func Collect[T any](ctx context.Context, fetch FetchFunc[T]) ([]T, error) {
	var all []T
	cursor := ""
	for page := 0; page < MaxPages; page++ {
		if err := ctx.Err(); err != nil {
			return all, err
		}
		items, next, err := fetch(ctx, cursor)
		if err != nil {
			return all, err
		}
		all = append(all, items...)
		if next == "" {
			return all, nil
		}
		cursor = next
	}
	return all, ErrTooManyPages
}
