// Package selection parses numbered multi-select input such as "1,3,5-9"
// into 1-based indices over an ordered listing.
package selection

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"go-remote-download/internal/models"
)

var (
	ErrInvalidToken    = errors.New("invalid selection token")
	ErrInvalidRange    = errors.New("invalid selection range")
	ErrIndexOutOfRange = errors.New("selection index out of range")
)

var (
	singlePattern = regexp.MustCompile(`^[0-9]+$`)
	rangePattern  = regexp.MustCompile(`^([0-9]+)\s*-\s*([0-9]+)$`)
)

// selectAllLiterals select every file in the current listing. They are
// resolved by callers against the listing, never by Parse.
var selectAllLiterals = map[string]bool{"all": true, "a": true, "*": true}

// Error describes why a selection was refused.
type Error struct {
	Part  string // The offending comma-separated part
	Index int    // The offending index, for ErrIndexOutOfRange
	Max   int
	Err   error
}

func (e *Error) Error() string {
	switch {
	case errors.Is(e.Err, ErrIndexOutOfRange) && e.Index == math.MaxInt:
		return fmt.Sprintf("%v: %s (valid range 1-%d)", e.Err, e.Part, e.Max)
	case errors.Is(e.Err, ErrIndexOutOfRange):
		return fmt.Sprintf("%v: %d (valid range 1-%d)", e.Err, e.Index, e.Max)
	case errors.Is(e.Err, ErrInvalidRange):
		return fmt.Sprintf("%v: %q (start is greater than end)", e.Err, e.Part)
	default:
		return fmt.Sprintf("%v: %q", e.Err, e.Part)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Parse turns token into a deduplicated list of 1-based indices, in order of
// first occurrence. Ranges expand ascending. Any malformed part or
// out-of-range index rejects the whole input.
func Parse(token string, maxIndex int) ([]int, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, &Error{Part: token, Err: ErrInvalidToken}
	}

	seen := make(map[int]bool)
	var result []int
	add := func(i int) {
		if !seen[i] {
			seen[i] = true
			result = append(result, i)
		}
	}

	for _, raw := range strings.Split(token, ",") {
		part := strings.TrimSpace(raw)

		if singlePattern.MatchString(part) {
			idx, err := parseIndex(part)
			if err != nil {
				return nil, &Error{Part: part, Err: ErrInvalidToken}
			}
			if idx < 1 || idx > maxIndex {
				return nil, &Error{Part: part, Index: idx, Max: maxIndex, Err: ErrIndexOutOfRange}
			}
			add(idx)
			continue
		}

		if m := rangePattern.FindStringSubmatch(part); m != nil {
			start, errStart := parseIndex(m[1])
			end, errEnd := parseIndex(m[2])
			if errStart != nil || errEnd != nil {
				return nil, &Error{Part: part, Err: ErrInvalidToken}
			}
			if start > end {
				return nil, &Error{Part: part, Err: ErrInvalidRange}
			}
			// Bounds are checked before expanding so a huge range cannot allocate.
			if start < 1 {
				return nil, &Error{Part: part, Index: start, Max: maxIndex, Err: ErrIndexOutOfRange}
			}
			if end > maxIndex {
				first := maxIndex + 1
				if start > first {
					first = start
				}
				return nil, &Error{Part: part, Index: first, Max: maxIndex, Err: ErrIndexOutOfRange}
			}
			for i := start; i <= end; i++ {
				add(i)
			}
			continue
		}

		return nil, &Error{Part: part, Err: ErrInvalidToken}
	}

	return result, nil
}

// parseIndex reads a run of digits. Values too large for int saturate to
// math.MaxInt so they are reported as out of range rather than malformed.
func parseIndex(digits string) (int, error) {
	n, err := strconv.Atoi(digits)
	if errors.Is(err, strconv.ErrRange) {
		return math.MaxInt, nil
	}
	return n, err
}

// IsSelectAll reports whether token is the literal that selects every file.
func IsSelectAll(token string) bool {
	return selectAllLiterals[strings.ToLower(strings.TrimSpace(token))]
}

// FileIndices returns the 1-based indices of every file (directories
// excluded) in listing order.
func FileIndices(entries []models.Entry) []int {
	var out []int
	for i, e := range entries {
		if !e.IsDir() {
			out = append(out, i+1)
		}
	}
	return out
}

// Resolve parses token against entries, handling the select-all literal,
// and returns the selected entries in selection order.
func Resolve(token string, entries []models.Entry) ([]models.Entry, error) {
	var indices []int
	if IsSelectAll(token) {
		indices = FileIndices(entries)
	} else {
		var err error
		indices, err = Parse(token, len(entries))
		if err != nil {
			return nil, err
		}
	}
	selected := make([]models.Entry, 0, len(indices))
	for _, i := range indices {
		selected = append(selected, entries[i-1])
	}
	return selected, nil
}
