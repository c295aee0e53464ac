package ids

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// New returns a lexicographically sortable identifier. It is used for
// request ids and token ids.
func New() string {
	return ulid.Make().String()
}

// Time extracts the creation time encoded in an identifier produced by New.
func Time(id string) (time.Time, error) {
	parsed, err := ulid.ParseStrict(id)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(parsed.Time()), nil
}
