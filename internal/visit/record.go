// Package visit defines the tunnel visit record and its on-disk text format.
package visit

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// TimeLayout is the timestamp format used in visit files and log lines (dd-MM-yyyy HH:mm).
const TimeLayout = "02-01-2006 15:04"

// idTimeLayout encodes the entry time down to the second in generated identifiers.
const idTimeLayout = "20060102150405"

// FileExt is the extension of visit files in the shared folder.
const FileExt = ".txt"

// ErrInvalidRecord is returned when a locally created record fails validation.
var ErrInvalidRecord = errors.New("invalid visit record")

// Record is one person (or group) inside the tunnel.
//
// ID is the backing filename and never changes once assigned. Overdue is
// derived from ExpectedReturn and is never written to disk.
type Record struct {
	ID string `json:"id" yaml:"id"`

	Name    string `json:"name" yaml:"name"`
	Phone   string `json:"phone" yaml:"phone"`
	Company string `json:"company" yaml:"company"`
	Persons int    `json:"persons" yaml:"persons"`

	Tunnel1 bool `json:"tunnel1" yaml:"tunnel1"`
	Tunnel2 bool `json:"tunnel2" yaml:"tunnel2"`

	EntryTime      time.Time `json:"entry_time" yaml:"entry_time"`
	ExpectedReturn time.Time `json:"expected_return" yaml:"expected_return"`

	Overdue bool `json:"overdue" yaml:"overdue"`
}

// NewID returns the identifier for a visit created on this station:
// {name}_{phone}_{yyyyMMddHHmmss}.txt
//
// Two visits with the same name, phone and entry second collide. Entry
// times come from a form with minute resolution, so in practice the same
// person registered twice in one minute overwrites the first file.
func NewID(name, phone string, entry time.Time) string {
	return fmt.Sprintf("%s_%s_%s%s", name, phone, entry.Format(idTimeLayout), FileExt)
}

// AssignID sets ID from the record's content if it has none yet.
func (r *Record) AssignID() {
	if r.ID == "" {
		r.ID = NewID(r.Name, r.Phone, r.EntryTime)
	}
}

// Validate checks the rules for a record registered at this station.
// Records observed in the shared folder are never validated.
func (r *Record) Validate() error {
	switch {
	case strings.TrimSpace(r.Name) == "":
		return fmt.Errorf("%w: the name field must not be empty", ErrInvalidRecord)
	case strings.TrimSpace(r.Phone) == "":
		return fmt.Errorf("%w: the phone field must not be empty", ErrInvalidRecord)
	case strings.TrimSpace(r.Company) == "":
		return fmt.Errorf("%w: the company field must not be empty", ErrInvalidRecord)
	case r.Persons <= 0:
		return fmt.Errorf("%w: number of persons must be positive (got %d)", ErrInvalidRecord, r.Persons)
	case !r.Tunnel1 && !r.Tunnel2:
		return fmt.Errorf("%w: select at least one tunnel", ErrInvalidRecord)
	case r.EntryTime.IsZero():
		return fmt.Errorf("%w: entry time is required", ErrInvalidRecord)
	case r.ExpectedReturn.IsZero():
		return fmt.Errorf("%w: expected return time is required", ErrInvalidRecord)
	}
	// Name and phone end up in the filename.
	if strings.ContainsAny(r.Name, `/\`) || strings.ContainsAny(r.Phone, `/\`) {
		return fmt.Errorf("%w: name and phone must not contain path separators", ErrInvalidRecord)
	}
	// Each field is one line of the visit file.
	for _, v := range []string{r.Name, r.Phone, r.Company} {
		if strings.ContainsAny(v, "\r\n") {
			return fmt.Errorf("%w: %q must not contain line breaks", ErrInvalidRecord, v)
		}
	}
	return nil
}

// IsOverdueAt reports whether the visit should have returned by now.
func (r *Record) IsOverdueAt(now time.Time) bool {
	return now.After(r.ExpectedReturn)
}

// SameContent reports whether two records carry the same persisted and derived fields.
func (r Record) SameContent(o Record) bool {
	return r.Name == o.Name &&
		r.Phone == o.Phone &&
		r.Company == o.Company &&
		r.Persons == o.Persons &&
		r.Tunnel1 == o.Tunnel1 &&
		r.Tunnel2 == o.Tunnel2 &&
		r.EntryTime.Equal(o.EntryTime) &&
		r.ExpectedReturn.Equal(o.ExpectedReturn) &&
		r.Overdue == o.Overdue
}

// Tunnels returns the selected tunnel numbers.
func (r *Record) Tunnels() []int {
	var out []int
	if r.Tunnel1 {
		out = append(out, 1)
	}
	if r.Tunnel2 {
		out = append(out, 2)
	}
	return out
}

// String renders the record for the tunnel log.
func (r Record) String() string {
	return fmt.Sprintf("%s, %s, %s, # persons: %d, Tunnel1: %s, Tunnel2: %s, Entered: %s, Expected Return: %s",
		r.Name, r.Phone, r.Company, r.Persons,
		mark(r.Tunnel1), mark(r.Tunnel2),
		r.EntryTime.Format(TimeLayout), r.ExpectedReturn.Format(TimeLayout))
}

func mark(b bool) string {
	if b {
		return "X"
	}
	return ""
}
