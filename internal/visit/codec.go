package visit

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Keys of a visit file, in the order they are written.
const (
	KeyName           = "Name"
	KeyPhone          = "Phone"
	KeyCompany        = "Company"
	KeyPersons        = "NumberOfPersons"
	KeyTunnel1        = "Tunnel1"
	KeyTunnel2        = "Tunnel2"
	KeyEntryTime      = "EntryTime"
	KeyExpectedReturn = "ExpectedReturnTime"
)

// Keys lists every required key in file order.
var Keys = []string{
	KeyName, KeyPhone, KeyCompany, KeyPersons,
	KeyTunnel1, KeyTunnel2, KeyEntryTime, KeyExpectedReturn,
}

// Decode failures. Match them with errors.Is.
var (
	// ErrMissingField is returned when one of the required keys is absent.
	ErrMissingField = errors.New("missing field")

	// ErrBadInteger is returned when NumberOfPersons is not an integer.
	ErrBadInteger = errors.New("bad integer")

	// ErrBadTimestamp is returned when a timestamp does not match TimeLayout.
	ErrBadTimestamp = errors.New("bad timestamp")
)

// DecodeError describes why a visit file could not be decoded.
type DecodeError struct {
	Key   string
	Value string
	Err   error
}

func (e *DecodeError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("decode %s: %v", e.Key, e.Err)
	}
	return fmt.Sprintf("decode %s=%q: %v", e.Key, e.Value, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Encode renders a record as eight "Key: Value" lines.
// Booleans are written as True/False for compatibility with the other stations.
func Encode(r Record) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s: %s\n", KeyName, r.Name)
	fmt.Fprintf(&buf, "%s: %s\n", KeyPhone, r.Phone)
	fmt.Fprintf(&buf, "%s: %s\n", KeyCompany, r.Company)
	fmt.Fprintf(&buf, "%s: %d\n", KeyPersons, r.Persons)
	fmt.Fprintf(&buf, "%s: %s\n", KeyTunnel1, formatBool(r.Tunnel1))
	fmt.Fprintf(&buf, "%s: %s\n", KeyTunnel2, formatBool(r.Tunnel2))
	fmt.Fprintf(&buf, "%s: %s\n", KeyEntryTime, r.EntryTime.Format(TimeLayout))
	fmt.Fprintf(&buf, "%s: %s\n", KeyExpectedReturn, r.ExpectedReturn.Format(TimeLayout))
	return buf.Bytes()
}

var utf8BOM = []byte("\xef\xbb\xbf")

// Decode parses the content of a visit file. The returned record has no ID.
//
// Each line is split on its first colon; lines without one are ignored and
// a repeated key overrides the earlier value. Tunnel flags are true only for
// the exact value "True".
func Decode(data []byte) (Record, error) {
	fields := make(map[string]string, len(Keys))

	// Windows editors prepend a byte order mark.
	data = bytes.TrimPrefix(data, utf8BOM)

	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		key, value, ok := strings.Cut(scanner.Text(), ":")
		if !ok {
			continue
		}
		fields[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	if err := scanner.Err(); err != nil {
		return Record{}, fmt.Errorf("failed to scan visit data: %w", err)
	}

	for _, key := range Keys {
		if _, ok := fields[key]; !ok {
			return Record{}, &DecodeError{Key: key, Err: ErrMissingField}
		}
	}

	persons, err := strconv.Atoi(fields[KeyPersons])
	if err != nil {
		return Record{}, &DecodeError{Key: KeyPersons, Value: fields[KeyPersons], Err: ErrBadInteger}
	}

	entry, err := parseTime(KeyEntryTime, fields[KeyEntryTime])
	if err != nil {
		return Record{}, err
	}
	expected, err := parseTime(KeyExpectedReturn, fields[KeyExpectedReturn])
	if err != nil {
		return Record{}, err
	}

	return Record{
		Name:           fields[KeyName],
		Phone:          fields[KeyPhone],
		Company:        fields[KeyCompany],
		Persons:        persons,
		Tunnel1:        fields[KeyTunnel1] == "True",
		Tunnel2:        fields[KeyTunnel2] == "True",
		EntryTime:      entry,
		ExpectedReturn: expected,
	}, nil
}

// DecodeFile decodes data and stamps the record with the filename it came from.
func DecodeFile(name string, data []byte) (Record, error) {
	r, err := Decode(data)
	if err != nil {
		return Record{}, err
	}
	r.ID = name
	return r, nil
}

// ParseTime parses a timestamp in TimeLayout in the local time zone.
func ParseTime(s string) (time.Time, error) {
	return time.ParseInLocation(TimeLayout, strings.TrimSpace(s), time.Local)
}

func parseTime(key, value string) (time.Time, error) {
	t, err := ParseTime(value)
	if err != nil {
		return time.Time{}, &DecodeError{Key: key, Value: value, Err: ErrBadTimestamp}
	}
	return t, nil
}

func formatBool(b bool) string {
	if b {
		return "True"
	}
	return "False"
}
