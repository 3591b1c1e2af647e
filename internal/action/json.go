package action

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// field names are matched case-sensitively, so entries are decoded
// through raw maps.
const (
	fieldAllocationID       = "AllocationId"
	fieldAllowReassociation = "AllowReassociation"
	fieldFilters            = "Filters"
	fieldName               = "Name"
	fieldValues             = "Values"
)

var jsonNull = []byte("null")

func parseList(s string) ([]Action, error) {
	var entries []json.RawMessage
	if err := json.Unmarshal([]byte(s), &entries); err != nil {
		return nil, malformed("error decoding action list: %v", err)
	}

	actions := make([]Action, 0, len(entries))
	for i, raw := range entries {
		a, err := parseEntry(raw)
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		actions = append(actions, a)
	}
	return actions, nil
}

// parseEntry decodes one list element. A string is handled like a bare
// token, an object is an Elastic IP entry.
func parseEntry(raw json.RawMessage) (Action, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, malformed("empty entry")
	}

	switch raw[0] {
	case '"':
		var tok string
		if err := json.Unmarshal(raw, &tok); err != nil {
			return nil, malformed("error decoding entry: %v", err)
		}
		return parseToken(tok)
	case '{':
		return parseEIPObject(raw)
	default:
		return nil, malformed("entry must be a string or an object, got %s", raw)
	}
}

func parseEIPObject(raw json.RawMessage) (Action, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, malformed("error decoding entry: %v", err)
	}

	eip := EIP{AllowReassociation: true}
	var hasID bool

	if v, ok := present(fields, fieldAllocationID); ok {
		if err := json.Unmarshal(v, &eip.AllocationID); err != nil {
			return nil, malformed("%s must be a string", fieldAllocationID)
		}
		hasID = true
	}

	if v, ok := present(fields, fieldAllowReassociation); ok {
		if err := json.Unmarshal(v, &eip.AllowReassociation); err != nil {
			return nil, malformed("%s must be a boolean", fieldAllowReassociation)
		}
	}

	if v, ok := present(fields, fieldFilters); ok {
		filters, err := parseFilters(v)
		if err != nil {
			return nil, err
		}
		eip.Filters = filters
	}

	if hasID == eip.UsesFilters() {
		return nil, ErrAmbiguousEIP
	}
	if hasID {
		if err := validateAllocationID(eip.AllocationID); err != nil {
			return nil, err
		}
	}
	return eip, nil
}

// parseFilters always returns a non-nil slice so that an explicit empty
// list still selects discovery.
func parseFilters(raw json.RawMessage) ([]Filter, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, malformed("%s must be a list", fieldFilters)
	}

	filters := make([]Filter, 0, len(items))
	for _, item := range items {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(item, &fields); err != nil || fields == nil {
			return nil, malformed("filter must be an object, got %s", item)
		}

		var f Filter
		name, ok := present(fields, fieldName)
		if !ok {
			return nil, malformed("filter is missing %s", fieldName)
		}
		if err := json.Unmarshal(name, &f.Name); err != nil {
			return nil, malformed("filter %s must be a string", fieldName)
		}

		values, ok := present(fields, fieldValues)
		if !ok {
			return nil, malformed("filter %q is missing %s", f.Name, fieldValues)
		}
		if err := json.Unmarshal(values, &f.Values); err != nil {
			return nil, malformed("filter %q %s must be a list of strings", f.Name, fieldValues)
		}
		if f.Values == nil {
			f.Values = []string{}
		}

		filters = append(filters, f)
	}
	return filters, nil
}

// present returns the raw value of key unless it is missing or null.
func present(fields map[string]json.RawMessage, key string) (json.RawMessage, bool) {
	v, ok := fields[key]
	if !ok || bytes.Equal(bytes.TrimSpace(v), jsonNull) {
		return nil, false
	}
	return v, true
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedInput, fmt.Sprintf(format, args...))
}

func invalidIdentifier(id string) error {
	return fmt.Errorf("%w: %q", ErrInvalidIdentifier, id)
}
