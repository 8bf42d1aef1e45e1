package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"projecthub/docstore"
)

const (
	EdmDateTime = "Edm.DateTime"
	EdmInt64    = "Edm.Int64"
	EdmDouble   = "Edm.Double"

	// listFieldsProperty names the properties holding JSON encoded string lists.
	listFieldsProperty = "ListFields"
	odataTypeSuffix    = "@odata.type"
)

var fieldNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func validFieldName(name string) bool {
	switch name {
	case "PartitionKey", "RowKey", "Timestamp", listFieldsProperty:
		return false
	}
	return fieldNamePattern.MatchString(name)
}

// encodeEntity renders a document as a table entity with EDM annotations.
func encodeEntity(partition, id string, fields docstore.Fields) ([]byte, error) {
	m := map[string]any{"PartitionKey": partition, "RowKey": id}
	var lists []string
	for k, v := range fields {
		if !validFieldName(k) {
			return nil, fmt.Errorf("invalid field name %q", k)
		}
		switch val := v.(type) {
		case nil:
		case string, bool:
			m[k] = val
		case int64:
			m[k] = strconv.FormatInt(val, 10)
			m[k+odataTypeSuffix] = EdmInt64
		case float64:
			m[k] = val
			m[k+odataTypeSuffix] = EdmDouble
		case time.Time:
			m[k] = val.UTC().Format(time.RFC3339Nano)
			m[k+odataTypeSuffix] = EdmDateTime
		case []string:
			if val == nil {
				val = []string{}
			}
			b, err := json.Marshal(val)
			if err != nil {
				return nil, err
			}
			m[k] = string(b)
			lists = append(lists, k)
		default:
			return nil, fmt.Errorf("field %s: unsupported value type %T", k, v)
		}
	}
	if len(lists) > 0 {
		sort.Strings(lists)
		m[listFieldsProperty] = strings.Join(lists, ",")
	}
	return json.Marshal(m)
}

// decodeEntity parses a table entity produced by encodeEntity or returned by
// the table service.
func decodeEntity(data []byte) (docstore.Document, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return docstore.Document{}, err
	}
	id, _ := raw["RowKey"].(string)
	lists := map[string]bool{}
	if s, ok := raw[listFieldsProperty].(string); ok && s != "" {
		for _, name := range strings.Split(s, ",") {
			lists[name] = true
		}
	}
	fields := docstore.Fields{}
	for k, v := range raw {
		if !validFieldName(k) {
			continue
		}
		edm, _ := raw[k+odataTypeSuffix].(string)
		val, err := decodeProperty(v, edm, lists[k])
		if err != nil {
			return docstore.Document{}, fmt.Errorf("property %s: %w", k, err)
		}
		fields[k] = val
	}
	return docstore.Document{ID: id, Fields: fields}, nil
}

func decodeProperty(v any, edm string, list bool) (any, error) {
	switch val := v.(type) {
	case string:
		switch {
		case list:
			var out []string
			if err := json.Unmarshal([]byte(val), &out); err != nil {
				return nil, err
			}
			if out == nil {
				out = []string{}
			}
			return out, nil
		case edm == EdmDateTime:
			t, err := time.Parse(time.RFC3339Nano, val)
			if err != nil {
				return nil, err
			}
			return t.UTC(), nil
		case edm == EdmInt64:
			return strconv.ParseInt(val, 10, 64)
		case edm == EdmDouble:
			return strconv.ParseFloat(val, 64)
		}
		return val, nil
	case json.Number:
		if edm != EdmDouble && !strings.ContainsAny(val.String(), ".eE") {
			return val.Int64()
		}
		return val.Float64()
	case bool, nil:
		return val, nil
	}
	return nil, fmt.Errorf("unsupported value %T", v)
}
