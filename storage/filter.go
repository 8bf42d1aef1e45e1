package storage

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"projecthub/docstore"
)

func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// buildFilter translates equality filters to OData. Array membership cannot be
// expressed against the JSON encoded list property and is left to the caller.
func buildFilter(partition string, filters []docstore.Filter) (string, error) {
	clauses := []string{"PartitionKey eq " + quote(partition)}
	for _, f := range filters {
		if f.Operator != docstore.OperatorEqual {
			continue
		}
		if !validFieldName(f.Field) {
			return "", fmt.Errorf("invalid filter field %q", f.Field)
		}
		lit, err := literal(f.Value)
		if err != nil {
			return "", fmt.Errorf("filter %s: %w", f.Field, err)
		}
		clauses = append(clauses, f.Field+" eq "+lit)
	}
	return strings.Join(clauses, " and "), nil
}

func literal(v any) (string, error) {
	switch val := v.(type) {
	case string:
		return quote(val), nil
	case bool:
		return strconv.FormatBool(val), nil
	case int:
		return strconv.Itoa(val) + "L", nil
	case int64:
		return strconv.FormatInt(val, 10) + "L", nil
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), nil
	case time.Time:
		return "datetime'" + val.UTC().Format(time.RFC3339Nano) + "'", nil
	}
	return "", fmt.Errorf("unsupported value type %T", v)
}
