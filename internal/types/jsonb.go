package types

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

var (
	_ sql.Scanner   = (*ResultSummary)(nil)
	_ driver.Valuer = ResultSummary{}
)

// scanJSONB decodes a JSONB column value into dest. Drivers hand back either
// []byte or string depending on the protocol in use.
func scanJSONB(dest any, value any) error {
	if value == nil {
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("jsonb: unsupported scan type %T", value)
	}
	return json.Unmarshal(data, dest)
}

// Scan implements sql.Scanner for the result_summary column.
func (s *ResultSummary) Scan(value any) error {
	if value == nil {
		*s = ResultSummary{}
		return nil
	}
	return scanJSONB(s, value)
}

// Value implements driver.Valuer for the result_summary column.
func (s ResultSummary) Value() (driver.Value, error) {
	if s.Results == nil {
		s.Results = []DeliveryOutcome{}
	}
	return json.Marshal(s)
}
