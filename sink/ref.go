package sink

import (
	"strings"

	"github.com/maxpert/cdc-relay/common"
)

// TableRef is a fully qualified database.schema.table reference
type TableRef struct {
	Database string
	Schema   string
	Table    string
}

// ParseTableRef parses "database.schema.table". Every part must be present.
func ParseTableRef(ref string) (TableRef, error) {
	parts := strings.Split(ref, ".")
	if len(parts) != 3 {
		return TableRef{}, common.Errorf(common.KindInvalidReference, "ParseTableRef",
			"%q has %d parts, want database.schema.table: %w", ref, len(parts), common.ErrInvalidReference)
	}
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
		if parts[i] == "" {
			return TableRef{}, common.Errorf(common.KindInvalidReference, "ParseTableRef",
				"%q has an empty part: %w", ref, common.ErrInvalidReference)
		}
	}
	return TableRef{Database: parts[0], Schema: parts[1], Table: parts[2]}, nil
}

func (r TableRef) String() string {
	return r.Database + "." + r.Schema + "." + r.Table
}
