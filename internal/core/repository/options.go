package repository

import (
	"time"

	"github.com/duynhne/session-store/internal/core/domain"
)

// Options configures a session repository.
type Options struct {
	// Table defaults to "sessions".
	Table string
	// DataColumn defaults to "data".
	DataColumn string
	// DataLimit is used when the data column declares no length of its own.
	// 0 means unlimited.
	DataLimit int
	// Now overrides the clock used for created_at/updated_at.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Table == "" {
		o.Table = domain.DefaultTable
	}
	if o.DataColumn == "" {
		o.DataColumn = domain.DefaultDataColumn
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// resolveSchema picks the key column and data limit from the columns found in
// the table. columns maps column name to its declared character length (0 when
// unbounded). An empty map means the table does not exist yet, in which case
// the layout CreateTable would produce is assumed.
func resolveSchema(o Options, columns map[string]int) domain.Schema {
	s := domain.Schema{
		Table:      o.Table,
		KeyColumn:  domain.KeyColumn,
		DataColumn: o.DataColumn,
		DataLimit:  o.DataLimit,
		Timestamps: true,
	}
	if len(columns) == 0 {
		return s
	}
	if _, ok := columns[domain.LegacyKeyColumn]; ok {
		s.KeyColumn = domain.LegacyKeyColumn
	}
	if n := columns[o.DataColumn]; n > 0 {
		s.DataLimit = n
	}
	_, s.Timestamps = columns["updated_at"]
	return s
}
