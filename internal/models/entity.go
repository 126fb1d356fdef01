package models

// Entity table names.
const (
	TableWorkers      = "workers"
	TableEmployers    = "employers"
	TableContracts    = "contracts"
	TableWorkSessions = "work_sessions"
	TablePayments     = "payments"
)

// EntityTables lists the reconciled tables in dependency order: parents are
// pulled and pushed before the records that reference them.
var EntityTables = []string{
	TableWorkers,
	TableEmployers,
	TableContracts,
	TableWorkSessions,
	TablePayments,
}

// IsEntityTable reports whether name is one of the reconciled tables.
func IsEntityTable(name string) bool {
	for _, t := range EntityTables {
		if t == name {
			return true
		}
	}
	return false
}

// Entity is a record of a reconciled table. Implementations embed Meta.
type Entity interface {
	// TableName returns the backing table.
	TableName() string
	// Columns returns the business columns, excluding id and last_updated.
	Columns() []string
	GetID() int64
	SetID(id int64)
	Updated() Timestamp
	SetUpdated(ts Timestamp)
}

// EntityPtr constrains generic store and sync code to pointer types whose
// element is the entity struct.
type EntityPtr[T any] interface {
	*T
	Entity
}

// Meta carries the identifier and last-write-wins clock shared by every
// entity. It flattens into {id, ..., last_updated} on the wire.
type Meta struct {
	ID          int64     `db:"id" json:"id"`
	LastUpdated Timestamp `db:"last_updated" json:"last_updated"`
}

// GetID returns the record identifier.
func (m Meta) GetID() int64 { return m.ID }

// SetID sets the record identifier.
func (m *Meta) SetID(id int64) { m.ID = id }

// Updated returns the record's last_updated clock.
func (m Meta) Updated() Timestamp { return m.LastUpdated }

// SetUpdated sets the record's last_updated clock.
func (m *Meta) SetUpdated(ts Timestamp) { m.LastUpdated = ts }
