// Package catalog holds the message and signal definitions loaded from DBC
// databases and the assignment of those databases to CAN buses.
package catalog

import (
	"github.com/rs/zerolog"
)

// ByteOrder is the bit numbering of a signal within the payload.
type ByteOrder uint8

const (
	// LittleEndian is Intel byte order; StartBit is the least significant bit.
	LittleEndian ByteOrder = iota
	// BigEndian is Motorola byte order; StartBit is the most significant bit
	// in DBC sawtooth numbering.
	BigEndian
)

func (o ByteOrder) String() string {
	if o == BigEndian {
		return "big_endian"
	}
	return "little_endian"
}

// ValueKind selects how a raw signal value is interpreted.
type ValueKind uint8

const (
	Integer ValueKind = iota
	Float32
	Float64
)

func (k ValueKind) String() string {
	switch k {
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	default:
		return "integer"
	}
}

// SignalSpec describes one signal of a message.
type SignalSpec struct {
	Name      string
	StartBit  int
	Length    int
	ByteOrder ByteOrder
	Signed    bool
	Kind      ValueKind
	Scale     float64
	Offset    float64
	Min       float64
	Max       float64
	Unit      string

	// Multiplexing. A multiplexed signal is only present in frames whose
	// multiplexer switch carries MultiplexValue.
	IsMultiplexer  bool
	IsMultiplexed  bool
	MultiplexValue uint64
}

// MessageSpec describes one CAN message. ID has the extended-frame marker stripped.
type MessageSpec struct {
	ID       uint32
	Extended bool
	Name     string
	DLC      int
	Signals  []SignalSpec
}

// Multiplexer returns the multiplexer switch signal, if the message has one.
func (m *MessageSpec) Multiplexer() (*SignalSpec, bool) {
	for i := range m.Signals {
		if m.Signals[i].IsMultiplexer {
			return &m.Signals[i], true
		}
	}
	return nil, false
}

// Database is the parsed content of one DBC file.
type Database struct {
	// Name is the file basename without directory and extension.
	Name string
	Path string
	// Messages is keyed by MessageKey.
	Messages map[uint32]*MessageSpec
}

// extendedKey marks extended identifiers in Database.Messages keys.
const extendedKey = 0x80000000

// MessageKey returns the Database.Messages key for an identifier. Identifiers
// above the 11-bit range are always extended.
func MessageKey(id uint32, extended bool) uint32 {
	if extended || id > 0x7FF {
		return id | extendedKey
	}
	return id
}

// AnyBus marks a database assigned to every bus.
const AnyBus = -1

// Matcher selects which catalog entries take part in a lookup pass.
type Matcher struct {
	bus int
}

// Specific matches only databases assigned to bus.
func Specific(bus uint16) Matcher {
	return Matcher{bus: int(bus)}
}

// Any matches only databases assigned to all buses.
func Any() Matcher {
	return Matcher{bus: AnyBus}
}

type entry struct {
	bus int
	db  *Database
}

// Catalog is the ordered bus assignment table. Lookups respect insertion order.
type Catalog struct {
	entries []entry
	logger  zerolog.Logger
}

// New returns an empty catalog.
func New(logger zerolog.Logger) *Catalog {
	return &Catalog{
		logger: logger.With().Str("component", "catalog").Logger(),
	}
}

// Assign adds db for bus, or for every bus when bus is AnyBus.
func (c *Catalog) Assign(bus int, db *Database) {
	c.entries = append(c.entries, entry{bus: bus, db: db})
	c.logger.Debug().
		Int("bus", bus).
		Str("database", db.Name).
		Int("messages", len(db.Messages)).
		Msg("Assigned database")
}

// Len returns the number of assignments.
func (c *Catalog) Len() int {
	return len(c.entries)
}

// Databases returns the assigned databases in insertion order.
func (c *Catalog) Databases() []*Database {
	out := make([]*Database, len(c.entries))
	for i, e := range c.entries {
		out[i] = e.db
	}
	return out
}

// Resolve finds the message definition for id on bus. Standard and extended
// identifiers with the same number are different messages. Databases assigned
// to that bus are searched first, then databases assigned to all buses. Within
// a pass the first database in insertion order that defines id wins.
func (c *Catalog) Resolve(id uint32, extended bool, bus uint16) (*MessageSpec, string, bool) {
	key := MessageKey(id, extended)
	for _, m := range [...]Matcher{Specific(bus), Any()} {
		if msg, db, ok := c.lookup(m, key); ok {
			return msg, db, true
		}
	}
	return nil, "", false
}

func (c *Catalog) lookup(m Matcher, key uint32) (*MessageSpec, string, bool) {
	for _, e := range c.entries {
		if e.bus != m.bus {
			continue
		}
		if msg, ok := e.db.Messages[key]; ok {
			return msg, e.db.Name, true
		}
	}
	return nil, "", false
}
