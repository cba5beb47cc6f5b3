package catalog

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"go.einride.tech/can/pkg/dbc"
)

// ErrInvalidAssignment is returned for a malformed bus assignment.
var ErrInvalidAssignment = errors.New("invalid database assignment")

// independentSignalsID is the pseudo message Vector tools use to hold signals
// that belong to no message.
const independentSignalsID = 0xC0000000

// DatabaseName derives a database name from a file path: the basename with
// its extension removed.
func DatabaseName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// LoadDBC reads and parses a DBC file.
func LoadDBC(path string) (*Database, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read dbc file: %w", err)
	}
	return ParseDBC(path, data)
}

// ParseDBC parses DBC source text. path names the database and appears in errors.
func ParseDBC(path string, data []byte) (*Database, error) {
	p := dbc.NewParser(path, data)
	if err := p.Parse(); err != nil {
		return nil, fmt.Errorf("parse dbc file %s: %w", path, err)
	}

	db := &Database{
		Name:     DatabaseName(path),
		Path:     path,
		Messages: make(map[uint32]*MessageSpec),
	}

	type signalKey struct {
		id   uint32
		name string
	}
	kinds := make(map[signalKey]ValueKind)

	for _, def := range p.Defs() {
		switch d := def.(type) {
		case *dbc.MessageDef:
			if uint32(d.MessageID) == independentSignalsID {
				continue
			}
			key := MessageKey(d.MessageID.ToCAN(), d.MessageID.IsExtended())
			if _, dup := db.Messages[key]; dup {
				continue
			}
			db.Messages[key] = messageFromDef(d)
		case *dbc.SignalValueTypeDef:
			key := MessageKey(d.MessageID.ToCAN(), d.MessageID.IsExtended())
			kinds[signalKey{id: key, name: string(d.SignalName)}] = valueKind(d.SignalValueType)
		}
	}

	for key, kind := range kinds {
		msg, ok := db.Messages[key.id]
		if !ok {
			continue
		}
		for i := range msg.Signals {
			if msg.Signals[i].Name == key.name {
				msg.Signals[i].Kind = kind
			}
		}
	}
	return db, nil
}

func messageFromDef(d *dbc.MessageDef) *MessageSpec {
	msg := &MessageSpec{
		ID:       d.MessageID.ToCAN(),
		Extended: d.MessageID.IsExtended(),
		Name:     string(d.Name),
		DLC:      int(d.Size),
		Signals:  make([]SignalSpec, 0, len(d.Signals)),
	}
	for _, s := range d.Signals {
		order := LittleEndian
		if s.IsBigEndian {
			order = BigEndian
		}
		msg.Signals = append(msg.Signals, SignalSpec{
			Name:           string(s.Name),
			StartBit:       int(s.StartBit),
			Length:         int(s.Size),
			ByteOrder:      order,
			Signed:         s.IsSigned,
			Kind:           Integer,
			Scale:          s.Factor,
			Offset:         s.Offset,
			Min:            s.Minimum,
			Max:            s.Maximum,
			Unit:           s.Unit,
			IsMultiplexer:  s.IsMultiplexerSwitch,
			IsMultiplexed:  s.IsMultiplexed,
			MultiplexValue: s.MultiplexerSwitch,
		})
	}
	return msg
}

func valueKind(t dbc.SignalValueType) ValueKind {
	switch t {
	case dbc.SignalValueTypeFloat32:
		return Float32
	case dbc.SignalValueTypeFloat64:
		return Float64
	default:
		return Integer
	}
}

// Assignment binds a DBC file to a bus, or to every bus when Bus is AnyBus.
type Assignment struct {
	Bus  int
	Path string
}

// ParseAssignment parses "bus=path" or a bare "path" (all buses). Text before
// the first '=' that contains a path separator or a dot is part of a bare path;
// "*=path" assigns any other path containing '=' to all buses.
func ParseAssignment(s string) (Assignment, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Assignment{}, fmt.Errorf("%w: empty", ErrInvalidAssignment)
	}
	busStr, path, found := strings.Cut(s, "=")
	if !found || strings.ContainsAny(busStr, `./\`) {
		return Assignment{Bus: AnyBus, Path: s}, nil
	}
	busStr = strings.TrimSpace(busStr)
	path = strings.TrimSpace(path)
	if path == "" {
		return Assignment{}, fmt.Errorf("%w: %q has no path", ErrInvalidAssignment, s)
	}
	if busStr == "" || busStr == "*" {
		return Assignment{Bus: AnyBus, Path: path}, nil
	}
	bus, err := strconv.ParseUint(busStr, 10, 16)
	if err != nil {
		return Assignment{}, fmt.Errorf("%w: %q read as bus=path but bus %q is not a number 0-65535 (use *=path for a path containing '='): %v",
			ErrInvalidAssignment, s, busStr, err)
	}
	return Assignment{Bus: int(bus), Path: path}, nil
}

// Load parses every assignment's DBC file into a new catalog, preserving order.
func Load(assignments []string, logger zerolog.Logger) (*Catalog, error) {
	c := New(logger)
	for _, raw := range assignments {
		a, err := ParseAssignment(raw)
		if err != nil {
			return nil, err
		}
		db, err := LoadDBC(a.Path)
		if err != nil {
			return nil, err
		}
		c.Assign(a.Bus, db)
	}
	return c, nil
}
