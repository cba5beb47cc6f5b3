package convert

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/basekick-labs/canarc/internal/blf"
	"github.com/basekick-labs/canarc/internal/blf/blftest"
	"github.com/basekick-labs/canarc/internal/catalog"
	"github.com/basekick-labs/canarc/internal/storage"
	"github.com/basekick-labs/canarc/internal/writer"
)

const engineDBC = `VERSION ""

BS_:

BU_: ECU

BO_ 16 Engine: 8 ECU
 SG_ Speed : 0|16@1+ (0.1,0) [0|6553.5] "km/h" Vector__XXX
 SG_ Temp : 16|8@1- (1,-40) [-40|215] "degC" Vector__XXX
`

// speedCatalog maps 0x10 on every bus to a 16-bit little-endian Speed at 0.1 km/h.
func speedCatalog() *catalog.Catalog {
	cat := catalog.New(zerolog.Nop())
	cat.Assign(catalog.AnyBus, &catalog.Database{
		Name: "vehicle",
		Messages: map[uint32]*catalog.MessageSpec{
			0x10: {ID: 0x10, Name: "Engine", DLC: 2, Signals: []catalog.SignalSpec{
				{Name: "Speed", StartBit: 0, Length: 16, Scale: 0.1, Unit: "km/h"},
			}},
		},
	})
	return cat
}

func writeBLF(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "trace.blf")
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path
}

func twoFrames() []byte {
	return blftest.New().
		AddFrame(blftest.Frame{Channel: 0, ID: 0x10, DLC: 2, Data: [8]byte{0xE8, 0x03}, TimeNS: 0}).
		AddFrame(blftest.Frame{Channel: 0, ID: 0x10, DLC: 2, Data: [8]byte{0xD0, 0x07}, TimeNS: 10_000_000}).
		Stored().
		Bytes()
}

func newConverter(t *testing.T, cat *catalog.Catalog, opts Options) (*Converter, string) {
	t.Helper()
	out := t.TempDir()
	backend, err := storage.NewLocalBackend(out, zerolog.Nop())
	require.NoError(t, err)
	return New(cat, backend, opts, zerolog.Nop()), out
}

func TestRun_EndToEnd(t *testing.T) {
	input := writeBLF(t, twoFrames())
	conv, out := newConverter(t, speedCatalog(), Options{})

	res, err := conv.Run(context.Background(), input, "trace.msgpack")
	require.NoError(t, err)

	assert.NotEmpty(t, res.RunID)
	assert.Equal(t, "msgpack", res.Format)
	assert.Equal(t, filepath.Join(out, "trace.msgpack"), res.Output)
	assert.Equal(t, 1, res.Series)
	assert.Equal(t, 1, res.Decoded)
	assert.Equal(t, 1, res.Signals)
	assert.Equal(t, int64(2), res.Diagnostics.FramesIngested)
	assert.Zero(t, res.Diagnostics.Issues())
	assert.Equal(t, int64(1), res.Stats.Containers)
	assert.Equal(t, uint32(2), res.Header.ObjectCount)

	data, err := os.ReadFile(filepath.Join(out, "trace.msgpack"))
	require.NoError(t, err)
	assert.Equal(t, res.Bytes, int64(len(data)))

	var doc writer.Document
	require.NoError(t, msgpack.NewDecoder(bytes.NewReader(data)).Decode(&doc))
	msg := doc.Databases["vehicle"]["Engine"]
	require.NotNil(t, msg)
	assert.Equal(t, uint16(0), msg.Bus)
	require.Len(t, msg.Time, 2)
	assert.InDelta(t, 0.0, msg.Time[0], 1e-12)
	assert.InDelta(t, 0.01, msg.Time[1], 1e-12)

	speed := msg.Signals["Speed"].Values
	require.Len(t, speed, 2)
	assert.InDelta(t, 100.0, speed[0], 1e-9)
	assert.InDelta(t, 200.0, speed[1], 1e-9)
}

func TestRun_ParquetWithDBCFile(t *testing.T) {
	dbcPath := filepath.Join(t.TempDir(), "engine.dbc")
	require.NoError(t, os.WriteFile(dbcPath, []byte(engineDBC), 0644))
	cat, err := catalog.Load([]string{"1=" + dbcPath}, zerolog.Nop())
	require.NoError(t, err)

	input := writeBLF(t, blftest.New().
		AddFrame(blftest.Frame{Channel: 1, ID: 0x10, DLC: 8, Data: [8]byte{0x64, 0x00, 0x3C}, TimeNS: 1_000_000_000}).
		AddFrame(blftest.Frame{Channel: 2, ID: 0x10, DLC: 8, TimeNS: 1_000_000_000}).
		AddText("marker").
		Zlib().
		Bytes())

	conv, out := newConverter(t, cat, Options{Writer: writer.Options{Compression: "zstd", DataPageVersion: "2.0"}})
	res, err := conv.Run(context.Background(), input, "runs/engine.parquet")
	require.NoError(t, err)

	assert.Equal(t, "parquet", res.Format)
	assert.Equal(t, 2, res.Series, "bus 1 and bus 2 aggregate separately")
	assert.Equal(t, 1, res.Decoded, "only bus 1 has a database")
	assert.Equal(t, 2, res.Signals)
	assert.Equal(t, int64(1), res.Diagnostics.UnresolvedIdentifiers)
	assert.Equal(t, int64(1), res.Diagnostics.SkippedObjects)

	data, err := os.ReadFile(filepath.Join(out, "runs", "engine.parquet"))
	require.NoError(t, err)
	assert.Equal(t, []byte("PAR1"), data[:4])
}

func TestRun_TimeResolution(t *testing.T) {
	input := writeBLF(t, blftest.New().
		AddFrame(blftest.Frame{ID: 0x10, DLC: 2, TimeNS: 1_234_567}).
		Stored().
		Bytes())
	conv, out := newConverter(t, speedCatalog(), Options{TimeResolution: 1_000_000})

	_, err := conv.Run(context.Background(), input, "t.msgpack")
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(out, "t.msgpack"))
	require.NoError(t, err)
	var doc writer.Document
	require.NoError(t, msgpack.Unmarshal(data, &doc))
	assert.InDelta(t, 0.001, doc.Databases["vehicle"]["Engine"].Time[0], 1e-12)
}

func TestRun_Errors(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown format", func(t *testing.T) {
		conv, _ := newConverter(t, speedCatalog(), Options{})
		_, err := conv.Run(ctx, writeBLF(t, twoFrames()), "out.csv")
		assert.ErrorIs(t, err, writer.ErrUnknownFormat)
	})

	t.Run("missing input", func(t *testing.T) {
		conv, _ := newConverter(t, speedCatalog(), Options{})
		res, err := conv.Run(ctx, filepath.Join(t.TempDir(), "none.blf"), "out.msgpack")
		assert.Error(t, err)
		assert.Nil(t, res)
	})

	t.Run("invalid header", func(t *testing.T) {
		conv, _ := newConverter(t, speedCatalog(), Options{})
		_, err := conv.Run(ctx, writeBLF(t, []byte("not a blf file at all")), "out.msgpack")
		assert.ErrorIs(t, err, blf.ErrInvalidFileHeader)
	})

	t.Run("truncated stream", func(t *testing.T) {
		data := twoFrames()
		conv, out := newConverter(t, speedCatalog(), Options{})
		res, err := conv.Run(ctx, writeBLF(t, data[:len(data)-5]), "out.msgpack")
		require.Error(t, err)
		assert.True(t, blf.IsStreamError(err), "got %v", err)
		require.NotNil(t, res)
		_, statErr := os.Stat(filepath.Join(out, "out.msgpack"))
		assert.True(t, os.IsNotExist(statErr), "nothing is stored for a failed run")
	})

	t.Run("nothing decoded", func(t *testing.T) {
		conv, _ := newConverter(t, catalog.New(zerolog.Nop()), Options{})
		res, err := conv.Run(ctx, writeBLF(t, twoFrames()), "out.msgpack")
		assert.ErrorIs(t, err, writer.ErrEmptyMeasurement)
		require.NotNil(t, res)
		assert.Equal(t, int64(2), res.Diagnostics.FramesIngested)
		assert.Equal(t, int64(1), res.Diagnostics.UnresolvedIdentifiers)
	})

	t.Run("output exists", func(t *testing.T) {
		conv, out := newConverter(t, speedCatalog(), Options{})
		require.NoError(t, os.WriteFile(filepath.Join(out, "out.msgpack"), []byte("old"), 0644))
		_, err := conv.Run(ctx, writeBLF(t, twoFrames()), "out.msgpack")
		assert.ErrorIs(t, err, ErrOutputExists)
	})

	t.Run("overwrite", func(t *testing.T) {
		conv, out := newConverter(t, speedCatalog(), Options{Overwrite: true})
		require.NoError(t, os.WriteFile(filepath.Join(out, "out.msgpack"), []byte("old"), 0644))
		_, err := conv.Run(ctx, writeBLF(t, twoFrames()), "out.msgpack")
		require.NoError(t, err)
		data, _ := os.ReadFile(filepath.Join(out, "out.msgpack"))
		assert.NotEqual(t, []byte("old"), data)
	})
}

func TestRun_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	conv, out := newConverter(t, speedCatalog(), Options{})
	res, err := conv.Run(ctx, writeBLF(t, twoFrames()), "out.msgpack")
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, res)
	assert.Zero(t, res.Diagnostics.FramesIngested)

	_, statErr := os.Stat(filepath.Join(out, "out.msgpack"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestRun_IndependentRuns(t *testing.T) {
	input := writeBLF(t, twoFrames())
	conv, _ := newConverter(t, speedCatalog(), Options{Overwrite: true})

	first, err := conv.Run(context.Background(), input, "a.msgpack")
	require.NoError(t, err)
	second, err := conv.Run(context.Background(), input, "a.msgpack")
	require.NoError(t, err)

	assert.NotEqual(t, first.RunID, second.RunID)
	assert.Equal(t, first.Diagnostics, second.Diagnostics)
	assert.Equal(t, first.Bytes, second.Bytes)
}
