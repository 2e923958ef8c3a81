package compiler

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/cepcore/internal/config"
	"github.com/roach88/cepcore/internal/runtime"
	"github.com/roach88/cepcore/internal/testutil"
)

const orderModule = `
type: Order: {kind: "map"}
type: BigOrder: {}

variable: threshold: 100

window: Recent: {type: "BigOrder", retain: 10}

statement: big: {
	priority: 5
	from: [{type: "Order", where: [{property: "amount", op: ">", value: 100}]}]
	insert_into: "BigOrder"
	into_window: "Recent"
	variables: ["threshold"]
}

statement: audit: {
	from: [{window: "Recent"}]
}
`

func TestCompileStringModule(t *testing.T) {
	m, err := CompileString(orderModule, "orders.cue")
	require.NoError(t, err)

	assert.Equal(t, []TypeDef{{Name: "Order", Kind: "map"}, {Name: "BigOrder", Kind: "map"}}, m.Types)
	assert.Equal(t, map[string]any{"threshold": int64(100)}, m.Variables)
	assert.Equal(t, []WindowDef{{Name: "Recent", Type: "BigOrder", Retain: 10}}, m.Windows)

	require.Len(t, m.Statements, 2)
	// Higher priority deploys first.
	assert.Equal(t, "big", m.Statements[0].Name)
	assert.Equal(t, "audit", m.Statements[1].Name)

	assert.Empty(t, Validate(m))
	assert.Empty(t, AnalyzeCycles(m.Statements))
}

func TestCompileStringSyntaxError(t *testing.T) {
	_, err := CompileString(`statement: s: { this is not valid CUE }`, "bad.cue")
	require.Error(t, err)
}

func TestCompileStringUnknownKind(t *testing.T) {
	_, err := CompileString(`type: Order: {kind: "protobuf"}`, "bad.cue")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown event kind")
}

func TestModuleDeploy(t *testing.T) {
	m, err := CompileString(orderModule, "orders.cue")
	require.NoError(t, err)

	rt, err := runtime.New(config.Default(), runtime.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)
	t.Cleanup(func() { rt.Destroy() })

	require.NoError(t, m.Deploy(rt))
	assert.Equal(t, []string{"audit", "big"}, rt.Statements())

	rec := testutil.NewRecorder()
	audit, ok := rt.Statement("audit")
	require.True(t, ok)
	audit.AddListener(func(_ *runtime.Pass, u runtime.Update) {
		rec.Record(u.Statement, u.Time, u.Event)
	})

	require.NoError(t, rt.SendEventMap(map[string]any{"amount": 50}, "Order"))
	require.NoError(t, rt.SendEventMap(map[string]any{"amount": 150}, "Order"))

	entries := rec.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "audit", entries[0].Label)
	assert.Equal(t, "BigOrder", entries[0].Event.Type().Name)
	amount, _ := entries[0].Event.Get("amount")
	assert.Equal(t, 150, amount)

	w, ok := rt.Window("Recent")
	require.True(t, ok)
	assert.Equal(t, 1, w.Len())
}

func TestModuleDeployStopsOnFirstError(t *testing.T) {
	m, err := CompileString(`
		type: Order: {}
		statement: s: { from: [{window: "Missing"}] }
	`, "bad.cue")
	require.NoError(t, err)

	rt, err := runtime.New(config.Default(), runtime.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)
	t.Cleanup(func() { rt.Destroy() })

	err = m.Deploy(rt)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "statement s")
	assert.Empty(t, rt.Statements())
}

func TestCompileMergesSources(t *testing.T) {
	m, err := Compile(
		Source{Name: "types.cue", Text: `type: Order: {}`},
		Source{Name: "rules.cue", Text: `statement: all: { from: [{type: "Order"}] }`},
	)
	require.NoError(t, err)

	assert.Len(t, m.Types, 1)
	require.Len(t, m.Statements, 1)
	assert.Equal(t, "all", m.Statements[0].Name)
}

func TestCompileConflictingSources(t *testing.T) {
	_, err := Compile(
		Source{Name: "a.cue", Text: `window: W: { type: "Order" }`},
		Source{Name: "b.cue", Text: `window: W: { type: "Audit" }`},
	)
	require.Error(t, err)
}

func TestCompileFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "orders.cue")
	require.NoError(t, os.WriteFile(path, []byte(orderModule), 0o644))

	m, err := CompileFiles(path)
	require.NoError(t, err)
	assert.Len(t, m.Statements, 2)

	_, err = CompileFiles(filepath.Join(dir, "missing.cue"))
	require.Error(t, err)
}
