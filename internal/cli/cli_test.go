package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"
)

const simpleScenario = `name: simple
description: "One statement sees one order"
types:
  - name: Order
statements: |
  statement: log: {
    from: [{type: "Order"}]
  }
steps:
  - send: { type: Order, event: { amount: 10 } }
assertions:
  - type: trace_count
    statement: log
    count: 1
`

const failingScenario = `name: failing
types:
  - name: Order
statements: |
  statement: log: {
    from: [{type: "Order"}]
  }
steps:
  - send: { type: Order, event: { amount: 10 } }
assertions:
  - type: trace_count
    statement: log
    count: 2
`

// writeFile writes content under dir and returns the full path.
func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

// execute runs cmd with args and returns stdout.
func execute(cmd *cobra.Command, args ...string) (string, error) {
	buf := &bytes.Buffer{}
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}
