// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 sequentdb Contributors

package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrateCommand_Flags(t *testing.T) {
	cmd := NewMigrateCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--help"})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, buf.String(), "--down")
}

func TestMigrateCommand_Properties(t *testing.T) {
	cmd := NewMigrateCmd()
	assert.Equal(t, "migrate", cmd.Use)
}
