package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Isna13/BarManagerPro-sub001/oversync"
)

func TestTokenCommand(t *testing.T) {
	t.Setenv("JWT_SECRET", "cli-secret")

	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"token", "--user", "cashier-1", "--device", "till-2", "--branch", "b1", "--ttl", "1h"})
	require.NoError(t, cmd.Execute())

	claims, err := oversync.NewJWTAuth("cli-secret").ValidateToken(strings.TrimSpace(out.String()))
	require.NoError(t, err)
	assert.Equal(t, "cashier-1", claims.Subject)
	assert.Equal(t, "till-2", claims.DeviceID)
	assert.Equal(t, "b1", claims.BranchID)
}

func TestTokenCommandRequiresDevice(t *testing.T) {
	cmd := newRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"token", "--user", "cashier-1"})
	assert.Error(t, cmd.Execute())
}
