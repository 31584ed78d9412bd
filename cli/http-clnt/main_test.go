package main

import (
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCommandDefaults(t *testing.T) {
	command := newCommand()
	require.NoError(t, command.ParseFlags([]string{"-6S", "-p", "8443"}))
	options, err := loadOptions(command, []string{"/a", "/b"})
	require.NoError(t, err)
	require.Equal(t, Options{
		PreferIPv6: true,
		Address:    "127.0.0.1",
		Port:       8443,
		SSL:        true,
		Timeout:    10 * time.Second,
		Paths:      []string{"/a", "/b"},
	}, options)
}

func TestCommandEnvironment(t *testing.T) {
	t.Setenv("HTTP_CLNT_ADDRESS", "192.0.2.1 192.0.2.2")
	t.Setenv("HTTP_CLNT_VERBOSE", "1")
	command := newCommand()
	require.NoError(t, command.ParseFlags(nil))
	options, err := loadOptions(command, []string{"/"})
	require.NoError(t, err)
	require.Equal(t, "192.0.2.1 192.0.2.2", options.Address)
	require.True(t, options.Verbose)
}

func TestCommandMissingPaths(t *testing.T) {
	command := newCommand()
	command.SetArgs([]string{"-A", "localhost"})
	command.SetOut(io.Discard)
	command.SetErr(io.Discard)
	require.Error(t, command.Execute())
}

func TestCommandInvalidPort(t *testing.T) {
	command := newCommand()
	require.NoError(t, command.ParseFlags([]string{"-p", "0"}))
	_, err := loadOptions(command, []string{"/"})
	require.Error(t, err)

	command = newCommand()
	require.Error(t, command.ParseFlags([]string{"-p", "70000"}))
}

func TestCommandTimeout(t *testing.T) {
	t.Setenv("HTTP_CLNT_TIMEOUT", "250ms")
	command := newCommand()
	require.NoError(t, command.ParseFlags(nil))
	options, err := loadOptions(command, []string{"/"})
	require.NoError(t, err)
	require.Equal(t, 250*time.Millisecond, options.Timeout)
}
