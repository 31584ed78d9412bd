package config

import (
	"errors"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"
)

type testOptions struct {
	Address string   `mapstructure:"address" validate:"required"`
	Port    uint16   `mapstructure:"port" validate:"required"`
	Verbose bool     `mapstructure:"verbose"`
	Paths   []string `mapstructure:"-" validate:"min=1,dive,required"`
}

func newTestCommand() *cobra.Command {
	command := &cobra.Command{Use: "test"}
	command.Flags().StringP("address", "A", "127.0.0.1", "")
	command.Flags().Uint16P("port", "p", 80, "")
	command.Flags().BoolP("verbose", "v", false, "")
	return command
}

func TestLoadDefaults(t *testing.T) {
	command := newTestCommand()
	require.NoError(t, command.ParseFlags(nil))
	options := testOptions{Paths: []string{"/"}}
	require.NoError(t, Load(command, "CONFIG_TEST", &options))
	require.Equal(t, "127.0.0.1", options.Address)
	require.Equal(t, uint16(80), options.Port)
	require.False(t, options.Verbose)
}

func TestLoadFlagsAndEnvironment(t *testing.T) {
	t.Setenv("CONFIG_TEST_ADDRESS", "example.com")
	t.Setenv("CONFIG_TEST_VERBOSE", "true")
	command := newTestCommand()
	require.NoError(t, command.ParseFlags([]string{"-p", "8080"}))
	options := testOptions{Paths: []string{"/"}}
	require.NoError(t, Load(command, "CONFIG_TEST", &options))
	require.Equal(t, "example.com", options.Address)
	require.Equal(t, uint16(8080), options.Port)
	require.True(t, options.Verbose)
}

func TestLoadInvalid(t *testing.T) {
	command := newTestCommand()
	require.NoError(t, command.ParseFlags([]string{"-p", "0", "-A", ""}))
	options := testOptions{}
	err := Load(command, "CONFIG_TEST", &options)
	var fieldErrors FieldErrors
	require.True(t, errors.As(err, &fieldErrors))
	require.ElementsMatch(t, []string{"address", "port", "Paths"}, fieldErrors.Fields())
	require.Contains(t, err.Error(), "port is a required field")
}
