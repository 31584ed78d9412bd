package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sagernet/sing-pipeline/common/config"

	"github.com/stretchr/testify/require"
)

func TestCommandOptions(t *testing.T) {
	root := t.TempDir()
	command := newCommand()
	require.NoError(t, command.ParseFlags([]string{"--root", root, "-p", "9000", "-S"}))
	options, err := loadOptions(command)
	require.NoError(t, err)
	require.Equal(t, Options{
		Address: "127.0.0.1",
		Port:    9000,
		SSL:     true,
		Root:    root,
	}, options)

	certificate, err := loadCertificate(options)
	require.NoError(t, err)
	require.NotEmpty(t, certificate.Certificate)
}

func TestCommandEnvironment(t *testing.T) {
	root := t.TempDir()
	t.Setenv("HTTP_SERVE_ROOT", root)
	command := newCommand()
	require.NoError(t, command.ParseFlags(nil))
	options, err := loadOptions(command)
	require.NoError(t, err)
	require.Equal(t, root, options.Root)
}

func TestCommandInvalidOptions(t *testing.T) {
	dir := t.TempDir()
	certFile := filepath.Join(dir, "cert.pem")
	require.NoError(t, os.WriteFile(certFile, []byte("x"), 0o600))

	command := newCommand()
	require.NoError(t, command.ParseFlags([]string{"--root", filepath.Join(dir, "missing"), "--cert", certFile}))
	_, err := loadOptions(command)
	var fieldErrors config.FieldErrors
	require.ErrorAs(t, err, &fieldErrors)
	require.ElementsMatch(t, []string{"root", "key"}, fieldErrors.Fields())
}
