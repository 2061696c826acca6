package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutputFormatter_JSONSuccess(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "json",
		Writer: buf,
	}

	data := map[string]string{"result": "success"}
	err := formatter.Success(data, func(io.Writer) { t.Fatal("render must not run in json mode") })
	require.NoError(t, err)

	var resp CLIResponse
	err = json.Unmarshal(buf.Bytes(), &resp)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Status)
	assert.NotNil(t, resp.Data)
	assert.Nil(t, resp.Error)
}

func TestOutputFormatter_JSONError(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "json",
		Writer: buf,
	}

	err := formatter.Error("VALIDATION", "payload is not valid JSON")
	require.NoError(t, err)

	var resp CLIResponse
	err = json.Unmarshal(buf.Bytes(), &resp)
	require.NoError(t, err)
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "VALIDATION", resp.Error.Code)
	assert.Equal(t, "payload is not valid JSON", resp.Error.Message)
}

func TestOutputFormatter_TextSuccess(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "text",
		Writer: buf,
	}

	err := formatter.Success(nil, func(w io.Writer) {
		fmt.Fprintln(w, "queued mutation 7")
	})
	require.NoError(t, err)
	assert.Equal(t, "queued mutation 7\n", buf.String())
}

func TestOutputFormatter_TextError(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "text",
		Writer: buf,
	}

	err := formatter.Error("NOT_FOUND", "no dismissable mutation 9")
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "error [NOT_FOUND]")
	assert.Contains(t, buf.String(), "no dismissable mutation 9")
}

func TestExitError(t *testing.T) {
	underlying := errors.New("disk full")
	err := WrapExitError(ExitFailure, "enqueue failed", underlying)

	assert.Equal(t, "enqueue failed: disk full", err.Error())
	assert.Equal(t, underlying, errors.Unwrap(err))

	bare := WrapExitError(ExitCommandError, "invalid kind", nil)
	assert.Equal(t, "invalid kind", bare.Error())
}

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitCommandError, GetExitCode(WrapExitError(ExitCommandError, "bad flag", nil)))
	assert.Equal(t, ExitFailure, GetExitCode(WrapExitError(ExitFailure, "runtime", nil)))

	// Wrapped deeper in a chain, still found.
	wrapped := fmt.Errorf("outer: %w", WrapExitError(ExitCommandError, "inner", nil))
	assert.Equal(t, ExitCommandError, GetExitCode(wrapped))

	// Plain errors default to runtime failure.
	assert.Equal(t, ExitFailure, GetExitCode(errors.New("plain")))
}
