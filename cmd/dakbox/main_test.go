// File: cmd/dakbox/main_test.go
package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetMocks() {
	osWriteFile = os.WriteFile
	osExit = os.Exit
	stdin = os.Stdin
	stdout = os.Stdout
	stderr = os.Stderr
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, exitCode(nil))
	assert.Equal(t, 0, exitCode(context.Canceled))
	assert.Equal(t, 0, exitCode(fmt.Errorf("watch: %w", context.Canceled)))
	assert.Equal(t, 1, exitCode(errors.New("boom")))
}

func TestHandlePanic(t *testing.T) {
	defer resetMocks()

	t.Run("WritesPanicLog", func(t *testing.T) {
		var (
			path    string
			content []byte
			code    = -1
		)
		errBuf := &bytes.Buffer{}
		stderr = errBuf
		osWriteFile = func(name string, data []byte, perm os.FileMode) error {
			path, content = name, data
			return nil
		}
		osExit = func(c int) { code = c }

		func() {
			defer handlePanic()
			panic("selector exploded")
		}()

		assert.Equal(t, panicLogFile, path)
		assert.Contains(t, string(content), "panic: selector exploded")
		assert.Equal(t, 1, code)
		assert.Contains(t, errBuf.String(), panicLogFile)
	})

	t.Run("LogWriteFailure", func(t *testing.T) {
		code := -1
		errBuf := &bytes.Buffer{}
		stderr = errBuf
		osWriteFile = func(string, []byte, os.FileMode) error { return errors.New("read-only fs") }
		osExit = func(c int) { code = c }

		func() {
			defer handlePanic()
			panic("again")
		}()

		assert.Equal(t, 1, code)
		assert.Contains(t, errBuf.String(), "failed to write panic log")
		assert.Contains(t, errBuf.String(), "panic: again")
	})

	t.Run("NoPanic", func(t *testing.T) {
		called := false
		osExit = func(int) { called = true }
		func() {
			defer handlePanic()
		}()
		assert.False(t, called)
	})
}

func TestRunInteractive(t *testing.T) {
	t.Setenv("DAKBOX_STORE_BACKEND", "memory")
	out := &bytes.Buffer{}
	in := strings.NewReader("\nversion\nexit\nversion\n")

	require.NoError(t, runInteractive(context.Background(), in, out))

	s := out.String()
	assert.Contains(t, s, "dakbox > ")
	assert.Equal(t, 1, strings.Count(s, "dakbox dev"), "commands after exit must not run")
	assert.True(t, strings.HasSuffix(s, "Bye.\n"))
}

func TestRunInteractive_EOF(t *testing.T) {
	out := &bytes.Buffer{}
	require.NoError(t, runInteractive(context.Background(), strings.NewReader(""), out))
	assert.Contains(t, out.String(), "Bye.")
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("tty gone") }

func TestRunInteractive_ReadError(t *testing.T) {
	err := runInteractive(context.Background(), failingReader{}, io.Discard)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tty gone")
}

func TestExecuteInteractiveCommand_ReportsErrors(t *testing.T) {
	out := &bytes.Buffer{}
	executeInteractiveCommand(context.Background(), "no-such-command", out)
	assert.Contains(t, out.String(), "Error:")
}
