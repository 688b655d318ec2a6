package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrinter_Result(t *testing.T) {
	data := map[string]int{"pending": 2}
	render := func(w io.Writer) { fmt.Fprintln(w, "2 scans pending") }

	text := &bytes.Buffer{}
	require.NoError(t, (&Printer{Out: text}).Result(data, render))
	assert.Equal(t, "2 scans pending\n", text.String())

	js := &bytes.Buffer{}
	require.NoError(t, (&Printer{JSON: true, Out: js}).Result(data, render))
	assert.Equal(t, `{"status":"ok","data":{"pending":2}}`+"\n", js.String())
}

func TestPrinter_ResultIsOneLinePerDocument(t *testing.T) {
	buf := &bytes.Buffer{}
	p := &Printer{JSON: true, Out: buf}

	require.NoError(t, p.Result(map[string]string{"ticket": "T1"}, nil))
	require.NoError(t, p.Result(map[string]string{"ticket": "T2"}, nil))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	for _, line := range lines {
		var env Envelope
		require.NoError(t, json.Unmarshal([]byte(line), &env))
		assert.Equal(t, "ok", env.Status)
	}
}

func TestPrinter_Fail(t *testing.T) {
	js := &bytes.Buffer{}
	p := &Printer{JSON: true, Out: js}
	require.NoError(t, p.Fail("ALREADY_INSIDE", "Attendee is already inside", map[string]string{"ticket_code": "T1"}))

	var env Envelope
	require.NoError(t, json.Unmarshal(js.Bytes(), &env))
	assert.Equal(t, "error", env.Status)
	require.NotNil(t, env.Error)
	assert.Equal(t, "ALREADY_INSIDE", env.Error.Code)
	assert.Equal(t, "Attendee is already inside", env.Error.Message)
	assert.NotNil(t, env.Data)

	text := &bytes.Buffer{}
	require.NoError(t, (&Printer{Out: text}).Fail("E_CONFIG", "TURNSTILE_EVENT_ID is required", "ignored"))
	assert.Equal(t, "Error [E_CONFIG]: TURNSTILE_EVENT_ID is required\n", text.String())
}

func TestPrinter_Debugf(t *testing.T) {
	out := &bytes.Buffer{}
	diag := &bytes.Buffer{}
	p := &Printer{JSON: true, Out: out, Diag: diag, Verbose: true}

	p.Debugf("syncing %s", "evt-1")
	assert.Empty(t, out.String())
	assert.Equal(t, "syncing evt-1\n", diag.String())

	p.Verbose = false
	p.Debugf("hidden")
	assert.Equal(t, "syncing evt-1\n", diag.String())

	assert.NotPanics(t, func() { (&Printer{Verbose: true}).Debugf("no diag writer") })
}

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitSuccess, GetExitCode(nil))
	assert.Equal(t, ExitCommandError, GetExitCode(WrapExitError(ExitCommandError, "open store", errors.New("locked"))))
	assert.Equal(t, ExitFailure, GetExitCode(NewExitError(ExitFailure, "scan rejected")))
	assert.Equal(t, ExitFailure, GetExitCode(errors.New("plain")))
	assert.Equal(t, ExitCommandError, GetExitCode(fmt.Errorf("wrapped: %w", NewExitError(ExitCommandError, "x"))))
}

func TestExitError_Message(t *testing.T) {
	cause := errors.New("locked")
	err := WrapExitError(ExitCommandError, "open store", cause)
	assert.Equal(t, "open store: locked", err.Error())
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "scan rejected", NewExitError(ExitFailure, "scan rejected").Error())
}
