package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureOutput redirects logger output to a buffer and returns a
// cleanup function that restores the previous writer.
func captureOutput() (*bytes.Buffer, func()) {
	buf := new(bytes.Buffer)

	mu.Lock()
	originalOutput := output
	originalColor := useColor
	output = buf
	useColor = false
	reconfigure()
	mu.Unlock()

	cleanup := func() {
		mu.Lock()
		output = originalOutput
		useColor = originalColor
		reconfigure()
		mu.Unlock()
	}

	return buf, cleanup
}

func TestLevelFiltering(t *testing.T) {
	t.Run("DebugShowsEverything", func(t *testing.T) {
		buf, cleanup := captureOutput()
		defer cleanup()

		SetLevel("DEBUG")
		defer SetLevel("INFO")

		Debug("debug message")
		Info("info message")
		Warn("warn message")
		Error("error message")

		out := buf.String()
		assert.Contains(t, out, "debug message")
		assert.Contains(t, out, "info message")
		assert.Contains(t, out, "warn message")
		assert.Contains(t, out, "error message")
	})

	t.Run("WarnFiltersDebugAndInfo", func(t *testing.T) {
		buf, cleanup := captureOutput()
		defer cleanup()

		SetLevel("WARN")
		defer SetLevel("INFO")

		Debug("debug message")
		Info("info message")
		Warn("warn message")

		out := buf.String()
		assert.NotContains(t, out, "debug message")
		assert.NotContains(t, out, "info message")
		assert.Contains(t, out, "warn message")
	})

	t.Run("InvalidLevelIgnored", func(t *testing.T) {
		buf, cleanup := captureOutput()
		defer cleanup()

		SetLevel("LOUD")
		Info("still info")
		assert.Contains(t, buf.String(), "still info")
	})
}

func TestStructuredFields(t *testing.T) {
	buf, cleanup := captureOutput()
	defer cleanup()

	SetLevel("INFO")
	Info("documents saved",
		KeyCompany, "ACME_LTDA",
		KeyMonth, "03-2024",
		KeyDocType, "NFe",
		KeySaved, 42,
	)

	out := buf.String()
	assert.Contains(t, out, "company=ACME_LTDA")
	assert.Contains(t, out, "month=03-2024")
	assert.Contains(t, out, "doc_type=NFe")
	assert.Contains(t, out, "saved=42")
}

func TestJSONFormat(t *testing.T) {
	buf, cleanup := captureOutput()
	defer cleanup()

	SetFormat("json")
	defer SetFormat("text")

	Info("report downloaded", KeyCNPJ, "12345678000199", KeyCount, 7)

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "report downloaded", record["msg"])
	assert.Equal(t, "12345678000199", record["cnpj"])
	assert.Equal(t, float64(7), record["count"])
}

func TestContextFieldsPrepended(t *testing.T) {
	buf, cleanup := captureOutput()
	defer cleanup()

	lc := NewLogContext("ACME_LTDA", "12345678000199").WithMonth("03-2024")
	ctx := WithContext(context.Background(), lc)

	InfoCtx(ctx, "page complete", Skip(150))

	out := buf.String()
	assert.Contains(t, out, "company=ACME_LTDA")
	assert.Contains(t, out, "cnpj=12345678000199")
	assert.Contains(t, out, "month=03-2024")
	assert.Contains(t, out, "skip=150")

	companyIdx := strings.Index(out, "company=")
	skipIdx := strings.Index(out, "skip=")
	assert.Less(t, companyIdx, skipIdx, "scope fields come first")
}

func TestContextScopeCopies(t *testing.T) {
	base := NewLogContext("ACME_LTDA", "12345678000199")
	month := base.WithMonth("03-2024")
	docType := month.WithDocType("CTe")

	assert.Empty(t, base.Month, "parent scope untouched")
	assert.Equal(t, "03-2024", month.Month)
	assert.Empty(t, month.DocType)
	assert.Equal(t, "CTe", docType.DocType)
	assert.Equal(t, "03-2024", docType.Month)
}

func TestCtxWithoutLogContext(t *testing.T) {
	buf, cleanup := captureOutput()
	defer cleanup()

	InfoCtx(context.Background(), "no scope", KeyCount, 1)
	assert.Contains(t, buf.String(), "count=1")
}

func TestTeeDuplicatesOutput(t *testing.T) {
	buf, cleanup := captureOutput()
	defer cleanup()

	companyLog := new(bytes.Buffer)
	stop := Tee(companyLog)

	Info("while teed")
	stop()
	Info("after stop")

	assert.Contains(t, buf.String(), "while teed")
	assert.Contains(t, buf.String(), "after stop")
	assert.Contains(t, companyLog.String(), "while teed")
	assert.NotContains(t, companyLog.String(), "after stop")
}

func TestFieldConstructors(t *testing.T) {
	assert.Equal(t, KeyCNPJ, CNPJ("12345678000195").Key)
	assert.Equal(t, "12345678000195", CNPJ("12345678000195").Value.String())
	assert.Equal(t, int64(5), Attempt(5).Value.Int64())
	assert.Equal(t, KeyError, Err(assert.AnError).Key)
	assert.True(t, Err(nil).Equal(slog.Attr{}), "nil error is the zero attr")
}
