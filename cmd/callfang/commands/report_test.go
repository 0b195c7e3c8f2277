package commands

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReport_WritesStandaloneHTML(t *testing.T) {
	t.Parallel()

	configPath := writeTestConfig(t)
	ids := seedCatalog(t, configPath)

	outputPath := filepath.Join(t.TempDir(), "libfz.html")

	out, err := runCLI(configPath, "report", ids.completed, "--output", outputPath)
	require.NoError(t, err)
	assert.Contains(t, out, "report written to "+outputPath)

	html, readErr := os.ReadFile(outputPath)
	require.NoError(t, readErr)

	page := string(html)
	assert.Contains(t, page, "echarts")
	assert.Contains(t, page, "callfang report: "+ids.completed)
	assert.Contains(t, page, "Reach depth distribution")
	assert.Contains(t, page, "Functions reached per fuzzer")
	assert.Contains(t, page, "fz_parse")
}

func TestReport_RequiresOutputFlag(t *testing.T) {
	t.Parallel()

	configPath := writeTestConfig(t)
	ids := seedCatalog(t, configPath)

	_, err := runCLI(configPath, "report", ids.completed)
	require.ErrorIs(t, err, ErrNoReportOutput)
}

func TestReport_GateRejectsUnreadyRows(t *testing.T) {
	t.Parallel()

	configPath := writeTestConfig(t)
	ids := seedCatalog(t, configPath)

	outputPath := filepath.Join(t.TempDir(), "never.html")

	_, err := runCLI(configPath, "report", ids.building, "--output", outputPath)
	require.ErrorIs(t, err, ErrQuerySnapshotNotReady)

	_, statErr := os.Stat(outputPath)
	assert.True(t, os.IsNotExist(statErr))
}
