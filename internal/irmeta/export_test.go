package irmeta

// ProbeCaptureBody exposes body capture for tests.
func ProbeCaptureBody(path string, startLine int) (string, int, error) {
	return captureBody(path, startLine)
}

// ProbeRelSourcePath exposes DIFile path reduction for tests.
func ProbeRelSourcePath(projectDir, directory, filename string) string {
	return relSourcePath(projectDir, directory, filename)
}
