package bitcode

// ProbeParseMajorVersion exposes version banner parsing for tests.
func ProbeParseMajorVersion(banner string) (int, bool) {
	return parseMajorVersion(banner)
}

// ProbeSourceStem exposes harness source stemming for tests.
func ProbeSourceStem(path string) string {
	return sourceStem(path)
}

// ProbeTUStem exposes blob basename stemming for tests.
func ProbeTUStem(name string) string {
	return tuStem(name)
}
