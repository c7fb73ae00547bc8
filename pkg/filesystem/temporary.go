package filesystem

const (
	// TemporaryNamePrefix is the file name prefix used for all temporary files
	// and directories created by inocore. Using this prefix guarantees that any
	// such files are ignored by the watch manager and version tracker. It may
	// be suffixed with additional elements if desired.
	TemporaryNamePrefix = ".inocore-temporary-"
)
