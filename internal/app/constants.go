package app

const (
	Name           = "uartcl"
	SourceURL      = "https://github.com/uartcl/uartcl"
	ConfigFilename = "config.json"
	DBFilename     = "journal.db"
	LogFilename    = "uartcl.log"
	// SimTarget selects the built-in simulated bootloader on the command line.
	SimTarget = "sim://"
)
