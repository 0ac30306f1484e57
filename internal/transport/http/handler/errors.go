package handler

const (
	errInternalServer = "Internal server error"
	errJobNotFound    = "Strategy not found"
	errJobTerminal    = "Strategy is already executed or cancelled"
)
