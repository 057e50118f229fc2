package httpserver

import "time"

// ShutdownTimeout bounds the graceful drain on exit: the indexing pipeline
// finishes in-flight runs first, then the HTTP server stops accepting.
var ShutdownTimeout = 10 * time.Second
