// Package mcp contains protocol data types and constants shared across the
// HTTP transport and the dispatcher. It mirrors the wire representation of
// the Model Context Protocol while keeping the surface Go-friendly (exported
// structs with json tags, string constants for method names).
//
// The package is intentionally free of transport logic: the streaming HTTP
// layer and the JSON-RPC dispatcher import these types but implement their
// own framing, authentication and session handling.
package mcp
