// Package mcp implements the server side of the Model Context Protocol
// for the Qlik tools: a JSON-RPC 2.0 dispatcher and the streamable-HTTP
// endpoint that carries it.
//
// Each POST /mcp body is one JSON-RPC message. The tenant credential
// travels with the request (X-API-KEY or Authorization: Bearer) and
// falls back to the configured token, so a single server can front
// many users.
package mcp
