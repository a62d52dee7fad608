// ha-mcp-bridge brokers Home Assistant access to MCP clients behind a
// self-hosted OAuth 2.0 authorization server.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
