// Command guarded-mcp runs the guarded MCP server over stdio, or over SSE when
// -sse is given. Every tool asks for approval before acting.
package main

import (
	"flag"
	"os"

	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"

	"github.com/opencode-ai/gatekeeper/pkg/mcpserver/guarded"
)

func main() {
	sseAddr := flag.String("sse", "", "serve over SSE on this address instead of stdio")
	flag.Parse()

	// stdout carries the protocol; logs go to stderr.
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	s := guarded.NewServer(guarded.NewWorkspace(nil))
	if *sseAddr != "" {
		log.Info().Str("addr", *sseAddr).Msg("serving guarded MCP over SSE")
		if err := server.NewSSEServer(s).Start(*sseAddr); err != nil {
			log.Fatal().Err(err).Msg("sse server failed")
		}
		return
	}
	if err := server.ServeStdio(s); err != nil {
		log.Fatal().Err(err).Msg("stdio server failed")
	}
}
