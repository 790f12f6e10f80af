// Package gateway serves the sigbot HTTP API.
//
// # Overview
//
// The Gateway owns the store, the bot registry, the HTTP server, an optional
// gRPC health server, and an optional tsnet node. Handlers are thin: they
// authenticate, decode, call the registry or a bot session, and map errors
// through apperr.HTTPStatus.
//
// # HTTP API
//
// Account routes take a JWT from POST /api/login:
//
//   - POST /api/login - exchange email and password for a token
//   - GET /api/bots - list the caller's bots
//   - POST /api/bots/register - create a bot or reuse one, request an SMS or voice code
//   - POST /api/bots/voice - request a voice code
//   - POST /api/bots/verify - submit the code
//   - POST /api/bots/cycle - replace the bot's access token
//   - POST /api/bots/delete - destroy the bot and its protocol state
//   - GET /api/audit - the caller's bot lifecycle history (botId, limit)
//
// Bot routes are addressed by the bot's access token:
//
//   - GET /bot/{token} - bot metadata
//   - POST /bot/{token}/send - send a text message
//   - GET /bot/{token}/receive - drain received messages
//
// Health:
//
//   - GET /health - liveness
//   - GET /health/ready - the store answers queries
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	ctx, cancel := context.WithCancel(context.Background())
//	go gw.Run(ctx)
//	cancel() // Run shuts down gracefully
package gateway
