// Package devserver is a small, self-contained chat server for local runs
// and integration tests.
//
// It speaks the same protocol the client expects from a production server:
//
//   - POST /login and POST /register set the access_token cookie (HS256 JWT)
//   - GET /api/userinfo, /api/users, /api/conversation
//   - POST /api/conversation {"username": ...} finds or creates a two-party
//     conversation
//   - GET /api/conversation/{id}/messages?limit=&before_id= pages newest first
//   - GET /api/conversation/{id}/participant
//   - GET /api/ws-token issues a single-use live ticket
//   - GET /api/ws?websocket_token= upgrades to the live channel
//
// REST responses use the {"status", "data"} envelope. Live messages are
// stored in SQLite and relayed to every open connection of every
// participant. Invalid outbound frames are answered with
// {"status":"Bad Request","errors":{...}}.
//
// DropConnections severs every live connection at once, which is how tests
// exercise client reconnects.
package devserver
