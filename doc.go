// Package rlreplay is an instant-replay controller for OBS.
//
// The controller keeps an OBS replay buffer rolling over the obs-websocket
// control protocol. When a game plugin fires a save cue over UDP ("Scored",
// "EpicSave"), it waits a short configurable delay so the buffer covers the
// moments after the cue, saves the buffer to a clip, and points a VLC
// playback source at the saved file.
//
// Layout:
//
//   - protocol/   wire codec for the obs-websocket v5 envelope and auth digest
//   - transport/  single WebSocket connection: send path, receive stream, heartbeats
//   - session/    handshake, correlated request dispatch, event bus
//   - replay/     replay state machine and the VLC source controller
//   - supervisor/ reconnect loop with exponential backoff
//   - cue/        UDP save-cue listener with burst coalescing
//   - config/     YAML configuration
//   - metric/     Prometheus registry and exposition endpoint
//   - logcapture/ stdout/stderr redirection into the structured log
//   - errors/     classified error taxonomy shared by all components
//
// The daemon entry point is cmd/rlreplay.
package rlreplay
