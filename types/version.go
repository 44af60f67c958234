package types

// Version is the canonical project version.
// The CLI and the RPC wire contract share this version.
const Version = "0.3.0"

// ProtocolVersion is the RPC wire contract version. It is bumped in lockstep
// with Version whenever the request or response shapes change.
const ProtocolVersion = Version
