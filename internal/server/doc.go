// Package server is the network edge of huddle: it upgrades WebSocket
// connections and pumps their frames through the chat hub, serves the
// account and history REST endpoints, and owns the process lifecycle of
// the stores, hub and session sweeper.
package server
