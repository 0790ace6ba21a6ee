//go:build vmmdebug

package signal

const debugChecks = true
