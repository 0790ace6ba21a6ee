//go:build !vmmdebug

package signal

const debugChecks = false
