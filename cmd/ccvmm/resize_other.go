//go:build !unix

package main

func watchResize(apply func()) func() {
	apply()
	return func() {}
}
