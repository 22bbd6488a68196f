//go:build hexcache_debug

package storage

const debugging = true

func assert(cond bool, message string) {
	if !cond {
		panic(message)
	}
}
