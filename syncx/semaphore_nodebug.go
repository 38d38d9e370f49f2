//go:build !semdebug

package syncx

// assertInvariants is a no-op outside of semdebug builds.
func assertInvariants(uint64) {}
