//go:build semdebug

package syncx

// assertInvariants panics if the packed state ever leaves the documented
// range. Only compiled in under the semdebug build tag so the hot CAS
// loops pay nothing for it in production builds.
func assertInvariants(s uint64) {
	spinners, csp, waiters, cwait := unpack(s)
	if spinners > maxCount || csp > maxCount || waiters > maxCount || cwait > maxCount {
		panic("syncx: packed semaphore field out of range")
	}
	if csp+cwait > maxCount {
		panic("syncx: combined reserved permits exceed max")
	}
}
