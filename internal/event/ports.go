package event

// PackPorts packs a port pair into the 64-bit wire field: the local port in
// the low 32 bits, the remote port in the high 32 bits. Both are host order.
func PackPorts(local, remote uint16) uint64 {
	return uint64(local) | uint64(remote)<<32
}

// UnpackPorts is the inverse of PackPorts.
func UnpackPorts(ports uint64) (local, remote uint16) {
	return uint16(ports & 0xFFFF), uint16((ports >> 32) & 0xFFFF)
}
