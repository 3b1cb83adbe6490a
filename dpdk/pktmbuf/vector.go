package pktmbuf

// Vector is a slice of packets.
type Vector []*Packet

// Close releases the packets.
// Nil entries are skipped. Packets are grouped by pool and freed in bulk.
func (vec Vector) Close() error {
	for len(vec) > 0 {
		var pool *Pool
		i := 0
		for ; i < len(vec); i++ {
			if vec[i] == nil {
				continue
			}
			if pool == nil {
				pool = vec[i].pool
			} else if vec[i].pool != pool {
				break
			}
		}
		if pool != nil {
			pool.Free(vec[:i])
		}
		vec = vec[i:]
	}
	return nil
}

// Len returns total length of the packets.
func (vec Vector) Len() (n int) {
	for _, pkt := range vec {
		if pkt != nil {
			n += pkt.Len()
		}
	}
	return n
}
