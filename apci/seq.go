package apci

// SeqModulo is the modulus of the 15-bit send and receive sequence numbers.
const SeqModulo = 1 << 15

// SeqNum is a 15-bit sequence number N(S) or N(R).
type SeqNum uint16

// Valid reports whether s fits in 15 bits.
func (s SeqNum) Valid() bool { return s < SeqModulo }

// Next returns s+1 modulo 32768.
func (s SeqNum) Next() SeqNum { return s.Add(1) }

// Add returns s+n modulo 32768. n may be negative.
func (s SeqNum) Add(n int) SeqNum {
	v := (int(s) + n) % SeqModulo
	if v < 0 {
		v += SeqModulo
	}

	return SeqNum(v)
}

// Distance returns the number of increments needed to go from s to to, in [0, 32767].
func (s SeqNum) Distance(to SeqNum) int {
	d := (int(to) - int(s)) % SeqModulo
	if d < 0 {
		d += SeqModulo
	}

	return d
}
