package protocol

// Records is a batch of TLV records. Operation sets and store values
// are built as Records and flattened once with Bytes.
type Records [][]byte

// Bytes flattens the batch into one buffer.
func (recs Records) Bytes() []byte {
	return Concat(recs...)
}

// SplitWary cuts untrusted data into whole records.
// Trailing garbage or a truncated record fails the whole split.
func SplitWary(data []byte) (recs Records, err error) {
	rest := data
	for len(rest) > 0 {
		lit, hlen, blen := ProbeHeader(rest)
		if lit == '-' {
			return nil, ErrBadRecord
		}
		if lit == 0 || hlen+blen > len(rest) {
			return nil, ErrIncomplete
		}
		recs = append(recs, rest[:hlen+blen])
		rest = rest[hlen+blen:]
	}
	return
}
