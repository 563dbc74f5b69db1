package hiddesc

import "fmt"

// UsagePair is one usage-page/usage combination extracted from a descriptor.
type UsagePair struct {
	Page  uint16
	Usage uint16
}

// UsageIterator walks raw report descriptor bytes and yields the
// usage-page/usage pair of each top-level collection. The walk is lazy and
// restartable: every Next call resumes from the saved cursor. The usage page
// is a Global item and stays in scope across calls; the usage itself is a
// Local item and must be seen again before each collection.
type UsageIterator struct {
	desc []byte
	pos  int
	page uint16
}

// NewUsageIterator returns an iterator positioned at the start of desc.
func NewUsageIterator(desc []byte) *UsageIterator {
	return &UsageIterator{desc: desc}
}

// Next returns the next usage pair found at a Collection boundary with a
// Usage local item in scope. ok is false when the descriptor is exhausted.
//
// If the byte stream ends without any top-level Collection but a usage was
// seen from the very start, that pair is still reported as valid. Some
// devices in the wild ship such descriptors; keep this lenient path.
func (it *UsageIterator) Next() (pair UsagePair, ok bool, err error) {
	initial := it.pos == 0
	var usage uint16
	var usageFound bool

	for it.pos < len(it.desc) {
		key := it.desc[it.pos]
		dataLen, keySize, err := itemSize(it.desc, it.pos)
		if err != nil {
			return UsagePair{}, false, err
		}

		switch key & 0xfc {
		case 0x04: // Usage Page (Global)
			it.page = uint16(itemData(it.desc, it.pos+keySize, dataLen))
		case 0x08: // Usage (Local)
			if dataLen == 4 {
				// Extended usage: the high word carries the page.
				v := itemData(it.desc, it.pos+keySize, dataLen)
				it.page = uint16(v >> 16)
				usage = uint16(v)
			} else {
				usage = uint16(itemData(it.desc, it.pos+keySize, dataLen))
			}
			usageFound = true
		case 0xa0: // Collection (Main)
			if err := it.skipCollection(); err != nil {
				return UsagePair{}, false, err
			}
			if usageFound {
				return UsagePair{Page: it.page, Usage: usage}, true, nil
			}
			continue // skipCollection already advanced the cursor
		}

		it.pos += keySize + dataLen
	}

	if initial && usageFound {
		return UsagePair{Page: it.page, Usage: usage}, true, nil
	}
	return UsagePair{}, false, nil
}

// skipCollection advances the cursor past the Collection item it points at
// and everything up to and including the matching End Collection, tracking
// nesting depth. A collection left unterminated at the end of the byte
// stream is malformed.
func (it *UsageIterator) skipCollection() error {
	depth := 0
	for it.pos < len(it.desc) {
		key := it.desc[it.pos]
		dataLen, keySize, err := itemSize(it.desc, it.pos)
		if err != nil {
			return err
		}
		switch key & 0xfc {
		case 0xa0:
			depth++
		case 0xc0:
			depth--
		}
		it.pos += keySize + dataLen
		if depth <= 0 {
			break
		}
	}
	if depth != 0 {
		return fmt.Errorf("%w: unterminated collection", ErrMalformedDescriptor)
	}
	return nil
}

// ExtractUsages runs the iterator to completion and collects every pair.
func ExtractUsages(desc []byte) ([]UsagePair, error) {
	it := NewUsageIterator(desc)
	var pairs []UsagePair
	for {
		pair, ok, err := it.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			return pairs, nil
		}
		pairs = append(pairs, pair)
	}
}

// itemSize decodes the payload length and header length of the item at pos.
// Short items pack the payload size into the low two prefix bits; long items
// (prefix 0xF*) carry an explicit payload length in the following byte.
func itemSize(desc []byte, pos int) (dataLen, keySize int, err error) {
	key := desc[pos]
	if key&0xf0 == 0xf0 {
		if pos+1 >= len(desc) {
			return 0, 0, fmt.Errorf("%w: long item prefix at end of descriptor", ErrMalformedDescriptor)
		}
		return int(desc[pos+1]), 3, nil
	}
	sizes := [4]int{0, 1, 2, 4}
	return sizes[key&0x03], 1, nil
}

// itemData reads up to four little-endian payload bytes, zero-extending past
// the end of the descriptor.
func itemData(desc []byte, pos, dataLen int) uint32 {
	var v uint32
	if dataLen > 4 {
		dataLen = 4
	}
	for i := 0; i < dataLen; i++ {
		if pos+i >= len(desc) {
			break
		}
		v |= uint32(desc[pos+i]) << (8 * i)
	}
	return v
}
