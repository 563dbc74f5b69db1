// Package hiddesc models HID report descriptors: the short/long item grammar,
// the parsed capability tables the OS exposes for them, a forward parser that
// extracts usage information from raw descriptor bytes, and a reconstructor
// that synthesizes an equivalent descriptor from a parsed capability table.
//
// The byte format implemented here is the USB HID 1.11 item encoding.
package hiddesc

// ItemType is the HID short item "type" field.
// Main=0, Global=1, Local=2, Reserved=3.
type ItemType uint8

const (
	ItemTypeMain     ItemType = 0
	ItemTypeGlobal   ItemType = 1
	ItemTypeLocal    ItemType = 2
	ItemTypeReserved ItemType = 3
)

// Main item tags.
const (
	TagInput         = 0x8
	TagOutput        = 0x9
	TagCollection    = 0xA
	TagFeature       = 0xB
	TagEndCollection = 0xC
)

// Global item tags.
const (
	TagUsagePage       = 0x0
	TagLogicalMinimum  = 0x1
	TagLogicalMaximum  = 0x2
	TagPhysicalMinimum = 0x3
	TagPhysicalMaximum = 0x4
	TagUnitExponent    = 0x5
	TagUnit            = 0x6
	TagReportSize      = 0x7
	TagReportID        = 0x8
	TagReportCount     = 0x9
	TagPush            = 0xA
	TagPop             = 0xB
)

// Local item tags.
const (
	TagUsage           = 0x0
	TagUsageMinimum    = 0x1
	TagUsageMaximum    = 0x2
	TagDesignatorIndex = 0x3
	TagDesignatorMin   = 0x4
	TagDesignatorMax   = 0x5
	TagStringIndex     = 0x7
	TagStringMinimum   = 0x8
	TagStringMaximum   = 0x9
	TagDelimiter       = 0xA
)

// Collection type values carried by a Collection main item.
const (
	CollectionPhysical      = 0x00
	CollectionApplication   = 0x01
	CollectionLogical       = 0x02
	CollectionReport        = 0x03
	CollectionNamedArray    = 0x04
	CollectionUsageSwitch   = 0x05
	CollectionUsageModifier = 0x06
)

// Main item data bits (the BitField of Input/Output/Feature items).
const (
	MainConstant      = 1 << 0 // 0 = data, 1 = constant
	MainVariable      = 1 << 1 // 0 = array, 1 = variable
	MainRelative      = 1 << 2 // 0 = absolute, 1 = relative
	MainWrap          = 1 << 3
	MainNonLinear     = 1 << 4
	MainNoPreferred   = 1 << 5
	MainNullState     = 1 << 6
	MainVolatile      = 1 << 7
	MainBufferedBytes = 1 << 8
)

// shortItem appends one short item with the smallest payload width (1, 2 or
// 4 bytes) that fits value. Logical and physical bounds are signed; all other
// item payloads are unsigned.
func shortItem(buf []byte, tag uint8, typ ItemType, value int64, signed bool) []byte {
	prefix := tag<<4 | uint8(typ)<<2
	var size int
	if signed {
		switch {
		case value >= -128 && value <= 127:
			size = 1
		case value >= -32768 && value <= 32767:
			size = 2
		default:
			size = 4
		}
	} else {
		u := uint64(uint32(value))
		switch {
		case u <= 0xff:
			size = 1
		case u <= 0xffff:
			size = 2
		default:
			size = 4
		}
	}
	switch size {
	case 1:
		buf = append(buf, prefix|0x01, byte(value))
	case 2:
		buf = append(buf, prefix|0x02, byte(value), byte(value>>8))
	default:
		buf = append(buf, prefix|0x03, byte(value), byte(value>>8), byte(value>>16), byte(value>>24))
	}
	return buf
}

// shortItemEmpty appends a short item with zero payload bytes (End Collection).
func shortItemEmpty(buf []byte, tag uint8, typ ItemType) []byte {
	return append(buf, tag<<4|uint8(typ)<<2)
}
