package hiddesc

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrMalformedDescriptor reports an inconsistent item encoding in raw
// descriptor bytes, or a capability table that is not of the expected shape.
var ErrMalformedDescriptor = errors.New("hiddesc: malformed report descriptor")

// ReportType selects one of the three per-report-type capability arrays.
type ReportType int

const (
	ReportTypeInput ReportType = iota
	ReportTypeOutput
	ReportTypeFeature

	numReportTypes = 3
)

func (rt ReportType) String() string {
	switch rt {
	case ReportTypeInput:
		return "input"
	case ReportTypeOutput:
		return "output"
	case ReportTypeFeature:
		return "feature"
	}
	return fmt.Sprintf("ReportType(%d)", int(rt))
}

// mainItemTag returns the main item tag used to emit a field of this type.
func (rt ReportType) mainItemTag() uint8 {
	switch rt {
	case ReportTypeOutput:
		return TagOutput
	case ReportTypeFeature:
		return TagFeature
	default:
		return TagInput
	}
}

// Capability is one field definition inside a report: where it sits in the
// report bytes, how wide it is, and what usage(s) it carries. It mirrors the
// per-capability records of the OS's parsed descriptor representation.
type Capability struct {
	UsagePage uint16
	ReportID  uint8

	// BitPosition is the bit offset within the starting byte; BytePosition is
	// the 1-based byte position within the report, not counting the report id
	// byte. Together they give the field's absolute first bit.
	BitPosition  uint8
	BytePosition uint16
	ReportSize   uint16 // bits per element
	ReportCount  uint16 // number of elements

	// BitField holds the raw Input/Output/Feature item data bits
	// (constant/variable/relative and friends).
	BitField uint32

	// LinkCollection is the index of the owning collection node.
	LinkCollection uint16

	IsMultipleItemsForArray bool
	IsButtonCap             bool
	IsPadding               bool
	IsAbsolute              bool
	IsRange                 bool
	IsAlias                 bool
	IsStringRange           bool
	IsDesignatorRange       bool

	// Usage is the single usage for non-range capabilities; for ranges
	// UsageMin/UsageMax bound the range and Usage is unused.
	Usage    uint16
	UsageMin uint16
	UsageMax uint16

	StringIndex     uint16
	StringMin       uint16
	StringMax       uint16
	DesignatorIndex uint16
	DesignatorMin   uint16
	DesignatorMax   uint16

	LogicalMin  int32
	LogicalMax  int32
	PhysicalMin int32
	PhysicalMax int32
	HasNull     bool

	Units    uint32
	UnitsExp uint32
}

// firstBit returns the absolute first bit of the field within its report,
// counted from the first data byte (the report id byte excluded).
func (c *Capability) firstBit() int {
	return (int(c.BytePosition)-1)*8 + int(c.BitPosition)
}

// lastBit returns the absolute last bit covered by the field.
func (c *Capability) lastBit() int {
	return c.firstBit() + int(c.ReportSize)*int(c.ReportCount) - 1
}

// LinkCollectionNode is one node of the collection tree. Nodes live in a flat
// array addressed by index; index 0 is the root (the top-level application
// collection). Parent indices always point toward the root.
type LinkCollectionNode struct {
	LinkUsage        uint16
	LinkUsagePage    uint16
	Parent           uint16
	NumberOfChildren uint16
	NextSibling      uint16
	FirstChild       uint16
	CollectionType   uint8
	IsAlias          bool
}

// PreparsedData is the in-memory form of an OS parsed capability table: the
// collection tree plus the three per-report-type capability arrays, and the
// fixed per-type report byte lengths (report id byte included).
type PreparsedData struct {
	Usage     uint16
	UsagePage uint16

	// ReportLengths holds the fixed report byte length per report type.
	ReportLengths [numReportTypes]uint16

	Caps            [numReportTypes][]Capability
	LinkCollections []LinkCollectionNode
}

// Binary layout of the native preparsed data blob, as produced by the Windows
// HID class driver. All fields are little-endian.
const (
	blobMagic = "HidP KDR"

	blobOffUsage        = 8
	blobOffUsagePage    = 10
	blobOffCapsInfo     = 16 // three records of blobCapsInfoLen bytes
	blobCapsInfoLen     = 8  // FirstCap, NumberOfCaps, LastCap, ReportByteLength
	blobOffLinkCollByte = 40 // byte offset of collection array, relative to caps
	blobOffNumLinkColl  = 42
	blobOffCaps         = 44
	blobCapLen          = 112
	blobLinkCollLen     = 16
)

// BlobHeaderLen is the number of bytes needed to size a preparsed data blob
// from its header alone (see BlobLen).
const BlobHeaderLen = blobOffCaps

// BlobLen computes the total byte length of a preparsed data blob from its
// fixed-size header. The header must be at least BlobHeaderLen bytes and
// carry the validity marker, otherwise ErrMalformedDescriptor is returned.
func BlobLen(header []byte) (int, error) {
	if len(header) < BlobHeaderLen || string(header[:len(blobMagic)]) != blobMagic {
		return 0, fmt.Errorf("%w: missing preparsed data marker", ErrMalformedDescriptor)
	}
	collByte := int(binary.LittleEndian.Uint16(header[blobOffLinkCollByte:]))
	numColl := int(binary.LittleEndian.Uint16(header[blobOffNumLinkColl:]))
	return blobOffCaps + collByte + numColl*blobLinkCollLen, nil
}

// ParsePreparsedBlob decodes a native preparsed data blob into the portable
// model. The blob must start with the 8-byte validity marker; without it the
// input is not of the expected shape and the call fails with
// ErrMalformedDescriptor.
func ParsePreparsedBlob(blob []byte) (*PreparsedData, error) {
	if _, err := BlobLen(blob); err != nil {
		return nil, err
	}
	pd := &PreparsedData{
		Usage:     binary.LittleEndian.Uint16(blob[blobOffUsage:]),
		UsagePage: binary.LittleEndian.Uint16(blob[blobOffUsagePage:]),
	}

	type capsInfo struct {
		firstCap, numberOfCaps, lastCap, reportByteLength int
	}
	var infos [numReportTypes]capsInfo
	for rt := 0; rt < numReportTypes; rt++ {
		off := blobOffCapsInfo + rt*blobCapsInfoLen
		infos[rt] = capsInfo{
			firstCap:         int(binary.LittleEndian.Uint16(blob[off:])),
			numberOfCaps:     int(binary.LittleEndian.Uint16(blob[off+2:])),
			lastCap:          int(binary.LittleEndian.Uint16(blob[off+4:])),
			reportByteLength: int(binary.LittleEndian.Uint16(blob[off+6:])),
		}
		pd.ReportLengths[rt] = uint16(infos[rt].reportByteLength)
	}

	for rt := 0; rt < numReportTypes; rt++ {
		for i := infos[rt].firstCap; i < infos[rt].lastCap; i++ {
			off := blobOffCaps + i*blobCapLen
			if off+blobCapLen > len(blob) {
				return nil, fmt.Errorf("%w: capability array exceeds blob", ErrMalformedDescriptor)
			}
			pd.Caps[rt] = append(pd.Caps[rt], decodeBlobCap(blob[off:off+blobCapLen]))
		}
	}

	collOff := blobOffCaps + int(binary.LittleEndian.Uint16(blob[blobOffLinkCollByte:]))
	numColl := int(binary.LittleEndian.Uint16(blob[blobOffNumLinkColl:]))
	for i := 0; i < numColl; i++ {
		off := collOff + i*blobLinkCollLen
		if off+blobLinkCollLen > len(blob) {
			return nil, fmt.Errorf("%w: collection array exceeds blob", ErrMalformedDescriptor)
		}
		pd.LinkCollections = append(pd.LinkCollections, decodeBlobLinkColl(blob[off:off+blobLinkCollLen]))
	}
	return pd, nil
}

func decodeBlobCap(b []byte) Capability {
	le := binary.LittleEndian
	c := Capability{
		UsagePage:      le.Uint16(b[0:]),
		ReportID:       b[2],
		BitPosition:    b[3],
		ReportSize:     le.Uint16(b[4:]),
		ReportCount:    le.Uint16(b[6:]),
		BytePosition:   le.Uint16(b[8:]),
		BitField:       le.Uint32(b[12:]),
		LinkCollection: le.Uint16(b[18:]),

		IsMultipleItemsForArray: b[24] != 0,
		IsButtonCap:             b[25] != 0,
		IsPadding:               b[26] != 0,
		IsAbsolute:              b[27] != 0,
		IsRange:                 b[28] != 0,
		IsAlias:                 b[29] != 0,
		IsStringRange:           b[30] != 0,
		IsDesignatorRange:       b[31] != 0,
	}
	// The range/not-range union: eight uint16 values starting after the
	// unknown-token block.
	const rangeOff = 68
	if c.IsRange {
		c.UsageMin = le.Uint16(b[rangeOff:])
		c.UsageMax = le.Uint16(b[rangeOff+2:])
	} else {
		c.Usage = le.Uint16(b[rangeOff:])
	}
	if c.IsStringRange {
		c.StringMin = le.Uint16(b[rangeOff+4:])
		c.StringMax = le.Uint16(b[rangeOff+6:])
	} else {
		c.StringIndex = le.Uint16(b[rangeOff+4:])
	}
	if c.IsDesignatorRange {
		c.DesignatorMin = le.Uint16(b[rangeOff+8:])
		c.DesignatorMax = le.Uint16(b[rangeOff+10:])
	} else {
		c.DesignatorIndex = le.Uint16(b[rangeOff+8:])
	}

	// The button/not-button union follows the range union.
	const buttonOff = rangeOff + 16
	if c.IsButtonCap {
		c.LogicalMin = int32(le.Uint32(b[buttonOff:]))
		c.LogicalMax = int32(le.Uint32(b[buttonOff+4:]))
	} else {
		c.HasNull = b[buttonOff] != 0
		c.LogicalMin = int32(le.Uint32(b[buttonOff+4:]))
		c.LogicalMax = int32(le.Uint32(b[buttonOff+8:]))
		c.PhysicalMin = int32(le.Uint32(b[buttonOff+12:]))
		c.PhysicalMax = int32(le.Uint32(b[buttonOff+16:]))
	}
	c.Units = le.Uint32(b[104:])
	c.UnitsExp = le.Uint32(b[108:])
	return c
}

func decodeBlobLinkColl(b []byte) LinkCollectionNode {
	le := binary.LittleEndian
	bits := le.Uint32(b[12:])
	return LinkCollectionNode{
		LinkUsage:        le.Uint16(b[0:]),
		LinkUsagePage:    le.Uint16(b[2:]),
		Parent:           le.Uint16(b[4:]),
		NumberOfChildren: le.Uint16(b[6:]),
		NextSibling:      le.Uint16(b[8:]),
		FirstChild:       le.Uint16(b[10:]),
		CollectionType:   uint8(bits & 0xff),
		IsAlias:          bits&0x100 != 0,
	}
}
