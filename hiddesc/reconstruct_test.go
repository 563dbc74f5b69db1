package hiddesc

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// valueCap builds a non-range value capability occupying bytePos (1-based,
// report id byte excluded) with the given size in bits.
func valueCap(coll uint16, reportID uint8, page, usage uint16, bytePos uint16, sizeBits uint16, logMin, logMax int32) Capability {
	return Capability{
		UsagePage:      page,
		ReportID:       reportID,
		BytePosition:   bytePos,
		ReportSize:     sizeBits,
		ReportCount:    1,
		BitField:       MainVariable, // Data,Var,Abs
		LinkCollection: coll,
		IsAbsolute:     true,
		Usage:          usage,
		LogicalMin:     logMin,
		LogicalMax:     logMax,
	}
}

func TestReconstructGamePadScenario(t *testing.T) {
	pd := &PreparsedData{
		Usage:     0x05,
		UsagePage: 0x01,
		LinkCollections: []LinkCollectionNode{
			{LinkUsagePage: 0x01, LinkUsage: 0x01, CollectionType: CollectionApplication},
		},
	}
	pd.Caps[ReportTypeInput] = []Capability{
		valueCap(0, 1, 0x01, 0x30, 1, 8, 0, 255),
	}

	got, err := Reconstruct(pd)
	require.NoError(t, err)

	want := []byte{
		0x05, 0x01, // Usage Page (Generic Desktop)
		0x09, 0x01, // Usage (collection usage)
		0xA1, 0x01, // Collection (Application)
		0x85, 0x01, //   Report ID (1)
		0x05, 0x01, //   Usage Page (Generic Desktop)
		0x09, 0x30, //   Usage (X)
		0x15, 0x00, //   Logical Minimum (0)
		0x26, 0xFF, 0x00, //   Logical Maximum (255)
		0x75, 0x08, //   Report Size (8)
		0x95, 0x01, //   Report Count (1)
		0x81, 0x02, //   Input (Data,Var,Abs)
		0xC0, // End Collection
	}
	assert.Equal(t, want, got)
}

func TestReconstructBitGapPadding(t *testing.T) {
	// Fields at bits [0..7] and [16..23] of one report: the uncovered gap
	// [8..15] must come back as exactly one synthetic constant item.
	pd := &PreparsedData{
		LinkCollections: []LinkCollectionNode{
			{LinkUsagePage: 0x01, LinkUsage: 0x01, CollectionType: CollectionApplication},
		},
	}
	pd.Caps[ReportTypeInput] = []Capability{
		valueCap(0, 0, 0x01, 0x30, 1, 8, 0, 255),
		valueCap(0, 0, 0x01, 0x31, 3, 8, 0, 255),
	}

	got, err := Reconstruct(pd)
	require.NoError(t, err)

	want := []byte{
		0x05, 0x01, 0x09, 0x01, 0xA1, 0x01,
		0x05, 0x01, 0x09, 0x30,
		0x15, 0x00, 0x26, 0xFF, 0x00,
		0x75, 0x08, 0x95, 0x01,
		0x81, 0x02, // X at bits [0..7]
		0x81, 0x03, // Input (Const,Var): padding [8..15]; size/count unchanged
		0x09, 0x31,
		0x81, 0x02, // Y at bits [16..23]
		0xC0,
	}
	assert.Equal(t, want, got)
}

func TestReconstructIntegerWidthSelection(t *testing.T) {
	tests := []struct {
		name   string
		logMin int32
		want   []byte
	}{
		{name: "200 needs the two byte form", logMin: 200, want: []byte{0x16, 0xC8, 0x00}},
		{name: "-5 fits the one byte signed form", logMin: -5, want: []byte{0x15, 0xFB}},
		{name: "70000 needs the four byte form", logMin: 70000, want: []byte{0x17, 0x70, 0x11, 0x01, 0x00}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pd := &PreparsedData{
				LinkCollections: []LinkCollectionNode{
					{LinkUsagePage: 0x01, LinkUsage: 0x01, CollectionType: CollectionApplication},
				},
			}
			pd.Caps[ReportTypeInput] = []Capability{
				valueCap(0, 0, 0x01, 0x30, 1, 16, tt.logMin, 100000),
			}
			got, err := Reconstruct(pd)
			require.NoError(t, err)
			assert.True(t, bytes.Contains(got, tt.want),
				"reconstructed descriptor % X must contain logical minimum item % X", got, tt.want)
		})
	}
}

func TestReconstructAliasChain(t *testing.T) {
	pd := &PreparsedData{
		LinkCollections: []LinkCollectionNode{
			{LinkUsagePage: 0x01, LinkUsage: 0x01, CollectionType: CollectionApplication},
		},
	}
	first := valueCap(0, 0, 0x01, 0x30, 1, 8, 0, 255)
	first.IsAlias = true
	second := valueCap(0, 0, 0x01, 0x31, 1, 8, 0, 255)
	pd.Caps[ReportTypeInput] = []Capability{first, second}

	got, err := Reconstruct(pd)
	require.NoError(t, err)

	// Delimiter-Open, usages with the last table entry first, Delimiter-Close.
	want := []byte{
		0xA9, 0x01, // Delimiter (Open)
		0x09, 0x31,
		0x09, 0x30,
		0xA9, 0x00, // Delimiter (Close)
	}
	assert.True(t, bytes.Contains(got, want),
		"reconstructed descriptor % X must contain delimited alias usages % X", got, want)
	// One shared bit field only.
	assert.Equal(t, 1, bytes.Count(got, []byte{0x81, 0x02}))
}

func TestReconstructNestedCollectionsRoundTrip(t *testing.T) {
	// Root application collection with two nested physical collections whose
	// declaration order must be recovered from bit positions: the collection
	// holding the lower bits comes first even though the sibling chain lists
	// it last.
	pd := &PreparsedData{
		LinkCollections: []LinkCollectionNode{
			{LinkUsagePage: 0x01, LinkUsage: 0x02, CollectionType: CollectionApplication, FirstChild: 2, NumberOfChildren: 2},
			{LinkUsagePage: 0x01, LinkUsage: 0x01, CollectionType: CollectionPhysical, Parent: 0},
			{LinkUsagePage: 0x01, LinkUsage: 0x39, CollectionType: CollectionPhysical, Parent: 0, NextSibling: 1},
		},
	}
	pd.Caps[ReportTypeInput] = []Capability{
		valueCap(1, 0, 0x01, 0x30, 1, 8, -127, 127), // collection 1, bits [0..7]
		valueCap(2, 0, 0x01, 0x38, 2, 8, -127, 127), // collection 2, bits [8..15]
	}
	pd.Caps[ReportTypeFeature] = []Capability{
		valueCap(0, 0, 0x06, 0x20, 1, 8, 0, 100),
	}

	desc, err := Reconstruct(pd)
	require.NoError(t, err)

	pairs, err := ExtractUsages(desc)
	require.NoError(t, err)
	assert.Equal(t, []UsagePair{{Page: 0x01, Usage: 0x02}}, pairs)

	// Collection 1 owns the lower bits and must be declared first.
	x := bytes.Index(desc, []byte{0x09, 0x30})
	wheel := bytes.Index(desc, []byte{0x09, 0x38})
	require.GreaterOrEqual(t, x, 0)
	require.GreaterOrEqual(t, wheel, 0)
	assert.Less(t, x, wheel)
}

func TestReconstructCoalescesIdenticalFields(t *testing.T) {
	// Two contiguous identically shaped fields fold into one item with an
	// incremented report count.
	pd := &PreparsedData{
		LinkCollections: []LinkCollectionNode{
			{LinkUsagePage: 0x01, LinkUsage: 0x01, CollectionType: CollectionApplication},
		},
	}
	a := valueCap(0, 0, 0x09, 0x05, 1, 8, 0, 9)
	a.IsMultipleItemsForArray = true
	b := valueCap(0, 0, 0x09, 0x05, 2, 8, 0, 9)
	b.IsMultipleItemsForArray = true
	pd.Caps[ReportTypeInput] = []Capability{a, b}

	got, err := Reconstruct(pd)
	require.NoError(t, err)

	assert.True(t, bytes.Contains(got, []byte{0x95, 0x02}), "report count must be 2 in % X", got)
	assert.Equal(t, 1, bytes.Count(got, []byte{0x81, 0x02}))
}

func TestReconstructMalformedInput(t *testing.T) {
	t.Run("empty table", func(t *testing.T) {
		_, err := Reconstruct(&PreparsedData{})
		require.ErrorIs(t, err, ErrMalformedDescriptor)
	})
	t.Run("nil table", func(t *testing.T) {
		_, err := Reconstruct(nil)
		require.ErrorIs(t, err, ErrMalformedDescriptor)
	})
	t.Run("cyclic collection tree", func(t *testing.T) {
		pd := &PreparsedData{
			LinkCollections: []LinkCollectionNode{
				{FirstChild: 1},
				{Parent: 0, NextSibling: 1}, // sibling chain loops back to itself
			},
		}
		_, err := Reconstruct(pd)
		require.ErrorIs(t, err, ErrMalformedDescriptor)
	})
	t.Run("alias chain without terminator", func(t *testing.T) {
		pd := &PreparsedData{
			LinkCollections: []LinkCollectionNode{{CollectionType: CollectionApplication}},
		}
		c := valueCap(0, 0, 0x01, 0x30, 1, 8, 0, 1)
		c.IsAlias = true
		pd.Caps[ReportTypeInput] = []Capability{c}
		_, err := Reconstruct(pd)
		require.ErrorIs(t, err, ErrMalformedDescriptor)
	})
}

func TestParsePreparsedBlobMarker(t *testing.T) {
	t.Run("missing marker", func(t *testing.T) {
		blob := make([]byte, 64)
		copy(blob, "NotTheKD")
		_, err := ParsePreparsedBlob(blob)
		require.ErrorIs(t, err, ErrMalformedDescriptor)
	})
	t.Run("short blob", func(t *testing.T) {
		_, err := ParsePreparsedBlob([]byte("HidP"))
		require.ErrorIs(t, err, ErrMalformedDescriptor)
	})
	t.Run("valid empty blob", func(t *testing.T) {
		blob := make([]byte, BlobHeaderLen)
		copy(blob, "HidP KDR")
		n, err := BlobLen(blob)
		require.NoError(t, err)
		assert.Equal(t, BlobHeaderLen, n)

		pd, err := ParsePreparsedBlob(blob)
		require.NoError(t, err)
		assert.Empty(t, pd.LinkCollections)
	})
}
