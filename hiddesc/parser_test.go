package hiddesc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUsageIterator(t *testing.T) {
	tests := []struct {
		name string
		desc []byte
		want []UsagePair
	}{
		{
			name: "single top-level collection",
			desc: []byte{
				0x05, 0x01, // Usage Page (Generic Desktop)
				0x09, 0x02, // Usage (Mouse)
				0xA1, 0x01, // Collection (Application)
				0x09, 0x01, //   Usage (Pointer)
				0xA1, 0x00, //   Collection (Physical)
				0x05, 0x09, //     Usage Page (Button)
				0x19, 0x01, //     Usage Minimum
				0x29, 0x03, //     Usage Maximum
				0x15, 0x00, //     Logical Minimum
				0x25, 0x01, //     Logical Maximum
				0x95, 0x03, //     Report Count
				0x75, 0x01, //     Report Size
				0x81, 0x02, //     Input (Data,Var,Abs)
				0xC0, //   End Collection
				0xC0, // End Collection
			},
			want: []UsagePair{{Page: 0x01, Usage: 0x02}},
		},
		{
			name: "two top-level collections",
			desc: []byte{
				0x05, 0x01, 0x09, 0x06, 0xA1, 0x01, 0xC0,
				0x05, 0x0C, 0x09, 0x01, 0xA1, 0x01, 0xC0,
			},
			want: []UsagePair{{Page: 0x01, Usage: 0x06}, {Page: 0x0C, Usage: 0x01}},
		},
		{
			name: "usage page persists across collections",
			desc: []byte{
				0x05, 0x01, 0x09, 0x06, 0xA1, 0x01, 0xC0,
				0x09, 0x02, 0xA1, 0x01, 0xC0,
			},
			want: []UsagePair{{Page: 0x01, Usage: 0x06}, {Page: 0x01, Usage: 0x02}},
		},
		{
			name: "extended four byte usage",
			desc: []byte{
				0x0B, 0x30, 0x00, 0x01, 0x00, // Usage (page 0x0001, usage 0x0030)
				0xA1, 0x01, 0xC0,
			},
			want: []UsagePair{{Page: 0x01, Usage: 0x30}},
		},
		{
			name: "usage pair without any collection is still reported",
			desc: []byte{0x05, 0x01, 0x09, 0x02},
			want: []UsagePair{{Page: 0x01, Usage: 0x02}},
		},
		{
			name: "trailing usage without collection is ignored after first pair",
			desc: []byte{
				0x05, 0x01, 0x09, 0x06, 0xA1, 0x01, 0xC0,
				0x09, 0x02,
			},
			want: []UsagePair{{Page: 0x01, Usage: 0x06}},
		},
		{
			name: "empty descriptor",
			desc: nil,
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractUsages(tt.desc)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestUsageIteratorMalformed(t *testing.T) {
	tests := []struct {
		name string
		desc []byte
	}{
		{name: "long item prefix at last byte", desc: []byte{0xFE}},
		{name: "long item prefix after valid items", desc: []byte{0x05, 0x01, 0xFE}},
		{name: "unterminated collection", desc: []byte{0x05, 0x01, 0x09, 0x02, 0xA1, 0x01}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ExtractUsages(tt.desc)
			require.ErrorIs(t, err, ErrMalformedDescriptor)
		})
	}
}

func TestUsageIteratorIsRestartable(t *testing.T) {
	desc := []byte{
		0x05, 0x01, 0x09, 0x06, 0xA1, 0x01, 0xC0,
		0x05, 0x0C, 0x09, 0x01, 0xA1, 0x01, 0xC0,
	}
	it := NewUsageIterator(desc)

	pair, ok, err := it.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, UsagePair{Page: 0x01, Usage: 0x06}, pair)

	pair, ok, err = it.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, UsagePair{Page: 0x0C, Usage: 0x01}, pair)

	_, ok, err = it.Next()
	require.NoError(t, err)
	assert.False(t, ok)

	// Exhausted iterators stay exhausted.
	_, ok, err = it.Next()
	require.NoError(t, err)
	assert.False(t, ok)
}
