package network

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lanshare/models"
)

func TestFrameRoundTrip(t *testing.T) {
	payload := []byte(`{"filename":"a.txt","size":1,"type":"file"}`)

	var buffer bytes.Buffer
	require.NoError(t, WriteFrame(&buffer, payload))
	assert.Equal(t, uint32(len(payload)), binary.BigEndian.Uint32(buffer.Bytes()[:4]))

	got, err := ReadFrame(&buffer)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestWriteFrameRejectsOversizedPayload(t *testing.T) {
	var buffer bytes.Buffer
	assert.Equal(t, ErrFrameTooLarge, WriteFrame(&buffer, make([]byte, MaxHeaderSize+1)))
}

func TestHeaderRoundTrip(t *testing.T) {
	for name, header := range map[string]models.TransferHeader{
		"plain":   {Filename: "photo.jpg", Size: 1234, Kind: models.KindFile},
		"grouped": {Filename: "album/photo.jpg", Size: 1234, Kind: models.KindFile, GroupID: "g-1", GroupSize: 99999},
		"text":    {Filename: models.TextFilename, Size: 5, Kind: models.KindText},
	} {
		t.Run(name, func(t *testing.T) {
			var buffer bytes.Buffer
			require.NoError(t, WriteHeader(&buffer, header))

			got, err := ReadHeader(&buffer)
			require.NoError(t, err)
			assert.Equal(t, header, got)
		})
	}
}

func TestReadHeaderDefaultsMissingTypeToFile(t *testing.T) {
	var buffer bytes.Buffer
	require.NoError(t, WriteFrame(&buffer, []byte(`{"filename":"a.bin","size":3}`)))

	header, err := ReadHeader(&buffer)
	require.NoError(t, err)
	assert.Equal(t, models.KindFile, header.Kind)
}

func TestReadHeaderProtocolErrors(t *testing.T) {
	oversized := make([]byte, 4)
	binary.BigEndian.PutUint32(oversized, MaxHeaderSize+1)

	short := make([]byte, 4)
	binary.BigEndian.PutUint32(short, 100)
	short = append(short, []byte(`{"filename"`)...)

	frame := func(payload string) []byte {
		var buffer bytes.Buffer
		require.NoError(t, WriteFrame(&buffer, []byte(payload)))
		return buffer.Bytes()
	}

	for name, raw := range map[string][]byte{
		"empty":         nil,
		"short length":  {0, 0},
		"oversized":     oversized,
		"short payload": short,
		"bad json":      frame(`{not json`),
		"negative size": frame(`{"filename":"a","size":-1,"type":"file"}`),
		"unknown type":  frame(`{"filename":"a","size":1,"type":"folder"}`),
		"no filename":   frame(`{"size":1,"type":"file"}`),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ReadHeader(bytes.NewReader(raw))
			assert.True(t, errors.Is(err, ErrProtocol), "got %v", err)
		})
	}
}

func TestOffsetRoundTrip(t *testing.T) {
	var buffer bytes.Buffer
	require.NoError(t, WriteOffset(&buffer, 7_340_032))
	assert.Equal(t, OffsetSize, buffer.Len())

	offset, err := ReadOffset(&buffer)
	require.NoError(t, err)
	assert.EqualValues(t, 7_340_032, offset)
}

func TestReadOffsetOnClosedStream(t *testing.T) {
	_, err := ReadOffset(bytes.NewReader(nil))
	assert.Equal(t, io.EOF, err)

	_, err = ReadOffset(bytes.NewReader([]byte{0, 0, 0}))
	assert.True(t, errors.Is(err, io.ErrUnexpectedEOF))
}
