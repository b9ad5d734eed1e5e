package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMuxFrameRoundTrip(t *testing.T) {
	f := MuxFrame{StreamID: 7, Payload: []byte("hello")}
	buf := f.Encode()

	got, n, err := DecodeMuxFrame(buf)
	require.NoError(t, err)
	require.Equal(t, len(buf), n)
	require.Equal(t, f.StreamID, got.StreamID)
	require.Equal(t, f.Payload, got.Payload)
}

func TestDecodeMuxFrameShort(t *testing.T) {
	_, _, err := DecodeMuxFrame([]byte{0, 1})
	require.ErrorIs(t, err, ErrShortFrame)

	f := MuxFrame{StreamID: 1, Payload: []byte("abc")}
	buf := f.Encode()
	_, _, err = DecodeMuxFrame(buf[:len(buf)-1])
	require.ErrorIs(t, err, ErrShortFrame)
}

func TestApiCallRoundTrip(t *testing.T) {
	c := ApiCall{Method: MethodSendMessage, Args: []byte("args")}
	got, err := DecodeApiCall(c.Encode())
	require.NoError(t, err)
	require.Equal(t, c.Method, got.Method)
	require.Equal(t, c.Args, got.Args)
}

func TestSendMessageArgsRoundTrip(t *testing.T) {
	var uid [16]byte
	copy(uid[:], "0123456789abcdef")
	data := []byte("payload data")

	args := EncodeSendMessage(uid, data)
	gotUID, gotData, err := DecodeSendMessage(args)
	require.NoError(t, err)
	require.Equal(t, uid, gotUID)
	require.Equal(t, data, gotData)
}

func TestResolveServersArgsRoundTrip(t *testing.T) {
	ids := []uint16{1, 2, 3, 65535}
	args := EncodeResolveServers(ids)
	got, err := DecodeResolveServers(args)
	require.NoError(t, err)
	require.Equal(t, ids, got)
}

func TestClientCloudEventArgsRoundTrip(t *testing.T) {
	var uid [16]byte
	copy(uid[:], "client-uid-16byt")
	cloud := []uint16{10, 20, 30}

	args := EncodeClientCloudEvent(uid, cloud)
	gotUID, gotCloud, err := DecodeClientCloudEvent(args)
	require.NoError(t, err)
	require.Equal(t, uid, gotUID)
	require.Equal(t, cloud, gotCloud)
}
