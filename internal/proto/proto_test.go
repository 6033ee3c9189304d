package proto

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAppendStore(t *testing.T) {
	cases := []struct {
		name string
		got  []byte
		want string
	}{
		{
			name: "set",
			got:  AppendStore(nil, Set, "key", 0, 100, 0, false, []byte("value")),
			want: "set key 0 100 5\r\nvalue\r\n",
		},
		{
			name: "set noreply",
			got:  AppendStore(nil, Set, "key", 0, 0, 0, true, []byte("value")),
			want: "set key 0 0 5 noreply\r\nvalue\r\n",
		},
		{
			name: "set with flags",
			got:  AppendStore(nil, Set, "key", 16, 0, 0, false, []byte("hi")),
			want: "set key 16 0 2\r\nhi\r\n",
		},
		{
			name: "add",
			got:  AppendStore(nil, Add, "k", 0, 0, 0, false, []byte("v")),
			want: "add k 0 0 1\r\nv\r\n",
		},
		{
			name: "cas",
			got:  AppendStore(nil, Cas, "k", 2, 60, 123, false, []byte("data")),
			want: "cas k 2 60 4 123\r\ndata\r\n",
		},
		{
			name: "empty value",
			got:  AppendStore(nil, Set, "k", 0, 0, 0, false, nil),
			want: "set k 0 0 0\r\n\r\n",
		},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, string(tc.got), tc.name)
	}
}

func TestAppendGet(t *testing.T) {
	require.Equal(t, "get key\r\n", string(AppendGet(nil, []string{"key"}, false)))
	require.Equal(t, "get a b c\r\n", string(AppendGet(nil, []string{"a", "b", "c"}, false)))
	require.Equal(t, "gets key\r\n", string(AppendGet(nil, []string{"key"}, true)))
}

func TestAppendMisc(t *testing.T) {
	require.Equal(t, "delete key\r\n", string(AppendDelete(nil, "key", false)))
	require.Equal(t, "delete key noreply\r\n", string(AppendDelete(nil, "key", true)))
	require.Equal(t, "incr counter 2\r\n", string(AppendIncrDecr(nil, Incr, "counter", 2, false)))
	require.Equal(t, "decr counter 1\r\n", string(AppendIncrDecr(nil, Decr, "counter", 1, false)))
	require.Equal(t, "touch key 60\r\n", string(AppendTouch(nil, "key", 60, false)))
	require.Equal(t, "flush_all\r\n", string(AppendFlushAll(nil, 0, false)))
	require.Equal(t, "flush_all 10\r\n", string(AppendFlushAll(nil, 10, false)))
	require.Equal(t, "flush_all noreply\r\n", string(AppendFlushAll(nil, 0, true)))
	require.Equal(t, "version\r\n", string(AppendVersion(nil)))
	require.Equal(t, "stats\r\n", string(AppendStats(nil)))
	require.Equal(t, "stats items\r\n", string(AppendStats(nil, "items")))
}

func TestAppendStore_Pipelined(t *testing.T) {
	var buf []byte
	buf = AppendStore(buf, Set, "a", 0, 0, 0, false, []byte("1"))
	buf = AppendStore(buf, Set, "b", 0, 0, 0, false, []byte("2"))
	require.Equal(t, "set a 0 0 1\r\n1\r\nset b 0 0 1\r\n2\r\n", string(buf))
}

func TestCheckKey(t *testing.T) {
	require.NoError(t, CheckKey("key"))
	require.NoError(t, CheckKey("ns:user:42"))
	require.NoError(t, CheckKey(strings.Repeat("k", MaxKeyLen)))

	var ce *ClientError
	require.ErrorAs(t, CheckKey(""), &ce)
	require.ErrorAs(t, CheckKey(strings.Repeat("k", MaxKeyLen+1)), &ce)
	require.ErrorAs(t, CheckKey("has space"), &ce)
	require.ErrorAs(t, CheckKey("tab\there"), &ce)
	require.ErrorAs(t, CheckKey("new\nline"), &ce)
	require.ErrorAs(t, CheckKey("nul\x00byte"), &ce)
	require.ErrorAs(t, CheckKey("ctrl\x01"), &ce)
	require.ErrorAs(t, CheckKey("héllo"), &ce)
}

func TestCheckValue(t *testing.T) {
	require.NoError(t, CheckValue(make([]byte, MaxValueSize), 0))

	var ce *ClientError
	require.ErrorAs(t, CheckValue(make([]byte, MaxValueSize+1), 0), &ce)
	require.ErrorAs(t, CheckValue(make([]byte, 101), 100), &ce)
	require.NoError(t, CheckValue(make([]byte, 100), 100))
}

func TestTTLSeconds(t *testing.T) {
	now := time.Now().Unix()
	require.Equal(t, int64(0), TTLSeconds(0, now))
	require.Equal(t, int64(300), TTLSeconds(300, now))
	require.Equal(t, int64(relativeTTLMax), TTLSeconds(relativeTTLMax, now))
	// beyond 30 days the wire wants absolute unix time
	require.Equal(t, now+relativeTTLMax+1, TTLSeconds(relativeTTLMax+1, now))
}

func TestCheckErrorLine(t *testing.T) {
	require.NoError(t, CheckErrorLine([]byte("VALUE k 0 1")))
	require.NoError(t, CheckErrorLine([]byte("STORED")))

	require.ErrorIs(t, CheckErrorLine([]byte("ERROR")), ErrUnknownCommand)

	var ce *ClientError
	err := CheckErrorLine([]byte("CLIENT_ERROR bad data chunk"))
	require.ErrorAs(t, err, &ce)
	require.Equal(t, "bad data chunk", ce.Msg)

	var se *ServerError
	err = CheckErrorLine([]byte("SERVER_ERROR out of memory storing object"))
	require.ErrorAs(t, err, &se)
	require.Equal(t, "out of memory storing object", se.Msg)
}

func TestParseStoreReply(t *testing.T) {
	res, err := ParseStoreReply(Set, []byte("STORED"))
	require.NoError(t, err)
	require.Equal(t, StoreStored, res)

	res, err = ParseStoreReply(Add, []byte("NOT_STORED"))
	require.NoError(t, err)
	require.Equal(t, StoreNotStored, res)

	res, err = ParseStoreReply(Cas, []byte("EXISTS"))
	require.NoError(t, err)
	require.Equal(t, StoreExists, res)

	res, err = ParseStoreReply(Cas, []byte("NOT_FOUND"))
	require.NoError(t, err)
	require.Equal(t, StoreNotFound, res)

	var pe *ProtocolError
	// NOT_FOUND is not in set's legal vocabulary
	_, err = ParseStoreReply(Set, []byte("NOT_FOUND"))
	require.ErrorAs(t, err, &pe)

	_, err = ParseStoreReply(Set, []byte("BOGUS"))
	require.ErrorAs(t, err, &pe)
}

func TestParseDeleteReply(t *testing.T) {
	deleted, err := ParseDeleteReply([]byte("DELETED"))
	require.NoError(t, err)
	require.True(t, deleted)

	deleted, err = ParseDeleteReply([]byte("NOT_FOUND"))
	require.NoError(t, err)
	require.False(t, deleted)

	var pe *ProtocolError
	_, err = ParseDeleteReply([]byte("STORED"))
	require.ErrorAs(t, err, &pe)
}

func TestParseTouchReply(t *testing.T) {
	touched, err := ParseTouchReply([]byte("TOUCHED"))
	require.NoError(t, err)
	require.True(t, touched)

	touched, err = ParseTouchReply([]byte("NOT_FOUND"))
	require.NoError(t, err)
	require.False(t, touched)
}

func TestParseIncrDecrReply(t *testing.T) {
	val, found, err := ParseIncrDecrReply([]byte("5"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, uint64(5), val)

	_, found, err = ParseIncrDecrReply([]byte("NOT_FOUND"))
	require.NoError(t, err)
	require.False(t, found)

	var pe *ProtocolError
	_, _, err = ParseIncrDecrReply([]byte("what"))
	require.ErrorAs(t, err, &pe)
}

func TestParseVersionReply(t *testing.T) {
	v, err := ParseVersionReply([]byte("VERSION 1.6.21"))
	require.NoError(t, err)
	require.Equal(t, "1.6.21", v)

	var pe *ProtocolError
	_, err = ParseVersionReply([]byte("1.6.21"))
	require.ErrorAs(t, err, &pe)
}

func TestParseFlushReply(t *testing.T) {
	require.NoError(t, ParseFlushReply([]byte("OK")))

	var pe *ProtocolError
	require.ErrorAs(t, ParseFlushReply([]byte("NO")), &pe)
}
