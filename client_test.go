package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/btcsuite/btclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedTransport plays back a server's datagrams once the first request
// has been sent. Stale datagrams are readable before that.
type scriptedTransport struct {
	stale  [][]byte
	script [][]byte
	queue  [][]byte
	sent   [][]byte
	polls  int
	closed bool
}

func (s *scriptedTransport) Send(b []byte) error {
	s.sent = append(s.sent, append([]byte(nil), b...))
	if len(s.sent) == 1 {
		s.queue = append(s.queue, s.script...)
	}
	return nil
}

func (s *scriptedTransport) Receive(time.Duration) ([]byte, error) {
	s.polls++
	if len(s.stale) > 0 {
		b := s.stale[0]
		s.stale = s.stale[1:]
		return b, nil
	}
	if len(s.queue) > 0 {
		b := s.queue[0]
		s.queue = s.queue[1:]
		return b, nil
	}
	return nil, errTimeout
}

func (s *scriptedTransport) Close() error {
	s.closed = true
	return nil
}

// serverDatagrams returns what a server would send for data.
func serverDatagrams(t *testing.T, data []byte, capacity int) [][]byte {
	var out [][]byte
	_, err := newSequencer(capacity, 0, nil, nil).Transmit(data, collect(&out))
	require.NoError(t, err)
	return out
}

func testClient(tr Transport, dir string) *Client {
	policy := RetryPolicy{MaxAttempts: 3, Timeout: time.Second}
	return newClient(tr, policy, dir, defaultBufferSize-chunkIndexSize, clock.NewMock(), nil)
}

func TestDownloadReport(t *testing.T) {
	dir := t.TempDir()
	data := randomBytes(10000, 42)
	tr := &scriptedTransport{script: serverDatagrams(t, data, 4086)}
	c := testClient(tr, dir)

	var progress []uint32
	c.onProgress = func(name string, meta Metadata, received uint32, bytes int) {
		assert.Equal(t, "report.txt", name)
		assert.Equal(t, uint32(3), meta.TotalChunks)
		progress = append(progress, received)
	}

	res, err := c.Download("report.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(10000), res.Size)
	assert.Equal(t, uint32(3), res.Chunks)
	assert.Equal(t, filepath.Join(dir, "report.txt"), res.Path)
	assert.Equal(t, []uint32{1, 2, 3}, progress)

	got, err := os.ReadFile(res.Path)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	require.Len(t, tr.sent, 1)
	assert.Equal(t, encodeRequest("report.txt"), tr.sent[0])
}

func TestDownloadEmptyFile(t *testing.T) {
	dir := t.TempDir()
	tr := &scriptedTransport{script: [][]byte{[]byte("0:0")}}
	res, err := testClient(tr, dir).Download("empty.txt")
	require.NoError(t, err)
	assert.Zero(t, res.Size)
	assert.Zero(t, res.Chunks)

	fi, err := os.Stat(filepath.Join(dir, "empty.txt"))
	require.NoError(t, err)
	assert.Zero(t, fi.Size())
}

func TestDownloadFailures(t *testing.T) {
	chunk := func(i uint32, p string) []byte { return encodeChunk(Chunk{Index: i, Payload: []byte(p)}) }
	tests := []struct {
		name   string
		script [][]byte
		want   error
	}{
		{
			name:   "not found",
			script: [][]byte{encodeError("file not found: report.txt")},
			want:   ErrFileNotFound,
		},
		{
			name:   "server reported",
			script: [][]byte{encodeError("something odd")},
			want:   ErrServerReported,
		},
		{
			name:   "no answer",
			script: nil,
			want:   ErrReceiveTimeoutExhausted,
		},
		{
			name:   "garbled metadata",
			script: [][]byte{[]byte("lots:of:fields")},
			want:   ErrMalformedMetadata,
		},
		{
			name:   "bad number",
			script: [][]byte{[]byte("-4:1")},
			want:   ErrNumberFormat,
		},
		{
			name:   "implausible metadata",
			script: [][]byte{[]byte("5:10")},
			want:   ErrMalformedMetadata,
		},
		{
			name:   "huge metadata",
			script: [][]byte{[]byte("17000000000000:4294967295")},
			want:   ErrFileTooLarge,
		},
		{
			name:   "lost chunk",
			script: [][]byte{[]byte("6:2"), chunk(0, "abc")},
			want:   ErrReceiveTimeoutExhausted,
		},
		{
			name:   "error mid stream",
			script: [][]byte{[]byte("6:2"), chunk(0, "abc"), encodeError("file read failure: report.txt")},
			want:   ErrFileReadFailure,
		},
		{
			name:   "short chunk",
			script: [][]byte{[]byte("6:2"), {0, 0}},
			want:   ErrMalformedChunk,
		},
		{
			name:   "overflow",
			script: [][]byte{[]byte("6:2"), chunk(0, "abcd"), chunk(1, "efg")},
			want:   ErrMalformedChunk,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			tr := &scriptedTransport{script: tc.script}
			_, err := testClient(tr, dir).Download("report.txt")
			require.ErrorIs(t, err, tc.want)
			assert.NoFileExists(t, filepath.Join(dir, "report.txt"))
		})
	}
}

func TestDownloadServerErrorVerbatim(t *testing.T) {
	tr := &scriptedTransport{script: [][]byte{encodeError("file not found: report.txt")}}
	_, err := testClient(tr, t.TempDir()).Download("report.txt")

	var serr *ServerError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "file not found: report.txt", serr.Message)
	assert.NotErrorIs(t, err, ErrFileUnreadable)
}

func TestDownloadDrainsStaleDatagrams(t *testing.T) {
	dir := t.TempDir()
	tr := &scriptedTransport{
		stale: [][]byte{
			encodeChunk(Chunk{Index: 7, Payload: []byte("leftover")}),
			encodeError("file not found: old.txt"),
		},
		script: serverDatagrams(t, []byte("hello"), 4086),
	}
	res, err := testClient(tr, dir).Download("hello.txt")
	require.NoError(t, err)

	got, err := os.ReadFile(res.Path)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))
}

func TestDownloadRejectsBadNameLocally(t *testing.T) {
	tr := &scriptedTransport{}
	_, err := testClient(tr, t.TempDir()).Download("../etc/passwd")
	assert.ErrorIs(t, err, ErrInvalidFileName)
	assert.Empty(t, tr.sent)
}

func TestDownloadLostChunkPollsPolicy(t *testing.T) {
	tr := &scriptedTransport{script: [][]byte{[]byte("6:2"), encodeChunk(Chunk{Index: 0, Payload: []byte("abc")})}}
	_, err := testClient(tr, t.TempDir()).Download("report.txt")
	require.ErrorIs(t, err, ErrReceiveTimeoutExhausted)
	// One drain poll, metadata, first chunk, then three timed out attempts.
	assert.Equal(t, 1+1+1+3, tr.polls)
	assert.Len(t, tr.sent, 1, "a lost chunk is never re-requested")
}

func TestDownloadSizeLimit(t *testing.T) {
	data := randomBytes(5000, 8)

	tr := &scriptedTransport{script: serverDatagrams(t, data, 4086)}
	c := testClient(tr, t.TempDir())
	c.maxSize = 4999
	_, err := c.Download("report.txt")
	require.ErrorIs(t, err, ErrFileTooLarge)
	assert.Equal(t, 1+1, tr.polls, "no chunk is read once the size is refused")

	tr = &scriptedTransport{script: serverDatagrams(t, data, 4086)}
	c = testClient(tr, t.TempDir())
	c.maxSize = 5000
	res, err := c.Download("report.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(5000), res.Size)
}

func TestNewClientUsesInjectedLogger(t *testing.T) {
	c := testClient(&scriptedTransport{}, t.TempDir())
	assert.Equal(t, btclog.Disabled, c.retrier.log)
	assert.Equal(t, btclog.Disabled, c.log)
	assert.Equal(t, int64(defaultMaxFileSize), c.maxSize)
}

func TestTransferStateString(t *testing.T) {
	assert.Equal(t, "Idle", stateIdle.String())
	assert.Equal(t, "MetadataReceived", stateMetadataReceived.String())
	assert.Equal(t, "Failed", stateFailed.String())
	assert.Equal(t, "transferState(42)", transferState(42).String())
}
