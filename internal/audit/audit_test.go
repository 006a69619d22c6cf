package audit

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	err     error
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string][]byte)}
}

func (f *fakeS3) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	body, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[*params.Bucket+"/"+*params.Key] = body
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.objects)
}

func (f *fakeS3) lines() []Record {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []Record
	for _, body := range f.objects {
		scanner := bufio.NewScanner(bytes.NewReader(body))
		for scanner.Scan() {
			var rec Record
			if err := json.Unmarshal(scanner.Bytes(), &rec); err == nil {
				out = append(out, rec)
			}
		}
	}
	return out
}

func TestS3WriterWritesJSONLines(t *testing.T) {
	client := newFakeS3()
	writer := NewS3WriterWithClient(client, "audit", "charges/", "pod-0")
	writer.now = func() time.Time { return time.Date(2024, 3, 5, 14, 30, 22, 123, time.UTC) }

	key, err := writer.WriteBatch(context.Background(), []*Record{
		{JobID: "j1", Mode: "paid", Amount: 5, Result: "committed"},
		{JobID: "j2", Mode: "free", Amount: 1, Result: "committed"},
	})
	require.NoError(t, err)
	assert.Equal(t, "charges/2024/03/05/pod-0-20240305-143022-123.jsonl", key)

	lines := client.lines()
	require.Len(t, lines, 2)

	key, err = writer.WriteBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, key)
	assert.Equal(t, 1, client.count())
}

func TestS3WriterUploadError(t *testing.T) {
	client := newFakeS3()
	client.err = errors.New("access denied")
	writer := NewS3WriterWithClient(client, "audit", "", "pod-0")

	_, err := writer.WriteBatch(context.Background(), []*Record{{JobID: "j1"}})
	assert.ErrorContains(t, err, "access denied")
}

func TestBufferedSinkFlushesOnSize(t *testing.T) {
	client := newFakeS3()
	sink := NewBufferedSink(NewS3WriterWithClient(client, "audit", "", "pod-0"), BufferedSinkConfig{
		BufferSize:    10,
		FlushSize:     2,
		FlushInterval: time.Hour,
	}, nil)
	defer sink.Shutdown(context.Background())

	require.NoError(t, sink.Enqueue(&Record{JobID: "a"}))
	require.NoError(t, sink.Enqueue(&Record{JobID: "b"}))

	assert.Eventually(t, func() bool { return len(client.lines()) == 2 }, time.Second, 10*time.Millisecond)
}

func TestBufferedSinkFlushesOnShutdown(t *testing.T) {
	client := newFakeS3()
	sink := NewBufferedSink(NewS3WriterWithClient(client, "audit", "", "pod-0"), BufferedSinkConfig{
		BufferSize:    10,
		FlushSize:     100,
		FlushInterval: time.Hour,
	}, nil)

	require.NoError(t, sink.Enqueue(&Record{JobID: "a"}))
	require.NoError(t, sink.Shutdown(context.Background()))

	assert.Len(t, client.lines(), 1)
	assert.ErrorIs(t, sink.Enqueue(&Record{JobID: "late"}), ErrBufferFull)
}

func TestNoopSink(t *testing.T) {
	sink := NewNoopSink()
	assert.NoError(t, sink.Enqueue(&Record{}))
	assert.NoError(t, sink.Shutdown(context.Background()))
}
